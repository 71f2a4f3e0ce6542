package publicapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/fleet"
	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/logger"
	"github.com/si64-net/si64/pkg/model"
	"github.com/si64-net/si64/pkg/scheduler"
	"github.com/si64-net/si64/pkg/sentinel"
	"github.com/si64-net/si64/pkg/settlement"
	"github.com/si64-net/si64/pkg/telemetry"
)

const testAccessKey = "test-access-key"

type ServerSuite struct {
	suite.Suite
	store  *coordination.Store
	server *Server
	ctx    context.Context
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	logger.ConfigureTestLogging(s.T())
	mr := miniredis.RunT(s.T())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s.store = coordination.NewStore(coordination.StoreParams{Client: client})

	vault, err := ledger.New(ledger.Params{DatabasePath: filepath.Join(s.T().TempDir(), "vault.db")})
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = vault.Close() })

	sched := scheduler.New(scheduler.Params{
		Store:       s.store,
		Valuation:   scheduler.Valuation{Default: 0.0001},
		MaxBounty:   10,
		BountyTTL:   time.Hour,
		DispatchTTL: time.Hour,
	})
	guard := sentinel.New(sentinel.Params{
		Store:    s.store,
		Provider: settlement.NewSimulatedProvider(),
	})
	manager := fleet.NewManager(fleet.ManagerParams{
		Store:         s.store,
		Scheduler:     sched,
		Sentinel:      guard,
		Ledger:        vault,
		LivenessTTL:   5 * time.Second,
		WorkerFee:     0.90,
		DefaultBounty: 0.0001,
		MaxSafeTempC:  85,
	})

	s.server = NewServer(ServerParams{
		Address:        "127.0.0.1:0",
		AccessKey:      testAccessKey,
		RequestsPerMin: 6000,
		Manager:        manager,
		Scheduler:      sched,
		Rentals:        scheduler.NewRentalDesk(scheduler.RentalDeskParams{Ledger: vault}),
		Store:          s.store,
		Ledger:         vault,
		Metrics:        telemetry.New(),
	})
	s.ctx = context.Background()
}

func (s *ServerSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (s *ServerSuite) TestSubmitRequiresCredential() {
	body := bytes.NewBufferString(`{"type":"DEFAULT","prompt":"x","hardware_class":"STANDARD_GPU"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", body)
	req.Header.Set(echoContentType, echoJSONType)

	rec := s.do(req)
	s.Equal(http.StatusUnauthorized, rec.Code)
	s.NotEmpty(rec.Header().Get(HeaderNonce), "rejection should carry a challenge nonce")
}

func (s *ServerSuite) TestSubmitWithStaticKey() {
	body := bytes.NewBufferString(`{"type":"DEFAULT","prompt":"x","hardware_class":"STANDARD_GPU"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", body)
	req.Header.Set(echoContentType, echoJSONType)
	req.Header.Set(HeaderAccessKey, testAccessKey)

	rec := s.do(req)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp submitResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("QUEUED", resp.Status)
	s.Len(resp.JobID, 8)
	s.Equal(0.0001, resp.Value)

	depth, err := s.store.QueueDepth(s.ctx, model.HardwareClassStandardGPU)
	s.Require().NoError(err)
	s.Equal(int64(1), depth)
}

func (s *ServerSuite) TestSubmitWithChallengeResponse() {
	// First request without credentials earns a nonce.
	first := httptest.NewRequest(http.MethodPost, "/api/v1/submit", nil)
	nonce := s.do(first).Header().Get(HeaderNonce)
	s.Require().NotEmpty(nonce)

	auth := newAuthenticator(testAccessKey)
	body := bytes.NewBufferString(`{"type":"DEFAULT","prompt":"x","hardware_class":"STANDARD_GPU"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", body)
	req.Header.Set(echoContentType, echoJSONType)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderHMAC, auth.expectedHMAC(nonce))

	rec := s.do(req)
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())

	// The nonce is single-use.
	rec = s.do(req)
	s.Equal(http.StatusUnauthorized, rec.Code)
}

func (s *ServerSuite) TestSubmitRejectsBadKey() {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", nil)
	req.Header.Set(HeaderAccessKey, "wrong")
	s.Equal(http.StatusUnauthorized, s.do(req).Code)
}

func (s *ServerSuite) TestSubmitRejectsInvalidJob() {
	body := bytes.NewBufferString(`{"type":"not valid!","prompt":"x","hardware_class":"STANDARD_GPU"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/submit", body)
	req.Header.Set(echoContentType, echoJSONType)
	req.Header.Set(HeaderAccessKey, testAccessKey)
	s.Equal(http.StatusBadRequest, s.do(req).Code)
}

func (s *ServerSuite) TestRentIssuesContract() {
	body := bytes.NewBufferString(`{"renter":"client","hardware_class":"APPLE_SILICON","hours":3}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rent", body)
	req.Header.Set(echoContentType, echoJSONType)
	req.Header.Set(HeaderAccessKey, testAccessKey)

	rec := s.do(req)
	s.Require().Equal(http.StatusOK, rec.Code, rec.Body.String())

	var resp rentResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal("CONTRACT_ISSUED", resp.Status)
	s.Contains(resp.ContractID, "CTR-")
	s.InDelta(0.006, resp.Value, 1e-9)
}

func (s *ServerSuite) TestStatsIsOpenAndZeroSafe() {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := s.do(req)
	s.Require().Equal(http.StatusOK, rec.Code)

	var resp statsResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	s.Equal(int64(0), resp.ActiveNodes)
	s.Equal(0.0, resp.TotalRevenue)
}

func (s *ServerSuite) TestActivityEmptyIsArray() {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/activity", nil)
	rec := s.do(req)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal("[]", string(bytes.TrimSpace(rec.Body.Bytes())))
}

func (s *ServerSuite) TestHealthz() {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Equal(http.StatusOK, s.do(req).Code)
}

func (s *ServerSuite) TestMetricsExposed() {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := s.do(req)
	s.Require().Equal(http.StatusOK, rec.Code)
}

const (
	echoContentType = "Content-Type"
	echoJSONType    = "application/json"
)
