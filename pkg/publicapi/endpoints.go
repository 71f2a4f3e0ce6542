package publicapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/si64-net/si64/pkg/coordination"
	"github.com/si64-net/si64/pkg/fleet"
	"github.com/si64-net/si64/pkg/ledger"
	"github.com/si64-net/si64/pkg/model"
	"github.com/si64-net/si64/pkg/scheduler"
	"github.com/si64-net/si64/pkg/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type endpoints struct {
	manager   *fleet.Manager
	scheduler *scheduler.Scheduler
	rentals   *scheduler.RentalDesk
	store     *coordination.Store
	vault     *ledger.Ledger
	metrics   *telemetry.Metrics
}

// connect upgrades an authenticated caller to the node session protocol
// and hands the transport to the fleet manager for its whole lifetime.
func (ep *endpoints) connect(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}
	ep.manager.Handle(c.Request().Context(), conn)
	return nil
}

type submitRequest struct {
	Type     string   `json:"type"`
	Prompt   string   `json:"prompt"`
	Hardware string   `json:"hardware_class"`
	Bounty   *float64 `json:"bounty,omitempty"`
}

type submitResponse struct {
	Status string  `json:"status"`
	JobID  string  `json:"job_id"`
	Value  float64 `json:"value"`
}

func (ep *endpoints) submit(c echo.Context) error {
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	var hw model.HardwareClass
	if req.Hardware != "" {
		parsed, err := model.ParseHardwareClass(req.Hardware)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		hw = parsed
	} else {
		hw = model.HardwareClassStandardGPU
	}

	job, err := ep.scheduler.Submit(c.Request().Context(), scheduler.SubmitRequest{
		Type:     req.Type,
		Payload:  req.Prompt,
		Hardware: hw,
		Bounty:   req.Bounty,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep.metrics.JobsSubmitted.Inc()

	return c.JSON(http.StatusOK, submitResponse{
		Status: "QUEUED",
		JobID:  job.ID,
		Value:  job.Bounty,
	})
}

type rentRequest struct {
	Renter   string  `json:"renter"`
	Hardware string  `json:"hardware_class"`
	Hours    float64 `json:"hours"`
}

type rentResponse struct {
	Status     string  `json:"status"`
	ContractID string  `json:"contract_id"`
	Value      float64 `json:"value"`
}

func (ep *endpoints) rent(c echo.Context) error {
	var req rentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	hw, err := model.ParseHardwareClass(req.Hardware)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := ep.rentals.Rent(c.Request().Context(), req.Renter, hw, req.Hours)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusOK, rentResponse{
		Status:     "CONTRACT_ISSUED",
		ContractID: rec.ContractID,
		Value:      rec.Total,
	})
}

type statsResponse struct {
	coordination.FleetSnapshot
	Sessions     int     `json:"sessions"`
	TotalRevenue float64 `json:"total_revenue"`
}

// stats degrades to zeroed figures when a backend is flapping; the read
// surface never turns an infrastructure wobble into a 500.
func (ep *endpoints) stats(c echo.Context) error {
	ctx := c.Request().Context()
	resp := statsResponse{
		FleetSnapshot: ep.store.Snapshot(ctx),
		Sessions:      ep.manager.SessionCount(),
	}
	if revenue, err := ep.vault.TotalRevenue(ctx); err == nil {
		resp.TotalRevenue = revenue
	} else {
		log.Ctx(ctx).Debug().Err(err).Msg("revenue read failed")
	}
	return c.JSON(http.StatusOK, resp)
}

func (ep *endpoints) activity(c echo.Context) error {
	entries, err := ep.vault.RecentActivity(c.Request().Context(), 25)
	if err != nil {
		log.Ctx(c.Request().Context()).Debug().Err(err).Msg("activity read failed")
		entries = []model.ActivityEntry{}
	}
	if entries == nil {
		entries = []model.ActivityEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

func (ep *endpoints) healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "OK"})
}
