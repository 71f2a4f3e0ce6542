package publicapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// Credential headers. A caller may present the shared key directly, or ask
// for a nonce and answer with an HMAC over it so the key itself never
// crosses the wire.
const (
	HeaderAccessKey = "x-si64-key"
	HeaderNonce     = "x-si64-nonce"
	HeaderHMAC      = "x-si64-hmac"
)

const nonceTTL = 30 * time.Second

type issuedNonce struct {
	value   string
	expires time.Time
}

// authenticator validates handshake credentials. Nonces are single-use and
// expire quickly; an unanswered nonce costs nothing to forget.
type authenticator struct {
	accessKey string

	mu     sync.Mutex
	nonces map[string]issuedNonce
}

func newAuthenticator(accessKey string) *authenticator {
	return &authenticator{
		accessKey: accessKey,
		nonces:    map[string]issuedNonce{},
	}
}

func (a *authenticator) issueNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	nonce := hex.EncodeToString(buf)

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, v := range a.nonces {
		if time.Now().After(v.expires) {
			delete(a.nonces, k)
		}
	}
	a.nonces[nonce] = issuedNonce{value: nonce, expires: time.Now().Add(nonceTTL)}
	return nonce
}

func (a *authenticator) consumeNonce(nonce string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	issued, ok := a.nonces[nonce]
	if !ok {
		return false
	}
	delete(a.nonces, nonce)
	return time.Now().Before(issued.expires)
}

func (a *authenticator) expectedHMAC(nonce string) string {
	mac := hmac.New(sha256.New, []byte(a.accessKey))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// authorize checks a request's credentials. On failure it returns an
// unauthorized response that carries a fresh nonce so the caller can retry
// with the challenge flow.
func (a *authenticator) authorize(c echo.Context) error {
	if key := c.Request().Header.Get(HeaderAccessKey); key != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.accessKey)) == 1 {
			return nil
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access key")
	}

	nonce := c.Request().Header.Get(HeaderNonce)
	proof := c.Request().Header.Get(HeaderHMAC)
	if nonce != "" && proof != "" {
		if !a.consumeNonce(nonce) {
			return echo.NewHTTPError(http.StatusUnauthorized, "unknown or expired nonce")
		}
		if subtle.ConstantTimeCompare([]byte(proof), []byte(a.expectedHMAC(nonce))) == 1 {
			return nil
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid challenge response")
	}

	c.Response().Header().Set(HeaderNonce, a.issueNonce())
	return echo.NewHTTPError(http.StatusUnauthorized, "credentials required")
}

// middleware applies authorize to every request in a group.
func (a *authenticator) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := a.authorize(c); err != nil {
			return err
		}
		return next(c)
	}
}
