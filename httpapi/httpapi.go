// Package httpapi exposes the collaborator-facing HTTP surface: session
// issuance for a resource, authenticated by an HS256 JWT bearer token,
// and a Prometheus scrape endpoint.
package httpapi

import (
	"net/http"
	"strconv"

	jwtv3 "github.com/golang-jwt/jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/srtrelay/log"
	"github.com/relaymesh/srtrelay/session"
)

// Config bundles the collaborators the HTTP surface needs.
type Config struct {
	Issuer    session.Issuer
	Registry  prometheus.Gatherer
	JWTSecret string
	Logger    log.Logger
}

// New builds the echo server. It does not start listening; call
// (*echo.Echo).Start or echo.StartServer separately.
func New(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())

	jwtMiddleware := middleware.JWTWithConfig(middleware.JWTConfig{
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    "token",
		TokenLookup:   "header:" + echo.HeaderAuthorization,
		AuthScheme:    "Bearer",
		Claims:        jwtv3.MapClaims{},
		SigningKey:    []byte(cfg.JWTSecret),
	})

	h := &handler{issuer: cfg.Issuer, logger: cfg.Logger}

	v1 := e.Group("/v1")
	v1.POST("/streams/:resource_id/sessions", h.issueSession, jwtMiddleware)

	e.GET("/v1/metrics", echo.WrapHandler(promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{})))

	return e
}

type handler struct {
	issuer session.Issuer
	logger log.Logger
}

type issueSessionResponse struct {
	ResourceID string `json:"resource_id"`
	SessionID  string `json:"session_id"`
	Mode       string `json:"mode"`
	ExpiresAt  string `json:"expires_at"`
}

func (h *handler) issueSession(c echo.Context) error {
	resourceID, err := strconv.ParseUint(c.Param("resource_id"), 16, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "resource_id must be hex")
	}

	mode := c.QueryParam("mode")
	if mode != "publish" && mode != "request" {
		return echo.NewHTTPError(http.StatusBadRequest, "mode must be publish or request")
	}

	sessionID, expiresAt, err := h.issuer.Issue(c.Request().Context(), resourceID, mode)
	if err != nil {
		h.logger.Error().WithError(err).Log("failed to issue session")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to issue session")
	}

	return c.JSON(http.StatusCreated, issueSessionResponse{
		ResourceID: c.Param("resource_id"),
		SessionID:  sessionID,
		Mode:       mode,
		ExpiresAt:  expiresAt.Format("2006-01-02T15:04:05Z07:00"),
	})
}
