package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/chadiek/turn-agent/internal/config"
	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/metrics"
	"github.com/chadiek/turn-agent/internal/middleware"
	"github.com/chadiek/turn-agent/internal/phone"
	"github.com/chadiek/turn-agent/internal/profile"
	"github.com/chadiek/turn-agent/internal/rtc"
	"github.com/labstack/echo/v4"
)

// Server bundles HTTP router and dependencies.
type Server struct {
	Router http.Handler
}

// Deps are the call surfaces the server exposes. Nil members leave their
// routes answering 503.
type Deps struct {
	Calls   *rtc.Handler
	Phone   *phone.Handler
	Profile profile.Profile
}

// New constructs the HTTP server with routes.
func New(cfg config.Config, deps Deps) *Server {
	e := newRouter()

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Profile the widget renders: name, greeting and quick actions.
	e.GET("/profile", func(c echo.Context) error {
		return c.JSON(http.StatusOK, deps.Profile)
	})

	// WebRTC signaling: single-shot offer/answer and trickle ICE over WebSocket.
	e.Any("/call", func(c echo.Context) error {
		return handleCall(c, cfg, deps.Calls)
	})
	e.GET("/ws", func(c echo.Context) error {
		if deps.Calls == nil {
			return c.NoContent(http.StatusServiceUnavailable)
		}
		deps.Calls.ServeWebSocket(c.Response(), c.Request(), cfg.AuthPassword)
		return nil
	})

	tw := e.Group("/twilio", middleware.TwilioAuth(func() string { return cfg.TwilioAuthToken }, cfg.BaseURL))
	if deps.Phone != nil {
		deps.Phone.Register(tw)
	}

	return &Server{Router: e}
}

func handleCall(c echo.Context, cfg config.Config, calls *rtc.Handler) error {
	w, r := c.Response(), c.Request()
	// Basic CORS for browser demos
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")
	if r.Method == http.MethodOptions {
		return c.NoContent(http.StatusNoContent)
	}
	if r.Method != http.MethodPost {
		return c.NoContent(http.StatusMethodNotAllowed)
	}
	if !rtcAuthOK(r, cfg.AuthPassword) {
		return c.NoContent(http.StatusUnauthorized)
	}

	var offer rtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		logger.Debug("invalid offer", "error", err)
		return c.NoContent(http.StatusBadRequest)
	}
	if calls == nil {
		return c.NoContent(http.StatusServiceUnavailable)
	}

	answer, err := calls.HandleOffer(r.Context(), offer)
	if err != nil {
		logger.Warn("webrtc handle offer failed", "error", err)
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

// rtcAuthOK accepts every request when no password is configured.
func rtcAuthOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	return rtc.Authorized(r, expected)
}
