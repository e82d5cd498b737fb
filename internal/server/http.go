package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"itfits/backend/internal/realtime"
	"itfits/backend/internal/transport/ws"
)

// Connector performs the realtime handshake for an upgraded transport.
type Connector interface {
	Connect(ctx context.Context, userID, ip string, t realtime.Transport) (*realtime.Connection, error)
}

// HealthChecker reports the current serving status.
type HealthChecker interface {
	Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus
}

// HTTPDeps holds the dependencies of the HTTP router. Health may be nil.
type HTTPDeps struct {
	Connector Connector
	Health    HealthChecker
	WS        ws.Options
	Logger    *zap.Logger
}

// NewHTTPHandler returns the gin engine serving the websocket endpoint and /healthz.
func NewHTTPHandler(deps HTTPDeps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	h := &wsHandler{connector: deps.Connector, opts: deps.WS, log: log.Named("ws")}
	r.GET("/users/:user_id", h.serve)
	r.GET("/users/:user_id/", h.serve)

	r.GET("/healthz", func(c *gin.Context) {
		status := healthpb.HealthCheckResponse_SERVING
		if deps.Health != nil {
			status = deps.Health.Check(c.Request.Context())
		}
		code := http.StatusOK
		if status != healthpb.HealthCheckResponse_SERVING {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"status": status.String()})
	})
	return r
}

type wsHandler struct {
	connector Connector
	opts      ws.Options
	log       *zap.Logger
}

// serve upgrades the request, runs the handshake and then the connection's receive loop until it ends.
// Handshake failures close the socket with a close frame since the HTTP response is already gone.
func (h *wsHandler) serve(c *gin.Context) {
	userID := c.Param("user_id")
	conn, err := ws.Upgrade(c.Writer, c.Request, h.opts)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.log.Debug("upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	rc, err := h.connector.Connect(c.Request.Context(), userID, c.ClientIP(), conn)
	if err != nil {
		code, text := handshakeClose(err)
		h.log.Info("handshake rejected", zap.String("user_id", userID), zap.Int("close_code", code), zap.Error(err))
		conn.Close(code, text)
		return
	}
	if err := rc.Serve(c.Request.Context()); err != nil {
		h.log.Debug("connection ended", zap.String("user_id", userID), zap.String("session_id", rc.SessionID()), zap.Error(err))
	}
}

func handshakeClose(err error) (int, string) {
	switch {
	case errors.Is(err, realtime.ErrShuttingDown):
		return ws.CloseGoingAway, "server shutting down"
	case errors.Is(err, realtime.ErrUserNotFound):
		return ws.ClosePolicyViolation, "user not found"
	case errors.Is(err, realtime.ErrFingerprintNotFound):
		return ws.ClosePolicyViolation, "fingerprint not found"
	default:
		return ws.CloseInternalError, "internal error"
	}
}
