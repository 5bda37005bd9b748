package transport

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/avery-oss/signalbroker/internal/admission"
	"github.com/avery-oss/signalbroker/internal/broker"
	"github.com/avery-oss/signalbroker/internal/frame"
	"github.com/avery-oss/signalbroker/internal/health"
	"github.com/avery-oss/signalbroker/internal/logging"
	"github.com/avery-oss/signalbroker/internal/metrics"
	"github.com/avery-oss/signalbroker/internal/middleware"
	"github.com/avery-oss/signalbroker/internal/ratelimit"
)

// Server is the connection handler (component G): it owns the WebSocket
// upgrade and admission sequence, and hands every accepted stream off to a
// Client. Origin and token checks run after the WebSocket upgrade so a
// rejection can carry the documented close code (§4.G); the gorilla
// upgrader's own origin check is therefore disabled.
type Server struct {
	broker     *broker.Broker
	policy     admission.Policy
	queueDepth int
	upgrader   websocket.Upgrader
}

// NewServer builds a Server. queueDepth bounds each client's outbound frame
// queue (§5: "outbound queues are bounded").
func NewServer(b *broker.Broker, policy admission.Policy, queueDepth int) *Server {
	return &Server{
		broker:     b,
		policy:     policy,
		queueDepth: queueDepth,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func closeWithReason(conn wsConnection, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// ServeWs implements the full admission sequence (§4.G steps 1-6) and then
// blocks for the lifetime of the connection.
func (s *Server) ServeWs(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	if s.broker.Registry.AtCapacity() {
		closeWithReason(conn, 1013, string(admission.ReasonOverloaded))
		return
	}
	if !s.policy.CheckOrigin(c.Request) {
		closeWithReason(conn, 1008, string(admission.ReasonOriginNotAllowed))
		return
	}
	if !s.policy.CheckToken(c.Request) {
		closeWithReason(conn, 4001, string(admission.ReasonAuthFailed))
		return
	}

	client := NewClient(conn, s.queueDepth)
	rec, err := s.broker.Admit(client)
	if err != nil {
		closeWithReason(conn, 1013, string(admission.ReasonOverloaded))
		return
	}

	client.OnPong(func() { rec.SetAlive(true) })
	go client.writePump()

	idFrame, err := frame.New("id", map[string]any{"id": rec.ID})
	if err != nil {
		logging.Error(c.Request.Context(), "failed to build id frame", zap.Error(err))
		s.broker.Evict(c.Request.Context(), rec.ID)
		return
	}
	client.EnqueueFrame(idFrame)
	metrics.IncClient()

	client.readPump(c.Request.Context(), s.broker, rec.ID)
}

// Status serves the read-only snapshot described in §4.H.
func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, s.broker.Snapshot())
}

// RegisterRoutes wires the full HTTP surface onto engine: CORS, the HTTP
// rate limiter on every non-WS route, health probes, the status endpoint,
// metrics, and the WebSocket upgrade itself.
func RegisterRoutes(engine *gin.Engine, srv *Server, healthHandler *health.Handler, httpLimiter *ratelimit.HTTPLimiter, allowedOrigins []string) {
	corsCfg := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsCfg.AllowOrigins = allowedOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	engine.Use(cors.New(corsCfg))
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("signalbroker"))
	engine.Use(middleware.CorrelationID())

	httpSurface := engine.Group("/")
	if httpLimiter != nil {
		httpSurface.Use(httpLimiter.Middleware())
	}
	httpSurface.GET("/status", srv.Status)
	httpSurface.GET("/healthz", healthHandler.Liveness)
	httpSurface.GET("/readyz", healthHandler.Readiness)
	httpSurface.GET("/metrics", gin.WrapH(promhttp.Handler()))

	engine.GET("/ws", srv.ServeWs)
}
