package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"execution-core/internal/engine"
	"execution-core/internal/events"
)

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router    *gin.Engine
	Engine    engine.Service
	Bus       *events.Bus
	Metrics   http.Handler
	JWTSecret string
	log       zerolog.Logger
}

// NewServer builds the router. metrics may be nil, in which case /metrics
// is not mounted.
func NewServer(svc engine.Service, bus *events.Bus, metrics http.Handler, jwtSecret string, log zerolog.Logger) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))
	r.Use(RateLimitMiddleware(newLimiterStore(20, 50, 5*time.Minute), log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Engine:    svc,
		Bus:       bus,
		Metrics:   metrics,
		JWTSecret: jwtSecret,
		log:       log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", AuthMiddleware(s.JWTSecret), s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics))
	}

	api := s.Router.Group("/api")
	api.Use(TimeoutMiddleware(30 * time.Second))
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/portfolio", s.getPortfolio)
		api.GET("/orders", s.getOrders)
		api.GET("/equity", s.getEquity)
		api.GET("/risk/metrics", s.getRiskMetrics)
		api.GET("/signals", s.getSignals)
		api.GET("/guard", s.getGuard)
		api.GET("/policy", s.getPolicy)

		// Mutations require an operator token.
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.PUT("/guard", s.setGuard)
			protected.POST("/signals", s.submitSignal)
			protected.POST("/positions/close", s.closePosition)
			protected.POST("/policy/reload", s.reloadPolicy)
			protected.POST("/risk/check", s.runRiskCheck)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "guard": s.Engine.GetGuard(c.Request.Context()).Mode})
}
