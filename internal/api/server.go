// Package api exposes the batch engines over HTTP.
package api

import (
	"net/http"
	"sort"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"batch-engine/internal/events"
	"batch-engine/internal/orchestrator"
)

const engineKey = "engine"

// Options for creating Server.
type Options struct {
	Engines   []*orchestrator.Orchestrator
	Hub       *events.Hub // optional; enables /v1/ws
	JWTSecret []byte
	Logger    *zap.Logger
}

// Server routes requests to the engine named in the path.
type Server struct {
	router  *gin.Engine
	engines map[string]*orchestrator.Orchestrator
	hub     *events.Hub
	secret  []byte
	logger  *zap.Logger
}

// NewServer creates a new API server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("api")

	engines := make(map[string]*orchestrator.Orchestrator, len(opts.Engines))
	for _, e := range opts.Engines {
		engines[e.Product().Name] = e
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	s := &Server{
		router:  router,
		engines: engines,
		hub:     opts.Hub,
		secret:  opts.JWTSecret,
		logger:  logger,
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.health)

	v1 := s.router.Group("/v1")
	v1.GET("/products", s.listProducts)

	authed := v1.Group("", AuthMiddleware(s.secret))
	if s.hub != nil {
		authed.GET("/ws", s.serveWS)
	}

	p := authed.Group("/products/:product", s.resolveEngine)
	{
		p.GET("/config", s.getConfig)
		p.PUT("/config", s.reconfigure)
		p.POST("/pause", s.pause)
		p.POST("/unpause", s.unpause)

		p.GET("/fee", s.getFee)
		p.PUT("/fee", s.setFee)
		p.POST("/fee/sweep", s.sweepFee)

		p.GET("/batches/current/:kind", s.getCurrentBatch)
		p.GET("/batches/:id", s.getBatch)
		p.GET("/batches/:id/positions/:account", s.getPosition)
		p.GET("/eligibility/:kind", s.getEligibility)
		p.GET("/accounts/:account/batches", s.getAccountBatches)
		p.GET("/accounts/:account/claimable/:kind", s.getClaimable)

		p.POST("/deposits", s.deposit)
		p.POST("/withdrawals", s.withdraw)
		p.POST("/process", s.process)
		p.POST("/claims", s.claim)
		p.POST("/hotswap", s.hotSwap)
		p.POST("/hotswap/plan", s.hotSwapPlan)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listProducts(c *gin.Context) {
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"products": names})
}

func (s *Server) resolveEngine(c *gin.Context) {
	engine, ok := s.engines[c.Param("product")]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, errorResponse{Error: "unknown_product", Message: "unknown product " + c.Param("product")})
		return
	}
	c.Set(engineKey, engine)
	c.Next()
}

func engineFrom(c *gin.Context) *orchestrator.Orchestrator {
	return c.MustGet(engineKey).(*orchestrator.Orchestrator)
}

// serveWS streams events. ?account=0x... narrows the stream to one account.
func (s *Server) serveWS(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request, c.Query("account"))
}
