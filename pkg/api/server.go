// Package api is the HTTP surface: workflow control, device pairing, the
// event WebSocket, health, and the sandbox proxy mount.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/amelia-ai/amelia/pkg/events"
	"github.com/amelia-ai/amelia/pkg/knowledge"
	"github.com/amelia-ai/amelia/pkg/state"
	"github.com/amelia-ai/amelia/pkg/store"
)

// WorkflowService is the slice of the orchestrator the handlers need.
type WorkflowService interface {
	Start(ctx context.Context, profileID string, issue state.Issue) (string, error)
	Get(ctx context.Context, workflowID string) (*store.Checkpoint, error)
	Approve(ctx context.Context, workflowID string) error
	Reject(ctx context.Context, workflowID string) error
	Cancel(ctx context.Context, workflowID string) error
}

// WorkflowLister lists workflow summaries. *store.CheckpointStore satisfies
// it.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]store.WorkflowSummary, error)
}

// DeviceService manages paired devices. *store.DeviceStore satisfies it.
type DeviceService interface {
	Register(ctx context.Context, name, model string) (*store.Device, string, error)
	Authenticate(ctx context.Context, token string) (*store.Device, error)
	UpdateLastSeen(ctx context.Context, deviceID string) error
	Revoke(ctx context.Context, deviceID string) error
	List(ctx context.Context) ([]store.Device, error)
}

// PairingService manages one-time pairing tokens. *store.PairingTokenStore
// satisfies it.
type PairingService interface {
	Create(ctx context.Context) (string, time.Time, error)
	Claim(ctx context.Context, token, deviceID string) error
}

// Pinger reports persistence reachability for the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server wires the handlers to their dependencies.
type Server struct {
	workflows  WorkflowService
	lister     WorkflowLister
	devices    DeviceService
	pairing    PairingService
	manager    *events.ConnectionManager
	ingestion  knowledge.Queue
	db         Pinger
	proxy      http.Handler
	serverName string

	generateLimit *rate.Limiter
	exchangeLimit *rate.Limiter
}

// Config collects the server's dependencies.
type Config struct {
	Workflows  WorkflowService
	Lister     WorkflowLister
	Devices    DeviceService
	Pairing    PairingService
	Manager    *events.ConnectionManager
	Ingestion  knowledge.Queue
	DB         Pinger
	Proxy      http.Handler
	ServerName string
}

// NewServer builds the API server. Rate limits follow the pairing contract:
// 5 generates and 10 exchanges per minute.
func NewServer(cfg Config) *Server {
	name := cfg.ServerName
	if name == "" {
		name = "amelia"
	}
	return &Server{
		workflows:     cfg.Workflows,
		lister:        cfg.Lister,
		devices:       cfg.Devices,
		pairing:       cfg.Pairing,
		manager:       cfg.Manager,
		ingestion:     cfg.Ingestion,
		db:            cfg.DB,
		proxy:         cfg.Proxy,
		serverName:    name,
		generateLimit: rate.NewLimiter(rate.Every(time.Minute/5), 5),
		exchangeLimit: rate.NewLimiter(rate.Every(time.Minute/10), 10),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/api/health", s.health)

	pair := router.Group("/api/pair")
	pair.POST("/generate", s.rateLimited(s.generateLimit), s.generatePairToken)
	pair.POST("/exchange", s.rateLimited(s.exchangeLimit), s.exchangePairToken)

	authed := router.Group("/api", s.deviceAuth())
	authed.POST("/workflows", s.startWorkflow)
	authed.GET("/workflows", s.listWorkflows)
	authed.GET("/workflows/:id", s.getWorkflow)
	authed.POST("/workflows/:id/approve", s.approveWorkflow)
	authed.POST("/workflows/:id/reject", s.rejectWorkflow)
	authed.POST("/workflows/:id/cancel", s.cancelWorkflow)
	authed.POST("/ingest", s.queueIngestion)
	authed.GET("/pair/devices", s.listDevices)
	authed.DELETE("/pair/devices/:id", s.revokeDevice)

	router.GET("/ws/events", s.deviceAuthWS(), s.handleEvents)

	if s.proxy != nil {
		router.Any("/proxy/v1/*path", gin.WrapH(s.proxy))
	}
	return router
}
