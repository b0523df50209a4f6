// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/service"
)

// Service interfaces for dependency injection and testing

// CampaignServiceInterface defines the campaign read and write operations
type CampaignServiceInterface interface {
	ListCampaigns(ctx context.Context, input *service.ListCampaignsInput) (*service.ListCampaignsResult, error)
	GetCampaign(ctx context.Context, address string) (*service.CampaignDetail, error)
	ListEvents(ctx context.Context, input *service.ListEventsInput) (*service.ListEventsResult, error)
	RecordDonation(ctx context.Context, address string, input *service.RecordDonationInput) (*service.RecordDonationResult, error)
	CreateCampaign(ctx context.Context, input *service.CreateCampaignInput) (*service.CampaignDetail, error)
}

// IndexerStatusSource reports the indexing progress
type IndexerStatusSource interface {
	IndexerStatus(ctx context.Context) (*models.IndexerStatus, error)
	IsContractDeployed(ctx context.Context, address string) (bool, error)
}

// StoreProbe checks the projection store
type StoreProbe interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (*models.StoreStats, error)
}

// Server represents the HTTP API server.
type Server struct {
	router          *mux.Router
	httpServer      *http.Server
	campaignService CampaignServiceInterface
	indexer         IndexerStatusSource
	store           StoreProbe
	metrics         *metrics.Metrics
	logger          *logging.Logger
	config          *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RateLimit       int    // requests per second per client, 0 disables
	FactoryAddress  string // checked by the indexer health endpoint when set
}

// NewServer creates a new API server instance.
func NewServer(
	config *ServerConfig,
	campaignService CampaignServiceInterface,
	indexer IndexerStatusSource,
	store StoreProbe,
	m *metrics.Metrics,
	logger *logging.Logger,
) *Server {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{
		router:          mux.NewRouter(),
		campaignService: campaignService,
		indexer:         indexer,
		store:           store,
		metrics:         m,
		logger:          logger.WithField("component", "api"),
		config:          config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RateLimit)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(MetricsMiddleware(s.metrics))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter)) // Rate limiting after CORS
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes. OPTIONS is routed so that the CORS
// middleware sees preflight requests.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/health/indexer", s.handleIndexerHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/campaigns", s.handleListCampaigns).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/campaigns", s.handleCreateCampaign).Methods(http.MethodPost)
	api.HandleFunc("/campaigns/{address}", s.handleGetCampaign).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/campaigns/{address}/events", s.handleListEvents).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/campaigns/{address}/donations", s.handleRecordDonation).Methods(http.MethodPost, http.MethodOptions)
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
