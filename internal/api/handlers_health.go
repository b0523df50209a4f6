package api

import (
	"context"
	"net/http"
	"time"

	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/models"
)

const healthCheckTimeout = 5 * time.Second

// IndexerHealth is the body of GET /health/indexer
type IndexerHealth struct {
	*models.IndexerStatus
	Status          string             `json:"status"`
	FactoryAddress  string             `json:"factoryAddress,omitempty"`
	FactoryDeployed *bool              `json:"factoryDeployed,omitempty"`
	Store           *models.StoreStats `json:"store,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// handleHealth handles GET /health: the process is up and the store answers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if s.store != nil {
		if err := s.store.Ping(ctx); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Store ping failed")
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unhealthy",
				"service": "campaign-indexer",
			})
			return
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "campaign-indexer",
	})
}

// handleIndexerHealth handles GET /health/indexer. It answers 503 when the
// indexer is further behind the head than allowed.
func (s *Server) handleIndexerHealth(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Indexer status is not available", nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	log := logging.FromContext(ctx)

	status, err := s.indexer.IndexerStatus(ctx)
	if err != nil {
		log.WithError(err).Warn("Indexer status unavailable")
		respondError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "Indexer status is not available", nil)
		return
	}

	body := &IndexerHealth{
		IndexerStatus: status,
		Status:        "healthy",
		Timestamp:     time.Now().UTC(),
	}
	if s.store != nil {
		if stats, err := s.store.Stats(ctx); err == nil {
			body.Store = stats
		} else {
			log.WithError(err).Warn("Store stats unavailable")
		}
	}
	if s.config.FactoryAddress != "" {
		body.FactoryAddress = s.config.FactoryAddress
		if deployed, err := s.indexer.IsContractDeployed(ctx, s.config.FactoryAddress); err == nil {
			body.FactoryDeployed = &deployed
		} else {
			log.WithError(err).Warn("Factory deployment check failed")
		}
	}

	code := http.StatusOK
	if !status.Healthy || (body.FactoryDeployed != nil && !*body.FactoryDeployed) {
		body.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, body)
}
