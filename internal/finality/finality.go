// Package finality promotes provisional rows once they are deep enough in the
// ledger and reverts them when the ledger reorganizes.
package finality

import (
	"context"
	"errors"
	"fmt"
	"sort"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/projector"
	"github.com/campaign-indexer/internal/storage"
	"github.com/campaign-indexer/internal/types"
)

// ErrFinalizedRows is returned when reverting a campaign's creation would
// delete rows that are already finalized
var ErrFinalizedRows = errors.New("campaign has finalized rows")

// Config holds the handler dependencies
type Config struct {
	Store         storage.Store
	Confirmations uint64
	Cache         projector.Invalidator // optional
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// Handler finalizes and rolls back projection rows
type Handler struct {
	store         storage.Store
	confirmations uint64
	cache         projector.Invalidator
	metrics       *metrics.Metrics
	logger        *logging.Logger
}

// RollbackResult describes what a rollback removed
type RollbackResult struct {
	Point            uint64
	DeletedEvents    int
	DeletedCampaigns []string
	Rebuilt          []string
}

// New creates a handler
func New(cfg *Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		store:         cfg.Store,
		confirmations: cfg.Confirmations,
		cache:         cfg.Cache,
		metrics:       m,
		logger:        logger.WithField("component", "finality"),
	}, nil
}

// Confirmations returns the confirmation depth
func (h *Handler) Confirmations() uint64 {
	return h.confirmations
}

// FinalizedHeight returns the highest block considered final at head, and
// false while head is shallower than the confirmation depth.
func (h *Handler) FinalizedHeight(head uint64) (uint64, bool) {
	if head < h.confirmations {
		return 0, false
	}
	return head - h.confirmations, true
}

// Finalize marks every row at or below head - confirmations final and
// recomputes the aggregates of campaigns that gained finalized contributions.
func (h *Handler) Finalize(ctx context.Context, head uint64) ([]string, error) {
	upTo, ok := h.FinalizedHeight(head)
	if !ok {
		return nil, nil
	}

	var affected []string
	err := h.store.WithinTx(ctx, func(tx storage.Tx) error {
		var err error
		affected, err = tx.FinalizeUpTo(ctx, upTo)
		if err != nil {
			return err
		}
		for _, campaign := range affected {
			if err := projector.Recompute(ctx, tx, campaign); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.metrics.FinalizedBlock.Set(float64(upTo))
	if len(affected) > 0 {
		h.logger.WithFields(map[string]interface{}{
			"finalizedUpTo": upTo,
			"campaigns":     len(affected),
		}).Info("Finalized contributions")
		h.invalidate(ctx, affected)
	}
	return affected, nil
}

// Rollback reverts every unfinalized row at or above point. Campaigns whose
// creation was reverted are deleted; the other touched campaigns are rebuilt
// from their surviving events. The cursor moves back to point - 1 if it is
// ahead. Finalized rows are never touched: when a reverted campaign still
// owns finalized rows nothing is rolled back and the error wraps
// ErrFinalizedRows.
func (h *Handler) Rollback(ctx context.Context, point uint64) (*RollbackResult, error) {
	result := &RollbackResult{Point: point}

	err := h.store.WithinTx(ctx, func(tx storage.Tx) error {
		*result = RollbackResult{Point: point}

		deleted, err := tx.DeleteUnfinalizedFrom(ctx, point)
		if err != nil {
			return err
		}
		result.DeletedEvents = len(deleted)

		touched := make(map[string]struct{})
		removed := make(map[string]struct{})
		for _, ev := range deleted {
			if ev.Kind == types.EventCampaignCreated {
				removed[ev.CampaignAddress] = struct{}{}
				continue
			}
			touched[ev.CampaignAddress] = struct{}{}
		}

		for _, campaign := range sortedSet(removed) {
			if err := checkNoFinalizedRows(ctx, tx, campaign); err != nil {
				return err
			}
			if err := tx.DeleteCampaign(ctx, campaign); err != nil {
				return err
			}
			result.DeletedCampaigns = append(result.DeletedCampaigns, campaign)
		}
		for _, campaign := range sortedSet(touched) {
			if _, gone := removed[campaign]; gone {
				continue
			}
			if err := projector.Rebuild(ctx, tx, campaign); err != nil {
				return err
			}
			result.Rebuilt = append(result.Rebuilt, campaign)
		}

		rewindTo := uint64(0)
		if point > 0 {
			rewindTo = point - 1
		}
		return tx.RewindCursor(ctx, rewindTo)
	})
	if err != nil {
		return nil, err
	}

	h.metrics.RollbacksTotal.Inc()
	h.metrics.RolledBackRows.Add(float64(result.DeletedEvents))
	h.logger.WithFields(map[string]interface{}{
		"point":            point,
		"deletedEvents":    result.DeletedEvents,
		"deletedCampaigns": len(result.DeletedCampaigns),
		"rebuilt":          len(result.Rebuilt),
	}).Warn("Rolled back unfinalized rows")

	h.invalidate(ctx, append(append([]string(nil), result.DeletedCampaigns...), result.Rebuilt...))
	return result, nil
}

func checkNoFinalizedRows(ctx context.Context, tx storage.Tx, campaign string) error {
	contributions, err := tx.ListContributions(ctx, campaign)
	if err != nil {
		return err
	}
	for _, c := range contributions {
		if c.Finalized {
			return apperrors.NewPersistenceError("rollback", fmt.Errorf("%w: %s contribution %s/%d at block %d",
				ErrFinalizedRows, campaign, c.TxHash, c.LogIndex, c.BlockNumber))
		}
	}

	raws, err := tx.ListRawEvents(ctx, campaign)
	if err != nil {
		return err
	}
	for _, raw := range raws {
		if raw.Finalized {
			return apperrors.NewPersistenceError("rollback", fmt.Errorf("%w: %s event %s/%d at block %d",
				ErrFinalizedRows, campaign, raw.TxHash, raw.LogIndex, raw.BlockNumber))
		}
	}
	return nil
}

func (h *Handler) invalidate(ctx context.Context, campaigns []string) {
	if h.cache == nil || len(campaigns) == 0 {
		return
	}
	if err := h.cache.Invalidate(ctx, campaigns...); err != nil {
		h.logger.WithError(err).Warn("Failed to invalidate campaign cache")
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
