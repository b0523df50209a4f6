// Package projector applies decoded campaign events to the relational
// projection. Every event is one unit of work: the raw event, the row changes
// it implies and the campaign aggregate commit together or not at all.
package projector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/campaign-indexer/internal/aggregate"
	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/storage"
	"github.com/campaign-indexer/internal/types"
)

// Invalidator drops cached read models of campaigns whose rows changed
type Invalidator interface {
	Invalidate(ctx context.Context, addresses ...string) error
}

// Config holds the projector dependencies
type Config struct {
	Store   storage.Store
	Cache   Invalidator // optional
	Metrics *metrics.Metrics
	Logger  *logging.Logger
}

// Projector turns events into projection rows
type Projector struct {
	store   storage.Store
	cache   Invalidator
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// New creates a projector
func New(cfg *Config) (*Projector, error) {
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
	return &Projector{
		store:   cfg.Store,
		cache:   cfg.Cache,
		metrics: m,
		logger:  logger.WithField("component", "projector"),
	}, nil
}

// Apply projects one ledger event as provisional data. It reports false when
// the event was already applied, in which case nothing changed.
func (p *Projector) Apply(ctx context.Context, ev events.Event) (bool, error) {
	return p.apply(ctx, ev, false)
}

// Record projects an event reported by a client, such as a donation confirmed
// by a wallet or a campaign created off-chain. finalized marks its rows as
// past the confirmation depth.
func (p *Projector) Record(ctx context.Context, ev events.Event, finalized bool) (bool, error) {
	return p.apply(ctx, ev, finalized)
}

// ApplyBatch applies events in (block, log index) order and stops at the
// first failure. It returns how many events changed the projection.
func (p *Projector) ApplyBatch(ctx context.Context, evs []events.Event) (int, error) {
	SortEvents(evs)

	applied := 0
	for _, ev := range evs {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		ok, err := p.Apply(ctx, ev)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

// SortEvents orders events by ledger position
func SortEvents(evs []events.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		a, b := evs[i].Metadata(), evs[j].Metadata()
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
}

func (p *Projector) apply(ctx context.Context, ev events.Event, finalized bool) (bool, error) {
	start := time.Now()
	meta := ev.Metadata()
	log := p.logger.WithFields(map[string]interface{}{
		"event":    string(ev.Kind()),
		"campaign": ev.Campaign(),
		"block":    meta.BlockNumber,
		"tx":       meta.TxHash,
		"logIndex": meta.LogIndex,
	})

	applied := false
	err := p.store.WithinTx(ctx, func(tx storage.Tx) error {
		raw, err := events.ToRaw(ev)
		if err != nil {
			return apperrors.NewDecodeError(meta.TxHash, meta.LogIndex, err.Error())
		}
		raw.Finalized = finalized

		inserted, err := tx.InsertRawEvent(ctx, raw)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		applied = true
		return p.project(ctx, tx, ev, raw)
	})

	switch {
	case err == nil && !applied:
		p.metrics.ObserveApply(string(ev.Kind()), "duplicate", time.Since(start))
		log.Debug("Event already applied")
		return false, nil
	case err == nil:
		p.metrics.ObserveApply(string(ev.Kind()), "applied", time.Since(start))
		log.Debug("Event applied")
		p.invalidate(ctx, ev.Campaign())
		return true, nil
	case apperrors.IsDomain(err):
		p.metrics.ObserveApply(string(ev.Kind()), "rejected", time.Since(start))
		log.WithError(err).Warn("Event rejected")
		return false, err
	default:
		p.metrics.ObserveApply(string(ev.Kind()), "failed", time.Since(start))
		log.WithError(err).Error("Event apply failed")
		return false, err
	}
}

func (p *Projector) invalidate(ctx context.Context, campaigns ...string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.Invalidate(ctx, campaigns...); err != nil {
		// entries still expire after the TTL
		p.logger.WithError(err).Warn("Failed to invalidate campaign cache")
	}
}

func (p *Projector) project(ctx context.Context, tx storage.Tx, ev events.Event, raw *models.RawEvent) error {
	switch e := ev.(type) {
	case *events.CampaignCreated:
		return createCampaign(ctx, tx, e, raw.CreatedAt)
	case *events.DonationReceived:
		return contribute(ctx, tx, raw, types.ContributionDonation, e.Donor, e.Amount)
	case *events.Refunded:
		return contribute(ctx, tx, raw, types.ContributionRefund, e.Donor, e.Amount)
	default:
		return applyMilestoneEvent(ctx, tx, ev, raw.CreatedAt)
	}
}

func unknownCampaign(ev events.Event) error {
	return apperrors.NewInvalidTransitionError(ev.Campaign(), string(ev.Kind()), "campaign is not indexed")
}

func createCampaign(ctx context.Context, tx storage.Tx, ev *events.CampaignCreated, at time.Time) error {
	_, err := tx.GetCampaign(ctx, ev.Address)
	switch {
	case err == nil:
		return apperrors.NewInvalidTransitionError(ev.Address, string(ev.Kind()), "campaign already exists")
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	c, ms, err := campaignFromCreated(ev, at)
	if err != nil {
		return err
	}
	if err := tx.InsertCampaign(ctx, c); err != nil {
		return err
	}
	for i := range ms {
		if err := tx.UpsertMilestone(ctx, &ms[i]); err != nil {
			return err
		}
	}
	return tx.UpsertAggregate(ctx, models.NewAggregate(c.Address))
}

func contribute(ctx context.Context, tx storage.Tx, raw *models.RawEvent, kind types.ContributionKind, donor, amount string) error {
	if _, err := aggregate.ParsePositive(raw.CampaignAddress, amount); err != nil {
		return err
	}
	if _, err := tx.GetCampaign(ctx, raw.CampaignAddress); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NewInvalidTransitionError(raw.CampaignAddress, string(raw.Kind), "campaign is not indexed")
		}
		return err
	}

	agg, err := loadAggregate(ctx, tx, raw.CampaignAddress)
	if err != nil {
		return err
	}
	existing, err := tx.ListContributions(ctx, raw.CampaignAddress)
	if err != nil {
		return err
	}

	c := models.Contribution{
		TxHash:          raw.TxHash,
		LogIndex:        raw.LogIndex,
		Kind:            kind,
		CampaignAddress: raw.CampaignAddress,
		Donor:           donor,
		Amount:          amount,
		BlockNumber:     raw.BlockNumber,
		ChainID:         raw.ChainID,
		Finalized:       raw.Finalized,
	}
	if err := aggregate.ApplyContribution(agg, c, aggregate.DonorNet(existing, donor)); err != nil {
		return err
	}
	if _, err := tx.InsertContribution(ctx, &c); err != nil {
		return err
	}
	return tx.UpsertAggregate(ctx, agg)
}

func loadAggregate(ctx context.Context, tx storage.Reads, campaign string) (*models.Aggregate, error) {
	agg, err := tx.GetAggregate(ctx, campaign)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewAggregate(campaign), nil
	}
	return agg, err
}

func applyMilestoneEvent(ctx context.Context, tx storage.Tx, ev events.Event, at time.Time) error {
	c, err := tx.GetCampaign(ctx, ev.Campaign())
	if errors.Is(err, storage.ErrNotFound) {
		return unknownCampaign(ev)
	}
	if err != nil {
		return err
	}
	ms, err := tx.ListMilestones(ctx, c.Address)
	if err != nil {
		return err
	}
	agg, err := loadAggregate(ctx, tx, c.Address)
	if err != nil {
		return err
	}

	st := newCampaignState(c, ms, agg.Proposal)
	released, err := st.apply(ev, at)
	if err != nil {
		return err
	}
	if released != "" {
		if err := aggregate.ApplyRelease(agg, released); err != nil {
			return err
		}
	}

	for _, m := range st.changed() {
		if err := tx.UpsertMilestone(ctx, &m); err != nil {
			return err
		}
	}
	agg.Proposal = st.proposal
	agg.UpdatedAt = time.Now().UTC()
	return tx.UpsertAggregate(ctx, agg)
}
