package projector

import (
	"context"
	"errors"
	"fmt"

	"github.com/campaign-indexer/internal/aggregate"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/storage"
)

// Rebuild replays a campaign's stored raw events inside tx to restore its
// milestone states and proposal pointer, then recomputes its aggregate from
// the stored contributions. It is used after rollback removed some of the
// campaign's events.
func Rebuild(ctx context.Context, tx storage.Tx, campaign string) error {
	c, err := tx.GetCampaign(ctx, campaign)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	raws, err := tx.ListRawEvents(ctx, campaign)
	if err != nil {
		return err
	}

	var st *campaignState
	for i := range raws {
		raw := &raws[i]
		ev, err := events.FromRaw(raw)
		if err != nil {
			return fmt.Errorf("replay %s/%d: %w", raw.TxHash, raw.LogIndex, err)
		}

		switch e := ev.(type) {
		case *events.CampaignCreated:
			_, ms, err := campaignFromCreated(e, raw.CreatedAt)
			if err != nil {
				return err
			}
			st = newCampaignState(c, ms, nil)
		case *events.DonationReceived, *events.Refunded:
			// contributions are rows of their own
		default:
			if st == nil {
				return fmt.Errorf("replay %s: %s before campaign creation", campaign, ev.Kind())
			}
			if _, err := st.apply(ev, raw.CreatedAt); err != nil {
				return fmt.Errorf("replay %s/%d: %w", raw.TxHash, raw.LogIndex, err)
			}
		}
	}

	if st == nil {
		// no creation event on record; keep the stored milestones
		return Recompute(ctx, tx, campaign)
	}

	if err := tx.DeleteMilestones(ctx, campaign); err != nil {
		return err
	}
	milestones := st.all()
	for i := range milestones {
		if err := tx.UpsertMilestone(ctx, &milestones[i]); err != nil {
			return err
		}
	}

	contributions, err := tx.ListContributions(ctx, campaign)
	if err != nil {
		return err
	}
	agg := aggregate.Recompute(campaign, contributions, milestones)
	agg.Proposal = st.proposal
	return tx.UpsertAggregate(ctx, agg)
}

// Recompute rebuilds a campaign's aggregate from its stored contributions and
// milestones and keeps the current proposal pointer.
func Recompute(ctx context.Context, tx storage.Tx, campaign string) error {
	contributions, err := tx.ListContributions(ctx, campaign)
	if err != nil {
		return err
	}
	milestones, err := tx.ListMilestones(ctx, campaign)
	if err != nil {
		return err
	}
	current, err := loadAggregate(ctx, tx, campaign)
	if err != nil {
		return err
	}

	agg := aggregate.Recompute(campaign, contributions, milestones)
	agg.Proposal = current.Proposal
	return tx.UpsertAggregate(ctx, agg)
}

