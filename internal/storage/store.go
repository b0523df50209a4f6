// Package storage provides the relational projection of the campaign ledger:
// a Postgres implementation, an in-memory implementation with the same
// semantics, migrations and the Redis read cache.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// ErrNotFound is returned by lookups of a single missing row
var ErrNotFound = errors.New("not found")

// Reads are the queries available both inside and outside a unit of work
type Reads interface {
	GetCampaign(ctx context.Context, address string) (*models.Campaign, error)
	ListMilestones(ctx context.Context, campaign string) ([]models.Milestone, error)
	ListContributions(ctx context.Context, campaign string) ([]models.Contribution, error)
	GetAggregate(ctx context.Context, campaign string) (*models.Aggregate, error)
	// ListRawEvents returns a campaign's events in (block, log index) order
	ListRawEvents(ctx context.Context, campaign string) ([]models.RawEvent, error)
	// GetCursor returns the last processed block; ok is false before the first advance
	GetCursor(ctx context.Context) (block uint64, ok bool, err error)
}

// Tx is one unit of work. Every mutation made through it commits or rolls
// back together.
type Tx interface {
	Reads

	// InsertRawEvent stores ev unless its (tx hash, log index) is known;
	// inserted reports whether a row was written.
	InsertRawEvent(ctx context.Context, ev *models.RawEvent) (inserted bool, err error)
	InsertCampaign(ctx context.Context, c *models.Campaign) error
	DeleteCampaign(ctx context.Context, address string) error
	UpsertMilestone(ctx context.Context, m *models.Milestone) error
	DeleteMilestones(ctx context.Context, campaign string) error
	InsertContribution(ctx context.Context, c *models.Contribution) (inserted bool, err error)
	UpsertAggregate(ctx context.Context, a *models.Aggregate) error

	// AdvanceCursor moves the cursor forward; a lower block is an error
	AdvanceCursor(ctx context.Context, block uint64) error
	// RewindCursor moves the cursor back to block if it is ahead of it
	RewindCursor(ctx context.Context, block uint64) error

	// FinalizeUpTo marks raw events and contributions at or below block
	// finalized and returns the campaigns that gained finalized rows
	FinalizeUpTo(ctx context.Context, block uint64) ([]string, error)
	// DeleteUnfinalizedFrom removes unfinalized raw events and contributions at
	// or above block and returns the deleted raw events
	DeleteUnfinalizedFrom(ctx context.Context, block uint64) ([]models.RawEvent, error)
}

// Store is the projection store
type Store interface {
	Reads

	// WithinTx runs fn in a unit of work and commits when it returns nil
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListCampaigns(ctx context.Context, q CampaignQuery) ([]models.Campaign, error)
	// CampaignAddresses returns the addresses of every campaign from source, sorted
	CampaignAddresses(ctx context.Context, source types.CampaignSource) ([]string, error)
	ListEvents(ctx context.Context, q EventQuery) ([]models.RawEvent, error)
	RecentContributions(ctx context.Context, campaign string, limit int) ([]models.Contribution, error)
	Stats(ctx context.Context) (*models.StoreStats, error)

	Ping(ctx context.Context) error
	Close()
}

// CampaignPosition is a keyset position in the campaign list
type CampaignPosition struct {
	BlockNumber uint64 `json:"blockNumber"`
	Address     string `json:"address"`
}

// EventPosition is a keyset position in a campaign's event list
type EventPosition struct {
	BlockNumber uint64 `json:"blockNumber"`
	LogIndex    uint   `json:"logIndex"`
}

// CampaignQuery lists campaigns ordered by (created block DESC, address ASC)
type CampaignQuery struct {
	Organizer string
	Status    types.CampaignStatus
	After     *CampaignPosition
	Limit     int
	Now       time.Time
}

// EventQuery lists a campaign's events ordered by (block DESC, log index DESC)
type EventQuery struct {
	Campaign string
	After    *EventPosition
	Limit    int
}

// campaignAfter reports whether c sorts strictly after p
func campaignAfter(c *models.Campaign, p *CampaignPosition) bool {
	if p == nil {
		return true
	}
	if c.CreatedBlock != p.BlockNumber {
		return c.CreatedBlock < p.BlockNumber
	}
	return c.Address > p.Address
}

// eventAfter reports whether e sorts strictly after p
func eventAfter(e *models.RawEvent, p *EventPosition) bool {
	if p == nil {
		return true
	}
	if e.BlockNumber != p.BlockNumber {
		return e.BlockNumber < p.BlockNumber
	}
	return e.LogIndex < p.LogIndex
}
