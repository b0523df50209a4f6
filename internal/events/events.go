// Package events defines the closed set of campaign events the indexer understands
// and decodes them from ledger logs.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// Meta is the ledger position shared by every event
type Meta struct {
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
	Contract    string
	ChainID     int64
	// ObservedAt is when the event was first seen, zero for freshly decoded logs
	ObservedAt time.Time
}

// Key returns the (tx hash, log index) identity of the event
func (m Meta) Key() models.EventKey {
	return models.EventKey{TxHash: m.TxHash, LogIndex: m.LogIndex}
}

// Metadata returns the ledger position of the event
func (m Meta) Metadata() Meta { return m }

// Event is one decoded campaign event. The concrete type is one of the
// structs in this file; callers switch on it.
type Event interface {
	Kind() types.EventKind
	Metadata() Meta
	// Campaign is the campaign the event applies to
	Campaign() string
}

type CampaignCreated struct {
	Meta        `json:"-"`
	Organizer   string   `json:"organizer"`
	Address     string   `json:"campaign"`
	Name        string   `json:"name"`
	MetadataURI string   `json:"metadataURI"`
	Milestones  []string `json:"milestones"`
	Deadline    int64    `json:"deadline"`
	Verifiers   []string `json:"verifiers"`
	Quorum      int      `json:"quorum"`

	// Set only for campaigns recorded through the API
	Description string  `json:"description,omitempty"`
	Image       *string `json:"image,omitempty"`
	Offchain    bool    `json:"offchain,omitempty"`
}

func (e *CampaignCreated) Kind() types.EventKind { return types.EventCampaignCreated }
func (e *CampaignCreated) Campaign() string      { return e.Address }

// Strategy returns the approval strategy the campaign was created with
func (e *CampaignCreated) Strategy() types.ApprovalStrategy {
	if e.Quorum > 0 {
		return types.StrategyQuorum
	}
	return types.StrategySingle
}

type DonationReceived struct {
	Meta   `json:"-"`
	Donor  string `json:"donor"`
	Amount string `json:"amount"`
}

func (e *DonationReceived) Kind() types.EventKind { return types.EventDonationReceived }
func (e *DonationReceived) Campaign() string      { return e.Contract }

type MilestoneProposed struct {
	Meta   `json:"-"`
	Index  int    `json:"idx"`
	Amount string `json:"amount"`
}

func (e *MilestoneProposed) Kind() types.EventKind { return types.EventMilestoneProposed }
func (e *MilestoneProposed) Campaign() string      { return e.Contract }

type MilestoneApproved struct {
	Meta  `json:"-"`
	Index int `json:"idx"`
}

func (e *MilestoneApproved) Kind() types.EventKind { return types.EventMilestoneApproved }
func (e *MilestoneApproved) Campaign() string      { return e.Contract }

type MilestoneAccepted struct {
	Meta  `json:"-"`
	Index int `json:"idx"`
}

func (e *MilestoneAccepted) Kind() types.EventKind { return types.EventMilestoneAccepted }
func (e *MilestoneAccepted) Campaign() string      { return e.Contract }

type MilestoneRejected struct {
	Meta  `json:"-"`
	Index int `json:"idx"`
}

func (e *MilestoneRejected) Kind() types.EventKind { return types.EventMilestoneRejected }
func (e *MilestoneRejected) Campaign() string      { return e.Contract }

type MilestoneReleased struct {
	Meta   `json:"-"`
	Index  int    `json:"idx"`
	Amount string `json:"amount"`
}

func (e *MilestoneReleased) Kind() types.EventKind { return types.EventMilestoneReleased }
func (e *MilestoneReleased) Campaign() string      { return e.Contract }

type Refunded struct {
	Meta   `json:"-"`
	Donor  string `json:"donor"`
	Amount string `json:"amount"`
}

func (e *Refunded) Kind() types.EventKind { return types.EventRefunded }
func (e *Refunded) Campaign() string      { return e.Contract }

// ToRaw builds the persisted form of ev
func ToRaw(ev Event) (*models.RawEvent, error) {
	args, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s args: %w", ev.Kind(), err)
	}
	m := ev.Metadata()
	created := m.ObservedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &models.RawEvent{
		TxHash:          m.TxHash,
		LogIndex:        m.LogIndex,
		BlockNumber:     m.BlockNumber,
		ContractAddress: m.Contract,
		CampaignAddress: ev.Campaign(),
		Kind:            ev.Kind(),
		Args:            args,
		ChainID:         m.ChainID,
		CreatedAt:       created,
	}, nil
}

// FromRaw rebuilds a typed event from its persisted form
func FromRaw(raw *models.RawEvent) (Event, error) {
	meta := Meta{
		BlockNumber: raw.BlockNumber,
		TxHash:      raw.TxHash,
		LogIndex:    raw.LogIndex,
		Contract:    raw.ContractAddress,
		ChainID:     raw.ChainID,
		ObservedAt:  raw.CreatedAt,
	}

	var ev Event
	switch raw.Kind {
	case types.EventCampaignCreated:
		ev = &CampaignCreated{Meta: meta}
	case types.EventDonationReceived:
		ev = &DonationReceived{Meta: meta}
	case types.EventMilestoneProposed:
		ev = &MilestoneProposed{Meta: meta}
	case types.EventMilestoneApproved:
		ev = &MilestoneApproved{Meta: meta}
	case types.EventMilestoneAccepted:
		ev = &MilestoneAccepted{Meta: meta}
	case types.EventMilestoneRejected:
		ev = &MilestoneRejected{Meta: meta}
	case types.EventMilestoneReleased:
		ev = &MilestoneReleased{Meta: meta}
	case types.EventRefunded:
		ev = &Refunded{Meta: meta}
	default:
		return nil, fmt.Errorf("unknown event kind %q", raw.Kind)
	}

	if len(raw.Args) > 0 {
		if err := json.Unmarshal(raw.Args, ev); err != nil {
			return nil, fmt.Errorf("unmarshal %s args: %w", raw.Kind, err)
		}
	}
	return ev, nil
}
