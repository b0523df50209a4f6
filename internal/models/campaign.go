package models

import (
	"time"

	"github.com/campaign-indexer/internal/types"
)

// Campaign is a crowdfunding campaign, keyed by its lower-case contract address
type Campaign struct {
	Address         string                 `json:"address" db:"address"`
	ChainID         int64                  `json:"chainId" db:"chain_id"`
	Organizer       string                 `json:"organizer" db:"organizer"`
	Name            string                 `json:"name" db:"name"`
	Description     string                 `json:"description" db:"description"`
	Image           *string                `json:"image,omitempty" db:"image"`
	MetadataURI     string                 `json:"metadataUri" db:"metadata_uri"`
	Deadline        int64                  `json:"deadline" db:"deadline"` // unix seconds
	Strategy        types.ApprovalStrategy `json:"approvalStrategy" db:"approval_strategy"`
	Quorum          int                    `json:"quorum" db:"quorum"`
	Verifiers       []string               `json:"verifiers" db:"-"`
	Source          types.CampaignSource   `json:"source" db:"source"`
	CreatedBlock    uint64                 `json:"createdBlock" db:"created_block"`
	CreatedTxHash   string                 `json:"createdTxHash,omitempty" db:"created_tx_hash"`
	CreatedLogIndex uint                   `json:"createdLogIndex" db:"created_log_index"`
	CreatedAt       time.Time              `json:"createdAt" db:"created_at"`
}

// StatusAt derives the list-filter status of a campaign at time now.
// A campaign is completed once every milestone is released and expired once its
// deadline has passed with unreleased milestones.
func (c *Campaign) StatusAt(now time.Time, milestones []Milestone) types.CampaignStatus {
	if len(milestones) > 0 {
		done := true
		for _, m := range milestones {
			if m.Status != types.MilestoneReleased {
				done = false
				break
			}
		}
		if done {
			return types.CampaignCompleted
		}
	}
	if c.Deadline > 0 && now.Unix() > c.Deadline {
		return types.CampaignExpired
	}
	return types.CampaignActive
}

// Milestone is one funding tranche of a campaign, keyed by (campaign, index)
type Milestone struct {
	CampaignAddress string                `json:"campaignAddress" db:"campaign_address"`
	Index           int                   `json:"index" db:"idx"`
	Target          string                `json:"target" db:"target_amount"`
	Status          types.MilestoneStatus `json:"status" db:"status"`
	Source          types.MilestoneSource `json:"source" db:"source"`
	AmountReleased  string                `json:"amountReleased" db:"amount_released"`
	ApprovedAt      *time.Time            `json:"approvedAt,omitempty" db:"approved_at"`
	RejectedAt      *time.Time            `json:"rejectedAt,omitempty" db:"rejected_at"`
	ReleasedAt      *time.Time            `json:"releasedAt,omitempty" db:"released_at"`
	CreatedBlock    uint64                `json:"createdBlock" db:"created_block"`
}

// Aggregate holds the derived totals of a campaign
type Aggregate struct {
	CampaignAddress string    `json:"campaignAddress" db:"campaign_address"`
	TotalRaised     string    `json:"totalRaised" db:"total_raised"`
	TotalReleased   string    `json:"totalReleased" db:"total_released"`
	FinalizedRaised string    `json:"finalizedRaised" db:"finalized_raised"`
	DonorCount      int       `json:"donorCount" db:"donor_count"`
	Proposal        *Proposal `json:"currentProposal,omitempty"`
	UpdatedAt       time.Time `json:"updatedAt" db:"updated_at"`
}

// Proposal is the pending milestone proposal pointer of an aggregate
type Proposal struct {
	Index  int    `json:"index" db:"proposal_index"`
	Amount string `json:"amount" db:"proposal_amount"`
}

// NewAggregate returns a zeroed aggregate for a campaign
func NewAggregate(campaign string) *Aggregate {
	return &Aggregate{
		CampaignAddress: campaign,
		TotalRaised:     "0",
		TotalReleased:   "0",
		FinalizedRaised: "0",
	}
}
