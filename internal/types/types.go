// Package types provides the enumerations shared by the indexer packages.
package types

// MilestoneStatus is the state of a single campaign milestone
type MilestoneStatus string

const (
	// MilestonePending is awaiting a verifier decision
	MilestonePending MilestoneStatus = "Pending"
	// MilestoneApproved was approved by the single verifier
	MilestoneApproved MilestoneStatus = "Approved"
	// MilestoneAccepted was accepted by a verifier quorum
	MilestoneAccepted MilestoneStatus = "Accepted"
	// MilestoneRejected was rejected; a new proposal re-opens it
	MilestoneRejected MilestoneStatus = "Rejected"
	// MilestoneReleased has had its funds released to the organizer
	MilestoneReleased MilestoneStatus = "Released"
)

// Valid reports whether s is a known status
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneApproved, MilestoneAccepted, MilestoneRejected, MilestoneReleased:
		return true
	}
	return false
}

// Releasable reports whether funds may be released from a milestone in status s
func (s MilestoneStatus) Releasable() bool {
	return s == MilestoneApproved || s == MilestoneAccepted
}

// CanTransition reports whether the milestone state machine has an edge from s to next
func (s MilestoneStatus) CanTransition(next MilestoneStatus) bool {
	switch s {
	case MilestonePending:
		return next == MilestoneApproved || next == MilestoneAccepted || next == MilestoneRejected
	case MilestoneApproved, MilestoneAccepted:
		return next == MilestoneReleased
	case MilestoneRejected:
		return next == MilestonePending
	}
	return false
}

// ApprovalStrategy selects how a campaign's milestones are approved
type ApprovalStrategy string

const (
	// StrategySingle uses one verifier; approval yields MilestoneApproved
	StrategySingle ApprovalStrategy = "single"
	// StrategyQuorum uses a verifier vote; approval yields MilestoneAccepted
	StrategyQuorum ApprovalStrategy = "quorum"
)

// ApprovedStatus returns the status an approved milestone moves to under s
func (s ApprovalStrategy) ApprovedStatus() MilestoneStatus {
	if s == StrategyQuorum {
		return MilestoneAccepted
	}
	return MilestoneApproved
}

// AllowsAppend reports whether proposals may add milestones beyond the initial set
func (s ApprovalStrategy) AllowsAppend() bool {
	return s == StrategyQuorum
}

// ContributionKind distinguishes donations from refunds
type ContributionKind string

const (
	ContributionDonation ContributionKind = "donation"
	ContributionRefund   ContributionKind = "refund"
)

// MilestoneSource records how a milestone row came to exist
type MilestoneSource string

const (
	MilestoneFromCreation MilestoneSource = "creation"
	MilestoneFromProposal MilestoneSource = "proposal"
)

// CampaignSource records where a campaign row came from
type CampaignSource string

const (
	CampaignOnChain  CampaignSource = "chain"
	CampaignOffChain CampaignSource = "offchain"
)

// CampaignStatus is the derived list-filter status of a campaign
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignExpired   CampaignStatus = "expired"
)

// ParseCampaignStatus validates a list filter value
func ParseCampaignStatus(s string) (CampaignStatus, bool) {
	switch CampaignStatus(s) {
	case CampaignActive, CampaignCompleted, CampaignExpired:
		return CampaignStatus(s), true
	}
	return "", false
}

// EventKind names a decoded ledger event
type EventKind string

const (
	EventCampaignCreated   EventKind = "CampaignCreated"
	EventDonationReceived  EventKind = "DonationReceived"
	EventMilestoneProposed EventKind = "MilestoneProposed"
	EventMilestoneApproved EventKind = "MilestoneApproved"
	EventMilestoneAccepted EventKind = "MilestoneAccepted"
	EventMilestoneRejected EventKind = "MilestoneRejected"
	EventMilestoneReleased EventKind = "MilestoneReleased"
	EventRefunded          EventKind = "Refunded"
)
