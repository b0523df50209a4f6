package projector

import (
	"fmt"
	"sort"
	"time"

	"github.com/campaign-indexer/internal/aggregate"
	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// campaignState is the milestone view of one campaign that events fold into.
// It holds no contribution data; totals live in the aggregate.
type campaignState struct {
	campaign   *models.Campaign
	milestones map[int]*models.Milestone
	proposal   *models.Proposal
	dirty      map[int]struct{}
}

func newCampaignState(c *models.Campaign, ms []models.Milestone, proposal *models.Proposal) *campaignState {
	st := &campaignState{
		campaign:   c,
		milestones: make(map[int]*models.Milestone, len(ms)),
		dirty:      make(map[int]struct{}),
	}
	for i := range ms {
		m := ms[i]
		st.milestones[m.Index] = &m
	}
	if proposal != nil {
		p := *proposal
		st.proposal = &p
	}
	return st
}

// campaignFromCreated builds the campaign row and its initial Pending milestones
func campaignFromCreated(ev *events.CampaignCreated, at time.Time) (*models.Campaign, []models.Milestone, error) {
	for _, target := range ev.Milestones {
		if _, err := aggregate.ParseAmount(target); err != nil {
			return nil, nil, apperrors.NewInvalidAmountError(ev.Address, target, err.Error())
		}
	}

	source := types.CampaignOnChain
	if ev.Offchain {
		source = types.CampaignOffChain
	}
	c := &models.Campaign{
		Address:         ev.Address,
		ChainID:         ev.ChainID,
		Organizer:       ev.Organizer,
		Name:            ev.Name,
		Description:     ev.Description,
		Image:           ev.Image,
		MetadataURI:     ev.MetadataURI,
		Deadline:        ev.Deadline,
		Strategy:        ev.Strategy(),
		Quorum:          ev.Quorum,
		Verifiers:       append([]string(nil), ev.Verifiers...),
		Source:          source,
		CreatedBlock:    ev.BlockNumber,
		CreatedTxHash:   ev.TxHash,
		CreatedLogIndex: ev.LogIndex,
		CreatedAt:       at,
	}

	ms := make([]models.Milestone, len(ev.Milestones))
	for i, target := range ev.Milestones {
		ms[i] = models.Milestone{
			CampaignAddress: ev.Address,
			Index:           i,
			Target:          target,
			Status:          types.MilestonePending,
			Source:          types.MilestoneFromCreation,
			AmountReleased:  "0",
			CreatedBlock:    ev.BlockNumber,
		}
	}
	return c, ms, nil
}

func (s *campaignState) milestone(ev events.Event, index int) (*models.Milestone, error) {
	m, ok := s.milestones[index]
	if !ok {
		return nil, apperrors.NewInvalidTransitionError(s.campaign.Address, string(ev.Kind()),
			fmt.Sprintf("milestone %d does not exist", index))
	}
	return m, nil
}

func (s *campaignState) transition(ev events.Event, m *models.Milestone, next types.MilestoneStatus) error {
	if !m.Status.CanTransition(next) {
		return apperrors.NewInvalidTransitionError(s.campaign.Address, string(ev.Kind()),
			fmt.Sprintf("milestone %d cannot move from %s to %s", m.Index, m.Status, next))
	}
	m.Status = next
	s.dirty[m.Index] = struct{}{}
	return nil
}

// apply folds one milestone event observed at the given time into the state.
// It returns the released amount for MilestoneReleased so the caller can
// account for it.
func (s *campaignState) apply(ev events.Event, at time.Time) (released string, err error) {
	switch e := ev.(type) {
	case *events.MilestoneProposed:
		if _, err := aggregate.ParsePositive(s.campaign.Address, e.Amount); err != nil {
			return "", err
		}
		return "", s.propose(e)

	case *events.MilestoneApproved, *events.MilestoneAccepted:
		m, err := s.milestone(ev, milestoneIndex(ev))
		if err != nil {
			return "", err
		}
		if err := s.transition(ev, m, s.campaign.Strategy.ApprovedStatus()); err != nil {
			return "", err
		}
		m.ApprovedAt = &at
		s.proposal = nil
		return "", nil

	case *events.MilestoneRejected:
		m, err := s.milestone(ev, e.Index)
		if err != nil {
			return "", err
		}
		if err := s.transition(ev, m, types.MilestoneRejected); err != nil {
			return "", err
		}
		m.RejectedAt = &at
		s.proposal = nil
		return "", nil

	case *events.MilestoneReleased:
		if _, err := aggregate.ParsePositive(s.campaign.Address, e.Amount); err != nil {
			return "", err
		}
		m, err := s.milestone(ev, e.Index)
		if err != nil {
			return "", err
		}
		if err := s.transition(ev, m, types.MilestoneReleased); err != nil {
			return "", err
		}
		m.AmountReleased = e.Amount
		m.ReleasedAt = &at
		return e.Amount, nil
	}

	return "", fmt.Errorf("event %s is not a milestone event", ev.Kind())
}

func milestoneIndex(ev events.Event) int {
	switch e := ev.(type) {
	case *events.MilestoneApproved:
		return e.Index
	case *events.MilestoneAccepted:
		return e.Index
	}
	return -1
}

// propose points the campaign at a proposal. A proposal re-opens a Rejected
// milestone and, under the quorum strategy, may append the next milestone.
func (s *campaignState) propose(e *events.MilestoneProposed) error {
	m, exists := s.milestones[e.Index]
	switch {
	case exists && m.Status == types.MilestoneRejected:
		if err := s.transition(e, m, types.MilestonePending); err != nil {
			return err
		}
		m.Target = e.Amount
		m.ApprovedAt = nil
		m.RejectedAt = nil
	case exists && m.Status == types.MilestonePending:
		// re-pointing at an open milestone
	case exists:
		return apperrors.NewInvalidTransitionError(s.campaign.Address, string(e.Kind()),
			fmt.Sprintf("milestone %d is already %s", e.Index, m.Status))
	case e.Index == len(s.milestones) && s.campaign.Strategy.AllowsAppend():
		s.milestones[e.Index] = &models.Milestone{
			CampaignAddress: s.campaign.Address,
			Index:           e.Index,
			Target:          e.Amount,
			Status:          types.MilestonePending,
			Source:          types.MilestoneFromProposal,
			AmountReleased:  "0",
			CreatedBlock:    e.BlockNumber,
		}
		s.dirty[e.Index] = struct{}{}
	default:
		return apperrors.NewInvalidTransitionError(s.campaign.Address, string(e.Kind()),
			fmt.Sprintf("milestone %d cannot be proposed under the %s strategy with %d milestones",
				e.Index, s.campaign.Strategy, len(s.milestones)))
	}

	s.proposal = &models.Proposal{Index: e.Index, Amount: e.Amount}
	return nil
}

// changed returns the milestones modified since the state was built, by index
func (s *campaignState) changed() []models.Milestone {
	out := make([]models.Milestone, 0, len(s.dirty))
	for idx := range s.dirty {
		out = append(out, *s.milestones[idx])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// all returns every milestone by index
func (s *campaignState) all() []models.Milestone {
	out := make([]models.Milestone, 0, len(s.milestones))
	for _, m := range s.milestones {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
