package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// MemoryStore keeps the projection in process. Writers are serialized and work
// on a private copy that replaces the published state on commit, so readers
// always see a committed snapshot and are never blocked by a unit of work.
// The copy is of the whole state, so the cost of every unit of work grows
// linearly with the projection.
type MemoryStore struct {
	mu    sync.Mutex
	state atomic.Pointer[memState]
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

type memState struct {
	campaigns     map[string]*models.Campaign
	milestones    map[string]map[int]models.Milestone
	contributions map[models.EventKey]models.Contribution
	events        map[models.EventKey]models.RawEvent
	aggregates    map[string]models.Aggregate
	cursor        *models.Cursor
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	s.state.Store(&memState{
		campaigns:     make(map[string]*models.Campaign),
		milestones:    make(map[string]map[int]models.Milestone),
		contributions: make(map[models.EventKey]models.Contribution),
		events:        make(map[models.EventKey]models.RawEvent),
		aggregates:    make(map[string]models.Aggregate),
	})
	return s
}

func (st *memState) clone() *memState {
	next := &memState{
		campaigns:     make(map[string]*models.Campaign, len(st.campaigns)),
		milestones:    make(map[string]map[int]models.Milestone, len(st.milestones)),
		contributions: make(map[models.EventKey]models.Contribution, len(st.contributions)),
		events:        make(map[models.EventKey]models.RawEvent, len(st.events)),
		aggregates:    make(map[string]models.Aggregate, len(st.aggregates)),
	}
	for k, c := range st.campaigns {
		next.campaigns[k] = copyCampaign(c)
	}
	for k, ms := range st.milestones {
		inner := make(map[int]models.Milestone, len(ms))
		for i, m := range ms {
			inner[i] = m
		}
		next.milestones[k] = inner
	}
	for k, c := range st.contributions {
		next.contributions[k] = c
	}
	for k, e := range st.events {
		next.events[k] = e
	}
	for k, a := range st.aggregates {
		next.aggregates[k] = copyAggregate(a)
	}
	if st.cursor != nil {
		c := *st.cursor
		next.cursor = &c
	}
	return next
}

func copyCampaign(c *models.Campaign) *models.Campaign {
	out := *c
	out.Verifiers = append([]string(nil), c.Verifiers...)
	if c.Image != nil {
		img := *c.Image
		out.Image = &img
	}
	return &out
}

func copyAggregate(a models.Aggregate) models.Aggregate {
	if a.Proposal != nil {
		p := *a.Proposal
		a.Proposal = &p
	}
	return a
}

// WithinTx runs fn against a private copy of the state and publishes it on success
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next := s.state.Load().clone()
	if err := fn(&memTx{memView{st: next}}); err != nil {
		return err
	}
	s.state.Store(next)
	return nil
}

func (s *MemoryStore) view() memView {
	return memView{st: s.state.Load()}
}

func (s *MemoryStore) GetCampaign(ctx context.Context, address string) (*models.Campaign, error) {
	return s.view().GetCampaign(ctx, address)
}

func (s *MemoryStore) ListMilestones(ctx context.Context, campaign string) ([]models.Milestone, error) {
	return s.view().ListMilestones(ctx, campaign)
}

func (s *MemoryStore) ListContributions(ctx context.Context, campaign string) ([]models.Contribution, error) {
	return s.view().ListContributions(ctx, campaign)
}

func (s *MemoryStore) GetAggregate(ctx context.Context, campaign string) (*models.Aggregate, error) {
	return s.view().GetAggregate(ctx, campaign)
}

func (s *MemoryStore) ListRawEvents(ctx context.Context, campaign string) ([]models.RawEvent, error) {
	return s.view().ListRawEvents(ctx, campaign)
}

func (s *MemoryStore) GetCursor(ctx context.Context) (uint64, bool, error) {
	return s.view().GetCursor(ctx)
}

// ListCampaigns applies the list filters and keyset position in memory
func (s *MemoryStore) ListCampaigns(_ context.Context, q CampaignQuery) ([]models.Campaign, error) {
	v := s.view()
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var out []models.Campaign
	for _, c := range v.st.campaigns {
		if q.Organizer != "" && c.Organizer != q.Organizer {
			continue
		}
		if !campaignAfter(c, q.After) {
			continue
		}
		if q.Status != "" && c.StatusAt(now, v.milestoneList(c.Address)) != q.Status {
			continue
		}
		out = append(out, *copyCampaign(c))
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedBlock != out[j].CreatedBlock {
			return out[i].CreatedBlock > out[j].CreatedBlock
		}
		return out[i].Address < out[j].Address
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// CampaignAddresses returns the sorted addresses of campaigns from source
func (s *MemoryStore) CampaignAddresses(_ context.Context, source types.CampaignSource) ([]string, error) {
	v := s.view()
	set := make(map[string]struct{})
	for addr, c := range v.st.campaigns {
		if c.Source == source {
			set[addr] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

// ListEvents pages a campaign's events newest first
func (s *MemoryStore) ListEvents(_ context.Context, q EventQuery) ([]models.RawEvent, error) {
	v := s.view()
	var out []models.RawEvent
	for _, e := range v.st.events {
		if e.CampaignAddress != q.Campaign || !eventAfter(&e, q.After) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].LogIndex > out[j].LogIndex
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// RecentContributions returns a campaign's latest contributions, newest first
func (s *MemoryStore) RecentContributions(ctx context.Context, campaign string, limit int) ([]models.Contribution, error) {
	out, err := s.view().ListContributions(ctx, campaign)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber > out[j].BlockNumber
		}
		return out[i].LogIndex > out[j].LogIndex
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (*models.StoreStats, error) {
	st := s.state.Load()
	stats := &models.StoreStats{Campaigns: int64(len(st.campaigns)), Events: int64(len(st.events))}
	for _, ms := range st.milestones {
		stats.Milestones += int64(len(ms))
	}
	for _, c := range st.contributions {
		if c.Kind == types.ContributionRefund {
			stats.Refunds++
		} else {
			stats.Donations++
		}
	}
	for _, e := range st.events {
		if !e.Finalized {
			stats.Unfinalized++
		}
	}
	return stats, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() {}

// memView answers reads against one state
type memView struct {
	st *memState
}

func (v memView) GetCampaign(_ context.Context, address string) (*models.Campaign, error) {
	c, ok := v.st.campaigns[address]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCampaign(c), nil
}

func (v memView) milestoneList(campaign string) []models.Milestone {
	ms := v.st.milestones[campaign]
	out := make([]models.Milestone, 0, len(ms))
	for _, m := range ms {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (v memView) ListMilestones(_ context.Context, campaign string) ([]models.Milestone, error) {
	return v.milestoneList(campaign), nil
}

func (v memView) ListContributions(_ context.Context, campaign string) ([]models.Contribution, error) {
	var out []models.Contribution
	for _, c := range v.st.contributions {
		if c.CampaignAddress == campaign {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].LogIndex < out[j].LogIndex
	})
	return out, nil
}

func (v memView) GetAggregate(_ context.Context, campaign string) (*models.Aggregate, error) {
	a, ok := v.st.aggregates[campaign]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyAggregate(a)
	return &out, nil
}

func (v memView) ListRawEvents(_ context.Context, campaign string) ([]models.RawEvent, error) {
	var out []models.RawEvent
	for _, e := range v.st.events {
		if e.CampaignAddress == campaign {
			out = append(out, e)
		}
	}
	sortRawEvents(out)
	return out, nil
}

func (v memView) GetCursor(_ context.Context) (uint64, bool, error) {
	if v.st.cursor == nil {
		return 0, false, nil
	}
	return v.st.cursor.LastProcessedBlock, true, nil
}

type memTx struct {
	memView
}

func (t *memTx) InsertRawEvent(_ context.Context, ev *models.RawEvent) (bool, error) {
	key := ev.Key()
	if _, ok := t.st.events[key]; ok {
		return false, nil
	}
	t.st.events[key] = *ev
	return true, nil
}

func (t *memTx) InsertCampaign(_ context.Context, c *models.Campaign) error {
	if _, ok := t.st.campaigns[c.Address]; ok {
		return fmt.Errorf("campaign %s already exists", c.Address)
	}
	t.st.campaigns[c.Address] = copyCampaign(c)
	return nil
}

// DeleteCampaign removes a campaign with its milestones, contributions and aggregate
func (t *memTx) DeleteCampaign(_ context.Context, address string) error {
	delete(t.st.campaigns, address)
	delete(t.st.milestones, address)
	delete(t.st.aggregates, address)
	for k, c := range t.st.contributions {
		if c.CampaignAddress == address {
			delete(t.st.contributions, k)
		}
	}
	return nil
}

func (t *memTx) UpsertMilestone(_ context.Context, m *models.Milestone) error {
	if _, ok := t.st.campaigns[m.CampaignAddress]; !ok {
		return fmt.Errorf("milestone for unknown campaign %s", m.CampaignAddress)
	}
	ms, ok := t.st.milestones[m.CampaignAddress]
	if !ok {
		ms = make(map[int]models.Milestone)
		t.st.milestones[m.CampaignAddress] = ms
	}
	ms[m.Index] = *m
	return nil
}

func (t *memTx) DeleteMilestones(_ context.Context, campaign string) error {
	delete(t.st.milestones, campaign)
	return nil
}

func (t *memTx) InsertContribution(_ context.Context, c *models.Contribution) (bool, error) {
	if _, ok := t.st.campaigns[c.CampaignAddress]; !ok {
		return false, fmt.Errorf("contribution for unknown campaign %s", c.CampaignAddress)
	}
	key := c.Key()
	if _, ok := t.st.contributions[key]; ok {
		return false, nil
	}
	t.st.contributions[key] = *c
	return true, nil
}

func (t *memTx) UpsertAggregate(_ context.Context, a *models.Aggregate) error {
	t.st.aggregates[a.CampaignAddress] = copyAggregate(*a)
	return nil
}

func (t *memTx) AdvanceCursor(_ context.Context, block uint64) error {
	if t.st.cursor != nil && block < t.st.cursor.LastProcessedBlock {
		return fmt.Errorf("cursor cannot move back from %d to %d", t.st.cursor.LastProcessedBlock, block)
	}
	t.st.cursor = &models.Cursor{LastProcessedBlock: block, UpdatedAt: time.Now().UTC()}
	return nil
}

func (t *memTx) RewindCursor(_ context.Context, block uint64) error {
	if t.st.cursor != nil && t.st.cursor.LastProcessedBlock > block {
		t.st.cursor = &models.Cursor{LastProcessedBlock: block, UpdatedAt: time.Now().UTC()}
	}
	return nil
}

func (t *memTx) FinalizeUpTo(_ context.Context, block uint64) ([]string, error) {
	affected := make(map[string]struct{})
	for k, e := range t.st.events {
		if !e.Finalized && e.BlockNumber <= block {
			e.Finalized = true
			t.st.events[k] = e
		}
	}
	for k, c := range t.st.contributions {
		if !c.Finalized && c.BlockNumber <= block {
			c.Finalized = true
			t.st.contributions[k] = c
			affected[c.CampaignAddress] = struct{}{}
		}
	}
	return sortedKeys(affected), nil
}

func (t *memTx) DeleteUnfinalizedFrom(_ context.Context, block uint64) ([]models.RawEvent, error) {
	var deleted []models.RawEvent
	for k, e := range t.st.events {
		if !e.Finalized && e.BlockNumber >= block {
			delete(t.st.events, k)
			deleted = append(deleted, e)
		}
	}
	for k, c := range t.st.contributions {
		if !c.Finalized && c.BlockNumber >= block {
			delete(t.st.contributions, k)
		}
	}
	sortRawEvents(deleted)
	return deleted, nil
}

func sortRawEvents(evs []models.RawEvent) {
	sort.Slice(evs, func(i, j int) bool {
		if evs[i].BlockNumber != evs[j].BlockNumber {
			return evs[i].BlockNumber < evs[j].BlockNumber
		}
		return evs[i].LogIndex < evs[j].LogIndex
	})
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
