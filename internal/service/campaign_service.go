package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/campaign-indexer/internal/aggregate"
	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/storage"
	"github.com/campaign-indexer/internal/types"
)

const (
	// DefaultPageSize is the page size when the client sends none
	DefaultPageSize = 20
	// MaxPageSize bounds every list request
	MaxPageSize = 100

	recentActivityLimit  = 10
	maxMilestones        = 10
	minNameLength        = 3
	maxNameLength        = 200
	maxDescriptionLength = 1000
)

// Recorder projects events reported through the API
type Recorder interface {
	Record(ctx context.Context, ev events.Event, finalized bool) (bool, error)
}

// DetailCache stores rendered campaign details
type DetailCache interface {
	GetDetail(ctx context.Context, address string, dest any) (bool, error)
	SetDetail(ctx context.Context, address string, value any) error
}

// CampaignServiceConfig holds the service dependencies
type CampaignServiceConfig struct {
	Store    storage.Store
	Recorder Recorder
	Cache    DetailCache // optional
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
	ChainID  int64
	Now      func() time.Time

	// Confirmations is the depth below the cursor at which a reported
	// donation may be stored as finalized
	Confirmations uint64
}

// CampaignService serves the campaign read models and the client write paths.
// Reads go to the store only; the ledger is never consulted.
type CampaignService struct {
	store    storage.Store
	recorder Recorder
	cache    DetailCache
	metrics  *metrics.Metrics
	logger   *logging.Logger
	chainID  int64
	confirms uint64
	now      func() time.Time
}

// NewCampaignService creates a campaign service
func NewCampaignService(cfg *CampaignServiceConfig) (*CampaignService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CampaignService{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		cache:    cfg.Cache,
		metrics:  m,
		logger:   logger.WithField("component", "campaign_service"),
		chainID:  cfg.ChainID,
		confirms: cfg.Confirmations,
		now:      now,
	}, nil
}

// CampaignSummary is one row of the campaign list
type CampaignSummary struct {
	Address       string               `json:"address"`
	Organizer     string               `json:"organizer"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Image         *string              `json:"image"`
	MetadataURI   string               `json:"metadataUri,omitempty"`
	Milestones    []string             `json:"milestones"`
	Deadline      int64                `json:"deadline"`
	Status        types.CampaignStatus `json:"status"`
	Source        types.CampaignSource `json:"source"`
	CreatedBlock  uint64               `json:"createdBlock"`
	TotalRaised   string               `json:"totalRaised"`
	TotalReleased string               `json:"totalReleased"`
	DonorCount    int                  `json:"donorCount"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// MilestoneView is a milestone as shown in the campaign detail
type MilestoneView struct {
	Index          int                   `json:"index"`
	TargetAmount   string                `json:"targetAmount"`
	Status         types.MilestoneStatus `json:"status"`
	AmountReleased string                `json:"amountReleased"`
	ApprovedAt     *time.Time            `json:"approvedAt"`
	RejectedAt     *time.Time            `json:"rejectedAt,omitempty"`
	ReleasedAt     *time.Time            `json:"releasedAt"`
}

// EventView is one entry of a campaign's event history
type EventView struct {
	EventName   types.EventKind `json:"eventName"`
	Args        json.RawMessage `json:"args"`
	BlockNumber uint64          `json:"blockNumber"`
	TxHash      string          `json:"txHash"`
	LogIndex    uint            `json:"logIndex"`
	Finalized   bool            `json:"finalized"`
	Timestamp   time.Time       `json:"timestamp"`
}

// CampaignDetail is the full view of one campaign
type CampaignDetail struct {
	Address          string                 `json:"address"`
	ChainID          int64                  `json:"chainId"`
	Organizer        string                 `json:"organizer"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	Image            *string                `json:"image"`
	MetadataURI      string                 `json:"metadataUri,omitempty"`
	Deadline         int64                  `json:"deadline"`
	Status           types.CampaignStatus   `json:"status"`
	Source           types.CampaignSource   `json:"source"`
	ApprovalStrategy types.ApprovalStrategy `json:"approvalStrategy"`
	Quorum           int                    `json:"quorum"`
	Verifiers        []string               `json:"verifiers"`
	CreatedBlock     uint64                 `json:"createdBlock"`
	CreatedAt        time.Time              `json:"createdAt"`
	Milestones       []MilestoneView        `json:"milestones"`
	TotalRaised      string                 `json:"totalRaised"`
	TotalReleased    string                 `json:"totalReleased"`
	FinalizedRaised  string                 `json:"finalizedRaised"`
	DonorCount       int                    `json:"donorCount"`
	CurrentProposal  *models.Proposal       `json:"currentProposal"`
	RecentDonations  []models.Contribution  `json:"recentDonations"`
	RecentActivity   []EventView            `json:"recentActivity"`
}

// ListCampaignsInput holds the campaign list filters
type ListCampaignsInput struct {
	Organizer string `json:"organizer,omitempty"`
	Status    string `json:"status,omitempty"`
	Limit     int    `json:"limit,omitempty"` // Default: 20, Max: 100
	Cursor    string `json:"cursor,omitempty"`
}

// ListCampaignsResult is one page of campaigns
type ListCampaignsResult struct {
	Campaigns  []CampaignSummary `json:"campaigns"`
	NextCursor *string           `json:"nextCursor"`
	HasMore    bool              `json:"hasMore"`
}

// ListEventsInput holds the event list parameters
type ListEventsInput struct {
	Address string `json:"address"`
	Limit   int    `json:"limit,omitempty"`
	Cursor  string `json:"cursor,omitempty"`
}

// ListEventsResult is one page of a campaign's events
type ListEventsResult struct {
	Events     []EventView `json:"events"`
	NextCursor *string     `json:"nextCursor"`
	HasMore    bool        `json:"hasMore"`
}

// RecordDonationInput is a donation reported by a client
type RecordDonationInput struct {
	TxHash      string `json:"txHash"`
	LogIndex    uint   `json:"logIndex"`
	Donor       string `json:"donor"`
	Amount      string `json:"amount"`
	BlockNumber uint64 `json:"blockNumber"`
	ChainID     int64  `json:"chainId"`
	Finalized   bool   `json:"finalized"`
}

// RecordDonationResult reports the outcome of a donation record
type RecordDonationResult struct {
	Recorded  bool              `json:"recorded"` // false when the donation was already known
	Aggregate *models.Aggregate `json:"aggregate"`
}

// CreateCampaignInput describes a campaign created outside the ledger
type CreateCampaignInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Image       *string  `json:"image"`
	Organizer   string   `json:"organizer"`
	Deadline    int64    `json:"deadline"`
	Milestones  []string `json:"milestones"`
}

// ListCampaigns returns one page of campaigns, newest first
func (s *CampaignService) ListCampaigns(ctx context.Context, input *ListCampaignsInput) (*ListCampaignsResult, error) {
	limit, err := pageLimit(input.Limit)
	if err != nil {
		return nil, err
	}

	q := storage.CampaignQuery{Limit: limit, Now: s.now()}
	if input.Organizer != "" {
		if !IsAddress(input.Organizer) {
			return nil, apperrors.NewInvalidParameterError("organizer", "must be a 0x-prefixed 20 byte hex address")
		}
		q.Organizer = strings.ToLower(input.Organizer)
	}
	if input.Status != "" {
		status, ok := types.ParseCampaignStatus(input.Status)
		if !ok {
			return nil, apperrors.NewInvalidParameterError("status", "must be one of active, completed, expired")
		}
		q.Status = status
	}
	if input.Cursor != "" {
		var pos storage.CampaignPosition
		if err := DecodeCursor(input.Cursor, &pos); err != nil {
			return nil, err
		}
		q.After = &pos
	}

	campaigns, err := s.store.ListCampaigns(ctx, q)
	if err != nil {
		return nil, err
	}

	result := &ListCampaignsResult{Campaigns: make([]CampaignSummary, 0, len(campaigns))}
	for i := range campaigns {
		summary, err := s.summarize(ctx, &campaigns[i], q.Now)
		if err != nil {
			return nil, err
		}
		result.Campaigns = append(result.Campaigns, *summary)
	}

	if len(campaigns) == limit {
		last := campaigns[len(campaigns)-1]
		next := EncodeCursor(storage.CampaignPosition{BlockNumber: last.CreatedBlock, Address: last.Address})
		result.NextCursor = &next
		result.HasMore = true
	}
	return result, nil
}

func (s *CampaignService) summarize(ctx context.Context, c *models.Campaign, now time.Time) (*CampaignSummary, error) {
	milestones, err := s.store.ListMilestones(ctx, c.Address)
	if err != nil {
		return nil, err
	}
	agg, err := s.aggregateOf(ctx, c.Address)
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(milestones))
	for i, m := range milestones {
		targets[i] = m.Target
	}
	return &CampaignSummary{
		Address:       c.Address,
		Organizer:     c.Organizer,
		Name:          c.Name,
		Description:   c.Description,
		Image:         c.Image,
		MetadataURI:   c.MetadataURI,
		Milestones:    targets,
		Deadline:      c.Deadline,
		Status:        c.StatusAt(now, milestones),
		Source:        c.Source,
		CreatedBlock:  c.CreatedBlock,
		TotalRaised:   agg.TotalRaised,
		TotalReleased: agg.TotalReleased,
		DonorCount:    agg.DonorCount,
		CreatedAt:     c.CreatedAt,
	}, nil
}

func (s *CampaignService) aggregateOf(ctx context.Context, campaign string) (*models.Aggregate, error) {
	agg, err := s.store.GetAggregate(ctx, campaign)
	if errors.Is(err, storage.ErrNotFound) {
		return models.NewAggregate(campaign), nil
	}
	return agg, err
}

// GetCampaign returns the detail view of a campaign. Details are served from
// the cache when one is configured.
func (s *CampaignService) GetCampaign(ctx context.Context, address string) (*CampaignDetail, error) {
	if !IsAddress(address) {
		return nil, apperrors.NewInvalidParameterError("address", "must be a 0x-prefixed 20 byte hex address")
	}
	address = strings.ToLower(address)

	if s.cache != nil {
		var cached CampaignDetail
		found, err := s.cache.GetDetail(ctx, address, &cached)
		switch {
		case err != nil:
			s.metrics.CacheLookups.WithLabelValues("error").Inc()
			s.logger.WithError(err).Warn("Failed to read campaign cache")
		case found:
			s.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &cached, nil
		default:
			s.metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	detail, err := s.loadDetail(ctx, address)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetDetail(ctx, address, detail); err != nil {
			s.logger.WithError(err).Warn("Failed to write campaign cache")
		}
	}
	return detail, nil
}

func (s *CampaignService) loadDetail(ctx context.Context, address string) (*CampaignDetail, error) {
	c, err := s.store.GetCampaign(ctx, address)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperrors.NewNotFoundError("campaign", address)
	}
	if err != nil {
		return nil, err
	}

	milestones, err := s.store.ListMilestones(ctx, address)
	if err != nil {
		return nil, err
	}
	agg, err := s.aggregateOf(ctx, address)
	if err != nil {
		return nil, err
	}
	donations, err := s.store.RecentContributions(ctx, address, recentActivityLimit)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListEvents(ctx, storage.EventQuery{Campaign: address, Limit: recentActivityLimit})
	if err != nil {
		return nil, err
	}

	views := make([]MilestoneView, len(milestones))
	for i, m := range milestones {
		views[i] = MilestoneView{
			Index:          m.Index,
			TargetAmount:   m.Target,
			Status:         m.Status,
			AmountReleased: m.AmountReleased,
			ApprovedAt:     m.ApprovedAt,
			RejectedAt:     m.RejectedAt,
			ReleasedAt:     m.ReleasedAt,
		}
	}
	verifiers := c.Verifiers
	if verifiers == nil {
		verifiers = []string{}
	}
	if donations == nil {
		donations = []models.Contribution{}
	}

	return &CampaignDetail{
		Address:          c.Address,
		ChainID:          c.ChainID,
		Organizer:        c.Organizer,
		Name:             c.Name,
		Description:      c.Description,
		Image:            c.Image,
		MetadataURI:      c.MetadataURI,
		Deadline:         c.Deadline,
		Status:           c.StatusAt(s.now(), milestones),
		Source:           c.Source,
		ApprovalStrategy: c.Strategy,
		Quorum:           c.Quorum,
		Verifiers:        verifiers,
		CreatedBlock:     c.CreatedBlock,
		CreatedAt:        c.CreatedAt,
		Milestones:       views,
		TotalRaised:      agg.TotalRaised,
		TotalReleased:    agg.TotalReleased,
		FinalizedRaised:  agg.FinalizedRaised,
		DonorCount:       agg.DonorCount,
		CurrentProposal:  agg.Proposal,
		RecentDonations:  donations,
		RecentActivity:   eventViews(recent),
	}, nil
}

// ListEvents returns one page of a campaign's events, newest first
func (s *CampaignService) ListEvents(ctx context.Context, input *ListEventsInput) (*ListEventsResult, error) {
	if !IsAddress(input.Address) {
		return nil, apperrors.NewInvalidParameterError("address", "must be a 0x-prefixed 20 byte hex address")
	}
	limit, err := pageLimit(input.Limit)
	if err != nil {
		return nil, err
	}

	q := storage.EventQuery{Campaign: strings.ToLower(input.Address), Limit: limit}
	if input.Cursor != "" {
		var pos storage.EventPosition
		if err := DecodeCursor(input.Cursor, &pos); err != nil {
			return nil, err
		}
		q.After = &pos
	}

	if _, err := s.store.GetCampaign(ctx, q.Campaign); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("campaign", q.Campaign)
		}
		return nil, err
	}

	evs, err := s.store.ListEvents(ctx, q)
	if err != nil {
		return nil, err
	}

	result := &ListEventsResult{Events: eventViews(evs)}
	if len(evs) == limit {
		last := evs[len(evs)-1]
		next := EncodeCursor(storage.EventPosition{BlockNumber: last.BlockNumber, LogIndex: last.LogIndex})
		result.NextCursor = &next
		result.HasMore = true
	}
	return result, nil
}

func eventViews(evs []models.RawEvent) []EventView {
	out := make([]EventView, len(evs))
	for i, e := range evs {
		out[i] = EventView{
			EventName:   e.Kind,
			Args:        e.Args,
			BlockNumber: e.BlockNumber,
			TxHash:      e.TxHash,
			LogIndex:    e.LogIndex,
			Finalized:   e.Finalized,
			Timestamp:   e.CreatedAt,
		}
	}
	return out
}

// RecordDonation projects a donation reported by a client with the same rules
// as an indexed DonationReceived. Re-reporting a known donation is a no-op.
func (s *CampaignService) RecordDonation(ctx context.Context, address string, input *RecordDonationInput) (*RecordDonationResult, error) {
	if !IsAddress(address) {
		return nil, apperrors.NewInvalidParameterError("address", "must be a 0x-prefixed 20 byte hex address")
	}
	if !isTxHash(input.TxHash) {
		return nil, apperrors.NewInvalidParameterError("txHash", "must be a 0x-prefixed 32 byte hex hash")
	}
	if !IsAddress(input.Donor) {
		return nil, apperrors.NewInvalidParameterError("donor", "must be a 0x-prefixed 20 byte hex address")
	}
	if v, err := aggregate.ParseAmount(input.Amount); err != nil || v.Sign() == 0 {
		return nil, apperrors.NewInvalidParameterError("amount", "must be a positive integer amount in the smallest unit")
	}
	chainID := input.ChainID
	if chainID == 0 {
		chainID = s.chainID
	}
	if s.chainID != 0 && chainID != s.chainID {
		return nil, apperrors.NewInvalidParameterError("chainId", fmt.Sprintf("must be %d", s.chainID))
	}

	campaign := strings.ToLower(address)
	if _, err := s.store.GetCampaign(ctx, campaign); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewNotFoundError("campaign", campaign)
		}
		return nil, err
	}
	if input.Finalized {
		reason, err := s.notFinal(ctx, campaign, input.BlockNumber)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			return nil, apperrors.NewInvalidParameterError("finalized", reason)
		}
	}

	ev := &events.DonationReceived{
		Meta: events.Meta{
			BlockNumber: input.BlockNumber,
			TxHash:      strings.ToLower(input.TxHash),
			LogIndex:    input.LogIndex,
			Contract:    campaign,
			ChainID:     chainID,
		},
		Donor:  strings.ToLower(input.Donor),
		Amount: input.Amount,
	}
	recorded, err := s.recorder.Record(ctx, ev, input.Finalized)
	if err != nil {
		return nil, err
	}

	agg, err := s.aggregateOf(ctx, campaign)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"campaign": campaign,
		"tx":       ev.TxHash,
		"recorded": recorded,
	}).Info("Donation reported")
	return &RecordDonationResult{Recorded: recorded, Aggregate: agg}, nil
}

// notFinal returns why a donation at block cannot be stored as finalized, or
// "" when it can. The block must lie the confirmation depth below the cursor
// and the campaign's creation must be finalized.
func (s *CampaignService) notFinal(ctx context.Context, campaign string, block uint64) (string, error) {
	cursor, ok, err := s.store.GetCursor(ctx)
	if err != nil {
		return "", err
	}
	if !ok || cursor < s.confirms || block > cursor-s.confirms {
		return fmt.Sprintf("block %d has fewer than %d confirmations", block, s.confirms), nil
	}

	raws, err := s.store.ListRawEvents(ctx, campaign)
	if err != nil {
		return "", err
	}
	for _, raw := range raws {
		if raw.Kind == types.EventCampaignCreated {
			if raw.Finalized {
				return "", nil
			}
			break
		}
	}
	return "the campaign's creation is not finalized", nil
}

// CreateCampaign records a campaign that exists only off-chain. It gets a
// synthetic address and is final from the start.
func (s *CampaignService) CreateCampaign(ctx context.Context, input *CreateCampaignInput) (*CampaignDetail, error) {
	if err := s.validateCreate(input); err != nil {
		return nil, err
	}

	id := uuid.New()
	address := strings.ToLower(common.BytesToAddress(crypto.Keccak256(id[:])).Hex())
	txHash := crypto.Keccak256Hash([]byte("offchain:" + id.String())).Hex()

	// off-chain campaigns sort with the chain campaigns seen at the same time
	block, _, err := s.store.GetCursor(ctx)
	if err != nil {
		return nil, err
	}

	image := input.Image
	if image != nil && *image == "" {
		image = nil
	}
	ev := &events.CampaignCreated{
		Meta: events.Meta{
			BlockNumber: block,
			TxHash:      txHash,
			Contract:    address,
			ChainID:     s.chainID,
			ObservedAt:  s.now().UTC(),
		},
		Organizer:   strings.ToLower(input.Organizer),
		Address:     address,
		Name:        input.Name,
		Milestones:  append([]string(nil), input.Milestones...),
		Deadline:    input.Deadline,
		Verifiers:   []string{},
		Description: input.Description,
		Image:       image,
		Offchain:    true,
	}
	if _, err := s.recorder.Record(ctx, ev, true); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"campaign":  address,
		"organizer": ev.Organizer,
	}).Info("Off-chain campaign created")
	return s.loadDetail(ctx, address)
}

func (s *CampaignService) validateCreate(input *CreateCampaignInput) error {
	name := strings.TrimSpace(input.Name)
	if len(name) < minNameLength || len(name) > maxNameLength {
		return apperrors.NewInvalidParameterError("name", fmt.Sprintf("must be %d to %d characters", minNameLength, maxNameLength))
	}
	if len(input.Description) > maxDescriptionLength {
		return apperrors.NewInvalidParameterError("description", fmt.Sprintf("must be at most %d characters", maxDescriptionLength))
	}
	if !IsAddress(input.Organizer) {
		return apperrors.NewInvalidParameterError("organizer", "must be a 0x-prefixed 20 byte hex address")
	}
	if input.Deadline < s.now().Unix() {
		return apperrors.NewInvalidParameterError("deadline", "must not be in the past")
	}
	if len(input.Milestones) == 0 || len(input.Milestones) > maxMilestones {
		return apperrors.NewInvalidParameterError("milestones", fmt.Sprintf("must hold 1 to %d targets", maxMilestones))
	}
	prev := ""
	for i, target := range input.Milestones {
		v, err := aggregate.ParseAmount(target)
		if err != nil || v.Sign() == 0 {
			return apperrors.NewInvalidParameterError("milestones", fmt.Sprintf("target %d must be a positive integer amount", i))
		}
		if prev != "" {
			p, _ := aggregate.ParseAmount(prev)
			if v.Cmp(p) < 0 {
				return apperrors.NewInvalidParameterError("milestones", "targets must not decrease")
			}
		}
		prev = target
	}
	input.Name = name
	return nil
}

func pageLimit(limit int) (int, error) {
	if limit == 0 {
		return DefaultPageSize, nil
	}
	if limit < 1 || limit > MaxPageSize {
		return 0, apperrors.NewInvalidParameterError("limit", fmt.Sprintf("must be between 1 and %d", MaxPageSize))
	}
	return limit, nil
}

// IsAddress reports whether s is a 0x-prefixed 20 byte hex address
func IsAddress(s string) bool {
	return len(s) == 42 && strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

func isTxHash(s string) bool {
	if len(s) != 66 || !strings.HasPrefix(s, "0x") {
		return false
	}
	_, err := hexutil.Decode(s)
	return err == nil
}
