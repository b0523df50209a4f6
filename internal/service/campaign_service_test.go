package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/projector"
	"github.com/campaign-indexer/internal/storage"
	"github.com/campaign-indexer/internal/types"
)

const (
	testChainID       = 1337
	testConfirmations = 3
)

var fixedNow = time.Unix(1_700_000_000, 0).UTC()

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func txHash(block uint64, logIndex uint) string {
	return fmt.Sprintf("0x%064x", block*1000+uint64(logIndex))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type harness struct {
	store     *storage.MemoryStore
	projector *projector.Projector
	metrics   *metrics.Metrics
	svc       *CampaignService
}

func newHarness(t *testing.T, cache *storage.CampaignCache) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	m := metrics.New()
	logger := logging.NewLogger(logging.LevelFatal, logging.FormatJSON)

	pcfg := &projector.Config{Store: store, Metrics: m, Logger: logger}
	scfg := &CampaignServiceConfig{
		Store:   store,
		Metrics: m,
		Logger:  logger,
		ChainID: testChainID,
		Now:     func() time.Time { return fixedNow },

		Confirmations: testConfirmations,
	}
	if cache != nil {
		pcfg.Cache = cache
		scfg.Cache = cache
	}
	p, err := projector.New(pcfg)
	require.NoError(t, err)
	scfg.Recorder = p

	svc, err := NewCampaignService(scfg)
	require.NoError(t, err)
	return &harness{store: store, projector: p, metrics: m, svc: svc}
}

func (h *harness) create(t *testing.T, block uint64, campaign string, deadline time.Time, targets ...string) {
	t.Helper()
	ev := &events.CampaignCreated{
		Meta: events.Meta{
			BlockNumber: block,
			TxHash:      txHash(block, 0),
			Contract:    addr(0xfac),
			ChainID:     testChainID,
		},
		Organizer:   addr(0x01),
		Address:     campaign,
		Name:        "campaign " + campaign[len(campaign)-2:],
		MetadataURI: "ipfs://meta",
		Milestones:  targets,
		Deadline:    deadline.Unix(),
		Verifiers:   []string{addr(0x02)},
	}
	_, err := h.projector.Apply(context.Background(), ev)
	require.NoError(t, err)
}

func (h *harness) donate(t *testing.T, block uint64, logIndex uint, campaign, donor, amount string) {
	t.Helper()
	ev := &events.DonationReceived{
		Meta: events.Meta{
			BlockNumber: block,
			TxHash:      txHash(block, logIndex),
			LogIndex:    logIndex,
			Contract:    campaign,
			ChainID:     testChainID,
		},
		Donor:  donor,
		Amount: amount,
	}
	_, err := h.projector.Apply(context.Background(), ev)
	require.NoError(t, err)
}

// indexedTo moves the cursor to block and finalizes what is deep enough below it
func (h *harness) indexedTo(t *testing.T, block uint64) {
	t.Helper()
	err := h.store.WithinTx(context.Background(), func(tx storage.Tx) error {
		if err := tx.AdvanceCursor(context.Background(), block); err != nil {
			return err
		}
		_, err := tx.FinalizeUpTo(context.Background(), block-testConfirmations)
		return err
	})
	require.NoError(t, err)
}

func setupCache(t *testing.T) *storage.CampaignCache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return storage.NewCampaignCache(storage.NewRedisCacheFromClient(client), time.Minute)
}

func TestNewCampaignService_Validation(t *testing.T) {
	_, err := NewCampaignService(&CampaignServiceConfig{})
	assert.Error(t, err)

	_, err = NewCampaignService(&CampaignServiceConfig{Store: storage.NewMemoryStore()})
	assert.Error(t, err)
}

func TestListCampaigns_Pagination(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	later := fixedNow.Add(24 * time.Hour)

	h.create(t, 10, addr(0xa1), later, "100")
	h.create(t, 11, addr(0xa3), later, "100")
	h.create(t, 11, addr(0xa2), later, "100")

	page, err := h.svc.ListCampaigns(ctx, &ListCampaignsInput{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Campaigns, 2)
	assert.Equal(t, addr(0xa2), page.Campaigns[0].Address)
	assert.Equal(t, addr(0xa3), page.Campaigns[1].Address)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	page, err = h.svc.ListCampaigns(ctx, &ListCampaignsInput{Limit: 2, Cursor: *page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Campaigns, 1)
	assert.Equal(t, addr(0xa1), page.Campaigns[0].Address)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestListCampaigns_FullLastPageHasCursor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	later := fixedNow.Add(24 * time.Hour)

	h.create(t, 10, addr(0xa1), later, "100")
	h.create(t, 11, addr(0xa2), later, "100")

	page, err := h.svc.ListCampaigns(ctx, &ListCampaignsInput{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Campaigns, 2)
	require.NotNil(t, page.NextCursor)

	page, err = h.svc.ListCampaigns(ctx, &ListCampaignsInput{Limit: 2, Cursor: *page.NextCursor})
	require.NoError(t, err)
	assert.Empty(t, page.Campaigns)
	assert.Nil(t, page.NextCursor)
}

func TestListCampaigns_Filters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "100")
	h.create(t, 11, addr(0xa2), fixedNow.Add(-time.Hour), "100")

	page, err := h.svc.ListCampaigns(ctx, &ListCampaignsInput{Status: "expired"})
	require.NoError(t, err)
	require.Len(t, page.Campaigns, 1)
	assert.Equal(t, addr(0xa2), page.Campaigns[0].Address)
	assert.Equal(t, types.CampaignExpired, page.Campaigns[0].Status)

	page, err = h.svc.ListCampaigns(ctx, &ListCampaignsInput{Status: "active"})
	require.NoError(t, err)
	require.Len(t, page.Campaigns, 1)
	assert.Equal(t, addr(0xa1), page.Campaigns[0].Address)

	page, err = h.svc.ListCampaigns(ctx, &ListCampaignsInput{Organizer: "0x" + fmt.Sprintf("%040X", 1)})
	require.NoError(t, err)
	assert.Len(t, page.Campaigns, 2)

	page, err = h.svc.ListCampaigns(ctx, &ListCampaignsInput{Organizer: addr(0x09)})
	require.NoError(t, err)
	assert.Empty(t, page.Campaigns)
}

func TestListCampaigns_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	tests := []struct {
		name  string
		input ListCampaignsInput
	}{
		{"limit too large", ListCampaignsInput{Limit: MaxPageSize + 1}},
		{"negative limit", ListCampaignsInput{Limit: -1}},
		{"unknown status", ListCampaignsInput{Status: "paused"}},
		{"bad organizer", ListCampaignsInput{Organizer: "0x1234"}},
		{"bad cursor", ListCampaignsInput{Cursor: "%%%"}},
		{"cursor is not a position", ListCampaignsInput{Cursor: base64.StdEncoding.EncodeToString([]byte(`{"foo":1}`))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.ListCampaigns(ctx, &tt.input)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeBadRequest, apperrors.PublicCode(err))
		})
	}
}

func TestListCampaigns_Totals(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "50", "100")
	h.donate(t, 11, 1, addr(0xa1), addr(0xd1), "60")
	h.donate(t, 12, 1, addr(0xa1), addr(0xd2), "15")

	page, err := h.svc.ListCampaigns(ctx, &ListCampaignsInput{})
	require.NoError(t, err)
	require.Len(t, page.Campaigns, 1)
	c := page.Campaigns[0]
	assert.Equal(t, "75", c.TotalRaised)
	assert.Equal(t, "0", c.TotalReleased)
	assert.Equal(t, 2, c.DonorCount)
	assert.Equal(t, []string{"50", "100"}, c.Milestones)
	assert.Equal(t, types.CampaignOnChain, c.Source)
}

func TestGetCampaign(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "50", "100")
	h.donate(t, 11, 1, addr(0xa1), addr(0xd1), "60")

	detail, err := h.svc.GetCampaign(ctx, "0x"+fmt.Sprintf("%040X", 0xa1))
	require.NoError(t, err)
	assert.Equal(t, addr(0xa1), detail.Address)
	assert.Equal(t, "60", detail.TotalRaised)
	assert.Equal(t, "0", detail.FinalizedRaised)
	assert.Equal(t, 1, detail.DonorCount)
	assert.Equal(t, types.StrategySingle, detail.ApprovalStrategy)
	assert.Equal(t, []string{addr(0x02)}, detail.Verifiers)
	require.Len(t, detail.Milestones, 2)
	assert.Equal(t, types.MilestonePending, detail.Milestones[0].Status)
	assert.Equal(t, "50", detail.Milestones[0].TargetAmount)
	require.Len(t, detail.RecentDonations, 1)
	assert.Equal(t, addr(0xd1), detail.RecentDonations[0].Donor)
	require.Len(t, detail.RecentActivity, 2)
	assert.Equal(t, types.EventDonationReceived, detail.RecentActivity[0].EventName)
	assert.Equal(t, types.EventCampaignCreated, detail.RecentActivity[1].EventName)
}

func TestGetCampaign_Errors(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	_, err := h.svc.GetCampaign(ctx, addr(0xa1))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.Equal(t, apperrors.CodeNotFound, apperrors.PublicCode(err))

	_, err = h.svc.GetCampaign(ctx, "not-an-address")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeBadRequest, apperrors.PublicCode(err))
}

func TestGetCampaign_Cache(t *testing.T) {
	h := newHarness(t, setupCache(t))
	ctx := testContext(t)

	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "100")

	first, err := h.svc.GetCampaign(ctx, addr(0xa1))
	require.NoError(t, err)
	second, err := h.svc.GetCampaign(ctx, addr(0xa1))
	require.NoError(t, err)
	assert.Equal(t, first.Name, second.Name)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.CacheLookups.WithLabelValues("hit")))

	// a projected donation drops the cached detail
	h.donate(t, 11, 1, addr(0xa1), addr(0xd1), "30")
	third, err := h.svc.GetCampaign(ctx, addr(0xa1))
	require.NoError(t, err)
	assert.Equal(t, "30", third.TotalRaised)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.CacheLookups.WithLabelValues("miss")))
}

func TestListEvents_Pagination(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "100")
	h.donate(t, 11, 1, addr(0xa1), addr(0xd1), "10")
	h.donate(t, 11, 4, addr(0xa1), addr(0xd2), "20")

	page, err := h.svc.ListEvents(ctx, &ListEventsInput{Address: addr(0xa1), Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, uint(4), page.Events[0].LogIndex)
	assert.Equal(t, uint(1), page.Events[1].LogIndex)
	require.NotNil(t, page.NextCursor)

	page, err = h.svc.ListEvents(ctx, &ListEventsInput{Address: addr(0xa1), Limit: 2, Cursor: *page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, types.EventCampaignCreated, page.Events[0].EventName)
	assert.JSONEq(t, `"`+addr(0xa1)+`"`, string(mustField(t, page.Events[0].Args, "campaign")))
	assert.False(t, page.HasMore)
}

func TestListEvents_UnknownCampaign(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.ListEvents(testContext(t), &ListEventsInput{Address: addr(0xa1)})
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecordDonation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "100")
	h.indexedTo(t, 20)

	input := &RecordDonationInput{
		TxHash:      "0x" + fmt.Sprintf("%064X", 0xbeef),
		LogIndex:    2,
		Donor:       addr(0xd1),
		Amount:      "25",
		BlockNumber: 12,
		Finalized:   true,
	}
	result, err := h.svc.RecordDonation(ctx, addr(0xa1), input)
	require.NoError(t, err)
	assert.True(t, result.Recorded)
	assert.Equal(t, "25", result.Aggregate.TotalRaised)
	assert.Equal(t, "25", result.Aggregate.FinalizedRaised)
	assert.Equal(t, 1, result.Aggregate.DonorCount)

	again, err := h.svc.RecordDonation(ctx, addr(0xa1), input)
	require.NoError(t, err)
	assert.False(t, again.Recorded)
	assert.Equal(t, "25", again.Aggregate.TotalRaised)

	contributions, err := h.store.ListContributions(ctx, addr(0xa1))
	require.NoError(t, err)
	require.Len(t, contributions, 1)
	assert.Equal(t, "0x"+fmt.Sprintf("%064x", 0xbeef), contributions[0].TxHash)
	assert.Equal(t, int64(testChainID), contributions[0].ChainID)
}

func TestRecordDonation_Invalid(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "100")

	valid := func() RecordDonationInput {
		return RecordDonationInput{TxHash: txHash(12, 1), LogIndex: 1, Donor: addr(0xd1), Amount: "5", BlockNumber: 12}
	}
	tests := []struct {
		name   string
		mutate func(in *RecordDonationInput)
	}{
		{"zero amount", func(in *RecordDonationInput) { in.Amount = "0" }},
		{"decimal amount", func(in *RecordDonationInput) { in.Amount = "1.5" }},
		{"bad donor", func(in *RecordDonationInput) { in.Donor = "0xnope" }},
		{"short hash", func(in *RecordDonationInput) { in.TxHash = "0x1234" }},
		{"other chain", func(in *RecordDonationInput) { in.ChainID = 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)
			_, err := h.svc.RecordDonation(ctx, addr(0xa1), &in)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeBadRequest, apperrors.PublicCode(err))
		})
	}

	in := valid()
	_, err := h.svc.RecordDonation(ctx, addr(0xa9), &in)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRecordDonation_FinalizedNeedsConfirmations(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)
	h.create(t, 10, addr(0xa1), fixedNow.Add(time.Hour), "100")

	donation := func(block uint64) *RecordDonationInput {
		return &RecordDonationInput{
			TxHash:      txHash(block, 7),
			LogIndex:    7,
			Donor:       addr(0xd1),
			Amount:      "5",
			BlockNumber: block,
			Finalized:   true,
		}
	}
	rejected := func(in *RecordDonationInput) {
		t.Helper()
		_, err := h.svc.RecordDonation(ctx, addr(0xa1), in)
		require.Error(t, err)
		assert.Equal(t, apperrors.CodeBadRequest, apperrors.PublicCode(err))
	}

	// nothing indexed yet
	rejected(donation(12))

	// cursor 12: the creating event at block 10 is still provisional
	h.indexedTo(t, 12)
	rejected(donation(12))
	rejected(donation(9))

	// cursor 20: blocks up to 17 are final
	h.indexedTo(t, 20)
	rejected(donation(18))
	rejected(donation(1_000_000))

	result, err := h.svc.RecordDonation(ctx, addr(0xa1), donation(17))
	require.NoError(t, err)
	assert.Equal(t, "5", result.Aggregate.FinalizedRaised)

	// a provisional report is accepted at any block
	in := donation(25)
	in.Finalized = false
	result, err = h.svc.RecordDonation(ctx, addr(0xa1), in)
	require.NoError(t, err)
	assert.Equal(t, "10", result.Aggregate.TotalRaised)
	assert.Equal(t, "5", result.Aggregate.FinalizedRaised)

	contributions, err := h.store.ListContributions(ctx, addr(0xa1))
	require.NoError(t, err)
	for _, c := range contributions {
		if c.Finalized {
			assert.LessOrEqual(t, c.BlockNumber, uint64(20-testConfirmations))
		}
	}
}

func TestCreateCampaign(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	input := &CreateCampaignInput{
		Name:        "  Community garden  ",
		Description: "Raised beds",
		Organizer:   "0x" + fmt.Sprintf("%040X", 0x01),
		Deadline:    fixedNow.Add(48 * time.Hour).Unix(),
		Milestones:  []string{"100", "100", "250"},
	}
	detail, err := h.svc.CreateCampaign(ctx, input)
	require.NoError(t, err)
	assert.True(t, IsAddress(detail.Address))
	assert.Equal(t, "Community garden", detail.Name)
	assert.Equal(t, addr(0x01), detail.Organizer)
	assert.Equal(t, types.CampaignOffChain, detail.Source)
	assert.Nil(t, detail.Image)
	require.Len(t, detail.Milestones, 3)
	assert.Equal(t, types.MilestonePending, detail.Milestones[2].Status)
	assert.Equal(t, "0", detail.TotalRaised)

	raws, err := h.store.ListRawEvents(ctx, detail.Address)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.True(t, raws[0].Finalized)

	onChain, err := h.store.CampaignAddresses(ctx, types.CampaignOnChain)
	require.NoError(t, err)
	assert.Empty(t, onChain)

	other, err := h.svc.CreateCampaign(ctx, &CreateCampaignInput{
		Name: "Second", Organizer: addr(0x01), Deadline: input.Deadline, Milestones: []string{"1"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, detail.Address, other.Address)
}

func TestCreateCampaign_Invalid(t *testing.T) {
	h := newHarness(t, nil)
	ctx := testContext(t)

	valid := func() CreateCampaignInput {
		return CreateCampaignInput{
			Name:       "Library roof",
			Organizer:  addr(0x01),
			Deadline:   fixedNow.Add(time.Hour).Unix(),
			Milestones: []string{"10", "20"},
		}
	}
	tests := []struct {
		name   string
		mutate func(in *CreateCampaignInput)
	}{
		{"short name", func(in *CreateCampaignInput) { in.Name = "ab" }},
		{"bad organizer", func(in *CreateCampaignInput) { in.Organizer = "organizer" }},
		{"past deadline", func(in *CreateCampaignInput) { in.Deadline = fixedNow.Add(-time.Minute).Unix() }},
		{"no milestones", func(in *CreateCampaignInput) { in.Milestones = nil }},
		{"too many milestones", func(in *CreateCampaignInput) {
			in.Milestones = []string{"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}
		}},
		{"decreasing milestones", func(in *CreateCampaignInput) { in.Milestones = []string{"20", "10"} }},
		{"zero milestone", func(in *CreateCampaignInput) { in.Milestones = []string{"0"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid()
			tt.mutate(&in)
			_, err := h.svc.CreateCampaign(ctx, &in)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeBadRequest, apperrors.PublicCode(err))
		})
	}

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Campaigns)
}
