package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testAddress(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func testTxHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func testCampaign(n int, block uint64) *models.Campaign {
	return &models.Campaign{
		Address:         testAddress(n),
		ChainID:         1337,
		Organizer:       testAddress(1000 + n),
		Name:            fmt.Sprintf("campaign %d", n),
		MetadataURI:     fmt.Sprintf("ipfs://campaign-%d", n),
		Deadline:        time.Now().Add(24 * time.Hour).Unix(),
		Strategy:        types.StrategySingle,
		Verifiers:       []string{testAddress(2000 + n), testAddress(3000 + n)},
		Source:          types.CampaignOnChain,
		CreatedBlock:    block,
		CreatedTxHash:   testTxHash(n),
		CreatedLogIndex: 0,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func testRawEvent(campaign string, tx int, logIndex uint, block uint64, kind types.EventKind) *models.RawEvent {
	return &models.RawEvent{
		TxHash:          testTxHash(tx),
		LogIndex:        logIndex,
		BlockNumber:     block,
		ContractAddress: campaign,
		CampaignAddress: campaign,
		Kind:            kind,
		Args:            json.RawMessage(`{"amount":"1"}`),
		ChainID:         1337,
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func testDonation(campaign string, tx int, block uint64, donor, amount string) *models.Contribution {
	return &models.Contribution{
		TxHash:          testTxHash(tx),
		LogIndex:        1,
		Kind:            types.ContributionDonation,
		CampaignAddress: campaign,
		Donor:           donor,
		Amount:          amount,
		BlockNumber:     block,
		ChainID:         1337,
	}
}
