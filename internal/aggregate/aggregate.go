// Package aggregate derives campaign totals from contributions and milestones.
// Recompute is the from-scratch path used after reorgs and finalization; the
// Apply functions are the incremental path used by the projector. Both must
// agree for any event sequence.
package aggregate

import (
	"fmt"
	"math/big"
	"time"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// ParseAmount parses a non-negative decimal amount
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

// ParsePositive parses an amount that must be greater than zero
func ParsePositive(campaign, s string) (*big.Int, error) {
	v, err := ParseAmount(s)
	if err != nil {
		return nil, apperrors.NewInvalidAmountError(campaign, s, err.Error())
	}
	if v.Sign() == 0 {
		return nil, apperrors.NewInvalidAmountError(campaign, s, "amount must be positive")
	}
	return v, nil
}

func mustParse(s string) *big.Int {
	v, err := ParseAmount(s)
	if err != nil {
		return new(big.Int)
	}
	return v
}

// Recompute builds a campaign's aggregate from its full contribution and
// milestone sets. The proposal pointer is not derivable from rows and is left nil.
func Recompute(campaign string, contributions []models.Contribution, milestones []models.Milestone) *models.Aggregate {
	raised := new(big.Int)
	finalized := new(big.Int)
	net := make(map[string]*big.Int)

	for _, c := range contributions {
		if c.CampaignAddress != campaign {
			continue
		}
		amount := mustParse(c.Amount)
		donorNet, ok := net[c.Donor]
		if !ok {
			donorNet = new(big.Int)
			net[c.Donor] = donorNet
		}
		switch c.Kind {
		case types.ContributionDonation:
			raised.Add(raised, amount)
			donorNet.Add(donorNet, amount)
			if c.Finalized {
				finalized.Add(finalized, amount)
			}
		case types.ContributionRefund:
			raised.Sub(raised, amount)
			donorNet.Sub(donorNet, amount)
			if c.Finalized {
				finalized.Sub(finalized, amount)
			}
		}
	}

	released := new(big.Int)
	for _, m := range milestones {
		if m.CampaignAddress == campaign && m.Status == types.MilestoneReleased {
			released.Add(released, mustParse(m.AmountReleased))
		}
	}

	donors := 0
	for _, v := range net {
		if v.Sign() > 0 {
			donors++
		}
	}

	return &models.Aggregate{
		CampaignAddress: campaign,
		TotalRaised:     clampZero(raised).String(),
		TotalReleased:   released.String(),
		FinalizedRaised: clampZero(finalized).String(),
		DonorCount:      donors,
		UpdatedAt:       time.Now().UTC(),
	}
}

func clampZero(v *big.Int) *big.Int {
	if v.Sign() < 0 {
		return new(big.Int)
	}
	return v
}

// ApplyContribution updates agg in place for one new contribution. priorNet is
// the donor's net contribution (donations minus refunds) before c. A refund that
// would drop raised below released, or below zero, is rejected.
func ApplyContribution(agg *models.Aggregate, c models.Contribution, priorNet *big.Int) error {
	amount, err := ParsePositive(agg.CampaignAddress, c.Amount)
	if err != nil {
		return err
	}
	raised := mustParse(agg.TotalRaised)
	released := mustParse(agg.TotalReleased)
	finalized := mustParse(agg.FinalizedRaised)
	after := new(big.Int).Set(priorNet)

	switch c.Kind {
	case types.ContributionDonation:
		raised.Add(raised, amount)
		after.Add(after, amount)
		if c.Finalized {
			finalized.Add(finalized, amount)
		}
	case types.ContributionRefund:
		raised.Sub(raised, amount)
		if raised.Cmp(released) < 0 {
			return apperrors.NewInvalidAmountError(agg.CampaignAddress, c.Amount,
				"refund would leave released above raised")
		}
		after.Sub(after, amount)
		if c.Finalized {
			finalized.Sub(finalized, amount)
		}
	default:
		return fmt.Errorf("unknown contribution kind %q", c.Kind)
	}

	switch {
	case priorNet.Sign() <= 0 && after.Sign() > 0:
		agg.DonorCount++
	case priorNet.Sign() > 0 && after.Sign() <= 0:
		agg.DonorCount--
	}

	agg.TotalRaised = raised.String()
	agg.FinalizedRaised = clampZero(finalized).String()
	agg.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyRelease adds a milestone release to agg. The release must fit inside the
// funds raised and not yet released.
func ApplyRelease(agg *models.Aggregate, amount string) error {
	v, err := ParsePositive(agg.CampaignAddress, amount)
	if err != nil {
		return err
	}
	raised := mustParse(agg.TotalRaised)
	released := mustParse(agg.TotalReleased)
	available := new(big.Int).Sub(raised, released)
	if v.Cmp(available) > 0 {
		return apperrors.NewInvalidAmountError(agg.CampaignAddress, amount,
			fmt.Sprintf("release exceeds available funds %s", available))
	}
	agg.TotalReleased = released.Add(released, v).String()
	agg.UpdatedAt = time.Now().UTC()
	return nil
}

// DonorNet returns a donor's donations minus refunds over contributions
func DonorNet(contributions []models.Contribution, donor string) *big.Int {
	net := new(big.Int)
	for _, c := range contributions {
		if c.Donor != donor {
			continue
		}
		switch c.Kind {
		case types.ContributionDonation:
			net.Add(net, mustParse(c.Amount))
		case types.ContributionRefund:
			net.Sub(net, mustParse(c.Amount))
		}
	}
	return net
}

// Equal reports whether two aggregates carry the same totals
func Equal(a, b *models.Aggregate) bool {
	return mustParse(a.TotalRaised).Cmp(mustParse(b.TotalRaised)) == 0 &&
		mustParse(a.TotalReleased).Cmp(mustParse(b.TotalReleased)) == 0 &&
		mustParse(a.FinalizedRaised).Cmp(mustParse(b.FinalizedRaised)) == 0 &&
		a.DonorCount == b.DonorCount
}
