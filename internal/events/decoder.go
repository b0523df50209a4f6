package events

import (
	_ "embed"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/types"
)

//go:embed abi/campaign.json
var campaignABI string

// PlainTransferLogIndexBase offsets synthetic log indexes of value transfers so they
// never collide with contract log indexes of the same transaction.
const PlainTransferLogIndexBase uint = 1 << 20

// ParseABI returns the contract ABI the decoder understands
func ParseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(campaignABI))
}

// Decoder turns ledger logs into typed events
type Decoder struct {
	abi     abi.ABI
	chainID int64
}

// NewDecoder creates a decoder for logs of the given chain
func NewDecoder(chainID int64) (*Decoder, error) {
	parsed, err := ParseABI()
	if err != nil {
		return nil, fmt.Errorf("parse campaign ABI: %w", err)
	}
	return &Decoder{abi: parsed, chainID: chainID}, nil
}

// ChainID returns the chain the decoder stamps on events
func (d *Decoder) ChainID() int64 {
	return d.chainID
}

// Topics returns the topic0 values of every known event, for log filtering
func (d *Decoder) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(d.abi.Events))
	for _, name := range []types.EventKind{
		types.EventCampaignCreated,
		types.EventDonationReceived,
		types.EventMilestoneProposed,
		types.EventMilestoneApproved,
		types.EventMilestoneAccepted,
		types.EventMilestoneRejected,
		types.EventMilestoneReleased,
		types.EventRefunded,
	} {
		out = append(out, d.abi.Events[string(name)].ID)
	}
	return out
}

// EventID returns the topic0 of a known event kind
func (d *Decoder) EventID(kind types.EventKind) common.Hash {
	return d.abi.Events[string(kind)].ID
}

// Decode converts one log. Logs with an unknown signature, missing topics or
// malformed data return a DecodeError.
func (d *Decoder) Decode(log gethtypes.Log) (Event, error) {
	txHash := log.TxHash.Hex()
	if log.Removed {
		return nil, apperrors.NewDecodeError(txHash, log.Index, "log was removed by a reorg")
	}
	if len(log.Topics) == 0 {
		return nil, apperrors.NewDecodeError(txHash, log.Index, "log has no topics")
	}

	ev, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, apperrors.NewDecodeError(txHash, log.Index, "unknown event signature "+log.Topics[0].Hex())
	}

	args := make(map[string]interface{})
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(log.Topics)-1 != len(indexed) {
		return nil, apperrors.NewDecodeError(txHash, log.Index,
			fmt.Sprintf("%s expects %d indexed topics, got %d", ev.Name, len(indexed), len(log.Topics)-1))
	}
	if err := abi.ParseTopicsIntoMap(args, indexed, log.Topics[1:]); err != nil {
		return nil, apperrors.NewDecodeError(txHash, log.Index, "topics: "+err.Error())
	}
	if err := ev.Inputs.UnpackIntoMap(args, log.Data); err != nil {
		return nil, apperrors.NewDecodeError(txHash, log.Index, "data: "+err.Error())
	}

	meta := Meta{
		BlockNumber: log.BlockNumber,
		TxHash:      strings.ToLower(txHash),
		LogIndex:    log.Index,
		Contract:    lowerHex(log.Address),
		ChainID:     d.chainID,
	}

	a := argReader{args: args}
	var out Event
	switch types.EventKind(ev.Name) {
	case types.EventCampaignCreated:
		out = &CampaignCreated{
			Meta:        meta,
			Organizer:   a.address("organizer"),
			Address:     a.address("campaign"),
			Name:        a.str("name"),
			MetadataURI: a.str("metadataURI"),
			Milestones:  a.decimalList("milestones"),
			Deadline:    a.int64Value("deadline"),
			Verifiers:   a.addressList("verifiers"),
			Quorum:      a.intValue("quorum"),
		}
	case types.EventDonationReceived:
		out = &DonationReceived{Meta: meta, Donor: a.address("donor"), Amount: a.decimal("amount")}
	case types.EventMilestoneProposed:
		out = &MilestoneProposed{Meta: meta, Index: a.intValue("idx"), Amount: a.decimal("amount")}
	case types.EventMilestoneApproved:
		out = &MilestoneApproved{Meta: meta, Index: a.intValue("idx")}
	case types.EventMilestoneAccepted:
		out = &MilestoneAccepted{Meta: meta, Index: a.intValue("idx")}
	case types.EventMilestoneRejected:
		out = &MilestoneRejected{Meta: meta, Index: a.intValue("idx")}
	case types.EventMilestoneReleased:
		out = &MilestoneReleased{Meta: meta, Index: a.intValue("idx"), Amount: a.decimal("amount")}
	case types.EventRefunded:
		out = &Refunded{Meta: meta, Donor: a.address("donor"), Amount: a.decimal("amount")}
	default:
		return nil, apperrors.NewDecodeError(txHash, log.Index, "unhandled event "+ev.Name)
	}

	if a.err != nil {
		return nil, apperrors.NewDecodeError(txHash, log.Index, a.err.Error())
	}
	return out, nil
}

// Transfer is a plain value transfer observed in a block
type Transfer struct {
	BlockNumber uint64
	TxHash      string
	TxIndex     uint
	From        string
	To          string
	Value       *big.Int
}

// PlainTransfer turns a value transfer to a campaign into a synthetic donation.
// The amount stays in wei; the log index is offset past any real log index.
func PlainTransfer(chainID int64, t Transfer) *DonationReceived {
	return &DonationReceived{
		Meta: Meta{
			BlockNumber: t.BlockNumber,
			TxHash:      strings.ToLower(t.TxHash),
			LogIndex:    PlainTransferLogIndexBase + t.TxIndex,
			Contract:    strings.ToLower(t.To),
			ChainID:     chainID,
		},
		Donor:  strings.ToLower(t.From),
		Amount: t.Value.String(),
	}
}

func lowerHex(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// argReader extracts typed values from an unpacked argument map and keeps the
// first type mismatch.
type argReader struct {
	args map[string]interface{}
	err  error
}

func (r *argReader) fail(name string, v interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf("argument %s has unexpected type %T", name, v)
	}
}

func (r *argReader) address(name string) string {
	v, ok := r.args[name].(common.Address)
	if !ok {
		r.fail(name, r.args[name])
		return ""
	}
	return lowerHex(v)
}

func (r *argReader) addressList(name string) []string {
	v, ok := r.args[name].([]common.Address)
	if !ok {
		r.fail(name, r.args[name])
		return nil
	}
	out := make([]string, len(v))
	for i, a := range v {
		out[i] = lowerHex(a)
	}
	return out
}

func (r *argReader) str(name string) string {
	v, ok := r.args[name].(string)
	if !ok {
		r.fail(name, r.args[name])
	}
	return v
}

func (r *argReader) bigInt(name string) *big.Int {
	v, ok := r.args[name].(*big.Int)
	if !ok || v == nil {
		r.fail(name, r.args[name])
		return new(big.Int)
	}
	return v
}

func (r *argReader) decimal(name string) string {
	return r.bigInt(name).String()
}

func (r *argReader) decimalList(name string) []string {
	v, ok := r.args[name].([]*big.Int)
	if !ok {
		r.fail(name, r.args[name])
		return nil
	}
	out := make([]string, len(v))
	for i, b := range v {
		out[i] = b.String()
	}
	return out
}

func (r *argReader) int64Value(name string) int64 {
	b := r.bigInt(name)
	if !b.IsInt64() {
		if r.err == nil {
			r.err = fmt.Errorf("argument %s overflows int64", name)
		}
		return 0
	}
	return b.Int64()
}

func (r *argReader) intValue(name string) int {
	n := r.int64Value(name)
	if n > math.MaxInt32 {
		if r.err == nil {
			r.err = fmt.Errorf("argument %s out of range", name)
		}
		return 0
	}
	return int(n)
}
