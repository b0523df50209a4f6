package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/campaign-indexer/internal/adapter"
	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/events"
	"github.com/campaign-indexer/internal/finality"
	"github.com/campaign-indexer/internal/logging"
	"github.com/campaign-indexer/internal/metrics"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/projector"
	"github.com/campaign-indexer/internal/storage"
	"github.com/campaign-indexer/internal/types"
)

// ErrCycleInProgress is returned when a cycle is requested while another one runs
var ErrCycleInProgress = errors.New("indexing cycle already in progress")

// errStopped ends a cycle early after Stop; the cursor stays at the last
// completed window.
var errStopped = errors.New("scheduler stopped")

// Scheduler drives the pipeline: it backfills from the cursor to the chain
// head in fixed windows, then polls for new blocks. Every window is read,
// decoded and projected event by event before the cursor moves past it.
type Scheduler struct {
	reader    adapter.LedgerReader
	decoder   *events.Decoder
	store     storage.Store
	projector *projector.Projector
	finality  *finality.Handler
	metrics   *metrics.Metrics
	logger    *logging.Logger

	factory         string
	startBlock      uint64
	pollInterval    time.Duration
	window          uint64
	backfillDelay   time.Duration
	plainTransfers  bool
	maxBlocksBehind uint64

	createdTopic   common.Hash
	campaignTopics []common.Hash

	cycling atomic.Bool

	mu                 sync.RWMutex
	running            bool
	lastBlockProcessed uint64
	currentBlock       uint64
	lastPollTime       time.Time
	lastError          string
	stopCh             chan struct{}
	doneCh             chan struct{}
	fatalCh            chan error
}

// SchedulerConfig holds configuration for a scheduler
type SchedulerConfig struct {
	Reader    adapter.LedgerReader
	Decoder   *events.Decoder
	Store     storage.Store
	Projector *projector.Projector
	Finality  *finality.Handler
	Metrics   *metrics.Metrics
	Logger    *logging.Logger

	FactoryAddress      string
	StartBlock          uint64        // first block when no cursor is stored
	PollInterval        time.Duration // default: 5s
	BackfillWindow      uint64        // blocks per window (default: 100)
	BackfillDelay       time.Duration // pause between backfill windows
	TrackPlainTransfers bool          // treat value transfers to campaigns as donations
	MaxBlocksBehind     uint64        // health threshold
}

// WindowResult describes one processed block window
type WindowResult struct {
	From     uint64
	To       uint64
	Events   int
	Applied  int
	Duration time.Duration
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("ledger reader cannot be nil")
	}
	if cfg.Decoder == nil {
		return nil, fmt.Errorf("decoder cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Projector == nil {
		return nil, fmt.Errorf("projector cannot be nil")
	}
	if cfg.Finality == nil {
		return nil, fmt.Errorf("finality handler cannot be nil")
	}
	if cfg.FactoryAddress == "" {
		return nil, fmt.Errorf("factory address cannot be empty")
	}

	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	window := cfg.BackfillWindow
	if window == 0 {
		window = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	created := cfg.Decoder.EventID(types.EventCampaignCreated)
	var campaignTopics []common.Hash
	for _, topic := range cfg.Decoder.Topics() {
		if topic != created {
			campaignTopics = append(campaignTopics, topic)
		}
	}

	return &Scheduler{
		reader:          cfg.Reader,
		decoder:         cfg.Decoder,
		store:           cfg.Store,
		projector:       cfg.Projector,
		finality:        cfg.Finality,
		metrics:         m,
		logger:          logger.WithField("component", "scheduler"),
		factory:         normalizeAddress(cfg.FactoryAddress),
		startBlock:      cfg.StartBlock,
		pollInterval:    pollInterval,
		window:          window,
		backfillDelay:   cfg.BackfillDelay,
		plainTransfers:  cfg.TrackPlainTransfers,
		maxBlocksBehind: cfg.MaxBlocksBehind,
		createdTopic:    created,
		campaignTopics:  campaignTopics,
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
		fatalCh:         make(chan error, 1),
	}, nil
}

// Start backfills in the background and then keeps polling. A backfill
// failure or a persistence failure while polling is reported on Fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"factory":        s.factory,
		"pollInterval":   s.pollInterval.String(),
		"backfillWindow": s.window,
	}).Info("Starting scheduler")

	go s.run(ctx)
	return nil
}

// Stop signals the loop and waits for the event in flight to finish
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("Stopping scheduler")
	close(stopCh)

	select {
	case <-doneCh:
		s.logger.Info("Scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out")
		return ctx.Err()
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

// Fatal delivers the error that ended the loop, if any
func (s *Scheduler) Fatal() <-chan error {
	return s.fatalCh
}

func (s *Scheduler) run(ctx context.Context) {
	s.mu.RLock()
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.RUnlock()
	defer close(doneCh)

	if _, err := s.Backfill(ctx); err != nil {
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return
		}
		s.fail(fmt.Errorf("backfill: %w", err))
		return
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Context cancelled")
			return
		case <-stopCh:
			s.logger.Info("Stop signal received")
			return
		case <-ticker.C:
			applied, err := s.PollOnce(ctx)
			switch {
			case err == nil:
				if applied > 0 {
					s.logger.WithField("applied", applied).Info("Poll cycle applied events")
				}
			case errors.Is(err, errStopped), errors.Is(err, ErrCycleInProgress):
			case apperrors.IsPersistence(err):
				s.fail(fmt.Errorf("poll: %w", err))
				return
			default:
				// the next tick retries the same window
				s.logger.WithError(err).Warn("Poll cycle failed")
			}
		}
	}
}

// fail ends the loop. The scheduler reports not running and can be started
// again.
func (s *Scheduler) fail(err error) {
	s.recordError(err)
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.WithError(err).Error("Scheduler stopped on fatal error")
	select {
	case s.fatalCh <- err:
	default:
	}
}

// Backfill processes every block from the cursor to the current head in
// windows, pausing between windows, and finalizes at the end. It returns the
// number of blocks processed.
func (s *Scheduler) Backfill(ctx context.Context) (uint64, error) {
	if !s.cycling.CompareAndSwap(false, true) {
		return 0, ErrCycleInProgress
	}
	defer s.cycling.Store(false)

	processed, err := s.backfill(ctx)
	s.observeCycle("backfill", err)
	return processed, err
}

func (s *Scheduler) backfill(ctx context.Context) (uint64, error) {
	head, err := s.reader.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}
	s.observeHead(head)

	from, err := s.resumeFrom(ctx)
	if err != nil {
		return 0, err
	}
	if from <= head {
		s.logger.WithFields(map[string]interface{}{
			"from": from,
			"head": head,
		}).Info("Backfilling")
	}

	var processed uint64
	for from <= head {
		to := s.windowEnd(from, head)
		if _, err := s.ProcessWindow(ctx, from, to); err != nil {
			return processed, err
		}
		processed += to - from + 1
		from = to + 1

		if from <= head && s.backfillDelay > 0 {
			if err := s.sleep(ctx, s.backfillDelay); err != nil {
				return processed, err
			}
		}
	}

	if _, err := s.finality.Finalize(ctx, head); err != nil {
		return processed, err
	}
	s.logger.WithFields(map[string]interface{}{
		"blocks": processed,
		"head":   head,
	}).Info("Backfill complete")
	return processed, nil
}

// PollOnce runs one poll cycle: it reads the head, rolls back when the head
// fell below the cursor, processes at most one window past the cursor and
// finalizes. It returns the number of events that changed the projection.
func (s *Scheduler) PollOnce(ctx context.Context) (int, error) {
	if !s.cycling.CompareAndSwap(false, true) {
		return 0, ErrCycleInProgress
	}
	defer s.cycling.Store(false)

	s.mu.Lock()
	s.lastPollTime = time.Now()
	s.mu.Unlock()

	applied, err := s.poll(ctx)
	s.observeCycle("poll", err)
	return applied, err
}

func (s *Scheduler) poll(ctx context.Context) (int, error) {
	head, err := s.reader.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}
	s.observeHead(head)

	cursor, ok, err := s.store.GetCursor(ctx)
	if err != nil {
		return 0, err
	}
	if ok && head < cursor {
		s.logger.WithFields(map[string]interface{}{
			"head":   head,
			"cursor": cursor,
		}).Warn("Chain head is behind the cursor, rolling back")
		if _, err := s.finality.Rollback(ctx, head+1); err != nil {
			return 0, err
		}
		s.setLastProcessed(head)
		return 0, nil
	}

	from := s.startBlock
	if ok {
		from = cursor + 1
	}

	applied := 0
	if from <= head {
		to := s.windowEnd(from, head)
		result, err := s.ProcessWindow(ctx, from, to)
		if err != nil {
			return 0, err
		}
		applied = result.Applied
		if to < head {
			s.logger.WithField("remaining", head-to).Debug("Still catching up")
		}
	}

	if _, err := s.finality.Finalize(ctx, head); err != nil {
		return applied, err
	}
	return applied, nil
}

// ProcessWindow reads, decodes and projects the blocks [from, to] and then
// advances the cursor to to. It stops early, without moving the cursor, when
// an event fails or the scheduler is stopped.
func (s *Scheduler) ProcessWindow(ctx context.Context, from, to uint64) (*WindowResult, error) {
	start := time.Now()
	result := &WindowResult{From: from, To: to}

	evs, err := s.collect(ctx, from, to)
	if err != nil {
		return result, err
	}
	projector.SortEvents(evs)
	result.Events = len(evs)

	for _, ev := range evs {
		if s.stopping() {
			return result, errStopped
		}
		ok, err := s.projector.Apply(ctx, ev)
		if err != nil {
			meta := ev.Metadata()
			return result, fmt.Errorf("apply %s at block %d log %d: %w", ev.Kind(), meta.BlockNumber, meta.LogIndex, err)
		}
		if ok {
			result.Applied++
		}
	}

	if err := s.store.WithinTx(ctx, func(tx storage.Tx) error {
		return tx.AdvanceCursor(ctx, to)
	}); err != nil {
		return result, err
	}
	s.setLastProcessed(to)
	s.metrics.CursorBlock.Set(float64(to))

	result.Duration = time.Since(start)
	s.logger.WithFields(map[string]interface{}{
		"from":     from,
		"to":       to,
		"events":   result.Events,
		"applied":  result.Applied,
		"duration": result.Duration.String(),
	}).Debug("Processed window")
	return result, nil
}

// collect gathers the events of a window. Campaigns created by the factory
// inside the window are followed in the same window.
func (s *Scheduler) collect(ctx context.Context, from, to uint64) ([]events.Event, error) {
	factoryLogs, err := s.reader.LogsForRange(ctx, from, to, []string{s.factory}, []common.Hash{s.createdTopic})
	if err != nil {
		return nil, err
	}

	addresses, err := s.store.CampaignAddresses(ctx, types.CampaignOnChain)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(addresses))
	for _, addr := range addresses {
		known[addr] = struct{}{}
	}

	var out []events.Event
	for _, l := range factoryLogs {
		ev, ok := s.decode(l)
		if !ok {
			continue
		}
		out = append(out, ev)
		if created, ok := ev.(*events.CampaignCreated); ok {
			known[created.Address] = struct{}{}
		}
	}
	if len(known) == 0 {
		return out, nil
	}

	campaignLogs, err := s.reader.LogsForRange(ctx, from, to, sortedKeys(known), s.campaignTopics)
	if err != nil {
		return nil, err
	}
	// a payable donate() call emits DonationReceived and moves value in the
	// same transaction; only one of them may count
	donated := make(map[string]struct{})
	for _, l := range campaignLogs {
		ev, ok := s.decode(l)
		if !ok {
			continue
		}
		out = append(out, ev)
		if d, ok := ev.(*events.DonationReceived); ok {
			donated[d.TxHash+"/"+d.Campaign()] = struct{}{}
		}
	}

	if !s.plainTransfers {
		return out, nil
	}
	for block := from; block <= to; block++ {
		transfers, err := s.reader.BlockTransactions(ctx, block)
		if err != nil {
			return nil, err
		}
		for _, t := range transfers {
			if _, ok := known[t.To]; !ok {
				continue
			}
			if _, dup := donated[t.TxHash+"/"+t.To]; dup {
				continue
			}
			out = append(out, events.PlainTransfer(s.decoder.ChainID(), t))
		}
		if block == to {
			break
		}
	}
	return out, nil
}

func (s *Scheduler) decode(l gethtypes.Log) (events.Event, bool) {
	ev, err := s.decoder.Decode(l)
	if err != nil {
		s.metrics.DecodeFailures.Inc()
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"block":    l.BlockNumber,
			"tx":       l.TxHash.Hex(),
			"logIndex": l.Index,
		}).Warn("Skipping undecodable log")
		return nil, false
	}
	return ev, true
}

// resumeFrom returns the first block after the stored cursor, or the
// configured start block when nothing was processed yet
func (s *Scheduler) resumeFrom(ctx context.Context) (uint64, error) {
	cursor, ok, err := s.store.GetCursor(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.startBlock, nil
	}
	s.setLastProcessed(cursor)
	return cursor + 1, nil
}

func (s *Scheduler) windowEnd(from, head uint64) uint64 {
	to := from + s.window - 1
	if to > head || to < from {
		return head
	}
	return to
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return errStopped
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) stopping() bool {
	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler) observeHead(head uint64) {
	s.mu.Lock()
	s.currentBlock = head
	s.mu.Unlock()
	s.metrics.HeadBlock.Set(float64(head))
}

func (s *Scheduler) observeCycle(phase string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if !errors.Is(err, errStopped) {
			s.recordError(err)
		}
	} else {
		s.recordError(nil)
	}
	s.metrics.CyclesTotal.WithLabelValues(phase, result).Inc()
}

func (s *Scheduler) recordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.lastError = ""
		return
	}
	s.lastError = err.Error()
}

func (s *Scheduler) setLastProcessed(block uint64) {
	s.mu.Lock()
	s.lastBlockProcessed = block
	s.mu.Unlock()
}

// GetStatus returns the scheduler's own view of its progress
func (s *Scheduler) GetStatus() *models.IndexerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := buildStatus(s.lastBlockProcessed, s.currentBlock, s.maxBlocksBehind)
	st.IsRunning = s.running
	st.LastError = s.lastError
	return st
}

// IsRunning reports whether the loop was started and not stopped
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastError returns the error of the last failed cycle, empty after a success
func (s *Scheduler) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
