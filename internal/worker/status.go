package worker

import (
	"context"

	"github.com/campaign-indexer/internal/adapter"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/storage"
)

// StatusReporter computes the indexer status from the stored cursor and the
// chain head, so a process that does not run the scheduler can report it.
type StatusReporter struct {
	store           storage.Reads
	reader          adapter.LedgerReader
	scheduler       *Scheduler
	maxBlocksBehind uint64
}

// NewStatusReporter creates a reporter. scheduler may be nil.
func NewStatusReporter(store storage.Reads, reader adapter.LedgerReader, scheduler *Scheduler, maxBlocksBehind uint64) *StatusReporter {
	return &StatusReporter{
		store:           store,
		reader:          reader,
		scheduler:       scheduler,
		maxBlocksBehind: maxBlocksBehind,
	}
}

// IndexerStatus reads the cursor and the head. Without a stored cursor the
// indexer is reported unhealthy.
func (r *StatusReporter) IndexerStatus(ctx context.Context) (*models.IndexerStatus, error) {
	head, err := r.reader.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}
	cursor, ok, err := r.store.GetCursor(ctx)
	if err != nil {
		return nil, err
	}

	st := buildStatus(cursor, head, r.maxBlocksBehind)
	if !ok {
		st.Healthy = false
		st.LastError = "indexer cursor not initialized"
	}
	if r.scheduler != nil {
		st.IsRunning = r.scheduler.IsRunning()
		if msg := r.scheduler.LastError(); msg != "" {
			st.LastError = msg
		}
	}
	return st, nil
}

// IsContractDeployed reports whether address holds code
func (r *StatusReporter) IsContractDeployed(ctx context.Context, address string) (bool, error) {
	return r.reader.IsContractDeployed(ctx, address)
}

func buildStatus(cursor, head, maxBlocksBehind uint64) *models.IndexerStatus {
	var behind uint64
	if head > cursor {
		behind = head - cursor
	}
	return &models.IndexerStatus{
		LastProcessedBlock: cursor,
		CurrentBlock:       head,
		BlocksBehind:       behind,
		Healthy:            behind <= maxBlocksBehind,
	}
}
