package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/campaign-indexer/internal/errors"
	"github.com/campaign-indexer/internal/models"
	"github.com/campaign-indexer/internal/types"
)

// querier is satisfied by both the pool and a transaction
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore is the Postgres-backed projection store
type PostgresStore struct {
	pgReads
	db *PostgresDB
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Tx    = (*pgTx)(nil)
)

// NewPostgresStore creates a store on an open connection pool
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{pgReads: pgReads{q: db.Pool()}, db: db}
}

// writerLockKey is the transaction-scoped advisory lock every unit of work
// holds. Units of work read an aggregate and write it back, so they run one
// at a time across every process sharing the database.
const writerLockKey int64 = 0x63616d706169676e

// WithinTx runs fn in a database transaction. Errors returned by fn are passed
// through unchanged; begin, lock and commit failures are persistence errors.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return apperrors.NewPersistenceError("begin", err)
	}
	defer func() {
		_ = tx.Rollback(ctx) // no-op after commit
	}()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, writerLockKey); err != nil {
		return apperrors.NewPersistenceError("lock", err)
	}

	if err := fn(&pgTx{pgReads{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperrors.NewPersistenceError("commit", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Close() { s.db.Close() }

const campaignColumns = `
	c.address, c.chain_id, c.organizer, c.name, c.description, c.image, c.metadata_uri,
	c.deadline, c.approval_strategy, c.quorum, c.source, c.created_block,
	c.created_tx_hash, c.created_log_index, c.created_at,
	COALESCE((SELECT array_agg(v.verifier_address ORDER BY v.position)
	          FROM verifiers v WHERE v.campaign_address = c.address), '{}')`

const milestoneCompleteSQL = `(EXISTS (SELECT 1 FROM milestones m WHERE m.campaign_address = c.address)
	AND NOT EXISTS (SELECT 1 FROM milestones m WHERE m.campaign_address = c.address AND m.status <> 'Released'))`

// ListCampaigns pages campaigns by (created_block DESC, address ASC)
func (s *PostgresStore) ListCampaigns(ctx context.Context, q CampaignQuery) ([]models.Campaign, error) {
	now := q.Now
	if now.IsZero() {
		now = time.Now()
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Organizer != "" {
		where = append(where, "c.organizer = "+arg(q.Organizer))
	}
	if q.After != nil {
		b, a := arg(q.After.BlockNumber), arg(q.After.Address)
		where = append(where, fmt.Sprintf("(c.created_block < %s OR (c.created_block = %s AND c.address > %s))", b, b, a))
	}
	switch q.Status {
	case types.CampaignCompleted:
		where = append(where, milestoneCompleteSQL)
	case types.CampaignExpired:
		where = append(where, fmt.Sprintf("NOT %s AND c.deadline > 0 AND c.deadline < %s", milestoneCompleteSQL, arg(now.Unix())))
	case types.CampaignActive:
		where = append(where, fmt.Sprintf("NOT %s AND NOT (c.deadline > 0 AND c.deadline < %s)", milestoneCompleteSQL, arg(now.Unix())))
	}

	query := "SELECT " + campaignColumns + " FROM campaigns c"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY c.created_block DESC, c.address ASC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list campaigns", err)
	}
	defer rows.Close()

	var out []models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, apperrors.NewPersistenceError("scan campaign", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list campaigns", err)
	}
	return out, nil
}

const rawEventColumns = `tx_hash, log_index, block_number, contract_address, campaign_address,
	event_name, args_json, chain_id, finalized, created_at`

// ListEvents pages a campaign's events by (block_number DESC, log_index DESC)
func (s *PostgresStore) ListEvents(ctx context.Context, q EventQuery) ([]models.RawEvent, error) {
	args := []any{q.Campaign}
	query := "SELECT " + rawEventColumns + " FROM event_log WHERE campaign_address = $1"
	if q.After != nil {
		args = append(args, q.After.BlockNumber, q.After.LogIndex)
		query += " AND (block_number < $2 OR (block_number = $2 AND log_index < $3))"
	}
	query += " ORDER BY block_number DESC, log_index DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryRawEvents(ctx, "list events", query, args...)
}

// RecentContributions returns a campaign's latest contributions, newest first
func (s *PostgresStore) RecentContributions(ctx context.Context, campaign string, limit int) ([]models.Contribution, error) {
	return s.queryContributions(ctx, `
		SELECT `+contributionColumns+` FROM contributions
		WHERE campaign_address = $1
		ORDER BY block_number DESC, log_index DESC
		LIMIT $2`, campaign, limit)
}

// CampaignAddresses returns the sorted addresses of campaigns from source
func (s *PostgresStore) CampaignAddresses(ctx context.Context, source types.CampaignSource) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT address FROM campaigns WHERE source = $1 ORDER BY address`, string(source))
	if err != nil {
		return nil, apperrors.NewPersistenceError("list campaign addresses", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, apperrors.NewPersistenceError("scan campaign address", err)
		}
		out = append(out, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list campaign addresses", err)
	}
	return out, nil
}

// Stats counts the projection rows
func (s *PostgresStore) Stats(ctx context.Context) (*models.StoreStats, error) {
	var st models.StoreStats
	err := s.q.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM campaigns),
			(SELECT COUNT(*) FROM milestones),
			(SELECT COUNT(*) FROM contributions WHERE kind = 'donation'),
			(SELECT COUNT(*) FROM contributions WHERE kind = 'refund'),
			(SELECT COUNT(*) FROM event_log),
			(SELECT COUNT(*) FROM event_log WHERE NOT finalized)
	`).Scan(&st.Campaigns, &st.Milestones, &st.Donations, &st.Refunds, &st.Events, &st.Unfinalized)
	if err != nil {
		return nil, apperrors.NewPersistenceError("stats", err)
	}
	return &st, nil
}

// pgReads implements Reads over any querier
type pgReads struct {
	q querier
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var strategy, source string
	err := row.Scan(
		&c.Address, &c.ChainID, &c.Organizer, &c.Name, &c.Description, &c.Image, &c.MetadataURI,
		&c.Deadline, &strategy, &c.Quorum, &source, &c.CreatedBlock,
		&c.CreatedTxHash, &c.CreatedLogIndex, &c.CreatedAt,
		&c.Verifiers,
	)
	if err != nil {
		return nil, err
	}
	c.Strategy = types.ApprovalStrategy(strategy)
	c.Source = types.CampaignSource(source)
	return &c, nil
}

func (r pgReads) GetCampaign(ctx context.Context, address string) (*models.Campaign, error) {
	c, err := scanCampaign(r.q.QueryRow(ctx, "SELECT "+campaignColumns+" FROM campaigns c WHERE c.address = $1", address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("get campaign", err)
	}
	return c, nil
}

func (r pgReads) ListMilestones(ctx context.Context, campaign string) ([]models.Milestone, error) {
	rows, err := r.q.Query(ctx, `
		SELECT campaign_address, idx, target_amount::text, status, source, amount_released::text,
		       approved_at, rejected_at, released_at, created_block
		FROM milestones
		WHERE campaign_address = $1
		ORDER BY idx`, campaign)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list milestones", err)
	}
	defer rows.Close()

	var out []models.Milestone
	for rows.Next() {
		var m models.Milestone
		var status, source string
		if err := rows.Scan(&m.CampaignAddress, &m.Index, &m.Target, &status, &source, &m.AmountReleased,
			&m.ApprovedAt, &m.RejectedAt, &m.ReleasedAt, &m.CreatedBlock); err != nil {
			return nil, apperrors.NewPersistenceError("scan milestone", err)
		}
		m.Status = types.MilestoneStatus(status)
		m.Source = types.MilestoneSource(source)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list milestones", err)
	}
	return out, nil
}

const contributionColumns = `tx_hash, log_index, kind, campaign_address, donor, amount::text,
	block_number, chain_id, finalized`

func (r pgReads) queryContributions(ctx context.Context, query string, args ...any) ([]models.Contribution, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError("list contributions", err)
	}
	defer rows.Close()

	var out []models.Contribution
	for rows.Next() {
		var c models.Contribution
		var kind string
		if err := rows.Scan(&c.TxHash, &c.LogIndex, &kind, &c.CampaignAddress, &c.Donor, &c.Amount,
			&c.BlockNumber, &c.ChainID, &c.Finalized); err != nil {
			return nil, apperrors.NewPersistenceError("scan contribution", err)
		}
		c.Kind = types.ContributionKind(kind)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("list contributions", err)
	}
	return out, nil
}

func (r pgReads) ListContributions(ctx context.Context, campaign string) ([]models.Contribution, error) {
	return r.queryContributions(ctx, `
		SELECT `+contributionColumns+` FROM contributions
		WHERE campaign_address = $1
		ORDER BY block_number, log_index`, campaign)
}

func (r pgReads) GetAggregate(ctx context.Context, campaign string) (*models.Aggregate, error) {
	var a models.Aggregate
	var proposalIndex *int32
	var proposalAmount *string
	err := r.q.QueryRow(ctx, `
		SELECT campaign_address, total_raised::text, total_released::text, finalized_raised::text,
		       donor_count, proposal_index, proposal_amount::text, updated_at
		FROM aggregates WHERE campaign_address = $1`, campaign,
	).Scan(&a.CampaignAddress, &a.TotalRaised, &a.TotalReleased, &a.FinalizedRaised,
		&a.DonorCount, &proposalIndex, &proposalAmount, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewPersistenceError("get aggregate", err)
	}
	if proposalIndex != nil && proposalAmount != nil {
		a.Proposal = &models.Proposal{Index: int(*proposalIndex), Amount: *proposalAmount}
	}
	return &a, nil
}

func (r pgReads) queryRawEvents(ctx context.Context, op, query string, args ...any) ([]models.RawEvent, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewPersistenceError(op, err)
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		e, err := scanRawEvent(rows)
		if err != nil {
			return nil, apperrors.NewPersistenceError(op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError(op, err)
	}
	return out, nil
}

func scanRawEvent(row pgx.Row) (*models.RawEvent, error) {
	var e models.RawEvent
	var kind string
	var args []byte
	if err := row.Scan(&e.TxHash, &e.LogIndex, &e.BlockNumber, &e.ContractAddress, &e.CampaignAddress,
		&kind, &args, &e.ChainID, &e.Finalized, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = types.EventKind(kind)
	e.Args = args
	return &e, nil
}

func (r pgReads) ListRawEvents(ctx context.Context, campaign string) ([]models.RawEvent, error) {
	return r.queryRawEvents(ctx, "list raw events",
		"SELECT "+rawEventColumns+" FROM event_log WHERE campaign_address = $1 ORDER BY block_number, log_index",
		campaign)
}

func (r pgReads) GetCursor(ctx context.Context) (uint64, bool, error) {
	var block uint64
	err := r.q.QueryRow(ctx, "SELECT last_processed_block FROM indexer_cursor WHERE id = 1").Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperrors.NewPersistenceError("get cursor", err)
	}
	return block, true, nil
}

// pgTx is a unit of work inside one database transaction
type pgTx struct {
	pgReads
}

func (t *pgTx) InsertRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO event_log (`+rawEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		ev.TxHash, ev.LogIndex, ev.BlockNumber, ev.ContractAddress, ev.CampaignAddress,
		string(ev.Kind), []byte(ev.Args), ev.ChainID, ev.Finalized, ev.CreatedAt,
	)
	if err != nil {
		return false, apperrors.NewPersistenceError("insert raw event", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) InsertCampaign(ctx context.Context, c *models.Campaign) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO campaigns (
			address, chain_id, organizer, name, description, image, metadata_uri,
			deadline, approval_strategy, quorum, source, created_block,
			created_tx_hash, created_log_index, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.Address, c.ChainID, c.Organizer, c.Name, c.Description, c.Image, c.MetadataURI,
		c.Deadline, string(c.Strategy), c.Quorum, string(c.Source), c.CreatedBlock,
		c.CreatedTxHash, c.CreatedLogIndex, c.CreatedAt,
	)
	if err != nil {
		return apperrors.NewPersistenceError("insert campaign", err)
	}

	for i, v := range c.Verifiers {
		if _, err := t.q.Exec(ctx, `
			INSERT INTO verifiers (campaign_address, verifier_address, position)
			VALUES ($1, $2, $3)
			ON CONFLICT (campaign_address, verifier_address) DO NOTHING`,
			c.Address, v, i); err != nil {
			return apperrors.NewPersistenceError("insert verifier", err)
		}
	}
	return nil
}

// DeleteCampaign removes a campaign; verifiers, milestones, contributions and
// the aggregate go with it through ON DELETE CASCADE
func (t *pgTx) DeleteCampaign(ctx context.Context, address string) error {
	if _, err := t.q.Exec(ctx, "DELETE FROM campaigns WHERE address = $1", address); err != nil {
		return apperrors.NewPersistenceError("delete campaign", err)
	}
	return nil
}

func (t *pgTx) UpsertMilestone(ctx context.Context, m *models.Milestone) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO milestones (
			campaign_address, idx, target_amount, status, source, amount_released,
			approved_at, rejected_at, released_at, created_block
		)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6::text::numeric, $7, $8, $9, $10)
		ON CONFLICT (campaign_address, idx) DO UPDATE SET
			target_amount = EXCLUDED.target_amount,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			amount_released = EXCLUDED.amount_released,
			approved_at = EXCLUDED.approved_at,
			rejected_at = EXCLUDED.rejected_at,
			released_at = EXCLUDED.released_at,
			created_block = EXCLUDED.created_block`,
		m.CampaignAddress, m.Index, m.Target, string(m.Status), string(m.Source), orZero(m.AmountReleased),
		m.ApprovedAt, m.RejectedAt, m.ReleasedAt, m.CreatedBlock,
	)
	if err != nil {
		return apperrors.NewPersistenceError("upsert milestone", err)
	}
	return nil
}

func (t *pgTx) DeleteMilestones(ctx context.Context, campaign string) error {
	if _, err := t.q.Exec(ctx, "DELETE FROM milestones WHERE campaign_address = $1", campaign); err != nil {
		return apperrors.NewPersistenceError("delete milestones", err)
	}
	return nil
}

func (t *pgTx) InsertContribution(ctx context.Context, c *models.Contribution) (bool, error) {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO contributions (
			tx_hash, log_index, kind, campaign_address, donor, amount,
			block_number, chain_id, finalized
		)
		VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9)
		ON CONFLICT (tx_hash, log_index) DO NOTHING`,
		c.TxHash, c.LogIndex, string(c.Kind), c.CampaignAddress, c.Donor, c.Amount,
		c.BlockNumber, c.ChainID, c.Finalized,
	)
	if err != nil {
		return false, apperrors.NewPersistenceError("insert contribution", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) UpsertAggregate(ctx context.Context, a *models.Aggregate) error {
	var proposalIndex *int32
	var proposalAmount *string
	if a.Proposal != nil {
		idx := int32(a.Proposal.Index) // #nosec G115 - milestone indexes are small
		proposalIndex, proposalAmount = &idx, &a.Proposal.Amount
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
		INSERT INTO aggregates (
			campaign_address, total_raised, total_released, finalized_raised,
			donor_count, proposal_index, proposal_amount, updated_at
		)
		VALUES ($1, $2::text::numeric, $3::text::numeric, $4::text::numeric, $5, $6, $7::text::numeric, $8)
		ON CONFLICT (campaign_address) DO UPDATE SET
			total_raised = EXCLUDED.total_raised,
			total_released = EXCLUDED.total_released,
			finalized_raised = EXCLUDED.finalized_raised,
			donor_count = EXCLUDED.donor_count,
			proposal_index = EXCLUDED.proposal_index,
			proposal_amount = EXCLUDED.proposal_amount,
			updated_at = EXCLUDED.updated_at`,
		a.CampaignAddress, orZero(a.TotalRaised), orZero(a.TotalReleased), orZero(a.FinalizedRaised),
		a.DonorCount, proposalIndex, proposalAmount, updated,
	)
	if err != nil {
		return apperrors.NewPersistenceError("upsert aggregate", err)
	}
	return nil
}

func (t *pgTx) AdvanceCursor(ctx context.Context, block uint64) error {
	tag, err := t.q.Exec(ctx, `
		INSERT INTO indexer_cursor (id, last_processed_block, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_processed_block = EXCLUDED.last_processed_block,
			updated_at = NOW()
		WHERE indexer_cursor.last_processed_block <= EXCLUDED.last_processed_block`, block)
	if err != nil {
		return apperrors.NewPersistenceError("advance cursor", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NewPersistenceError("advance cursor",
			fmt.Errorf("cursor is already past block %d", block))
	}
	return nil
}

func (t *pgTx) RewindCursor(ctx context.Context, block uint64) error {
	_, err := t.q.Exec(ctx, `
		UPDATE indexer_cursor SET last_processed_block = $1, updated_at = NOW()
		WHERE id = 1 AND last_processed_block > $1`, block)
	if err != nil {
		return apperrors.NewPersistenceError("rewind cursor", err)
	}
	return nil
}

func (t *pgTx) FinalizeUpTo(ctx context.Context, block uint64) ([]string, error) {
	if _, err := t.q.Exec(ctx,
		"UPDATE event_log SET finalized = TRUE WHERE NOT finalized AND block_number <= $1", block); err != nil {
		return nil, apperrors.NewPersistenceError("finalize events", err)
	}

	rows, err := t.q.Query(ctx, `
		UPDATE contributions SET finalized = TRUE
		WHERE NOT finalized AND block_number <= $1
		RETURNING campaign_address`, block)
	if err != nil {
		return nil, apperrors.NewPersistenceError("finalize contributions", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, apperrors.NewPersistenceError("finalize contributions", err)
		}
		set[addr] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewPersistenceError("finalize contributions", err)
	}
	return sortedKeys(set), nil
}

func (t *pgTx) DeleteUnfinalizedFrom(ctx context.Context, block uint64) ([]models.RawEvent, error) {
	deleted, err := t.queryRawEvents(ctx, "delete raw events", `
		DELETE FROM event_log
		WHERE NOT finalized AND block_number >= $1
		RETURNING `+rawEventColumns, block)
	if err != nil {
		return nil, err
	}
	if _, err := t.q.Exec(ctx,
		"DELETE FROM contributions WHERE NOT finalized AND block_number >= $1", block); err != nil {
		return nil, apperrors.NewPersistenceError("delete contributions", err)
	}
	sortRawEvents(deleted)
	return deleted, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
