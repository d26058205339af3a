// Package ledger implements the gateway's append-only audit trail: every
// persisted manifest decision (with the seal issued for it) and every
// auth event is recorded as a hash-chained entry. Seal execution state is
// kept in the seal_execution table, not as chain entries.
// Mutation of a written entry is refused by the storage layer itself —
// not merely by application discipline — via the triggers installed in
// migrate(). The ledger also tracks seal execution state, implementing
// seal.ExecutionTracker so mark-executed is serialized at the row level.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEntryNotFound = errors.New("ledger: entry not found")
	ErrChainBroken   = errors.New("ledger: hash chain is broken")
)

// EntryType categorizes ledger entries.
type EntryType string

const (
	EntryManifestValidated EntryType = "manifest_validated"
	EntrySealIssued        EntryType = "seal_issued"
	EntrySealExecuted      EntryType = "seal_executed"
	EntryOrgRegistered     EntryType = "org_registered"
	EntryAgentRegistered   EntryType = "agent_registered"
	EntryAgentStateChanged EntryType = "agent_state_changed"
	EntryPolicyReloaded    EntryType = "policy_reloaded"
	EntryAuthEvent         EntryType = "auth_event"
)

// genesisHash seeds the chain for the first entry ever appended.
const genesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable ledger record. ManifestID, SealID, AgentID,
// Provider, Approved, and DenialReason are only populated on
// EntryManifestValidated entries; they are promoted out of Payload into
// their own columns so GET /v1/audit/query and /v1/audit/stats can
// filter and aggregate without a JSON scan per row.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EntryType    EntryType       `json:"entry_type"`
	OrgID        string          `json:"org_id,omitempty"`
	Subject      string          `json:"subject"`
	Action       string          `json:"action"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`

	ManifestID   string `json:"manifest_id,omitempty"`
	SealID       string `json:"seal_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Approved     *bool  `json:"approved,omitempty"`
	DenialReason string `json:"denial_reason,omitempty"`
}

// Dialect picks the schema variant migrate() installs. SQLite and
// Postgres both accept $N-style positional parameters (SQLite natively
// supports the $AAAA placeholder form), so a single set of DML queries
// serves both; only the immutability-trigger DDL differs.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Ledger is the durable, hash-chained audit store and seal execution
// tracker.
type Ledger struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex // serializes Append and MarkExecuted against the chain head / one-time-use flag
}

// New opens a ledger against an already-connected database handle and
// installs its schema if absent.
func New(db *sql.DB, dialect Dialect) (*Ledger, error) {
	l := &Ledger{db: db, dialect: dialect}
	if err := l.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	const tables = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	entry_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL UNIQUE,
	timestamp TIMESTAMP NOT NULL,
	entry_type TEXT NOT NULL,
	org_id TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL UNIQUE,
	manifest_id TEXT UNIQUE,
	seal_id TEXT UNIQUE,
	agent_id TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	approved BOOLEAN,
	denial_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_ledger_entries_manifest_id ON ledger_entries (manifest_id);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_seal_id ON ledger_entries (seal_id);

CREATE TABLE IF NOT EXISTS seal_execution (
	seal_id TEXT PRIMARY KEY,
	manifest_id TEXT NOT NULL,
	was_executed BOOLEAN NOT NULL DEFAULT FALSE,
	executed_at TIMESTAMP
);
`
	if _, err := l.db.ExecContext(ctx, tables); err != nil {
		return err
	}

	switch l.dialect {
	case DialectSQLite:
		triggers := `
CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
BEFORE UPDATE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;

CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
BEFORE DELETE ON ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'ledger_entries is append-only');
END;

CREATE TRIGGER IF NOT EXISTS seal_execution_monotonic
BEFORE UPDATE ON seal_execution
WHEN OLD.was_executed = TRUE
BEGIN
	SELECT RAISE(ABORT, 'seal already executed');
END;
`
		if _, err := l.db.ExecContext(ctx, triggers); err != nil {
			return err
		}
	case DialectPostgres:
		triggers := `
CREATE OR REPLACE FUNCTION ledger_entries_immutable() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger_entries is append-only';
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'ledger_entries_no_update') THEN
		CREATE TRIGGER ledger_entries_no_update BEFORE UPDATE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();
	END IF;
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'ledger_entries_no_delete') THEN
		CREATE TRIGGER ledger_entries_no_delete BEFORE DELETE ON ledger_entries
			FOR EACH ROW EXECUTE FUNCTION ledger_entries_immutable();
	END IF;
END
$$;

CREATE OR REPLACE FUNCTION seal_execution_monotonic() RETURNS trigger AS $$
BEGIN
	IF OLD.was_executed THEN
		RAISE EXCEPTION 'seal already executed';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DO $$
BEGIN
	IF NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'seal_execution_monotonic_trg') THEN
		CREATE TRIGGER seal_execution_monotonic_trg BEFORE UPDATE ON seal_execution
			FOR EACH ROW EXECUTE FUNCTION seal_execution_monotonic();
	END IF;
END
$$;
`
		if _, err := l.db.ExecContext(ctx, triggers); err != nil {
			return err
		}
	}
	return nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type hashable struct {
	Sequence     uint64    `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	EntryType    EntryType `json:"entry_type"`
	OrgID        string    `json:"org_id"`
	Subject      string    `json:"subject"`
	Action       string    `json:"action"`
	PayloadHash  string    `json:"payload_hash"`
	PreviousHash string    `json:"previous_hash"`
}

func entryHash(e *Entry) (string, error) {
	data, err := json.Marshal(hashable{
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		EntryType:    e.EntryType,
		OrgID:        e.OrgID,
		Subject:      e.Subject,
		Action:       e.Action,
		PayloadHash:  e.PayloadHash,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", err
	}
	return computeHash(data), nil
}

// Append writes a new entry to the chain. It holds the ledger-wide lock
// for the duration of the call: reading the current head, computing the
// hash, and inserting must be one atomic step, or two concurrent
// appenders could both chain off the same previous entry.
func (l *Ledger) Append(ctx context.Context, entryType EntryType, orgID, subject, action string, payload any) (*Entry, error) {
	return l.append(ctx, &Entry{EntryType: entryType, OrgID: orgID, Subject: subject, Action: action}, payload)
}

// ManifestDecision carries the structured fields a manifest validation
// entry needs for querying and stats, promoted out of its JSON payload
// so audit queries don't need to unmarshal every row to filter on them.
type ManifestDecision struct {
	ManifestID   string
	SealID       string
	OrgID        string
	AgentID      string
	Provider     string
	Approved     bool
	DenialReason string
}

// AppendManifestDecision records a validated manifest and its seal as one
// hash-chained entry, indexed by manifest_id, seal_id, agent_id, provider,
// and approved so they can be queried and aggregated without decoding
// every row's payload.
func (l *Ledger) AppendManifestDecision(ctx context.Context, d ManifestDecision, payload any) (*Entry, error) {
	approved := d.Approved
	e := &Entry{
		EntryType:    EntryManifestValidated,
		OrgID:        d.OrgID,
		Subject:      d.AgentID,
		Action:       "validate",
		ManifestID:   d.ManifestID,
		SealID:       d.SealID,
		AgentID:      d.AgentID,
		Provider:     d.Provider,
		Approved:     &approved,
		DenialReason: d.DenialReason,
	}
	return l.append(ctx, e, payload)
}

func (l *Ledger) append(ctx context.Context, e *Entry, payload any) (*Entry, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		prevHash string
		lastSeq  uint64
	)
	row := l.db.QueryRowContext(ctx, `SELECT entry_hash, sequence FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
	switch err := row.Scan(&prevHash, &lastSeq); {
	case errors.Is(err, sql.ErrNoRows):
		prevHash = genesisHash
		lastSeq = 0
	case err != nil:
		return nil, fmt.Errorf("ledger: read chain head: %w", err)
	}

	e.EntryID = uuid.New().String()
	e.Sequence = lastSeq + 1
	e.Timestamp = time.Now().UTC()
	e.Payload = payloadBytes
	e.PayloadHash = computeHash(payloadBytes)
	e.PreviousHash = prevHash
	e.EntryHash, err = entryHash(e)
	if err != nil {
		return nil, fmt.Errorf("ledger: compute entry hash: %w", err)
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO ledger_entries
			(entry_id, sequence, timestamp, entry_type, org_id, subject, action, payload, payload_hash, previous_hash, entry_hash,
			 manifest_id, seal_id, agent_id, provider, approved, denial_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, e.EntryID, e.Sequence, e.Timestamp, e.EntryType, e.OrgID, e.Subject, e.Action, string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash,
		nullableString(e.ManifestID), nullableString(e.SealID), e.AgentID, e.Provider, e.Approved, e.DenialReason)
	if err != nil {
		return nil, fmt.Errorf("ledger: insert entry: %w", err)
	}

	return e, nil
}

// nullableString maps an empty string to SQL NULL so manifest_id/seal_id
// columns' UNIQUE constraints only apply to entries that actually set
// them: manifest_id is unique, but every other entry type leaves it
// unset.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanEntry(row interface {
	Scan(dest ...any) error
}) (*Entry, error) {
	var e Entry
	var payload string
	var approved sql.NullBool
	var manifestID, sealID sql.NullString
	err := row.Scan(&e.EntryID, &e.Sequence, &e.Timestamp, &e.EntryType, &e.OrgID, &e.Subject, &e.Action, &payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash,
		&manifestID, &sealID, &e.AgentID, &e.Provider, &approved, &e.DenialReason)
	if err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	e.ManifestID = manifestID.String
	e.SealID = sealID.String
	if approved.Valid {
		e.Approved = &approved.Bool
	}
	return &e, nil
}

const selectColumns = `entry_id, sequence, timestamp, entry_type, org_id, subject, action, payload, payload_hash, previous_hash, entry_hash,
	manifest_id, seal_id, agent_id, provider, approved, denial_reason`

// Get retrieves an entry by ID.
func (l *Ledger) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM ledger_entries WHERE entry_id = $1`, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// GetByHash retrieves an entry by its content hash.
func (l *Ledger) GetByHash(ctx context.Context, hash string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM ledger_entries WHERE entry_hash = $1`, hash)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// GetByManifestID retrieves the manifest_validated entry for a manifest,
// if one was recorded (dry-run validations never reach the ledger and
// so never have one).
func (l *Ledger) GetByManifestID(ctx context.Context, manifestID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM ledger_entries WHERE manifest_id = $1 AND entry_type = $2`, manifestID, EntryManifestValidated)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// GetBySealID retrieves the manifest_validated entry that issued sealID.
func (l *Ledger) GetBySealID(ctx context.Context, sealID string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM ledger_entries WHERE seal_id = $1 AND entry_type = $2`, sealID, EntryManifestValidated)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

// QueryFilter scopes a ledger query.
type QueryFilter struct {
	OrgID      string
	EntryType  EntryType
	Subject    string
	AgentID    string
	Provider   string
	Approved   *bool
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
	Offset     int
}

// Query returns entries matching filter, newest first, and the total
// number of entries matching filter regardless of MaxResults/Offset, so
// callers can page through results without a second round trip.
func (l *Ledger) Query(ctx context.Context, filter QueryFilter) ([]*Entry, int, error) {
	where := ` FROM ledger_entries WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OrgID != "" {
		where += ` AND org_id = ` + arg(filter.OrgID)
	}
	if filter.EntryType != "" {
		where += ` AND entry_type = ` + arg(filter.EntryType)
	}
	if filter.Subject != "" {
		where += ` AND subject = ` + arg(filter.Subject)
	}
	if filter.AgentID != "" {
		where += ` AND agent_id = ` + arg(filter.AgentID)
	}
	if filter.Provider != "" {
		where += ` AND provider = ` + arg(filter.Provider)
	}
	if filter.Approved != nil {
		where += ` AND approved = ` + arg(*filter.Approved)
	}
	if filter.StartTime != nil {
		where += ` AND timestamp >= ` + arg(*filter.StartTime)
	}
	if filter.EndTime != nil {
		where += ` AND timestamp <= ` + arg(*filter.EndTime)
	}

	var total int
	countRow := l.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...)
	if err := countRow.Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ledger: query count: %w", err)
	}

	query := `SELECT ` + selectColumns + where + ` ORDER BY timestamp DESC, sequence DESC`
	if filter.MaxResults > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.MaxResults)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ledger: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, e)
	}
	return results, total, rows.Err()
}

// Stats summarizes ledger size for GET /v1/audit/stats.
type Stats struct {
	TotalEntries    uint64
	ChainHead       string
	CountByType     map[EntryType]uint64
	TotalManifests  uint64
	ApprovedCount   uint64
	DeniedCount     uint64
	ApprovalRate    float64
	ByProvider      map[string]uint64
	DenialsByReason map[string]uint64
}

// Stats reports chain size, composition, and manifest decision
// aggregates. TotalEntries, ChainHead and CountByType always cover the
// whole chain; the manifest decision aggregates are limited to orgID
// when it is non-empty.
func (l *Ledger) Stats(ctx context.Context, orgID string) (Stats, error) {
	stats := Stats{
		CountByType:     make(map[EntryType]uint64),
		ByProvider:      make(map[string]uint64),
		DenialsByReason: make(map[string]uint64),
	}

	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(sequence), 0) FROM ledger_entries`)
	var maxSeq uint64
	if err := row.Scan(&stats.TotalEntries, &maxSeq); err != nil {
		return Stats{}, fmt.Errorf("ledger: stats: %w", err)
	}

	if stats.TotalEntries > 0 {
		headRow := l.db.QueryRowContext(ctx, `SELECT entry_hash FROM ledger_entries ORDER BY sequence DESC LIMIT 1`)
		if err := headRow.Scan(&stats.ChainHead); err != nil {
			return Stats{}, fmt.Errorf("ledger: read chain head: %w", err)
		}
	} else {
		stats.ChainHead = genesisHash
	}

	rows, err := l.db.QueryContext(ctx, `SELECT entry_type, COUNT(*) FROM ledger_entries GROUP BY entry_type`)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats by type: %w", err)
	}
	for rows.Next() {
		var et EntryType
		var count uint64
		if err := rows.Scan(&et, &count); err != nil {
			_ = rows.Close()
			return Stats{}, err
		}
		stats.CountByType[et] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return Stats{}, err
	}
	_ = rows.Close()

	manifestWhere := `WHERE entry_type = $1`
	manifestArgs := []any{EntryManifestValidated}
	if orgID != "" {
		manifestWhere += ` AND org_id = $2`
		manifestArgs = append(manifestArgs, orgID)
	}

	mrow := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN approved THEN 1 ELSE 0 END), 0)
		FROM ledger_entries `+manifestWhere, manifestArgs...)
	var approvedCount uint64
	if err := mrow.Scan(&stats.TotalManifests, &approvedCount); err != nil {
		return Stats{}, fmt.Errorf("ledger: manifest stats: %w", err)
	}
	stats.ApprovedCount = approvedCount
	stats.DeniedCount = stats.TotalManifests - approvedCount
	if stats.TotalManifests > 0 {
		stats.ApprovalRate = float64(approvedCount) / float64(stats.TotalManifests)
	}

	prows, err := l.db.QueryContext(ctx, `
		SELECT provider, COUNT(*) FROM ledger_entries `+manifestWhere+` GROUP BY provider`, manifestArgs...)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats by provider: %w", err)
	}
	for prows.Next() {
		var provider string
		var count uint64
		if err := prows.Scan(&provider, &count); err != nil {
			_ = prows.Close()
			return Stats{}, err
		}
		stats.ByProvider[provider] = count
	}
	if err := prows.Err(); err != nil {
		_ = prows.Close()
		return Stats{}, err
	}
	_ = prows.Close()

	denialWhere := manifestWhere + ` AND approved = FALSE AND denial_reason != ''`
	drows, err := l.db.QueryContext(ctx, `
		SELECT denial_reason, COUNT(*) FROM ledger_entries `+denialWhere+` GROUP BY denial_reason`, manifestArgs...)
	if err != nil {
		return Stats{}, fmt.Errorf("ledger: stats by denial reason: %w", err)
	}
	defer func() { _ = drows.Close() }()
	for drows.Next() {
		var reason string
		var count uint64
		if err := drows.Scan(&reason, &count); err != nil {
			return Stats{}, err
		}
		stats.DenialsByReason[reason] = count
	}
	return stats, drows.Err()
}

// VerifyChain walks every entry in sequence order and recomputes its
// hash, confirming the stored chain has not been tampered with outside
// the database (e.g. via a direct file-level edit of a SQLite DB).
// Query's own default order is audit-facing (newest first), so entries
// are re-sorted by sequence here rather than relied on to arrive in
// chain order.
func (l *Ledger) VerifyChain(ctx context.Context) error {
	entries, _, err := l.Query(ctx, QueryFilter{})
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	expectedPrev := genesisHash
	for i, e := range entries {
		if e.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d previous_hash=%s want %s", ErrChainBroken, i, e.PreviousHash, expectedPrev)
		}
		computed, err := entryHash(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, i, err)
		}
		if computed != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = e.EntryHash
	}
	return nil
}

// RegisterSeal seeds a seal_execution row at issuance time, so a later
// mark-executed call always has a row to race against instead of an
// insert-or-update ambiguity.
func (l *Ledger) RegisterSeal(ctx context.Context, sealID, manifestID string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO seal_execution (seal_id, manifest_id, was_executed)
		VALUES ($1, $2, FALSE)
	`, sealID, manifestID)
	if err != nil {
		return fmt.Errorf("ledger: register seal: %w", err)
	}
	return nil
}

// MarkExecuted implements seal.ExecutionTracker. The UPDATE's WHERE
// clause only matches the row while was_executed is still false, so
// among any concurrent callers exactly one ever sees rows-affected == 1;
// everyone else observes AlreadyExecuted against the row the winner
// wrote.
func (l *Ledger) MarkExecuted(sealID string, at time.Time) (bool, time.Time, error) {
	ctx := context.Background()
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, `
		UPDATE seal_execution SET was_executed = TRUE, executed_at = $1
		WHERE seal_id = $2 AND was_executed = FALSE
	`, at, sealID)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("ledger: mark executed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("ledger: rows affected: %w", err)
	}
	if rows == 1 {
		return false, at, nil
	}

	executed, executedAt, err := l.executionStateLocked(ctx, sealID)
	if err != nil {
		return false, time.Time{}, err
	}
	if !executed {
		return false, time.Time{}, fmt.Errorf("ledger: seal %s not registered", sealID)
	}
	return true, executedAt, nil
}

// ExecutionState implements seal.ExecutionTracker.
func (l *Ledger) ExecutionState(sealID string) (bool, time.Time, error) {
	return l.executionStateLocked(context.Background(), sealID)
}

func (l *Ledger) executionStateLocked(ctx context.Context, sealID string) (bool, time.Time, error) {
	row := l.db.QueryRowContext(ctx, `SELECT was_executed, executed_at FROM seal_execution WHERE seal_id = $1`, sealID)
	var (
		executed   bool
		executedAt sql.NullTime
	)
	if err := row.Scan(&executed, &executedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("ledger: execution state: %w", err)
	}
	return executed, executedAt.Time, nil
}
