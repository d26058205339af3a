package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

// TestAppend_EmitsExpectedSQL asserts the exact statements Append issues
// against a Postgres-dialect connection, without a live database: the
// migration DDL, the chain-head read, and the insert, in that order and
// with the insert binding all seventeen ledger_entries columns.
func TestAppend_EmitsExpectedSQL(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(".*CREATE TABLE IF NOT EXISTS ledger_entries.*").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(".*CREATE OR REPLACE FUNCTION ledger_entries_immutable.*").WillReturnResult(sqlmock.NewResult(0, 0))

	l, err := New(db, DialectPostgres)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT entry_hash, sequence FROM ledger_entries ORDER BY sequence DESC LIMIT 1")).
		WillReturnError(sql.ErrNoRows)

	mock.ExpectExec(".*INSERT INTO ledger_entries.*").
		WithArgs(
			sqlmock.AnyArg(), uint64(1), sqlmock.AnyArg(), EntryAuthEvent, "org-1", "agent-1", "login",
			sqlmock.AnyArg(), sqlmock.AnyArg(), genesisHash, sqlmock.AnyArg(),
			nil, nil, "", "", nil, "",
		).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if _, err := l.Append(context.Background(), EntryAuthEvent, "org-1", "agent-1", "login", map[string]any{"ok": true}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
