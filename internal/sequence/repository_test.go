package sequence

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/wif-erp/wif-erp/internal/finance"
)

type scanRow struct {
	value int64
	err   error
}

func (r scanRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.value
	return nil
}

type recordingDB struct {
	sql  string
	args []any
	row  scanRow
}

func (d *recordingDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("unexpected exec")
}

func (d *recordingDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (d *recordingDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	d.sql, d.args = sql, args
	return d.row
}

func (d *recordingDB) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }

func TestIncrementIsSingleUpsertOnCounterKey(t *testing.T) {
	q := &recordingDB{row: scanRow{value: 7}}
	value, err := NewPGCounter(q).Increment(context.Background(), Key{CompanyID: 3, Type: finance.DocumentReceipt, DateKey: "20251016"})
	require.NoError(t, err)
	require.Equal(t, int64(7), value)
	require.Equal(t, []any{int64(3), string(finance.DocumentReceipt), "20251016"}, q.args)

	sql := strings.Join(strings.Fields(q.sql), " ")
	require.True(t, strings.HasPrefix(sql, "INSERT INTO document_counters"))
	require.Contains(t, sql, "ON CONFLICT (company_id, document_type, date_key) DO UPDATE SET value = document_counters.value + 1")
	require.True(t, strings.HasSuffix(sql, "RETURNING value"))
	require.NotContains(t, sql, "SELECT")
}

func TestIncrementMapsLockFailures(t *testing.T) {
	q := &recordingDB{row: scanRow{err: &pgconn.PgError{Code: "55P03", Message: "lock timeout"}}}
	_, err := NewPGCounter(q).Increment(context.Background(), Key{CompanyID: 1, Type: finance.DocumentInvoice, DateKey: "20251016"})
	require.ErrorIs(t, err, finance.ErrConcurrencyConflict)
}
