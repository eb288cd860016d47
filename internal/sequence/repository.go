package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/platform/db"
)

// PGCounter increments document_counters rows.
type PGCounter struct {
	db db.DBTX
}

// NewPGCounter binds a counter to a pool or transaction.
func NewPGCounter(q db.DBTX) *PGCounter {
	return &PGCounter{db: q}
}

// incrementSQL serializes concurrent callers on the pk_document_counters row
// lock taken by ON CONFLICT DO UPDATE; the lock is held until the enclosing
// transaction ends, so a rolled back save releases its value.
const incrementSQL = `INSERT INTO document_counters (company_id, document_type, date_key, value, updated_at)
VALUES ($1, $2, $3, 1, NOW())
ON CONFLICT (company_id, document_type, date_key)
DO UPDATE SET value = document_counters.value + 1, updated_at = NOW()
RETURNING value`

// Increment upserts the row under its row lock and returns the new value in one statement.
func (c *PGCounter) Increment(ctx context.Context, key Key) (int64, error) {
	var value int64
	err := c.db.QueryRow(ctx, incrementSQL, key.CompanyID, string(key.Type), key.DateKey).Scan(&value)
	if err != nil {
		return 0, finance.MapPgError(err)
	}
	return value, nil
}

// PGZones reads companies.timezone and caches the loaded locations.
type PGZones struct {
	db    db.DBTX
	mu    sync.Mutex
	cache map[string]*time.Location
}

// NewPGZones binds a resolver to a pool or transaction.
func NewPGZones(q db.DBTX) *PGZones {
	return &PGZones{db: q, cache: make(map[string]*time.Location)}
}

// CompanyLocation returns the company's configured timezone.
func (z *PGZones) CompanyLocation(ctx context.Context, companyID int64) (*time.Location, error) {
	var name string
	err := z.db.QueryRow(ctx, `SELECT timezone FROM companies WHERE id = $1`, companyID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sequence: company %d: %w", companyID, finance.ErrNotFound)
	}
	if err != nil {
		return nil, finance.MapPgError(err)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if loc, ok := z.cache[name]; ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("sequence: company %d timezone %q: %w", companyID, name, err)
	}
	z.cache[name] = loc
	return loc, nil
}
