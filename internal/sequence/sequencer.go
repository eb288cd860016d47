// Package sequence issues collision-free document numbers per company, type and business day.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wif-erp/wif-erp/internal/finance"
	"github.com/wif-erp/wif-erp/internal/observability"
	"github.com/wif-erp/wif-erp/internal/platform/retry"
)

// DateKeyLayout formats the business day part of a document number.
const DateKeyLayout = "20060102"

// DefaultBrand is the leading segment of every document number.
const DefaultBrand = "WIF"

// ErrCounterUnavailable indicates the counter store did not return a value.
var ErrCounterUnavailable = errors.New("sequence: counter unavailable")

// Key identifies one counter row.
type Key struct {
	CompanyID int64
	Type      finance.DocumentType
	DateKey   string
}

// Counter atomically increments a counter row, creating it at 1 when absent,
// and returns the new value.
type Counter interface {
	Increment(ctx context.Context, key Key) (int64, error)
}

// ZoneResolver returns a company's business timezone.
type ZoneResolver interface {
	CompanyLocation(ctx context.Context, companyID int64) (*time.Location, error)
}

// Config tunes a Sequencer. Location applies when Zones is nil or has no answer.
type Config struct {
	Brand    string
	Location *time.Location
	Zones    ZoneResolver
	Retry    retry.Policy
	Metrics  *observability.LedgerMetrics
}

// Sequencer formats {BRAND}-{PREFIX}-{YYYYMMDD}-{seq:03} numbers.
type Sequencer struct {
	counter Counter
	brand   string
	loc     *time.Location
	zones   ZoneResolver
	policy  retry.Policy
	metrics *observability.LedgerMetrics
	now     func() time.Time
}

// New constructs a Sequencer backed by counter.
func New(counter Counter, cfg Config) *Sequencer {
	brand := cfg.Brand
	if brand == "" {
		brand = DefaultBrand
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Sequencer{counter: counter, brand: brand, loc: loc, zones: cfg.Zones, policy: cfg.Retry, metrics: cfg.Metrics, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Sequencer) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithCounter returns a copy that increments through counter, typically one bound
// to the caller's transaction. The copy does not retry: a conflict inside a
// transaction aborts it, so the caller retries the whole unit.
func (s *Sequencer) WithCounter(counter Counter) *Sequencer {
	clone := *s
	clone.counter = counter
	clone.policy = retry.Policy{MaxAttempts: 1}
	return &clone
}

// DateKey returns the business-day key for t in the default location.
func (s *Sequencer) DateKey(t time.Time) string {
	return t.In(s.loc).Format(DateKeyLayout)
}

func (s *Sequencer) companyDateKey(ctx context.Context, companyID int64) (string, error) {
	loc := s.loc
	if s.zones != nil {
		zone, err := s.zones.CompanyLocation(ctx, companyID)
		if err != nil {
			return "", err
		}
		if zone != nil {
			loc = zone
		}
	}
	return s.now().In(loc).Format(DateKeyLayout), nil
}

// WithZones returns a copy that resolves company timezones through zones.
func (s *Sequencer) WithZones(zones ZoneResolver) *Sequencer {
	clone := *s
	clone.zones = zones
	return &clone
}

// Format renders a document number.
func (s *Sequencer) Format(docType finance.DocumentType, dateKey string, seq int64) (string, error) {
	prefix, ok := docType.Prefix()
	if !ok {
		return "", finance.Invalid("type", "unknown document type %q", docType)
	}
	return fmt.Sprintf("%s-%s-%s-%03d", s.brand, prefix, dateKey, seq), nil
}

// NextNumber increments the counter for (company, type, today) and returns the formatted number.
func (s *Sequencer) NextNumber(ctx context.Context, companyID int64, docType finance.DocumentType) (string, error) {
	if companyID <= 0 {
		return "", finance.Invalid("company_id", "company is required")
	}
	if !docType.Valid() {
		return "", finance.Invalid("type", "unknown document type %q", docType)
	}
	if s.counter == nil {
		return "", ErrCounterUnavailable
	}
	dateKey, err := s.companyDateKey(ctx, companyID)
	if err != nil {
		return "", err
	}
	key := Key{CompanyID: companyID, Type: docType, DateKey: dateKey}

	policy := s.policy
	policy.OnRetry = func(error, int) {
		s.metrics.ConcurrencyRetry("sequence")
	}
	seq, err := retry.Do(ctx, policy, func(ctx context.Context) (int64, error) {
		return s.counter.Increment(ctx, key)
	})
	if err != nil {
		return "", fmt.Errorf("sequence: increment %s/%s for company %d: %w", docType, key.DateKey, companyID, err)
	}
	if seq <= 0 {
		return "", ErrCounterUnavailable
	}
	s.metrics.NumberIssued(string(docType))
	return s.Format(docType, key.DateKey, seq)
}
