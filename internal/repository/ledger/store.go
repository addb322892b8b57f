// Package ledger persists monthly usage: the authoritative server-side
// increment and the local snapshot cache.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/studykite/meterd/internal/db"
	"github.com/studykite/meterd/internal/domain"
	"github.com/studykite/meterd/internal/domain/tier"
	"github.com/studykite/meterd/internal/domain/usage"
)

// store is the consumer interface for ledger persistence (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Eval(ctx context.Context, script string, keys, args []string) ([]byte, error)
}

// applyScript is the authoritative ledger operation: cap check and increment
// in one atomic unit. All mutating writes for a user funnel through it, so
// the per-user record is strictly serializable. The pre-flight check in the
// budget enforcer is advisory only; this script is the binding one.
const applyScript = `
local units = tonumber(redis.call('HGET', KEYS[1], 'units') or '0')
local cost = tonumber(redis.call('HGET', KEYS[1], 'cost_micro') or '0')
local add_units = tonumber(ARGV[1])
local add_cost = tonumber(ARGV[2])
local unit_cap = tonumber(ARGV[3])
local spend_cap = tonumber(ARGV[4])

local function clamp(v)
  if v < 0 then return 0 end
  return v
end

local function headroom(res)
  if unit_cap > 0 then
    res.remaining_units = clamp(unit_cap - res.units)
  else
    res.unlimited = true
  end
  return cjson.encode(res)
end

if unit_cap > 0 and units + add_units > unit_cap then
  return headroom({allowed=false, reason='unit cap exceeded',
    units=units, cost_micro=cost})
end
if spend_cap > 0 and cost + add_cost > spend_cap then
  return headroom({allowed=false, reason='spend cap exceeded',
    units=units, cost_micro=cost})
end

units = redis.call('HINCRBY', KEYS[1], 'units', add_units)
cost = redis.call('HINCRBY', KEYS[1], 'cost_micro', add_cost)
redis.call('HSET', KEYS[1], 'updated_at_ms', ARGV[5])
local ttl = tonumber(ARGV[6])
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl, 'NX')
end

return headroom({allowed=true, units=units, cost_micro=cost,
  updated_at_ms=tonumber(ARGV[5])})
`

// Store reads and writes the monthly ledger.
type Store struct {
	store     store
	keyPrefix string
	recordTTL time.Duration
	nowFn     func() time.Time
}

// New creates a ledger store. recordTTL bounds audit retention of superseded
// monthly records; zero keeps them forever.
func New(s store, keyPrefix string, recordTTL time.Duration) *Store {
	return &Store{
		store:     s,
		keyPrefix: keyPrefix,
		recordTTL: recordTTL,
		nowFn:     time.Now,
	}
}

func (s *Store) ledgerKey(userID, periodKey string) string {
	return fmt.Sprintf("%sledger:%s:%s", s.keyPrefix, userID, periodKey)
}

func (s *Store) snapshotKey(userID string) string {
	return fmt.Sprintf("%susage:%s", s.keyPrefix, userID)
}

// Apply runs the authoritative check-and-increment for the current period.
// A denial is returned in the result, not as an error; errors mean the
// operation could not be verified to have run at all.
func (s *Store) Apply(
	ctx context.Context, userID string, limits tier.Limits, units, costMicroUSD int64,
) (usage.ApplyOutcome, error) {
	now := s.nowFn().UTC()
	key := s.ledgerKey(userID, usage.PeriodKey(now))

	args := []string{
		strconv.FormatInt(units, 10),
		strconv.FormatInt(costMicroUSD, 10),
		strconv.FormatInt(limits.MonthlyUnitCap, 10),
		strconv.FormatInt(limits.SpendCapMicroUSD(), 10),
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(int64(s.recordTTL.Seconds()), 10),
	}

	data, err := s.store.Eval(ctx, applyScript, []string{key}, args)
	if err != nil {
		return usage.ApplyOutcome{}, fmt.Errorf("ledger apply %s: %w", key, err)
	}

	var res usage.ApplyOutcome
	if err := json.Unmarshal(data, &res); err != nil {
		return usage.ApplyOutcome{}, fmt.Errorf("ledger apply %s decode: %w", key, err)
	}
	return res, nil
}

// ReadAuthoritative fetches the server-side record for the current period.
// A missing or stale-period record reads as a fresh zeroed one.
func (s *Store) ReadAuthoritative(ctx context.Context, userID string) (usage.Record, error) {
	now := s.nowFn().UTC()
	periodKey := usage.PeriodKey(now)

	fields, err := s.store.HGetAll(ctx, s.ledgerKey(userID, periodKey))
	if err != nil {
		return usage.Record{}, fmt.Errorf("ledger read %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return usage.Zero(userID, now), nil
	}

	rec := usage.Record{UserID: userID, PeriodKey: periodKey}
	rec.TotalUnits, _ = strconv.ParseInt(fields["units"], 10, 64)
	rec.TotalCostMicroUSD, _ = strconv.ParseInt(fields["cost_micro"], 10, 64)
	rec.UpdatedAtMS, _ = strconv.ParseInt(fields["updated_at_ms"], 10, 64)
	return rec, nil
}

// LoadSnapshot returns the locally cached record, if any.
func (s *Store) LoadSnapshot(ctx context.Context, userID string) (usage.Record, bool, error) {
	data, err := s.store.Get(ctx, s.snapshotKey(userID))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return usage.Record{}, false, nil
		}
		return usage.Record{}, false, fmt.Errorf("usage snapshot %s: %w", userID, err)
	}

	var rec usage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return usage.Record{}, false, fmt.Errorf("usage snapshot %s: %w: %v",
			userID, domain.ErrMalformedState, err)
	}
	return rec, true, nil
}

// CacheSnapshot writes the cached record. The write is idempotent on
// (userID, periodKey): a copy older than what is already cached for the same
// period is dropped, so replayed responses cannot regress the cache.
func (s *Store) CacheSnapshot(ctx context.Context, rec usage.Record) error {
	existing, ok, err := s.LoadSnapshot(ctx, rec.UserID)
	if err == nil && ok &&
		existing.PeriodKey == rec.PeriodKey && !rec.NewerThan(existing) {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("usage snapshot %s encode: %w", rec.UserID, err)
	}
	if err := s.store.Set(ctx, s.snapshotKey(rec.UserID), data); err != nil {
		return fmt.Errorf("usage snapshot %s write: %w", rec.UserID, err)
	}
	return nil
}
