// Package redis implements the dedup ledger: the durable set of request
// ids already handled by the processing tier. A redelivered record whose
// id is present here is absorbed without side effects.
package redis

import (
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

const (
	keyExpiry  = "dedup:expiry"
	keyCreated = "dedup:created"
)

// insertScript adds rid to both index sets only when it is not yet known.
// The script is the serialisation point: concurrent inserts of the same rid
// see exactly one winner.
const insertScript = `
local expiry = KEYS[1]
local created = KEYS[2]
local rid = ARGV[1]
local expires_at = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

if redis.call("ZSCORE", expiry, rid) then
  return 0
end

redis.call("ZADD", expiry, expires_at, rid)
redis.call("ZADD", created, now, rid)
return 1
`

// purgeScript removes every member of the primary set scored at or below
// the cutoff, from both sets, and returns how many went.
const purgeScript = `
local primary = KEYS[1]
local secondary = KEYS[2]
local cutoff = ARGV[1]

local members = redis.call("ZRANGEBYSCORE", primary, "-inf", cutoff)
if #members == 0 then
  return 0
end
for i = 1, #members do
  redis.call("ZREM", primary, members[i])
  redis.call("ZREM", secondary, members[i])
end
return #members
`

// Ledger implements domain.DedupLedger on Redis sorted sets: one keyed by
// expiry time, one by creation time for the hard-retention sweep.
type Ledger struct {
	client *goredis.Client
	insert *goredis.Script
	purge  *goredis.Script
	nowFn  func() time.Time
}

// New constructs a Ledger over the given client.
func New(client *goredis.Client) *Ledger {
	return &Ledger{
		client: client,
		insert: goredis.NewScript(insertScript),
		purge:  goredis.NewScript(purgeScript),
		nowFn:  time.Now,
	}
}

// Exists reports whether rid is already recorded.
func (l *Ledger) Exists(ctx domain.Context, rid string) (bool, error) {
	_, err := l.client.ZScore(ctx, keyExpiry, rid).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("op=dedup.exists: %w: %v", domain.ErrStorage, err)
	}
	return true, nil
}

// Insert records rid with its expiry. It reports false when rid was already
// present, which callers treat as a duplicate delivery.
func (l *Ledger) Insert(ctx domain.Context, rid string, expiresAt time.Time) (bool, error) {
	res, err := l.insert.Run(ctx, l.client,
		[]string{keyExpiry, keyCreated},
		rid, expiresAt.Unix(), l.nowFn().Unix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("op=dedup.insert: %w: %v", domain.ErrStorage, err)
	}
	return res == 1, nil
}

// PurgeExpired removes rows whose expiry has passed.
func (l *Ledger) PurgeExpired(ctx domain.Context) (int64, error) {
	res, err := l.purge.Run(ctx, l.client,
		[]string{keyExpiry, keyCreated},
		l.nowFn().Unix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=dedup.purge_expired: %w: %v", domain.ErrStorage, err)
	}
	return res, nil
}

// PurgeOlderThan removes rows created more than the given number of days
// ago regardless of their expiry.
func (l *Ledger) PurgeOlderThan(ctx domain.Context, days int) (int64, error) {
	cutoff := l.nowFn().AddDate(0, 0, -days).Unix()
	res, err := l.purge.Run(ctx, l.client,
		[]string{keyCreated, keyExpiry},
		cutoff,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=dedup.purge_older: %w: %v", domain.ErrStorage, err)
	}
	return res, nil
}
