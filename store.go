package fieldsync

import (
	"context"
	"strconv"
	"time"

	ikeys "github.com/fieldsync/fieldsync-go/internal/keys"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KeepRetry leaves the retry counter untouched in UpdateStatus.
const KeepRetry = -1

// DefaultNamespace is the store namespace used when none is provided.
const DefaultNamespace = "reports"

// Store is the durable report store. Records survive process restarts and are
// indexed by status. Every mutation is a per-record atomic operation; the
// store does not provide cross-record transactions.
type Store struct {
	rdb     redis.UniversalClient
	k       ikeys.Store
	encoder Encoder
}

// NewStore creates a store over the given Redis connection. An empty namespace
// falls back to DefaultNamespace.
func NewStore(rdb redis.UniversalClient, ns string) *Store {
	if ns == "" {
		ns = DefaultNamespace
	}
	return &Store{rdb: rdb, k: ikeys.For(ns), encoder: &JSONEncoder{}}
}

// updateStatusScript atomically moves a record between status index sets and
// rewrites its status/retry hash fields. It returns false if the record no
// longer exists (deleted concurrently).
var updateStatusScript = redis.NewScript(`
local rkey = KEYS[1]
if redis.call('EXISTS', rkey) == 0 then return false end
local idx = {pending=KEYS[2], uploading=KEYS[3], completed=KEYS[4], failed=KEYS[5]}
local old = redis.call('HGET', rkey, 'status')
if old and idx[old] then
  redis.call('SREM', idx[old], ARGV[1])
end
redis.call('SADD', idx[ARGV[2]], ARGV[1])
redis.call('HSET', rkey, 'status', ARGV[2])
if ARGV[3] ~= '-1' then
  redis.call('HSET', rkey, 'retry', ARGV[3])
end
if ARGV[4] ~= '' then
  redis.call('HSET', rkey, 'last_error', ARGV[4], 'last_error_at', ARGV[5])
end
return 1
`)

// saveScript atomically reserves the record ID and writes the record hash
// plus its pending index entry. A single script means a crash can never leak
// an ID reservation without its record. It returns false when the ID is
// already taken.
var saveScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 0 then return false end
redis.call('HSET', KEYS[2], 'doc', ARGV[2], 'status', 'pending', 'retry', '0')
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[2], 'image', ARGV[3])
end
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)

// Save assigns an ID to the report, marks it pending with a zero retry count
// and persists it. The write is atomic: either the full record including the
// image blob is durably written or nothing is. The caller-provided Image must
// already be in final compressed form.
// It returns ErrDuplicateRecord if the ID (explicit or generated) is taken.
func (s *Store) Save(ctx context.Context, r *Report, opts ...Option) (string, error) {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}

	id := cfg.id
	if id == "" {
		id = uuid.NewString()
	}

	r.ID = id
	r.Status = StatusPending
	r.Retry = 0
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}

	doc, err := s.encoder.Encode(r)
	if err != nil {
		return "", err
	}

	res, err := saveScript.Run(ctx, s.rdb,
		[]string{s.k.Unique, s.k.Record(id), s.k.Pending},
		id, doc, r.Image,
	).Result()
	if err == redis.Nil || res == nil || res == false {
		return "", ErrDuplicateRecord
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// Get returns the record with the given ID, including its image blob,
// or ErrRecordNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	m, err := s.rdb.HGetAll(ctx, s.k.Record(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrRecordNotFound
	}
	return s.decodeRecord(id, m)
}

// ListByStatus returns all records currently in the given status. Ordering is
// unspecified beyond being stable within a single call.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*Report, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return nil, err
	}
	ids, err := s.rdb.SMembers(ctx, s.k.ByStatus(string(status))).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Report, 0, len(ids))
	for _, id := range ids {
		r, err := s.Get(ctx, id)
		if err == ErrRecordNotFound {
			// deleted between index read and fetch; skip
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// CountByStatus returns the number of records in the given status.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int64, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return 0, err
	}
	return s.rdb.SCard(ctx, s.k.ByStatus(string(status))).Result()
}

// UpdateStatus atomically transitions a record to a new status. Pass KeepRetry
// to leave the retry counter unchanged and an empty lastErr to keep the
// previous error fields. It returns ErrRecordNotFound if the record was
// deleted concurrently.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, retry int, lastErr string) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}
	res, err := updateStatusScript.Run(ctx, s.rdb,
		[]string{s.k.Record(id), s.k.Pending, s.k.Uploading, s.k.Completed, s.k.Failed},
		id, string(status), strconv.Itoa(retry), lastErr, strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Result()
	if err == redis.Nil || res == nil || res == false {
		return ErrRecordNotFound
	}
	return err
}

// Delete removes the record, its image blob and every index entry for it.
// The ID reservation is released so it could in principle be reused.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.k.Record(id))
		p.SRem(ctx, s.k.Pending, id)
		p.SRem(ctx, s.k.Uploading, id)
		p.SRem(ctx, s.k.Completed, id)
		p.SRem(ctx, s.k.Failed, id)
		p.SRem(ctx, s.k.Unique, id)
		return nil
	})
	return err
}

func (s *Store) decodeRecord(id string, m map[string]string) (*Report, error) {
	var r Report
	if doc, ok := m["doc"]; ok {
		if err := s.encoder.Decode([]byte(doc), &r); err != nil {
			return nil, err
		}
	}
	r.ID = id
	// Hash fields are authoritative for mutable state; the doc snapshot only
	// carries the values from save time.
	if st, ok := m["status"]; ok {
		parsed, err := ParseStatus(st)
		if err != nil {
			return nil, err
		}
		r.Status = parsed
	}
	if v, ok := m["retry"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, err
		}
		r.Retry = n
	}
	if v, ok := m["last_error"]; ok {
		r.LastError = v
	}
	if v, ok := m["last_error_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			r.LastErrorAt = ms
		}
	}
	if img, ok := m["image"]; ok {
		r.Image = []byte(img)
	}
	return &r, nil
}
