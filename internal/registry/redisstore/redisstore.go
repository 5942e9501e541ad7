// Package redisstore keeps stream sessions in Redis.
//
// Key layout, relative to the configured prefix:
//
//	session:{id}      JSON record
//	key:{access_key}  session id
//	owner:{owner_id}  ZSET of session ids scored by creation time (ms)
//	expiry            ZSET of session ids scored by expiry time (ms)
//
// Multi-key mutations use WATCH/MULTI and are retried when a concurrent
// writer touches a watched key.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"stream-registry/internal/platform/logger"
	"stream-registry/internal/registry"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "streamreg:"

const maxTxRetries = 16

var errTxExhausted = errors.New("redisstore: transaction retries exhausted")

// Options configures a Store.
type Options struct {
	Prefix         string
	// RetentionSlack, when positive, sets a native Redis expiry of
	// ExpiresAt+RetentionSlack on session keys so data is reclaimed even if
	// no sweep ever runs.
	RetentionSlack time.Duration
	Log            *slog.Logger
}

// Store is a registry.Store on Redis.
type Store struct {
	client *redis.Client
	prefix string
	slack  time.Duration
	log    *slog.Logger
}

// New returns a Store using client.
func New(client *redis.Client, opts Options) *Store {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Store{
		client: client,
		prefix: opts.Prefix,
		slack:  opts.RetentionSlack,
		log:    logger.OrDiscard(opts.Log).With("component", "redisstore"),
	}
}

// NewClient opens a go-redis client for addr.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// record is the stored form of a session.
type record struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	AccessKey       string    `json:"access_key"`
	Quality         string    `json:"quality"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	DeliveryAddress string    `json:"delivery_address,omitempty"`
}

func toRecord(s *registry.StreamSession) record {
	return record{
		ID:              string(s.ID),
		OwnerID:         string(s.OwnerID),
		Title:           s.Title,
		Description:     s.Description,
		AccessKey:       s.AccessKey,
		Quality:         string(s.Quality),
		Status:          string(s.Status),
		CreatedAt:       s.CreatedAt.UTC(),
		ExpiresAt:       s.ExpiresAt.UTC(),
		DeliveryAddress: s.DeliveryAddress,
	}
}

func (r record) session() *registry.StreamSession {
	return &registry.StreamSession{
		ID:              registry.SessionID(r.ID),
		OwnerID:         registry.OwnerID(r.OwnerID),
		Title:           r.Title,
		Description:     r.Description,
		AccessKey:       r.AccessKey,
		Quality:         registry.QualityProfile(r.Quality),
		Status:          registry.Status(r.Status),
		CreatedAt:       r.CreatedAt,
		ExpiresAt:       r.ExpiresAt,
		DeliveryAddress: r.DeliveryAddress,
	}
}

func (s *Store) sessionKey(id registry.SessionID) string { return s.prefix + "session:" + string(id) }
func (s *Store) accessKey(key string) string             { return s.prefix + "key:" + key }
func (s *Store) ownerKey(owner registry.OwnerID) string  { return s.prefix + "owner:" + string(owner) }
func (s *Store) expiryKey() string                       { return s.prefix + "expiry" }

// Insert implements registry.Store.
func (s *Store) Insert(ctx context.Context, sess *registry.StreamSession) error {
	rec := toRecord(sess)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: encode session: %w", err)
	}
	sk, ak := s.sessionKey(sess.ID), s.accessKey(sess.AccessKey)

	return s.retry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sk, ak).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return registry.ErrDuplicateKey
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sk, data, 0)
			pipe.Set(ctx, ak, rec.ID, 0)
			pipe.ZAdd(ctx, s.ownerKey(sess.OwnerID), redis.Z{Score: float64(sess.CreatedAt.UnixMilli()), Member: rec.ID})
			pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(sess.ExpiresAt.UnixMilli()), Member: rec.ID})
			s.retain(ctx, pipe, sess.ExpiresAt, sk, ak)
			return nil
		})
		return err
	}, sk, ak)
}

// Get implements registry.Store.
func (s *Store) Get(ctx context.Context, id registry.SessionID, now time.Time) (*registry.StreamSession, error) {
	sess, err := s.load(ctx, s.client, id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(now) {
		return nil, registry.ErrNotFound
	}
	return sess, nil
}

// GetByAccessKey implements registry.Store.
func (s *Store) GetByAccessKey(ctx context.Context, accessKey string, now time.Time) (*registry.StreamSession, error) {
	id, err := s.client.Get(ctx, s.accessKey(accessKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: lookup access key: %w", err)
	}
	return s.Get(ctx, registry.SessionID(id), now)
}

// ListByOwner implements registry.Store.
func (s *Store) ListByOwner(ctx context.Context, owner registry.OwnerID, now time.Time) ([]*registry.StreamSession, error) {
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list owner index: %w", err)
	}
	out := make([]*registry.StreamSession, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(registry.SessionID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load sessions: %w", err)
	}

	var stale []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		sess, err := decode(str)
		if err != nil {
			return nil, err
		}
		if sess.OwnerID != owner || sess.Expired(now) {
			continue
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		// Records reclaimed by native expiry leave index entries behind.
		if err := s.client.ZRem(ctx, s.ownerKey(owner), stale...).Err(); err != nil {
			s.log.Warn("prune owner index failed",
				slog.String("owner_id", string(owner)),
				slog.Int("stale", len(stale)),
				slog.String("error", err.Error()))
		}
	}
	registry.SortNewestFirst(out)
	return out, nil
}

// ListByStatus implements registry.Store. It walks the live part of the
// expiry index.
func (s *Store) ListByStatus(ctx context.Context, status registry.Status, now time.Time) ([]*registry.StreamSession, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: scan expiry index: %w", err)
	}
	live, err := s.loadLive(ctx, ids, now)
	if err != nil {
		return nil, err
	}
	out := make([]*registry.StreamSession, 0, len(live))
	for _, sess := range live {
		if sess.Status == status {
			out = append(out, sess)
		}
	}
	return out, nil
}

// SetStatus implements registry.Store.
func (s *Store) SetStatus(ctx context.Context, id registry.SessionID, from, to registry.Status, deliveryAddress string, now time.Time) (*registry.StreamSession, error) {
	if to != registry.StatusActive {
		deliveryAddress = ""
	}
	sk := s.sessionKey(id)

	var out *registry.StreamSession
	err := s.retry(ctx, func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := registry.CheckTransition(sess, from, to, now); err != nil {
			return err
		}
		sess.Status = to
		sess.DeliveryAddress = deliveryAddress
		data, err := json.Marshal(toRecord(sess))
		if err != nil {
			return fmt.Errorf("redisstore: encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sk, data, 0)
			s.retain(ctx, pipe, sess.ExpiresAt, sk)
			return nil
		})
		if err == nil {
			out = sess
		}
		return err
	}, sk)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete implements registry.Store.
func (s *Store) Delete(ctx context.Context, id registry.SessionID, requester registry.OwnerID) (bool, error) {
	sk := s.sessionKey(id)
	removed := false
	err := s.retry(ctx, func(tx *redis.Tx) error {
		sess, err := s.load(ctx, tx, id)
		if errors.Is(err, registry.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sess.OwnerID != requester {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.unlink(ctx, pipe, sess)
			return nil
		})
		removed = err == nil
		return err
	}, sk)
	return removed, err
}

// DeleteExpired implements registry.Store.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: scan expiry index: %w", err)
	}

	n := 0
	for _, raw := range ids {
		id := registry.SessionID(raw)
		sk := s.sessionKey(id)
		err := s.retry(ctx, func(tx *redis.Tx) error {
			sess, err := s.load(ctx, tx, id)
			if errors.Is(err, registry.ErrNotFound) {
				return tx.ZRem(ctx, s.expiryKey(), raw).Err()
			}
			if err != nil {
				return err
			}
			if !sess.Expired(now) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.unlink(ctx, pipe, sess)
				return nil
			})
			if err == nil {
				n++
			}
			return err
		}, sk)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// CountLive implements registry.Store. Index scores are truncated to the
// millisecond, so entries sharing now's millisecond are checked exactly.
func (s *Store) CountLive(ctx context.Context, now time.Time) (int, error) {
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	n, err := s.client.ZCount(ctx, s.expiryKey(), "("+ms, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: count sessions: %w", err)
	}
	edge, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{Min: ms, Max: ms}).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: count sessions: %w", err)
	}
	live, err := s.loadLive(ctx, edge, now)
	if err != nil {
		return 0, err
	}
	return int(n) + len(live), nil
}

// Ping implements registry.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) load(ctx context.Context, c redis.Cmdable, id registry.SessionID) (*registry.StreamSession, error) {
	data, err := c.Get(ctx, s.sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load session: %w", err)
	}
	return decode(data)
}

// loadLive fetches ids in one round trip and keeps the unexpired records.
func (s *Store) loadLive(ctx context.Context, ids []string, now time.Time) ([]*registry.StreamSession, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sessionKey(registry.SessionID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load sessions: %w", err)
	}
	out := make([]*registry.StreamSession, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		sess, err := decode(str)
		if err != nil {
			return nil, err
		}
		if !sess.Expired(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

func decode(data string) (*registry.StreamSession, error) {
	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode session: %w", err)
	}
	return rec.session(), nil
}

func (s *Store) unlink(ctx context.Context, pipe redis.Pipeliner, sess *registry.StreamSession) {
	pipe.Del(ctx, s.sessionKey(sess.ID), s.accessKey(sess.AccessKey))
	pipe.ZRem(ctx, s.ownerKey(sess.OwnerID), string(sess.ID))
	pipe.ZRem(ctx, s.expiryKey(), string(sess.ID))
}

func (s *Store) retain(ctx context.Context, pipe redis.Pipeliner, expiresAt time.Time, keys ...string) {
	if s.slack <= 0 {
		return
	}
	at := expiresAt.Add(s.slack)
	for _, k := range keys {
		pipe.ExpireAt(ctx, k, at)
	}
}

// retry runs fn under WATCH on keys until it commits or fails for a reason
// other than a concurrent modification.
func (s *Store) retry(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errTxExhausted
}
