package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix    = "payments:session:"
	stateIndexPrefix    = "payments:sessions:state:"
	deadlineIndexKey    = "payments:sessions:deadline"
	terminalIndexKey    = "payments:sessions:terminal"
	defaultWatchRetries = 8
)

// RedisStore keeps sessions as JSON documents. Transitions run as
// WATCH/MULTI/EXEC so a concurrent writer aborts the transaction instead of
// overwriting it. Sorted sets index sessions by deadline, by state and by
// terminal age for the sweeper.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	retries   int
}

// NewRedisStore builds a store. Terminal sessions expire after retention.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention, retries: defaultWatchRetries}
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func stateIndex(state State) string { return stateIndexPrefix + string(state) }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Create stores a new session. It fails with ErrAlreadyExists when the id is taken.
func (s *RedisStore) Create(ctx context.Context, session Session) error {
	key := sessionKey(session.ID)
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, key, payload, nil, session)
			return nil
		})
		return err
	})
}

// Get loads one session.
func (s *RedisStore) Get(ctx context.Context, id string) (Session, error) {
	return s.load(ctx, s.client, id)
}

// Transition reads, checks and rewrites the session under WATCH.
func (s *RedisStore) Transition(ctx context.Context, id string, from []State, mutate Mutation) (Session, error) {
	key := sessionKey(id)
	var result Session
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		result = current
		if !slices.Contains(from, current.State) {
			return ErrInvalidState
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.write(ctx, pipe, key, payload, &current, next)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	return result, err
}

// ListExpired returns expirable sessions whose deadline is before now.
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, deadlineIndexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan deadline index: %w", err)
	}
	return s.loadMatching(ctx, ids, func(session Session) bool {
		return session.State.Expirable() && now.After(session.ExpiresAt)
	})
}

// ListStale returns sessions in state not updated since before.
func (s *RedisStore) ListStale(ctx context.Context, state State, before time.Time, limit int) ([]Session, error) {
	ids, err := s.client.ZRangeByScore(ctx, stateIndex(state), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(before.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan state index: %w", err)
	}
	return s.loadMatching(ctx, ids, func(session Session) bool {
		return session.State == state && session.UpdatedAt.Before(before)
	})
}

// Purge removes terminal sessions older than before, along with index
// entries whose document already expired.
func (s *RedisStore) Purge(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, terminalIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan terminal index: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	members := make([]any, len(ids))
	keys := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id
		keys[i] = sessionKey(id)
	}
	var deleted *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, terminalIndexKey, members...)
		for _, state := range []State{StateCaptured, StateCanceled, StateExpired} {
			pipe.ZRem(ctx, stateIndex(state), members...)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return int(deleted.Val()), nil
}

// write queues the document and its index updates. prev is nil on create.
func (s *RedisStore) write(ctx context.Context, pipe redis.Pipeliner, key string, payload []byte, prev *Session, next Session) {
	var ttl time.Duration
	if next.State.Terminal() {
		ttl = s.retention
	}
	pipe.Set(ctx, key, payload, ttl)

	if prev != nil && prev.State != next.State {
		pipe.ZRem(ctx, stateIndex(prev.State), next.ID)
	}
	pipe.ZAdd(ctx, stateIndex(next.State), redis.Z{Score: score(next.UpdatedAt), Member: next.ID})

	if next.State.Expirable() {
		pipe.ZAdd(ctx, deadlineIndexKey, redis.Z{Score: score(next.ExpiresAt), Member: next.ID})
	} else {
		pipe.ZRem(ctx, deadlineIndexKey, next.ID)
	}
	if next.State.Terminal() {
		pipe.ZAdd(ctx, terminalIndexKey, redis.Z{Score: score(next.UpdatedAt), Member: next.ID})
	}
}

// watch runs fn under WATCH key, retrying when another client touched it.
func (s *RedisStore) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for i := 0; i < s.retries; i++ {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrStoreBusy
}

func (s *RedisStore) load(ctx context.Context, c getter, id string) (Session, error) {
	raw, err := c.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return session, nil
}

func (s *RedisStore) loadMatching(ctx context.Context, ids []string, keep func(Session) bool) ([]Session, error) {
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.load(ctx, s.client, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(session) {
			out = append(out, session)
		}
	}
	return out, nil
}
