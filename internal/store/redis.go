package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
)

const (
	sessionKeyPrefix = "session:"
	userSetKeyPrefix = "user_sessions:"

	// userSetTTLBuffer keeps the per-user index alive a bit past the
	// longest member so the sweeper, not key expiry, prunes stragglers.
	userSetTTLBuffer = time.Hour

	// sweepBatchSize bounds how many member ids one EXISTS round checks.
	sweepBatchSize = 100
)

// RedisOptions configures the shared-store backend.
type RedisOptions struct {
	// URL is a redis:// connection string.
	URL string
	// Timeout bounds each store operation. Defaults to 5s.
	Timeout time.Duration
	// ConnectRetries is how many times to retry the initial ping.
	ConnectRetries int
	// SweepInterval is how often orphaned user-set members are pruned.
	// Zero disables the sweeper.
	SweepInterval time.Duration
	// MaxSessionsPerUser caps live sessions per user. Zero means no cap.
	MaxSessionsPerUser int
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (o *RedisOptions) validate() error {
	if o.URL == "" {
		return errors.New("redis url is required")
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 3
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return nil
}

// Redis stores sessions in a shared Redis so any node can serve any
// session. Layout: `session:{id}` holds the envelope with a TTL matching
// the session expiry, `user_sessions:{userId}` is a set of ids.
type Redis struct {
	opts   RedisOptions
	client *goredis.Client

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Store = (*Redis)(nil)

// NewRedis connects with retries and starts the orphan sweeper.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid redis options: %w", err)
	}

	redisOpts, err := goredis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(redisOpts)

	var pingErr error
	for i := 0; i < opts.ConnectRetries; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		pingErr = client.Ping(pingCtx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		log.Warn().Err(pingErr).Int("attempt", i+1).Msg("Redis ping failed")
	}
	if pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w: %w", errdefs.ErrStoreUnavailable, pingErr)
	}

	r := &Redis{
		opts:   opts,
		client: client,
		stopCh: make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		r.wg.Add(1)
		go r.sweepLoop()
	}
	log.Info().Str("url", opts.URL).Msg("Connected to Redis session store")
	return r, nil
}

func sessionKey(id string) string     { return sessionKeyPrefix + id }
func userSetKey(userID string) string { return userSetKeyPrefix + userID }

func (r *Redis) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opts.Timeout)
}

func (r *Redis) Create(ctx context.Context, s *Session) (*Session, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	now := r.opts.Clock()
	ttl := s.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil, errdefs.ErrSessionExpired
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	if r.opts.MaxSessionsPerUser > 0 {
		live, err := r.ListByUser(ctx, s.Principal.UserID)
		if err != nil {
			return nil, err
		}
		if len(live) >= r.opts.MaxSessionsPerUser {
			return nil, errdefs.ErrTooManySessions
		}
	}

	stored := s.Clone()
	data, err := encodeSession(stored)
	if err != nil {
		return nil, err
	}

	ok, err := r.client.SetNX(ctx, sessionKey(stored.ID), data, ttl).Result()
	if err != nil {
		return nil, r.wrap("create", err)
	}
	if !ok {
		return nil, errdefs.ErrSessionAlreadyExists
	}

	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, userSetKey(stored.Principal.UserID), stored.ID)
	pipe.Expire(ctx, userSetKey(stored.Principal.UserID), ttl+userSetTTLBuffer)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, r.wrap("create", err)
	}
	return stored.Clone(), nil
}

func (r *Redis) Get(ctx context.Context, id string) (*Session, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()
	return r.get(ctx, id)
}

func (r *Redis) get(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, errdefs.ErrSessionNotFound
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	s, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	if s.Expired(r.opts.Clock()) {
		return nil, errdefs.ErrSessionNotFound
	}
	return s, nil
}

func (r *Redis) Update(ctx context.Context, id string, patch Patch) (*Session, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	s, err := r.get(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := applyPatch(s, patch, r.opts.Clock())
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	if err := r.put(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *Redis) Touch(ctx context.Context, id string) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	s, err := r.get(ctx, id)
	if err != nil {
		return err
	}
	now := r.opts.Clock()
	s.LastAccessedAt = now
	if s.LastAccessedAt.After(s.ExpiresAt) {
		s.LastAccessedAt = s.ExpiresAt
	}
	s.Revision++
	return r.put(ctx, s)
}

// put writes a session back with a TTL matching its remaining lifetime.
func (r *Redis) put(ctx context.Context, s *Session) error {
	ttl := s.ExpiresAt.Sub(r.opts.Clock())
	if ttl <= 0 {
		return errdefs.ErrSessionExpired
	}
	data, err := encodeSession(s)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, sessionKey(s.ID), data, ttl)
	// Only lengthen the index TTL, another session of the same user may
	// outlive this one.
	pipe.ExpireGT(ctx, userSetKey(s.Principal.UserID), ttl+userSetTTLBuffer)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.wrap("put", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	s, err := r.get(ctx, id)
	if errors.Is(err, errdefs.ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pipe := r.client.Pipeline()
	del := pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, userSetKey(s.Principal.UserID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, r.wrap("delete", err)
	}
	return del.Val() > 0, nil
}

func (r *Redis) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	ids, err := r.client.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		return nil, r.wrap("list_by_user", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, r.wrap("list_by_user", err)
	}

	now := r.opts.Clock()
	var out []*Session
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between SMembers and MGet
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable session in user listing")
			continue
		}
		if !s.Expired(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *Redis) ListIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, sessionKeyPrefix+"*", int64(sweepBatchSize)).Result()
		if err != nil {
			return nil, r.wrap("list_ids", err)
		}
		for _, k := range keys {
			ids = append(ids, k[len(sessionKeyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (r *Redis) Clear(ctx context.Context) error {
	ctx, cancel := r.opContext(ctx)
	defer cancel()

	for _, pattern := range []string{sessionKeyPrefix + "*", userSetKeyPrefix + "*"} {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, pattern, int64(sweepBatchSize)).Result()
			if err != nil {
				return r.wrap("clear", err)
			}
			if len(keys) > 0 {
				if err := r.client.Del(ctx, keys...).Err(); err != nil {
					return r.wrap("clear", err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

func (r *Redis) Close() error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	return r.client.Close()
}

func (r *Redis) wrap(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, errdefs.ErrStoreUnavailable, err)
}

func (r *Redis) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
			removed, err := r.SweepOrphans(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Session index sweep failed")
			} else if removed > 0 {
				log.Debug().Int("removed", removed).Msg("Pruned orphaned session index members")
			}
		}
	}
}

// SweepOrphans removes user-set members whose session key has expired.
// Session keys expire on their own; the per-user sets do not, so without
// this the sets accumulate dead ids.
func (r *Redis) SweepOrphans(ctx context.Context) (int, error) {
	removed := 0
	var cursor uint64
	for {
		setKeys, next, err := r.client.Scan(ctx, cursor, userSetKeyPrefix+"*", int64(sweepBatchSize)).Result()
		if err != nil {
			return removed, r.wrap("sweep", err)
		}
		for _, setKey := range setKeys {
			n, err := r.sweepUserSet(ctx, setKey)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *Redis) sweepUserSet(ctx context.Context, setKey string) (int, error) {
	ids, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, r.wrap("sweep", err)
	}

	removed := 0
	for start := 0; start < len(ids); start += sweepBatchSize {
		batch := ids[start:min(start+sweepBatchSize, len(ids))]

		pipe := r.client.Pipeline()
		checks := make([]*goredis.IntCmd, len(batch))
		for i, id := range batch {
			checks[i] = pipe.Exists(ctx, sessionKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, r.wrap("sweep", err)
		}

		var dead []any
		for i, check := range checks {
			if check.Val() == 0 {
				dead = append(dead, batch[i])
			}
		}
		if len(dead) > 0 {
			if err := r.client.SRem(ctx, setKey, dead...).Err(); err != nil {
				return removed, r.wrap("sweep", err)
			}
			removed += len(dead)
		}
	}
	return removed, nil
}
