package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/store"
)

// Token kinds. A token is only redeemable for the purpose it was minted
// for: access tokens authenticate requests, refresh tokens mint new pairs.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// Claims is the signed token payload.
type Claims struct {
	SessionID string   `json:"sid"`
	Roles     []string `json:"roles,omitempty"`
	Kind      string   `json:"kind"`
	jwt.RegisteredClaims
}

// TokenPair is one issuance: a short-lived access token plus a
// single-use refresh token.
type TokenPair struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// ReplayGuard remembers redeemed refresh token ids until they would have
// expired anyway. MarkUsed reports whether this was the first redemption.
type ReplayGuard interface {
	MarkUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is the single-node guard.
type MemoryReplayGuard struct {
	mu    sync.Mutex
	used  map[string]time.Time
	clock func() time.Time
}

// NewMemoryReplayGuard builds a guard; clock may be nil.
func NewMemoryReplayGuard(clock func() time.Time) *MemoryReplayGuard {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryReplayGuard{used: make(map[string]time.Time), clock: clock}
}

func (g *MemoryReplayGuard) MarkUsed(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	now := g.clock()
	g.mu.Lock()
	defer g.mu.Unlock()

	// Opportunistic cleanup keeps the map bounded by live refresh TTLs.
	for id, exp := range g.used {
		if now.After(exp) {
			delete(g.used, id)
		}
	}
	if exp, ok := g.used[jti]; ok && now.Before(exp) {
		return false, nil
	}
	g.used[jti] = now.Add(ttl)
	return true, nil
}

// RedisReplayGuard shares the used set across nodes.
type RedisReplayGuard struct {
	client *goredis.Client
}

func NewRedisReplayGuard(client *goredis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

func (g *RedisReplayGuard) MarkUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := g.client.SetNX(ctx, "used_refresh:"+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark refresh used: %w: %w", errdefs.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// TokenService signs and verifies session tokens.
type TokenService struct {
	secret     []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

// TokenOptions configures the service.
type TokenOptions struct {
	Secret     string
	Algorithm  string // HS256, HS384, HS512
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      func() time.Time
}

// NewTokenService validates the options and builds the signer.
func NewTokenService(opts TokenOptions) (*TokenService, error) {
	if opts.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	var method jwt.SigningMethod
	switch strings.ToUpper(opts.Algorithm) {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", opts.Algorithm)
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 7 * 24 * time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &TokenService{
		secret:     []byte(opts.Secret),
		method:     method,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
		clock:      opts.Clock,
	}, nil
}

// RefreshTTL exposes the refresh lifetime for replay-guard bookkeeping.
func (s *TokenService) RefreshTTL() time.Duration { return s.refreshTTL }

// IssuePair mints an access/refresh pair bound to the session.
func (s *TokenService) IssuePair(sess *store.Session) (*TokenPair, error) {
	now := s.clock()
	access, accessExp, err := s.sign(sess, KindAccess, now, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshExp, err := s.sign(sess, KindRefresh, now, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (s *TokenService) sign(sess *store.Session, kind string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		SessionID: sess.ID,
		Roles:     sess.Principal.Roles,
		Kind:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.Principal.UserID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign %s token: %w", kind, err)
	}
	return token, exp, nil
}

// Verify parses the token, checks the signature and expiry, and enforces
// the expected kind.
func (s *TokenService) Verify(token, kind string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.clock))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errdefs.ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errdefs.ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" || claims.ID == "" {
		return nil, errdefs.ErrInvalidToken
	}
	if claims.Kind != kind {
		return nil, errdefs.ErrWrongTokenKind
	}
	return claims, nil
}
