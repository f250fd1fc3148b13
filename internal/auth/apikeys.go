package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/security"
)

const (
	apiKeyBytes     = 32
	apiKeyPrefixLen = 8
	apiKeySaltBytes = 16
)

// APIKey is the stored record. The plaintext key is never persisted;
// only the prefix and a salted hash survive generation.
type APIKey struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Name       string            `json:"name"`
	Prefix     string            `json:"prefix"`
	Hash       string            `json:"hash"`
	Salt       string            `json:"salt"`
	Roles      []string          `json:"roles,omitempty"`
	Scopes     []string          `json:"scopes,omitempty"`
	Active     bool              `json:"active"`
	CreatedAt  time.Time         `json:"createdAt"`
	LastUsedAt time.Time         `json:"lastUsedAt,omitempty"`
	ExpiresAt  time.Time         `json:"expiresAt,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// KeyStore persists API key records.
type KeyStore interface {
	Put(ctx context.Context, key *APIKey) error
	Get(ctx context.Context, id string) (*APIKey, error)
	FindByPrefix(ctx context.Context, prefix string) (*APIKey, error)
	ListByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// MemoryKeyStore is the single-node key store.
type MemoryKeyStore struct {
	mu       sync.RWMutex
	keys     map[string]*APIKey
	byPrefix map[string]string
}

var _ KeyStore = (*MemoryKeyStore)(nil)

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{
		keys:     make(map[string]*APIKey),
		byPrefix: make(map[string]string),
	}
}

func (s *MemoryKeyStore) Put(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.keys[key.ID] = &cp
	s.byPrefix[key.Prefix] = key.ID
	return nil
}

func (s *MemoryKeyStore) Get(_ context.Context, id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, errdefs.ErrInvalidAPIKey
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryKeyStore) FindByPrefix(_ context.Context, prefix string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPrefix[prefix]
	if !ok {
		return nil, errdefs.ErrInvalidAPIKey
	}
	cp := *s.keys[id]
	return &cp, nil
}

func (s *MemoryKeyStore) ListByUser(_ context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, key := range s.keys {
		if key.UserID == userID {
			cp := *key
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryKeyStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return false, nil
	}
	delete(s.keys, id)
	delete(s.byPrefix, key.Prefix)
	return true, nil
}

// RedisKeyStore shares keys across nodes. Layout: `apikey:{id}` holds the
// record, `apikey_prefix:{prefix}` maps a prefix to its record id.
type RedisKeyStore struct {
	client *goredis.Client
}

var _ KeyStore = (*RedisKeyStore)(nil)

func NewRedisKeyStore(client *goredis.Client) *RedisKeyStore {
	return &RedisKeyStore{client: client}
}

func apiKeyKey(id string) string      { return "apikey:" + id }
func apiKeyPrefixKey(p string) string { return "apikey_prefix:" + p }

func (s *RedisKeyStore) Put(ctx context.Context, key *APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encode api key: %w", err)
	}
	var ttl time.Duration
	if !key.ExpiresAt.IsZero() {
		ttl = time.Until(key.ExpiresAt)
		if ttl <= 0 {
			return errdefs.ErrAPIKeyExpired
		}
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, apiKeyKey(key.ID), data, ttl)
	pipe.Set(ctx, apiKeyPrefixKey(key.Prefix), key.ID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store api key: %w: %w", errdefs.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisKeyStore) Get(ctx context.Context, id string) (*APIKey, error) {
	data, err := s.client.Get(ctx, apiKeyKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, errdefs.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("load api key: %w: %w", errdefs.ErrStoreUnavailable, err)
	}
	var key APIKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("decode api key: %w", err)
	}
	return &key, nil
}

func (s *RedisKeyStore) FindByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	id, err := s.client.Get(ctx, apiKeyPrefixKey(prefix)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, errdefs.ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("resolve api key prefix: %w: %w", errdefs.ErrStoreUnavailable, err)
	}
	return s.Get(ctx, id)
}

func (s *RedisKeyStore) ListByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	var (
		out    []*APIKey
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "apikey:*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan api keys: %w: %w", errdefs.ErrStoreUnavailable, err)
		}
		for _, k := range keys {
			key, err := s.Get(ctx, k[len("apikey:"):])
			if err != nil {
				continue
			}
			if key.UserID == userID {
				out = append(out, key)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *RedisKeyStore) Delete(ctx context.Context, id string) (bool, error) {
	key, err := s.Get(ctx, id)
	if errors.Is(err, errdefs.ErrInvalidAPIKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	pipe := s.client.Pipeline()
	del := pipe.Del(ctx, apiKeyKey(id))
	pipe.Del(ctx, apiKeyPrefixKey(key.Prefix))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("delete api key: %w: %w", errdefs.ErrStoreUnavailable, err)
	}
	return del.Val() > 0, nil
}

// KeyManager generates and verifies API keys against a store.
type KeyManager struct {
	store KeyStore
	clock func() time.Time
}

// NewKeyManager builds a manager; clock may be nil.
func NewKeyManager(store KeyStore, clock func() time.Time) *KeyManager {
	if clock == nil {
		clock = time.Now
	}
	return &KeyManager{store: store, clock: clock}
}

// GeneratedKey carries the one-time plaintext next to the stored record.
type GeneratedKey struct {
	Plaintext string
	Key       *APIKey
}

// Generate mints a new key. The plaintext is returned exactly once and
// cannot be recovered from the stored record.
func (m *KeyManager) Generate(ctx context.Context, userID, name string, roles, scopes []string, ttl time.Duration) (*GeneratedKey, error) {
	raw := make([]byte, apiKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	salt := make([]byte, apiKeySaltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate api key salt: %w", err)
	}

	id, err := security.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate api key id: %w", err)
	}

	plaintext := base64.RawURLEncoding.EncodeToString(raw)
	key := &APIKey{
		ID:        id,
		UserID:    userID,
		Name:      name,
		Prefix:    plaintext[:apiKeyPrefixLen],
		Hash:      hashKey(plaintext, salt),
		Salt:      hex.EncodeToString(salt),
		Roles:     roles,
		Scopes:    scopes,
		Active:    true,
		CreatedAt: m.clock(),
	}
	if ttl > 0 {
		key.ExpiresAt = key.CreatedAt.Add(ttl)
	}
	if err := m.store.Put(ctx, key); err != nil {
		return nil, err
	}
	log.Info().Str("key_id", key.ID).Str("user_id", userID).Str("prefix", key.Prefix).
		Msg("API key generated")
	return &GeneratedKey{Plaintext: plaintext, Key: key}, nil
}

// Verify resolves the key by prefix and compares the salted hash in
// constant time. The prefix lookup narrows the candidate set; it never
// authenticates by itself.
func (m *KeyManager) Verify(ctx context.Context, plaintext string) (*APIKey, error) {
	if len(plaintext) < apiKeyPrefixLen {
		return nil, errdefs.ErrInvalidAPIKey
	}
	key, err := m.store.FindByPrefix(ctx, plaintext[:apiKeyPrefixLen])
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(key.Salt)
	if err != nil {
		return nil, errdefs.ErrInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(hashKey(plaintext, salt)), []byte(key.Hash)) != 1 {
		return nil, errdefs.ErrInvalidAPIKey
	}
	if !key.Active {
		return nil, errdefs.ErrAPIKeyInactive
	}
	now := m.clock()
	if !key.ExpiresAt.IsZero() && now.After(key.ExpiresAt) {
		return nil, errdefs.ErrAPIKeyExpired
	}

	key.LastUsedAt = now
	if err := m.store.Put(ctx, key); err != nil {
		log.Warn().Err(err).Str("key_id", key.ID).Msg("Failed to record api key use")
	}
	return key, nil
}

// Revoke deactivates a key without deleting its record.
func (m *KeyManager) Revoke(ctx context.Context, id string) error {
	key, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	key.Active = false
	return m.store.Put(ctx, key)
}

func hashKey(plaintext string, salt []byte) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(plaintext))
	return hex.EncodeToString(h.Sum(nil))
}
