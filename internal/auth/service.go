package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/browsergrid/internal/errdefs"
	"github.com/Rorqualx/browsergrid/internal/security"
	"github.com/Rorqualx/browsergrid/internal/store"
)

// CredentialVerifier checks a username/password pair and returns the
// principal on success.
type CredentialVerifier interface {
	VerifyCredentials(ctx context.Context, username, password string) (*store.Principal, error)
}

// StaticCredentials verifies against an in-memory user table. Passwords
// are held as salted SHA-256 digests, never plaintext.
type StaticCredentials struct {
	users map[string]staticUser
}

type staticUser struct {
	principal store.Principal
	salt      []byte
	hash      string
}

var _ CredentialVerifier = (*StaticCredentials)(nil)

func NewStaticCredentials() *StaticCredentials {
	return &StaticCredentials{users: make(map[string]staticUser)}
}

// AddUser registers a user. The salt is derived from the user id so the
// table can be rebuilt deterministically from configuration.
func (c *StaticCredentials) AddUser(principal store.Principal, password string) {
	salt := sha256.Sum256([]byte("usercred:" + principal.UserID))
	c.users[principal.Username] = staticUser{
		principal: principal,
		salt:      salt[:],
		hash:      hashKey(password, salt[:]),
	}
}

func (c *StaticCredentials) VerifyCredentials(_ context.Context, username, password string) (*store.Principal, error) {
	u, ok := c.users[username]
	// Hash regardless so missing users cost the same as wrong passwords.
	candidate := hashKey(password, u.salt)
	if !ok || subtle.ConstantTimeCompare([]byte(candidate), []byte(u.hash)) != 1 {
		return nil, errdefs.New(errdefs.KindAuthentication, "BAD_CREDENTIALS", "Invalid username or password.", nil)
	}
	p := u.principal
	return &p, nil
}

// ServiceOptions wires the collaborators.
type ServiceOptions struct {
	Sessions    store.Store
	Tokens      *TokenService
	Keys        *KeyManager
	Credentials CredentialVerifier
	Replay      ReplayGuard
	Audit       Auditor
	SessionTTL  time.Duration
	Clock       func() time.Time
}

// Service is the authentication front: login, token refresh, and
// per-request authentication by bearer token or API key.
type Service struct {
	opts ServiceOptions
}

// NewService validates wiring and builds the service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Sessions == nil || opts.Tokens == nil {
		return nil, errors.New("auth service requires a session store and token service")
	}
	if opts.Replay == nil {
		opts.Replay = NewMemoryReplayGuard(opts.Clock)
	}
	if opts.Audit == nil {
		opts.Audit = NopAuditor{}
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 30 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{opts: opts}, nil
}

// LoginResult is what a successful login hands back.
type LoginResult struct {
	Session *store.Session `json:"session"`
	Tokens  *TokenPair     `json:"tokens"`
}

// Login verifies credentials, creates a session, and issues the first
// token pair.
func (s *Service) Login(ctx context.Context, username, password, remoteIP string) (*LoginResult, error) {
	if s.opts.Credentials == nil {
		return nil, errdefs.New(errdefs.KindConfiguration, "NO_CREDENTIAL_BACKEND", "Password login is not configured.", nil)
	}
	principal, err := s.opts.Credentials.VerifyCredentials(ctx, username, password)
	if err != nil {
		s.opts.Audit.Record(AuditEvent{
			Type:        EventLoginFailure,
			RemoteIP:    remoteIP,
			Detail:      map[string]string{"username": username},
			ShouldAlert: true,
		})
		return nil, err
	}

	id, err := security.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := s.opts.Clock()
	sess, err := s.opts.Sessions.Create(ctx, &store.Session{
		ID:             id,
		Principal:      *principal,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.opts.SessionTTL),
	})
	if err != nil {
		return nil, err
	}
	pair, err := s.opts.Tokens.IssuePair(sess)
	if err != nil {
		return nil, err
	}

	s.opts.Audit.Record(AuditEvent{
		Type:      EventLoginSuccess,
		UserID:    principal.UserID,
		SessionID: sess.ID,
		RemoteIP:  remoteIP,
	})
	log.Info().Str("user_id", principal.UserID).Str("session_id", sess.ID).Msg("User logged in")
	return &LoginResult{Session: sess, Tokens: pair}, nil
}

// Refresh redeems a refresh token for a new pair. The old refresh token
// becomes unusable: redemption is single-use.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.opts.Tokens.Verify(refreshToken, KindRefresh)
	if err != nil {
		s.audit(EventTokenRejected, claims, err)
		return nil, err
	}

	// Mark before issuing: a raced second redemption must lose even if
	// this one fails later.
	ttl := s.opts.Tokens.RefreshTTL()
	if claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Time.Sub(s.opts.Clock())
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	first, err := s.opts.Replay.MarkUsed(ctx, claims.ID, ttl)
	if err != nil {
		return nil, err
	}
	if !first {
		s.audit(EventTokenRejected, claims, errdefs.ErrRefreshTokenUsed)
		return nil, errdefs.ErrRefreshTokenUsed
	}

	sess, err := s.opts.Sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, errdefs.ErrSessionNotFound) {
			return nil, errdefs.ErrSessionExpired
		}
		return nil, err
	}
	if err := s.opts.Sessions.Touch(ctx, sess.ID); err != nil {
		return nil, err
	}
	pair, err := s.opts.Tokens.IssuePair(sess)
	if err != nil {
		return nil, err
	}

	s.opts.Audit.Record(AuditEvent{
		Type:      EventTokenRefreshed,
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
	})
	return pair, nil
}

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID    string
	Username  string
	SessionID string
	Roles     []string
	Scopes    []string
	ViaAPIKey bool
}

// AuthenticateToken validates a bearer access token and loads its session.
func (s *Service) AuthenticateToken(ctx context.Context, accessToken string) (*Identity, error) {
	claims, err := s.opts.Tokens.Verify(accessToken, KindAccess)
	if err != nil {
		s.audit(EventTokenRejected, claims, err)
		return nil, err
	}
	sess, err := s.opts.Sessions.Get(ctx, claims.SessionID)
	if err != nil {
		if errors.Is(err, errdefs.ErrSessionNotFound) {
			return nil, errdefs.ErrSessionExpired
		}
		return nil, err
	}
	if err := s.opts.Sessions.Touch(ctx, sess.ID); err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to touch session")
	}
	return &Identity{
		UserID:    sess.Principal.UserID,
		Username:  sess.Principal.Username,
		SessionID: sess.ID,
		Roles:     claims.Roles,
	}, nil
}

// AuthenticateAPIKey validates a plaintext API key.
func (s *Service) AuthenticateAPIKey(ctx context.Context, plaintext string) (*Identity, error) {
	if s.opts.Keys == nil {
		return nil, errdefs.ErrInvalidAPIKey
	}
	key, err := s.opts.Keys.Verify(ctx, plaintext)
	if err != nil {
		s.opts.Audit.Record(AuditEvent{Type: EventAPIKeyRejected, ShouldAlert: true})
		return nil, err
	}
	return &Identity{
		UserID:    key.UserID,
		Username:  key.Name,
		Roles:     key.Roles,
		Scopes:    key.Scopes,
		ViaAPIKey: true,
	}, nil
}

// Logout deletes the session. Outstanding tokens for it fail on their
// next session load.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	_, err := s.opts.Sessions.Delete(ctx, sessionID)
	return err
}

func (s *Service) audit(event string, claims *Claims, cause error) {
	ev := AuditEvent{
		Type:        event,
		Detail:      map[string]string{"reason": cause.Error()},
		ShouldAlert: true,
	}
	if claims != nil {
		ev.UserID = claims.Subject
		ev.SessionID = claims.SessionID
	}
	s.opts.Audit.Record(ev)
}
