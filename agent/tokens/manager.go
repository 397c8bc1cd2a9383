// Package tokens issues and validates the signed, time-boxed bearer tokens
// presented by agents to the coordination server.
package tokens

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/macawi-ai/cyreal-sub001/agent/guardrails"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// Rejection reasons returned by Authenticate.
var (
	ErrMalformed    = errors.New("token: malformed")
	ErrBadSignature = errors.New("token: bad signature")
	ErrExpired      = errors.New("token: expired")
	ErrRevoked      = errors.New("token: revoked")
)

// ErrInvalidCard is wrapped by AuthenticateAgentCard when the card fails
// validation.
var ErrInvalidCard = errors.New("token: agent card rejected")

const (
	// AgentCardTTL is the lifetime of tokens issued for agent cards.
	AgentCardTTL = 30 * time.Minute
	issuer       = "cyreal"
)

// Config holds token manager settings.
type Config struct {
	// Secret is the HMAC key. A random key is generated when empty.
	Secret string `json:"-"`

	// DefaultTTL applies when Issue is called with a non-positive ttl.
	DefaultTTL time.Duration `json:"default_ttl"`

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns default token settings.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    time.Hour,
		SweepInterval: 60 * time.Second,
	}
}

// Permissions are the grants carried by a token.
type Permissions struct {
	Read          bool   `json:"read"`
	Write         bool   `json:"write"`
	Configure     bool   `json:"configure"`
	SecurityLevel string `json:"securityLevel"`
	ResourceID    string `json:"resourceId"`
}

// ReadOnly returns read-only permissions for resourceID.
func ReadOnly(resourceID string) Permissions {
	return Permissions{Read: true, SecurityLevel: "standard", ResourceID: resourceID}
}

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	Permissions Permissions `json:"perms"`
}

// TokenPair is the result of issuing a token.
type TokenPair struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Stats summarises the manager's bookkeeping.
type Stats struct {
	Active  int `json:"active"`
	Revoked int `json:"revoked"`
}

// Manager issues and validates tokens. The zero value is not usable.
type Manager struct {
	mu      sync.Mutex
	secret  []byte
	config  Config
	clock   clock.WithTicker
	parser  *jwt.Parser
	active  map[string]time.Time
	revoked map[string]time.Time
	logger  *zap.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock sets the time source used for issuing, validation and sweeps.
func WithClock(c clock.WithTicker) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a token manager.
func NewManager(config Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = defaults.DefaultTTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}

	m := &Manager{
		config:  config,
		clock:   clock.RealClock{},
		active:  make(map[string]time.Time),
		revoked: make(map[string]time.Time),
		logger:  logger.With(zap.String("component", "token_manager")),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if config.Secret == "" {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
		m.secret = secret
		m.logger.Warn("no token secret configured, generated an ephemeral one; tokens will not survive a restart")
	} else {
		m.secret = []byte(config.Secret)
	}

	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	return m, nil
}

// Issue signs a token for resourceID with the given permissions. The token
// subject is resourceID.
func (m *Manager) Issue(resourceID string, perms Permissions, ttl time.Duration) (*TokenPair, error) {
	return m.issue(resourceID, resourceID, perms, ttl)
}

// IssueFor signs a token whose subject differs from its resource id.
func (m *Manager) IssueFor(subject, resourceID string, perms Permissions, ttl time.Duration) (*TokenPair, error) {
	return m.issue(subject, resourceID, perms, ttl)
}

func (m *Manager) issue(subject, resourceID string, perms Permissions, ttl time.Duration) (*TokenPair, error) {
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}
	now := m.clock.Now()
	expiresAt := now.Add(ttl)
	id := uuid.NewString()
	perms.ResourceID = resourceID

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Permissions: perms,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	m.mu.Lock()
	m.active[id] = expiresAt
	m.mu.Unlock()

	return &TokenPair{
		ID:        id,
		Token:     signed,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}, nil
}

// Authenticate validates a token and returns its permissions.
func (m *Manager) Authenticate(token string) (*Permissions, error) {
	claims, err := m.Verify(token)
	if err != nil {
		return nil, err
	}
	perms := claims.Permissions
	return &perms, nil
}

// Verify validates a token and returns its full claims.
func (m *Manager) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing token id", ErrMalformed)
	}

	m.mu.Lock()
	_, revoked := m.revoked[claims.ID]
	m.mu.Unlock()
	if revoked {
		return nil, ErrRevoked
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// AuthenticateAgentCard validates card and issues a read-only token bound to
// the agent's resource id.
func (m *Manager) AuthenticateAgentCard(card *a2a.AgentCard) (*TokenPair, error) {
	result := guardrails.ValidateAgentCard(card, m.clock.Now())
	if !result.Valid {
		blocking := result.Blocking()
		reasons := make([]string, 0, len(blocking))
		for _, e := range blocking {
			reasons = append(reasons, e.Field+": "+e.Message)
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidCard, strings.Join(reasons, "; "))
	}
	return m.IssueFor(card.AgentID, ResourceID(card.AgentID), ReadOnly(""), AgentCardTTL)
}

// ResourceID derives the resource id bound to an agent's tokens.
func ResourceID(agentID string) string {
	return "agent:" + agentID
}

// Revoke invalidates token immediately. Tokens that no longer verify are
// ignored.
func (m *Manager) Revoke(token string) error {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return classify(err)
	}
	if claims.ID == "" {
		return fmt.Errorf("%w: missing token id", ErrMalformed)
	}
	m.RevokeID(claims.ID, claims.ExpiresAt.Time)
	return nil
}

// RevokeID revokes by token id. expiresAt bounds how long the entry is kept.
func (m *Manager) RevokeID(id string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
	m.revoked[id] = expiresAt
	m.logger.Debug("token revoked", zap.String("token_id", id))
}

// IsRevoked reports whether the token id has been revoked.
func (m *Manager) IsRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.revoked[id]
	return ok
}

// Sweep removes active and revoked entries whose expiry has passed. A
// revoked token past its expiry would fail validation anyway.
func (m *Manager) Sweep() (expired, pruned int) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, exp := range m.active {
		if !now.Before(exp) {
			delete(m.active, id)
			expired++
		}
	}
	for id, exp := range m.revoked {
		if !now.Before(exp) {
			delete(m.revoked, id)
			pruned++
		}
	}
	return expired, pruned
}

// Stats returns active and revoked counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: len(m.active), Revoked: len(m.revoked)}
}

// Start runs the periodic sweep until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.SweepInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C():
				m.sweepOnce()
			}
		}
	}()
}

func (m *Manager) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("token sweep panicked", zap.Any("panic", r))
		}
	}()
	expired, pruned := m.Sweep()
	if expired > 0 || pruned > 0 {
		m.logger.Debug("token sweep", zap.Int("expired", expired), zap.Int("revoked_pruned", pruned))
	}
}

// Stop halts the background sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}
