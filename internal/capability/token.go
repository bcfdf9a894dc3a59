package capability

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/inletworks/inlet/internal/idgen"
)

const signatureSize = ed25519.SignatureSize

var (
	// ErrGrantExceedsIssuer rejects a mint whose requested permissions
	// are not a subset of the issuing subject's own rights.
	ErrGrantExceedsIssuer = errors.New("grant exceeds issuer rights")

	// ErrUnauthorized covers missing, malformed, expired, revoked, and
	// insufficiently scoped tokens. Handlers must be able to tell this
	// apart from a capability that simply is not offered
	// (ErrNotAvailable in the registry).
	ErrUnauthorized = errors.New("unauthorized")

	ErrTokenTooShort    = errors.New("token too short for signature")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token has expired")
	ErrTokenRevoked     = errors.New("token has been revoked")
)

// Token is the CBOR-encoded payload of a capability token. The wire
// format is payload bytes followed by a 64-byte ed25519 signature.
type Token struct {
	// Subject is the user the token acts for.
	Subject string `cbor:"1,keyasint"`

	// ContextID scopes the context grant; the global grant applies
	// everywhere.
	ContextID string `cbor:"2,keyasint,omitempty"`

	// Global maps resource kind to verbs allowed in any context.
	Global Grant `cbor:"3,keyasint,omitempty"`

	// Context maps resource kind to verbs allowed only within ContextID.
	Context Grant `cbor:"4,keyasint,omitempty"`

	// ID is a unique token identifier used for revocation.
	ID string `cbor:"5,keyasint"`

	// IssuedAt is a Unix timestamp (seconds).
	IssuedAt int64 `cbor:"6,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds); zero means the token was
	// explicitly minted unbounded.
	ExpiresAt int64 `cbor:"7,keyasint,omitempty"`
}

// Requirement is one permission a proxy boundary demands.
type Requirement struct {
	Kind string
	Verb string
	// ContextID is set when the resource belongs to a context; a
	// context grant only satisfies requirements for its own context.
	ContextID string
}

// Directory resolves a subject's own rights. Mint consults it to
// guarantee grants only narrow.
type Directory interface {
	Rights(ctx context.Context, subject string) (Grant, error)
}

// StaticDirectory is a fixed subject-to-rights map.
type StaticDirectory map[string]Grant

func (d StaticDirectory) Rights(_ context.Context, subject string) (Grant, error) {
	rights, ok := d[subject]
	if !ok {
		return nil, fmt.Errorf("unknown subject %q", subject)
	}
	return rights, nil
}

// MintSpec describes a token to mint.
type MintSpec struct {
	Subject   string
	ContextID string
	Global    Grant
	Context   Grant
	// ExpiresAt zero mints an unbounded token.
	ExpiresAt time.Time
}

// Service mints and verifies capability tokens.
type Service struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	dir       Directory
	blacklist *Blacklist

	nowFn func() time.Time
}

type ServiceOption func(*Service)

func WithServiceClock(nowFn func() time.Time) ServiceOption {
	return func(s *Service) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewService(priv ed25519.PrivateKey, dir Directory, opts ...ServiceOption) *Service {
	s := &Service{
		priv:      priv,
		pub:       priv.Public().(ed25519.PublicKey),
		dir:       dir,
		blacklist: NewBlacklist(),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Mint signs a token after checking every requested permission against
// the subject's own rights. Grants can only narrow, never widen.
func (s *Service) Mint(ctx context.Context, spec MintSpec) ([]byte, *Token, error) {
	if spec.Subject == "" {
		return nil, nil, fmt.Errorf("subject is required")
	}
	rights, err := s.dir.Rights(ctx, spec.Subject)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve issuer rights: %w", err)
	}
	if !spec.Global.SubsetOf(rights) {
		return nil, nil, fmt.Errorf("global grant for %s: %w", spec.Subject, ErrGrantExceedsIssuer)
	}
	if !spec.Context.SubsetOf(rights) {
		return nil, nil, fmt.Errorf("context grant for %s: %w", spec.Subject, ErrGrantExceedsIssuer)
	}

	now := s.nowFn().UTC()
	token := &Token{
		Subject:   spec.Subject,
		ContextID: spec.ContextID,
		Global:    spec.Global.Clone(),
		Context:   spec.Context.Clone(),
		ID:        idgen.New(),
		IssuedAt:  now.Unix(),
	}
	if !spec.ExpiresAt.IsZero() {
		token.ExpiresAt = spec.ExpiresAt.Unix()
	}

	payload, err := encMode.Marshal(token)
	if err != nil {
		return nil, nil, fmt.Errorf("encode token payload: %w", err)
	}
	signature := ed25519.Sign(s.priv, payload)

	wire := make([]byte, len(payload)+signatureSize)
	copy(wire, payload)
	copy(wire[len(payload):], signature)
	return wire, token, nil
}

// Verify checks the signature, expiry, and revocation state of a token
// and then that it satisfies the requirement. All failures unwrap to
// ErrUnauthorized.
func (s *Service) Verify(tokenBytes []byte, req Requirement) (*Token, error) {
	token, err := s.decode(tokenBytes)
	if err != nil {
		return nil, err
	}
	if !s.allows(token, req) {
		return nil, fmt.Errorf("%w: token lacks %s:%s", ErrUnauthorized, req.Kind, req.Verb)
	}
	return token, nil
}

// Revoke blacklists a token until its natural expiry (or for retain if
// the token is unbounded).
func (s *Service) Revoke(token *Token, retain time.Duration) {
	expiry := time.Unix(token.ExpiresAt, 0)
	if token.ExpiresAt == 0 {
		expiry = s.nowFn().Add(retain)
	}
	s.blacklist.Revoke(token.ID, expiry)
}

func (s *Service) decode(tokenBytes []byte) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenTooShort)
	}
	split := len(tokenBytes) - signatureSize
	payload := tokenBytes[:split]
	signature := tokenBytes[split:]

	if !ed25519.Verify(s.pub, payload, signature) {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrInvalidSignature)
	}

	var token Token
	if err := decMode.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("%w: decode token payload: %w", ErrUnauthorized, err)
	}
	if token.ExpiresAt != 0 && s.nowFn().Unix() >= token.ExpiresAt {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenExpired)
	}
	if s.blacklist.IsRevoked(token.ID) {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, ErrTokenRevoked)
	}
	return &token, nil
}

// allows applies the scoping rule: the global grant satisfies any
// requirement; the context grant only satisfies requirements for the
// token's own context.
func (s *Service) allows(token *Token, req Requirement) bool {
	if token.Global.Allows(req.Kind, req.Verb) {
		return true
	}
	if req.ContextID != "" && req.ContextID == token.ContextID {
		return token.Context.Allows(req.Kind, req.Verb)
	}
	return false
}
