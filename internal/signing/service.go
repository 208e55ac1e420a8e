// Package signing keeps ed25519 signing sessions for enrolled browsers and
// validates signed, replay-protected messages against them.
package signing

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MaxTimestampDrift = 30 * time.Second
	SessionTTL        = time.Hour
	SessionIdleTTL    = 15 * time.Minute
	NonceTTL          = 2 * time.Minute
	MaxNonceLength    = 128
)

// Validation failures. Messages never include key or payload material.
var (
	ErrTimestampOutOfDrift = errors.New("timestamp outside drift window")
	ErrMissingSession      = errors.New("missing or expired signing session")
	ErrInvalidNonce        = errors.New("invalid nonce")
	ErrReplayNonce         = errors.New("replayed nonce")
	ErrInvalidSignature    = errors.New("invalid signature")
)

type session struct {
	owner      string
	browserKey ed25519.PublicKey
	serverKey  ed25519.PrivateKey
	createdAt  time.Time
	lastUsedAt time.Time
	seenNonces map[string]time.Time
}

func (s *session) expired(now time.Time) bool {
	return now.Sub(s.createdAt) > SessionTTL || now.Sub(s.lastUsedAt) > SessionIdleTTL
}

// Service is safe for concurrent use. A single mutex guards the session map
// and every per-session nonce set.
type Service struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	now      func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(opts ...Option) *Service {
	s := &Service{
		sessions: make(map[uuid.UUID]*session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession registers a browser verification key together with the
// server key that signs responses for it.
func (s *Service) CreateSession(browserKey ed25519.PublicKey, serverKey ed25519.PrivateKey) uuid.UUID {
	return s.createSession("", browserKey, serverKey)
}

func (s *Service) createSession(owner string, browserKey ed25519.PublicKey, serverKey ed25519.PrivateKey) uuid.UUID {
	id := uuid.New()
	now := s.now()
	s.mu.Lock()
	s.sessions[id] = &session{
		owner:      owner,
		browserKey: browserKey,
		serverKey:  serverKey,
		createdAt:  now,
		lastUsedAt: now,
		seenNonces: make(map[string]time.Time),
	}
	s.mu.Unlock()
	return id
}

// VerifyMessage checks, in order: nonce shape, timestamp drift (unix
// seconds), session liveness, nonce reuse, then the signature. On success
// the nonce is recorded and the session's idle timer is refreshed.
func (s *Service) VerifyMessage(id uuid.UUID, timestamp int64, nonce string, message []byte, signatureB64 string) error {
	if strings.TrimSpace(nonce) == "" || len(nonce) > MaxNonceLength {
		return ErrInvalidNonce
	}
	now := s.now()
	if !withinDrift(now, timestamp) {
		return ErrTimestampOutOfDrift
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(id, now)
	if err != nil {
		return err
	}
	for n, seenAt := range sess.seenNonces {
		if now.Sub(seenAt) > NonceTTL {
			delete(sess.seenNonces, n)
		}
	}
	if _, seen := sess.seenNonces[nonce]; seen {
		return ErrReplayNonce
	}
	if err := verify(sess.browserKey, message, signatureB64); err != nil {
		return err
	}
	sess.seenNonces[nonce] = now
	sess.lastUsedAt = now
	return nil
}

// SignMessage signs message with the session's server key and returns the
// base64 signature.
func (s *Service) SignMessage(id uuid.UUID, message []byte) (string, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(id, now)
	if err != nil {
		return "", err
	}
	sess.lastUsedAt = now
	return base64.StdEncoding.EncodeToString(ed25519.Sign(sess.serverKey, message)), nil
}

// VerifySignature checks a browser signature without nonce or timestamp
// handling.
func (s *Service) VerifySignature(id uuid.UUID, message []byte, signatureB64 string) error {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(id, now)
	if err != nil {
		return err
	}
	if err := verify(sess.browserKey, message, signatureB64); err != nil {
		return err
	}
	sess.lastUsedAt = now
	return nil
}

// Owner returns the label recorded when the session was enrolled. The
// label expires with the session.
func (s *Service) Owner(id uuid.UUID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.liveSessionLocked(id, s.now())
	if err != nil {
		return "", err
	}
	return sess.owner, nil
}

// Len reports the number of sessions, expired ones included until the next
// lookup evicts them.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) liveSessionLocked(id uuid.UUID, now time.Time) (*session, error) {
	for key, sess := range s.sessions {
		if sess.expired(now) {
			delete(s.sessions, key)
		}
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrMissingSession
	}
	return sess, nil
}

func withinDrift(now time.Time, timestamp int64) bool {
	drift := now.Unix() - timestamp
	if drift < 0 {
		drift = -drift
	}
	return drift >= 0 && drift <= int64(MaxTimestampDrift/time.Second)
}

func verify(key ed25519.PublicKey, message []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(key, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}
