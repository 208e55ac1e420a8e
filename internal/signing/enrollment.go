package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	EnrollmentCodeLength = 6
	EnrollmentTTL        = 5 * time.Minute

	enrollmentCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyDerivationInfo     = "relaytun-enroll-v1"
	clientProofContext    = "relaytun-client-proof-v1"
	serverProofContext    = "relaytun-server-proof-v1"
)

var (
	ErrMalformedEnrollmentCode = errors.New("enrollment code must be 6 characters of A-Z and 0-9")
	ErrEnrollmentCodeRejected  = errors.New("enrollment code not pending")
	ErrEnrollmentNotFound      = errors.New("enrollment not found or expired")
	ErrInvalidPublicKey        = errors.New("invalid public key")
	ErrInvalidProof            = errors.New("invalid enrollment proof")
)

type pendingEnrollment struct {
	key       []byte
	owner     string
	createdAt time.Time
}

// Enroller runs the code-authenticated key exchange that ends in a signing
// session. The relay shows a short code out of band; the browser proves it
// knows the code by deriving the same key.
type Enroller struct {
	signing *Service

	mu      sync.Mutex
	code    string
	pending map[uuid.UUID]pendingEnrollment
}

func NewEnroller(svc *Service) *Enroller {
	return &Enroller{
		signing: svc,
		pending: make(map[uuid.UUID]pendingEnrollment),
	}
}

// EnrollmentCode returns the pending code, minting one when none is pending.
func (e *Enroller) EnrollmentCode() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.code != "" {
		return e.code, nil
	}
	code, err := GenerateEnrollmentCode()
	if err != nil {
		return "", err
	}
	e.code = code
	return code, nil
}

// Start consumes the enrollment code and answers the browser's X25519 share
// with the relay's own. The derived key is held until Finish; owner is
// carried into the signing session Finish creates.
func (e *Enroller) Start(rawCode, clientPublicB64, owner string) (uuid.UUID, string, error) {
	code, err := NormalizeEnrollmentCode(rawCode)
	if err != nil {
		return uuid.Nil, "", err
	}
	clientPublic, err := base64.StdEncoding.DecodeString(strings.TrimSpace(clientPublicB64))
	if err != nil || len(clientPublic) != curve25519.PointSize {
		return uuid.Nil, "", ErrInvalidPublicKey
	}
	if !e.consumeCode(code) {
		return uuid.Nil, "", ErrEnrollmentCodeRejected
	}

	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return uuid.Nil, "", fmt.Errorf("generate exchange key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("derive exchange public key: %w", err)
	}
	key, err := DeriveEnrollmentKey(private, clientPublic, code)
	if err != nil {
		return uuid.Nil, "", ErrInvalidPublicKey
	}

	id := uuid.New()
	now := e.signing.now()
	e.mu.Lock()
	for pid, p := range e.pending {
		if now.Sub(p.createdAt) > EnrollmentTTL {
			delete(e.pending, pid)
		}
	}
	e.pending[id] = pendingEnrollment{key: key, owner: owner, createdAt: now}
	e.mu.Unlock()
	return id, base64.StdEncoding.EncodeToString(public), nil
}

// FinishResult is what the browser needs to start signing requests.
type FinishResult struct {
	SigningSessionID uuid.UUID
	ServerPublicKey  ed25519.PublicKey
	ServerProof      []byte
}

// Finish checks the browser's key-confirmation proof, then creates a
// signing session for its ed25519 key.
func (e *Enroller) Finish(enrollmentID uuid.UUID, publicKeyB64, clientProofB64 string) (FinishResult, error) {
	pending, ok := e.takePending(enrollmentID)
	if !ok {
		return FinishResult{}, ErrEnrollmentNotFound
	}
	key := pending.key
	browserKey, err := ParsePublicKey(publicKeyB64)
	if err != nil {
		return FinishResult{}, err
	}
	proof, err := base64.StdEncoding.DecodeString(strings.TrimSpace(clientProofB64))
	if err != nil || !hmac.Equal(proof, ClientProof(key, enrollmentID, browserKey)) {
		return FinishResult{}, ErrInvalidProof
	}

	serverPublic, serverPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return FinishResult{}, fmt.Errorf("generate signing key: %w", err)
	}
	sessionID := e.signing.createSession(pending.owner, browserKey, serverPrivate)
	return FinishResult{
		SigningSessionID: sessionID,
		ServerPublicKey:  serverPublic,
		ServerProof:      ServerProof(key, enrollmentID, browserKey, serverPublic),
	}, nil
}

func (e *Enroller) consumeCode(code string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.code == "" || !hmac.Equal([]byte(e.code), []byte(code)) {
		return false
	}
	e.code = ""
	return true
}

func (e *Enroller) takePending(id uuid.UUID) (pendingEnrollment, bool) {
	e.mu.Lock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if !ok || e.signing.now().Sub(p.createdAt) > EnrollmentTTL {
		return pendingEnrollment{}, false
	}
	return p, true
}

// Pending reports the number of started enrollments awaiting Finish,
// expired ones included until the next Start sweeps them.
func (e *Enroller) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// GenerateEnrollmentCode returns a random code over A-Z0-9.
func GenerateEnrollmentCode() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(enrollmentCodeCharset)))
	for i := 0; i < EnrollmentCodeLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate enrollment code: %w", err)
		}
		b.WriteByte(enrollmentCodeCharset[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeEnrollmentCode trims and upper-cases raw, rejecting anything that
// is not exactly six characters of A-Z0-9.
func NormalizeEnrollmentCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != EnrollmentCodeLength {
		return "", ErrMalformedEnrollmentCode
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(enrollmentCodeCharset, rune(code[i])) {
			return "", ErrMalformedEnrollmentCode
		}
	}
	return code, nil
}

// DeriveEnrollmentKey combines an X25519 exchange with the enrollment code.
// Both sides call it with their own private scalar and the peer's point.
func DeriveEnrollmentKey(private, peerPublic []byte, code string) ([]byte, error) {
	shared, err := curve25519.X25519(private, peerPublic)
	if err != nil {
		return nil, err
	}
	key := make([]byte, sha256.Size)
	r := hkdf.New(sha256.New, shared, []byte(code), []byte(keyDerivationInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ClientProof is the MAC a browser sends to show it derived the same key.
func ClientProof(key []byte, enrollmentID uuid.UUID, browserKey ed25519.PublicKey) []byte {
	return proof(key, clientProofContext, enrollmentID[:], browserKey)
}

// ServerProof binds the relay's signing key to the exchange.
func ServerProof(key []byte, enrollmentID uuid.UUID, browserKey, serverKey ed25519.PublicKey) []byte {
	return proof(key, serverProofContext, enrollmentID[:], browserKey, serverKey)
}

func proof(key []byte, context string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(context))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

// ParsePublicKey decodes a base64 ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(raw), nil
}
