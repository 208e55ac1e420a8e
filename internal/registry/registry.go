// Package registry tracks which control session serves each host id and
// issues short-lived one-time codes bound to a host.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuthCodeTTL bounds how long a code stays redeemable.
const AuthCodeTTL = 30 * time.Second

type authCode struct {
	hostID    string
	token     string
	createdAt time.Time
}

// Registry maps host ids to sessions of type S. Each map sits behind its
// own mutex; no operation blocks on I/O.
type Registry[S comparable] struct {
	mu    sync.Mutex
	hosts map[string]S

	codesMu sync.Mutex
	codes   map[string]authCode

	now   func() time.Time
	newID func() string
}

type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

// WithClock overrides the time source used for code expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCodeGenerator overrides how auth codes are minted.
func WithCodeGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

func New[S comparable](opts ...Option) *Registry[S] {
	o := options{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[S]{
		hosts: make(map[string]S),
		codes: make(map[string]authCode),
		now:   o.now,
		newID: o.newID,
	}
}

// Insert stores s for hostID, returning the session it replaced.
func (r *Registry[S]) Insert(hostID string, s S) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.hosts[hostID]
	r.hosts[hostID] = s
	return prev, ok
}

// Remove drops hostID unconditionally.
func (r *Registry[S]) Remove(hostID string) {
	r.mu.Lock()
	delete(r.hosts, hostID)
	r.mu.Unlock()
}

// RemoveIf drops hostID only while s is still its registered session.
func (r *Registry[S]) RemoveIf(hostID string, s S) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.hosts[hostID]; ok && cur == s {
		delete(r.hosts, hostID)
		return true
	}
	return false
}

func (r *Registry[S]) Get(hostID string) (S, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.hosts[hostID]
	return s, ok
}

func (r *Registry[S]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// Range calls fn on a snapshot of the current entries, so fn may call back
// into the registry.
func (r *Registry[S]) Range(fn func(hostID string, s S) bool) {
	r.mu.Lock()
	snapshot := make(map[string]S, len(r.hosts))
	for id, s := range r.hosts {
		snapshot[id] = s
	}
	r.mu.Unlock()
	for id, s := range snapshot {
		if !fn(id, s) {
			return
		}
	}
}

// StoreAuthCode mints a one-time code carrying hostID and token. Expired
// codes are swept first.
func (r *Registry[S]) StoreAuthCode(hostID, token string) string {
	code := r.newID()
	now := r.now()
	r.codesMu.Lock()
	defer r.codesMu.Unlock()
	for c, entry := range r.codes {
		if now.Sub(entry.createdAt) >= AuthCodeTTL {
			delete(r.codes, c)
		}
	}
	r.codes[code] = authCode{hostID: hostID, token: token, createdAt: now}
	return code
}

// RedeemAuthCode consumes code. It reports false when the code is unknown,
// already used, or older than AuthCodeTTL; the code is gone either way.
func (r *Registry[S]) RedeemAuthCode(code string) (hostID, token string, ok bool) {
	r.codesMu.Lock()
	entry, found := r.codes[code]
	delete(r.codes, code)
	r.codesMu.Unlock()
	if !found || r.now().Sub(entry.createdAt) >= AuthCodeTTL {
		return "", "", false
	}
	return entry.hostID, entry.token, true
}

// PendingCodes reports how many codes are currently stored, expired ones
// included until the next sweep.
func (r *Registry[S]) PendingCodes() int {
	r.codesMu.Lock()
	defer r.codesMu.Unlock()
	return len(r.codes)
}
