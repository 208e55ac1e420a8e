package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/curve25519"
)

type browser struct {
	exchangePriv []byte
	exchangePub  []byte
	signPub      ed25519.PublicKey
	signPriv     ed25519.PrivateKey
}

func newBrowser(t *testing.T) *browser {
	t.Helper()
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		t.Fatal(err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return &browser{exchangePriv: priv, exchangePub: pub, signPub: signPub, signPriv: signPriv}
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func TestEnrollmentRoundTrip(t *testing.T) {
	svc := NewService()
	e := NewEnroller(svc)
	code, err := e.EnrollmentCode()
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := e.EnrollmentCode(); again != code {
		t.Fatalf("pending code should be reused: %q vs %q", again, code)
	}

	br := newBrowser(t)
	enrollmentID, serverPubB64, err := e.Start(strings.ToLower(code), b64(br.exchangePub), "ci")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	serverPub, err := base64.StdEncoding.DecodeString(serverPubB64)
	if err != nil {
		t.Fatal(err)
	}
	key, err := DeriveEnrollmentKey(br.exchangePriv, serverPub, code)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	res, err := e.Finish(enrollmentID, b64(br.signPub), b64(ClientProof(key, enrollmentID, br.signPub)))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !hmac.Equal(res.ServerProof, ServerProof(key, enrollmentID, br.signPub, res.ServerPublicKey)) {
		t.Fatalf("server proof mismatch")
	}

	msg := []byte("hello")
	sig := b64(ed25519.Sign(br.signPriv, msg))
	if err := svc.VerifySignature(res.SigningSessionID, msg, sig); err != nil {
		t.Fatalf("session should accept browser signatures: %v", err)
	}

	if owner, err := svc.Owner(res.SigningSessionID); err != nil || owner != "ci" {
		t.Fatalf("owner = %q, %v", owner, err)
	}

	if _, err := e.Finish(enrollmentID, b64(br.signPub), b64(ClientProof(key, enrollmentID, br.signPub))); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Fatalf("second finish: got %v", err)
	}
}

func TestAbandonedEnrollmentsAreSwept(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEnroller(NewService(WithClock(clock.Now)))
	for i := 0; i < 3; i++ {
		code, _ := e.EnrollmentCode()
		if _, _, err := e.Start(code, b64(newBrowser(t).exchangePub), "ci"); err != nil {
			t.Fatal(err)
		}
	}
	if e.Pending() != 3 {
		t.Fatalf("pending = %d", e.Pending())
	}
	clock.Advance(EnrollmentTTL + time.Second)
	code, _ := e.EnrollmentCode()
	if _, _, err := e.Start(code, b64(newBrowser(t).exchangePub), "ci"); err != nil {
		t.Fatal(err)
	}
	if e.Pending() != 1 {
		t.Fatalf("expired enrollments kept: pending = %d", e.Pending())
	}
}

func TestEnrollmentCodeIsSingleUse(t *testing.T) {
	e := NewEnroller(NewService())
	code, _ := e.EnrollmentCode()
	br := newBrowser(t)
	if _, _, err := e.Start(code, b64(br.exchangePub), ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := e.Start(code, b64(br.exchangePub), ""); !errors.Is(err, ErrEnrollmentCodeRejected) {
		t.Fatalf("reused code: got %v", err)
	}
	next, _ := e.EnrollmentCode()
	if next == "" {
		t.Fatalf("a new code should be minted once the old one is consumed")
	}
}

func TestEnrollmentRejectsWrongCodeKey(t *testing.T) {
	e := NewEnroller(NewService())
	code, _ := e.EnrollmentCode()
	br := newBrowser(t)
	enrollmentID, serverPubB64, err := e.Start(code, b64(br.exchangePub), "")
	if err != nil {
		t.Fatal(err)
	}
	serverPub, _ := base64.StdEncoding.DecodeString(serverPubB64)
	wrongKey, err := DeriveEnrollmentKey(br.exchangePriv, serverPub, "ZZZZZZ")
	if err != nil {
		t.Fatal(err)
	}
	_, err = e.Finish(enrollmentID, b64(br.signPub), b64(ClientProof(wrongKey, enrollmentID, br.signPub)))
	if !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("got %v", err)
	}
}

func TestEnrollmentExpires(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	e := NewEnroller(NewService(WithClock(clock.Now)))
	code, _ := e.EnrollmentCode()
	br := newBrowser(t)
	enrollmentID, _, err := e.Start(code, b64(br.exchangePub), "")
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(EnrollmentTTL + time.Second)
	if _, err := e.Finish(enrollmentID, b64(br.signPub), ""); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Fatalf("got %v", err)
	}
	if _, err := e.Finish(uuid.New(), b64(br.signPub), ""); !errors.Is(err, ErrEnrollmentNotFound) {
		t.Fatalf("unknown id: got %v", err)
	}
}

func TestStartValidatesInput(t *testing.T) {
	e := NewEnroller(NewService())
	code, _ := e.EnrollmentCode()
	if _, _, err := e.Start("abc", b64(make([]byte, 32)), ""); !errors.Is(err, ErrMalformedEnrollmentCode) {
		t.Fatalf("short code: got %v", err)
	}
	if _, _, err := e.Start(code, "!!", ""); !errors.Is(err, ErrInvalidPublicKey) {
		t.Fatalf("bad key: got %v", err)
	}
	if got, _ := e.EnrollmentCode(); got != code {
		t.Fatalf("validation failures must not consume the code")
	}
}

func TestGenerateEnrollmentCodeCharset(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateEnrollmentCode()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := NormalizeEnrollmentCode(code); err != nil {
			t.Fatalf("generated code %q failed validation: %v", code, err)
		}
	}
	if _, err := NormalizeEnrollmentCode("ab-123"); !errors.Is(err, ErrMalformedEnrollmentCode) {
		t.Fatalf("got %v", err)
	}
	if got, err := NormalizeEnrollmentCode(" ab12cd "); err != nil || got != "AB12CD" {
		t.Fatalf("normalize = %q, %v", got, err)
	}
}

func TestEnrollmentKeyNeedsExchangeSecret(t *testing.T) {
	e := NewEnroller(NewService())
	code, _ := e.EnrollmentCode()
	br := newBrowser(t)
	_, serverPubB64, err := e.Start(code, b64(br.exchangePub), "")
	if err != nil {
		t.Fatal(err)
	}
	serverPub, err := base64.StdEncoding.DecodeString(serverPubB64)
	if err != nil {
		t.Fatal(err)
	}
	key, err := DeriveEnrollmentKey(br.exchangePriv, serverPub, code)
	if err != nil {
		t.Fatal(err)
	}

	// An observer knows the code and both public shares but neither private key.
	observer := newBrowser(t)
	for _, peer := range [][]byte{serverPub, br.exchangePub} {
		guess, err := DeriveEnrollmentKey(observer.exchangePriv, peer, code)
		if err != nil {
			t.Fatal(err)
		}
		if hmac.Equal(guess, key) {
			t.Fatal("key derivable without an exchange private key")
		}
	}
}
