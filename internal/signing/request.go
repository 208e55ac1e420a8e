package signing

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	HeaderSession           = "X-Relay-Sig-Session"
	HeaderTimestamp         = "X-Relay-Sig-Ts"
	HeaderNonce             = "X-Relay-Sig-Nonce"
	HeaderSignature         = "X-Relay-Signature"
	HeaderResponseSignature = "X-Relay-Response-Signature"
)

// RequestSignature holds the signing headers of one request.
type RequestSignature struct {
	SessionID uuid.UUID
	Timestamp int64
	Nonce     string
	Signature string
}

var errMissingHeaders = errors.New("missing signature headers")

// ParseRequestSignature reads the signing headers from h.
func ParseRequestSignature(h http.Header) (RequestSignature, error) {
	rawSession := strings.TrimSpace(h.Get(HeaderSession))
	rawTS := strings.TrimSpace(h.Get(HeaderTimestamp))
	nonce := h.Get(HeaderNonce)
	sig := strings.TrimSpace(h.Get(HeaderSignature))
	if rawSession == "" || rawTS == "" || sig == "" {
		return RequestSignature{}, errMissingHeaders
	}
	id, err := uuid.Parse(rawSession)
	if err != nil {
		return RequestSignature{}, ErrMissingSession
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return RequestSignature{}, ErrTimestampOutOfDrift
	}
	return RequestSignature{SessionID: id, Timestamp: ts, Nonce: nonce, Signature: sig}, nil
}

// RequestMessage builds the canonical bytes a browser signs for a request:
// "{ts}.{METHOD}.{path?query}.{session}.{nonce}".
func RequestMessage(timestamp int64, method, pathAndQuery string, sessionID uuid.UUID, nonce string) []byte {
	return []byte(fmt.Sprintf("%d.%s.%s.%s.%s", timestamp, strings.ToUpper(method), pathAndQuery, sessionID, nonce))
}

// VerifyRequest validates the signing headers of r and returns the
// signing session the request belongs to.
func (s *Service) VerifyRequest(r *http.Request) (uuid.UUID, error) {
	sig, err := ParseRequestSignature(r.Header)
	if err != nil {
		return uuid.Nil, err
	}
	msg := RequestMessage(sig.Timestamp, r.Method, r.URL.RequestURI(), sig.SessionID, sig.Nonce)
	if err := s.VerifyMessage(sig.SessionID, sig.Timestamp, sig.Nonce, msg, sig.Signature); err != nil {
		return uuid.Nil, err
	}
	return sig.SessionID, nil
}

// SignRequest sets the signing headers on r using the browser key. It is
// the client half of VerifyRequest.
func SignRequest(r *http.Request, sessionID uuid.UUID, timestamp int64, nonce string, sign func([]byte) string) {
	msg := RequestMessage(timestamp, r.Method, r.URL.RequestURI(), sessionID, nonce)
	r.Header.Set(HeaderSession, sessionID.String())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	r.Header.Set(HeaderNonce, nonce)
	r.Header.Set(HeaderSignature, sign(msg))
}
