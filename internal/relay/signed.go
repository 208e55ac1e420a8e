package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/drksbr/relaytun/internal/protocol"
	"github.com/drksbr/relaytun/internal/signing"
)

type signingSessionKey struct{}

func (s *relayServer) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.enrollLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "too many enrollment attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *relayServer) handleEnrollmentCode(w http.ResponseWriter, r *http.Request) {
	cred, ok := s.authenticate(r)
	if !ok {
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.enrollMu.Lock()
	code, err := s.enroller.EnrollmentCode()
	if err == nil && s.enrollOwner == "" {
		s.enrollOwner = cred.Name
	}
	s.enrollMu.Unlock()
	if err != nil {
		s.logger.Error("enrollment code", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.EnrollmentCodeResponse{EnrollmentCode: code})
}

func (s *relayServer) handleEnrollStart(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnrollStartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.enrollMu.Lock()
	id, serverPublic, err := s.enroller.Start(req.EnrollmentCode, req.ClientPublicB64, s.enrollOwner)
	if err == nil {
		s.enrollOwner = ""
	}
	s.enrollMu.Unlock()

	switch {
	case errors.Is(err, signing.ErrMalformedEnrollmentCode), errors.Is(err, signing.ErrInvalidPublicKey):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, signing.ErrEnrollmentCodeRejected):
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	case err != nil:
		s.logger.Error("enrollment start", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, protocol.EnrollStartResponse{
		EnrollmentID:    id.String(),
		ServerPublicB64: serverPublic,
	})
}

func (s *relayServer) handleEnrollFinish(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnrollFinishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	enrollmentID, err := uuid.Parse(strings.TrimSpace(req.EnrollmentID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid enrollment id")
		return
	}

	result, err := s.enroller.Finish(enrollmentID, req.PublicKeyB64, req.ClientProofB64)
	switch {
	case errors.Is(err, signing.ErrEnrollmentNotFound):
		writeError(w, http.StatusNotFound, "enrollment not found")
		return
	case errors.Is(err, signing.ErrInvalidPublicKey):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, signing.ErrInvalidProof):
		s.metrics.authFailures.Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	case err != nil:
		s.logger.Error("enrollment finish", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("browser enrolled", "signing_session_id", result.SigningSessionID)
	writeJSON(w, http.StatusOK, protocol.EnrollFinishResponse{
		SigningSessionID:   result.SigningSessionID.String(),
		ServerPublicKeyB64: base64.StdEncoding.EncodeToString(result.ServerPublicKey),
		ServerProofB64:     base64.StdEncoding.EncodeToString(result.ServerProof),
	})
}

func (s *relayServer) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	var req protocol.VerifySignatureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := uuid.Parse(strings.TrimSpace(req.SigningSessionID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid signing session id")
		return
	}
	message, err := base64.StdEncoding.DecodeString(req.MessageB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid message")
		return
	}
	if err := s.signing.VerifySignature(id, message, req.SignatureB64); err != nil {
		s.metrics.signatureFailures.WithLabelValues(signatureFailureReason(err)).Inc()
		s.logger.Debug("signature rejected", "reason", err, "signing_session_id", id)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireSignature admits requests signed by an enrolled browser and signs
// the response body with the session's server key.
func (s *relayServer) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.signing.VerifyRequest(r)
		if err != nil {
			s.metrics.signatureFailures.WithLabelValues(signatureFailureReason(err)).Inc()
			s.logger.Info("signed request rejected", "reason", err, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		rec := &bufferedResponse{header: make(http.Header), status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), signingSessionKey{}, id)))

		body := rec.body.Bytes()
		if sig, err := s.signing.SignMessage(id, body); err == nil {
			rec.header.Set(signing.HeaderResponseSignature, sig)
		} else {
			s.logger.Warn("response signing failed", "error", err, "signing_session_id", id)
		}
		for name, values := range rec.header {
			w.Header()[name] = values
		}
		w.WriteHeader(rec.status)
		_, _ = w.Write(body)
	})
}

func (s *relayServer) handleSignedAuthCode(w http.ResponseWriter, r *http.Request) {
	id, _ := r.Context().Value(signingSessionKey{}).(uuid.UUID)
	// An empty owner resolves to no credential, which allows nothing.
	owner, _ := s.signing.Owner(id)
	cred := s.credentialByName(owner)
	s.issueAuthCode(w, r.PathValue("session_id"), func(hostID string) bool {
		return cred.allows(hostID)
	})
}

func signatureFailureReason(err error) string {
	switch {
	case errors.Is(err, signing.ErrTimestampOutOfDrift):
		return "timestamp"
	case errors.Is(err, signing.ErrMissingSession):
		return "session"
	case errors.Is(err, signing.ErrInvalidNonce):
		return "nonce"
	case errors.Is(err, signing.ErrReplayNonce):
		return "replay"
	case errors.Is(err, signing.ErrInvalidSignature):
		return "signature"
	default:
		return "malformed"
	}
}

// bufferedResponse holds a response until it can be signed.
type bufferedResponse struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = status
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	b.wroteHeader = true
	return b.body.Write(p)
}
