package protocol

import "time"

// HealthResponse is served on HealthPath.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every JSON error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

type CreateSessionRequest struct {
	HostID string `json:"host_id"`
}

type SessionResponse struct {
	SessionID string    `json:"session_id"`
	HostID    string    `json:"host_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthCodeResponse carries a one-time code the browser exchanges on the
// host subdomain within thirty seconds.
type AuthCodeResponse struct {
	SessionID string `json:"session_id"`
	RelayURL  string `json:"relay_url"`
	Code      string `json:"code"`
}

type EnrollmentCodeResponse struct {
	EnrollmentCode string `json:"enrollment_code"`
}

type EnrollStartRequest struct {
	EnrollmentCode  string `json:"enrollment_code"`
	ClientPublicB64 string `json:"client_public_b64"`
}

type EnrollStartResponse struct {
	EnrollmentID    string `json:"enrollment_id"`
	ServerPublicB64 string `json:"server_public_b64"`
}

type EnrollFinishRequest struct {
	EnrollmentID   string `json:"enrollment_id"`
	PublicKeyB64   string `json:"public_key_b64"`
	ClientProofB64 string `json:"client_proof_b64"`
}

type EnrollFinishResponse struct {
	SigningSessionID   string `json:"signing_session_id"`
	ServerPublicKeyB64 string `json:"server_public_key_b64"`
	ServerProofB64     string `json:"server_proof_b64"`
}

type VerifySignatureRequest struct {
	SigningSessionID string `json:"signing_session_id"`
	MessageB64       string `json:"message_b64"`
	SignatureB64     string `json:"signature_b64"`
}
