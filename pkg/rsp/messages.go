// Package rsp implements the M2M remote provisioning protocol core:
// the SM-DP, SM-SR and eUICC entities, the router that carries JSON
// messages between them and the orchestrator that drives a complete
// provisioning run.
//
// The flow follows GSMA SGP.02: eUICC registration with the SM-SR,
// ISD-P creation, ECDH key establishment with certificate-backed
// signatures, PSK-protected profile download and ES8 lifecycle
// commands. The SM-SR relays secured payloads without inspecting
// them; profile confidentiality is end to end between SM-DP and
// eUICC.
package rsp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/isdp"
	"github.com/seclane/m2mrsp/pkg/profile"
	"github.com/seclane/m2mrsp/pkg/psktls"
	"github.com/seclane/m2mrsp/pkg/scp03t"
)

// Statuses reported in message and reply shapes.
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusActive = "active"
)

// Response is the uniform reply shape. Failures are always reported
// as {"status":"error","message":...}.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse builds the uniform error reply for a message.
func ErrorResponse(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// RemoteError is a failure a peer entity reported in its reply. The
// message is the peer's wire message, not a local error string. When
// the message has a fixed protocol meaning the matching sentinel is
// attached, so errors.Is matches across the wire.
type RemoteError struct {
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	return "rsp: peer reported: " + e.Message
}

// Unwrap exposes the sentinel mapped from the wire message, if any.
func (e *RemoteError) Unwrap() error {
	return e.err
}

// newRemoteError wraps a peer's wire message, attaching the sentinel
// it maps to.
func newRemoteError(message string) *RemoteError {
	return &RemoteError{Message: message, err: messageError(message)}
}

// wireError is a local failure whose wire message is fixed by the
// protocol, such as "Missing eUICC ID".
type wireError struct {
	message string
}

func (e *wireError) Error() string {
	return "rsp: " + e.message
}

// EUICCCapabilities describes what the card supports, per the
// euiccCapabilities field of the EIS (see GSMA SGP.02 Section 4.2).
type EUICCCapabilities struct {
	SupportedAlgorithms []string `json:"supportedAlgorithms"`
	SecureDomainSupport bool     `json:"secureDomainSupport"`
	PSKSupport          bool     `json:"pskSupport"`
}

// EUICCInfo1 is the capability block of an EIS registration.
type EUICCInfo1 struct {
	SVN          string            `json:"svn"`
	CIPKID       string            `json:"euiccCiPKId"`
	Capabilities EUICCCapabilities `json:"euiccCapabilities"`
	TestEUICC    bool              `json:"testEuicc"`
}

// RegisterEUICCRequest is the EIS document an eUICC submits to the
// SM-SR at registration.
type RegisterEUICCRequest struct {
	EUICCID         string     `json:"euiccId"`
	Info            EUICCInfo1 `json:"euiccInfo1"`
	EID             string     `json:"eid,omitempty"`
	SMSRID          string     `json:"smsrId,omitempty"`
	RemainingMemory int        `json:"remainingMemory,omitempty"`
	Certificate     []byte     `json:"certificate,omitempty"`
}

// RegisterEUICCResponse carries the registration PSK back to the
// eUICC. The PSK protects ES5 traffic until key establishment
// replaces it.
type RegisterEUICCResponse struct {
	Status string `json:"status"`
	PSK    []byte `json:"psk"`
	SMSRID string `json:"smsrId"`
}

// CreateISDPRequest asks the SM-SR to create an ISD-P on an eUICC.
type CreateISDPRequest struct {
	EUICCID        string `json:"euiccId"`
	MemoryRequired int    `json:"memoryRequired"`
}

// CreateISDPResponse reports the AID assigned to the new ISD-P.
type CreateISDPResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	ISDPAID string `json:"isdpAid,omitempty"`
	EUICCID string `json:"euiccId,omitempty"`
}

// PrepareProfileRequest asks the SM-DP to build a profile for an
// ICCID.
type PrepareProfileRequest struct {
	ICCID       string `json:"iccid"`
	ProfileType string `json:"profileType"`
}

// PrepareProfileResponse acknowledges profile preparation.
type PrepareProfileResponse struct {
	Status      string `json:"status"`
	ICCID       string `json:"iccid"`
	ProfileType string `json:"profileType"`
	Hash        string `json:"hash"`
}

// InitKeyEstablishmentRequest asks the SM-DP to open a handshake with
// an eUICC for one ISD-P.
type InitKeyEstablishmentRequest struct {
	EUICCID string `json:"euiccId"`
	ISDPAID string `json:"isdp_aid"`
}

// KeyEstablishmentInit is the SM-DP's opening message: an ephemeral
// public key, a random challenge and a signature over
// publicKey || challenge || isdpAID, plus the certificate the eUICC
// verifies the signature against.
type KeyEstablishmentInit struct {
	Status      string `json:"status"`
	From        string `json:"from"`
	SessionID   string `json:"session_id"`
	ISDPAID     string `json:"isdp_aid"`
	PublicKey   []byte `json:"public_key"`
	Challenge   []byte `json:"random_challenge"`
	Signature   []byte `json:"signature"`
	Certificate []byte `json:"certificate,omitempty"`
}

// KeyEstablishmentResponse is the eUICC's reply: its own ephemeral
// public key and a receipt signed over "receipt_" || challenge.
type KeyEstablishmentResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	PublicKey []byte `json:"public_key"`
	Receipt   []byte `json:"receipt"`
}

// InstallMessage carries a PSK-sealed profile from the SM-DP to the
// eUICC. The SM-SR relays it without being able to open the envelope.
type InstallMessage struct {
	Status        string           `json:"status"`
	From          string           `json:"from"`
	ISDPAID       string           `json:"isdpAid"`
	EncryptedData *psktls.Envelope `json:"encryptedData"`
}

// InstallResult is the eUICC's installation acknowledgment.
type InstallResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	ICCID   string `json:"iccid,omitempty"`
}

// SecureMessage is the wire form of an ES8 exchange: a sealed
// envelope plus the sender ID used to select the verification key.
type SecureMessage struct {
	From          string           `json:"from"`
	EncryptedData *psktls.Envelope `json:"encryptedData"`
}

// ES8 operations carried inside sealed envelopes (see GSMA SGP.02
// Section 5.4).
const (
	ES8OpCreateISDP      = "create_isdp"
	ES8OpEnableProfile   = "enable_profile"
	ES8OpDisableProfile  = "disable_profile"
	ES8OpDownloadSegment = "download_segment"
)

// ES8Command is the plaintext of a sealed ES8 exchange.
type ES8Command struct {
	Operation      string           `json:"operation"`
	ProfileID      string           `json:"profile_id,omitempty"`
	ISDPAID        string           `json:"isdp_id,omitempty"`
	MemoryRequired int              `json:"memory_required,omitempty"`
	Segment        *profile.Segment `json:"segment,omitempty"`
	Timestamp      int64            `json:"timestamp"`
	Requester      string           `json:"requester,omitempty"`
}

// ES8Result is the plaintext ES8 reply, sealed on the way back.
type ES8Result struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Operation string `json:"operation,omitempty"`
	ISDPAID   string `json:"isdp_id,omitempty"`
	Segment   *int   `json:"segment,omitempty"`
}

// SMDPStatus is the SM-DP's status report.
type SMDPStatus struct {
	Status      string `json:"status"`
	Entity      string `json:"entity"`
	Profiles    int    `json:"profiles"`
	KeySessions int    `json:"key_sessions"`
}

// SMSRStatus is the SM-SR's status report.
type SMSRStatus struct {
	Status   string `json:"status"`
	Entity   string `json:"entity"`
	SMSRID   string `json:"sm_sr_id"`
	EUICCs   int    `json:"euiccs"`
	ISDPs    int    `json:"isdps"`
	Profiles int    `json:"profiles"`
}

// EUICCStatus is the eUICC's status report.
type EUICCStatus struct {
	Status            string `json:"status"`
	Entity            string `json:"entity"`
	ID                string `json:"id"`
	HasPSK            bool   `json:"hasPSK"`
	HasKeys           bool   `json:"has_keys"`
	InstalledProfiles int    `json:"installedProfiles"`
	ISDPs             int    `json:"isdps"`
}

// errorMessage maps protocol errors to their wire messages. Errors
// without a fixed wire form pass through as-is.
func errorMessage(err error) string {
	var we *wireError
	switch {
	case errors.As(err, &we):
		return we.message
	case errors.Is(err, ErrInsufficientMemory):
		return "Not enough memory"
	case errors.Is(err, isdp.ErrNotFound):
		return "ISD-P not found"
	case errors.Is(err, ErrProfileNotFound):
		return "Profile not found"
	case errors.Is(err, ErrInvalidSession):
		return "Invalid session ID"
	case errors.Is(err, ErrSessionExpired):
		return "Session expired"
	case errors.Is(err, ErrSignatureVerification):
		return "Invalid signature"
	case errors.Is(err, ErrMACVerification), errors.Is(err, scp03t.ErrMACVerification):
		return "MAC verification failed"
	case errors.Is(err, ErrIntegrityCheck):
		return "Profile integrity check failed"
	case errors.Is(err, ErrPSKNotEstablished):
		return "No PSK established"
	case errors.Is(err, ErrEUICCNotRegistered):
		return "eUICC not registered"
	default:
		return err.Error()
	}
}

// messageError is the inverse of errorMessage for the fixed wire
// messages. Unknown messages map to nil.
func messageError(message string) error {
	switch message {
	case "Not enough memory":
		return ErrInsufficientMemory
	case "ISD-P not found":
		return isdp.ErrNotFound
	case "Profile not found":
		return ErrProfileNotFound
	case "Invalid session ID":
		return ErrInvalidSession
	case "Session expired":
		return ErrSessionExpired
	case "Invalid signature":
		return ErrSignatureVerification
	case "MAC verification failed":
		return ErrMACVerification
	case "Profile integrity check failed":
		return ErrIntegrityCheck
	case "No PSK established":
		return ErrPSKNotEstablished
	case "eUICC not registered":
		return ErrEUICCNotRegistered
	default:
		return nil
	}
}

// marshalError encodes err as the uniform error reply.
func marshalError(err error) []byte {
	data, merr := json.Marshal(ErrorResponse(errorMessage(err)))
	if merr != nil {
		return []byte(`{"status":"error","message":"internal error"}`)
	}
	return data
}

// decodeReply unmarshals a routed JSON reply into out. A reply with
// an error status becomes a RemoteError carrying the peer's message.
func decodeReply(payload []byte, out any) error {
	var probe Response
	if err := json.Unmarshal(payload, &probe); err != nil {
		return fmt.Errorf("rsp: malformed reply: %w", err)
	}
	if probe.Status == StatusError {
		return newRemoteError(probe.Message)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("rsp: malformed reply: %w", err)
		}
	}
	return nil
}
