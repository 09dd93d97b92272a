package rsp

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/seclane/m2mrsp/pkg/crypto"
	"github.com/seclane/m2mrsp/pkg/identity"
	"github.com/seclane/m2mrsp/pkg/isdp"
	"github.com/seclane/m2mrsp/pkg/profile"
	"github.com/seclane/m2mrsp/pkg/psktls"
	"github.com/seclane/m2mrsp/pkg/scp03t"
	"github.com/seclane/m2mrsp/pkg/session"
)

// DefaultEUICCMemory is the card's non-volatile memory budget in
// units when the configuration does not set one.
const DefaultEUICCMemory = 1024

// defaultKeysetRef names the SCP03 keyset bound to an ISD-P after key
// establishment.
const defaultKeysetRef = "scp03-01"

// InstalledProfile is a profile the card holds, with its installation
// time. The profile's own Status field tracks enabled and disabled.
type InstalledProfile struct {
	Profile     *profile.Profile
	InstalledAt time.Time
}

// EUICCConfig configures an eUICC.
type EUICCConfig struct {
	// ID is the card's eUICC identifier (decimal digits). Required.
	ID string

	// Router attaches the card to the message fabric. Required.
	Router *Router

	// Identity is the card's long-term key pair and certificate. If
	// nil, a fresh identity is generated for the ID.
	Identity *identity.Identity

	// Verifier validates certificates presented during key
	// establishment. If nil, an empty Validator is used and every
	// peer certificate is rejected until anchors are pinned.
	Verifier identity.CertVerifier

	// Memory is the card's non-volatile memory budget in units.
	// Defaults to DefaultEUICCMemory.
	Memory int

	// Metrics records operation timings. If nil, timings are
	// discarded.
	Metrics Recorder

	// LoggerFactory is used to create loggers. If nil, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// EUICC simulates an embedded UICC: it registers with an SM-SR,
// hosts ISD-P containers, responds to key establishment and installs
// PSK-protected profiles (see GSMA SGP.02 Section 3.1).
//
// Thread Safety: All methods are safe for concurrent use.
type EUICC struct {
	id       string
	router   *Router
	identity *identity.Identity
	verifier identity.CertVerifier
	metrics  Recorder
	log      logging.LeveledLogger

	registry *isdp.Registry

	mu       sync.RWMutex
	smsrID   string
	peers    map[string]*psktls.Cipher    // PSK channels by peer entity ID
	channels map[string]*secureChannel    // established channels by SM-DP ID
	profiles map[string]*InstalledProfile // installed profiles by ICCID
	pending  map[string][]profile.Segment // partial downloads by ISD-P AID
}

// NewEUICC creates an eUICC and registers its endpoints on the
// router. The card is not yet known to any SM-SR; call Register.
func NewEUICC(config EUICCConfig) (*EUICC, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("rsp: eUICC ID must not be empty")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("rsp: router must not be nil")
	}

	id := config.Identity
	if id == nil {
		var err error
		id, err = identity.NewIdentity(config.ID)
		if err != nil {
			return nil, err
		}
	}

	verifier := config.Verifier
	if verifier == nil {
		verifier = identity.NewValidator()
	}

	memory := config.Memory
	if memory <= 0 {
		memory = DefaultEUICCMemory
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = NopRecorder{}
	}

	e := &EUICC{
		id:       config.ID,
		router:   config.Router,
		identity: id,
		verifier: verifier,
		metrics:  metrics,
		registry: isdp.NewRegistry(isdp.Config{}),
		peers:    make(map[string]*psktls.Cipher),
		channels: make(map[string]*secureChannel),
		profiles: make(map[string]*InstalledProfile),
		pending:  make(map[string][]profile.Segment),
	}
	if config.LoggerFactory != nil {
		e.log = config.LoggerFactory.NewLogger("euicc")
	}

	e.registry.DeclareMemory(e.id, memory)

	config.Router.Handle(e.id, EndpointKeyEstablishmentRespond, e.handleKeyEstablishment)
	config.Router.Handle(e.id, EndpointProfileInstall, e.handleInstall)
	config.Router.Handle(e.id, EndpointES8Receive, e.handleES8)
	config.Router.Handle(e.id, EndpointStatus, e.handleStatus)

	return e, nil
}

// ID returns the eUICC identifier.
func (e *EUICC) ID() string { return e.id }

// Identity returns the card's long-term identity.
func (e *EUICC) Identity() *identity.Identity { return e.identity }

// EIS builds the card's eUICC Information Set as submitted at
// registration (see GSMA SGP.02 Section 4.2).
func (e *EUICC) EIS() *RegisterEUICCRequest {
	return &RegisterEUICCRequest{
		EUICCID: e.id,
		Info: EUICCInfo1{
			SVN:    "2.1.0",
			CIPKID: "id12345",
			Capabilities: EUICCCapabilities{
				SupportedAlgorithms: []string{"ECKA-ECDH", "AES-128", "HMAC-SHA-256"},
				SecureDomainSupport: true,
				PSKSupport:          true,
			},
		},
		EID:             "89" + e.id,
		RemainingMemory: e.registry.FreeMemory(e.id),
		Certificate:     e.identity.CertDER,
	}
}

// Register submits the card's EIS to the SM-SR and stores the
// registration PSK it returns. The PSK protects ES5 traffic until key
// establishment upgrades the channel.
func (e *EUICC) Register(ctx context.Context, smsrID string) error {
	defer record(e.metrics, "euicc_registration", time.Now())

	payload, err := json.Marshal(e.EIS())
	if err != nil {
		return fmt.Errorf("rsp: marshal EIS: %w", err)
	}

	reply, err := e.router.Route(ctx, smsrID, EndpointRegisterEUICC, payload)
	if err != nil {
		return err
	}

	var resp RegisterEUICCResponse
	if err := decodeReply(reply, &resp); err != nil {
		return err
	}

	cipher, err := psktls.NewCipher(resp.PSK)
	if err != nil {
		return fmt.Errorf("rsp: registration PSK: %w", err)
	}

	e.mu.Lock()
	e.smsrID = resp.SMSRID
	e.peers[resp.SMSRID] = cipher
	e.mu.Unlock()

	if e.log != nil {
		e.log.Infof("registered with SM-SR %s", resp.SMSRID)
	}
	return nil
}

// RespondKeyEstablishment verifies the SM-DP's opening message and
// derives the shared channel keys. On success the card holds the
// end-to-end cipher and SCP03t session keys for the initiator and a
// refreshed PSK for the SM-SR, and returns its ephemeral public key
// with a signed receipt.
//
// Returns ErrInvalidPublicKey if the initiator's ephemeral key is not
// a valid P-256 point, ErrSignatureVerification if the init signature
// does not verify against the presented certificate.
func (e *EUICC) RespondKeyEstablishment(init *KeyEstablishmentInit) (*KeyEstablishmentResponse, error) {
	defer record(e.metrics, "key_establishment_response", time.Now())

	if init.From == "" || init.SessionID == "" {
		return nil, fmt.Errorf("%w: missing session or sender", ErrInvalidSession)
	}
	if err := crypto.P256ValidatePublicKey(init.PublicKey); err != nil {
		return nil, fmt.Errorf("rsp: initiator public key: %w", err)
	}

	cert, err := e.verifier.Validate(init.Certificate, init.From)
	if err != nil {
		return nil, fmt.Errorf("rsp: initiator certificate: %w", err)
	}
	certKey, err := identity.CertPublicKey(cert)
	if err != nil {
		return nil, err
	}

	ok, err := crypto.P256Verify(certKey, keSignedPayload(init.PublicKey, init.Challenge, init.ISDPAID), init.Signature)
	if err != nil {
		return nil, fmt.Errorf("rsp: init signature: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: key establishment init from %s", ErrSignatureVerification, init.From)
	}

	ephemeral, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("rsp: ephemeral key pair: %w", err)
	}
	shared, err := crypto.P256ECDH(ephemeral, init.PublicKey)
	if err != nil {
		return nil, err
	}
	keys := session.DeriveKeySet(shared)

	channel, err := newSecureChannel(keys, init.Challenge, init.SessionID, init.From, e.id)
	if err != nil {
		return nil, err
	}

	// Ku refreshes the SM-SR channel; the SM-SR learns the same key
	// from the SM-DP once the handshake completes.
	smsrCipher, err := psktls.NewCipher(keys.Ku)
	if err != nil {
		return nil, err
	}

	receipt, err := e.identity.Sign(keReceiptPayload(init.Challenge))
	if err != nil {
		return nil, fmt.Errorf("rsp: sign receipt: %w", err)
	}

	e.mu.Lock()
	e.channels[init.From] = channel
	e.peers[init.From] = channel.cipher
	if e.smsrID != "" {
		e.peers[e.smsrID] = smsrCipher
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.Debugf("key establishment with %s completed, session %s", init.From, init.SessionID)
	}

	return &KeyEstablishmentResponse{
		Status:    StatusOK,
		SessionID: init.SessionID,
		PublicKey: ephemeral.P256PublicKey(),
		Receipt:   receipt,
	}, nil
}

// installProfile opens a sealed install command and loads the profile
// into the addressed ISD-P.
func (e *EUICC) installProfile(from, isdpAID string, env *psktls.Envelope) (*InstallResult, error) {
	e.mu.RLock()
	channel, ok := e.channels[from]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: with %s", ErrPSKNotEstablished, from)
	}

	start := time.Now()
	wire, err := channel.cipher.Open(env)
	e.metrics.RecordDuration("profile_data_decryption", time.Since(start))
	if err != nil {
		return nil, err
	}

	return e.loadProfile(channel, isdpAID, wire)
}

// loadProfile opens the SCP03t INSTALL command and completes
// installation: integrity check, ISD-P state transition, keyset
// binding and profile storage.
func (e *EUICC) loadProfile(channel *secureChannel, isdpAID string, wire []byte) (*InstallResult, error) {
	defer record(e.metrics, "profile_installation", time.Now())

	aid, err := hex.DecodeString(isdpAID)
	if err != nil {
		return nil, fmt.Errorf("rsp: ISD-P AID: %w", err)
	}

	e.mu.Lock()
	counter := channel.nextCounter()
	e.mu.Unlock()

	payload, err := scp03t.OpenInstallAPDU(channel.scp, counter, aid, wire)
	if err != nil {
		return nil, err
	}

	var prof profile.Profile
	if err := json.Unmarshal(payload, &prof); err != nil {
		return nil, fmt.Errorf("rsp: malformed profile payload: %w", err)
	}
	if err := prof.Verify(); err != nil {
		return nil, err
	}
	if !prof.Status.CanTransition(profile.StatusInstalled) {
		return nil, fmt.Errorf("rsp: profile %s arrived in status %s", prof.ICCID, prof.Status)
	}

	if err := e.registry.Install(isdpAID, prof.ICCID); err != nil {
		return nil, err
	}
	if err := e.registry.BindKeyset(isdpAID, defaultKeysetRef); err != nil {
		return nil, err
	}

	prof.Status = profile.StatusInstalled
	e.mu.Lock()
	e.profiles[prof.ICCID] = &InstalledProfile{
		Profile:     &prof,
		InstalledAt: time.Now(),
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.Infof("installed profile %s in ISD-P %s", prof.ICCID, isdpAID)
	}

	return &InstallResult{Status: StatusOK, ICCID: prof.ICCID}, nil
}

// executeES8 runs one ES8 command against the card.
func (e *EUICC) executeES8(from string, cmd *ES8Command) (*ES8Result, error) {
	switch cmd.Operation {
	case ES8OpCreateISDP:
		if cmd.ISDPAID == "" {
			return nil, fmt.Errorf("rsp: create_isdp without AID")
		}
		if e.registry.FreeMemory(e.id) < cmd.MemoryRequired {
			return nil, ErrInsufficientMemory
		}
		rec := &isdp.ISDP{
			AID:       cmd.ISDPAID,
			EUICCID:   e.id,
			Memory:    cmd.MemoryRequired,
			State:     isdp.StateCreated,
			CreatedAt: time.Now(),
		}
		if err := e.registry.Restore(rec); err != nil {
			return nil, err
		}
		if e.log != nil {
			e.log.Debugf("created ISD-P %s (%d units)", cmd.ISDPAID, cmd.MemoryRequired)
		}
		return &ES8Result{Status: StatusOK, Operation: cmd.Operation, ISDPAID: cmd.ISDPAID}, nil

	case ES8OpEnableProfile:
		if err := e.setProfileState(cmd.ProfileID, profile.StatusEnabled); err != nil {
			return nil, err
		}
		return &ES8Result{Status: StatusOK, Operation: cmd.Operation}, nil

	case ES8OpDisableProfile:
		if err := e.setProfileState(cmd.ProfileID, profile.StatusDisabled); err != nil {
			return nil, err
		}
		return &ES8Result{Status: StatusOK, Operation: cmd.Operation}, nil

	case ES8OpDownloadSegment:
		return e.acceptSegment(from, cmd)

	default:
		return nil, fmt.Errorf("rsp: unsupported operation: %s", cmd.Operation)
	}
}

// setProfileState moves an installed profile and its ISD-P between
// enabled and disabled.
func (e *EUICC) setProfileState(iccid string, target profile.Status) error {
	if iccid == "" {
		return fmt.Errorf("rsp: missing profile ID")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.profiles[iccid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, iccid)
	}
	if !p.Profile.Status.CanTransition(target) {
		return fmt.Errorf("rsp: profile %s: cannot move from %s to %s", iccid, p.Profile.Status, target)
	}

	rec, err := e.registry.FindByICCID(iccid)
	if err != nil {
		return err
	}
	switch target {
	case profile.StatusEnabled:
		err = e.registry.Enable(rec.AID)
	case profile.StatusDisabled:
		err = e.registry.Disable(rec.AID)
	default:
		err = fmt.Errorf("rsp: unsupported profile state %s", target)
	}
	if err != nil {
		return err
	}

	p.Profile.Status = target
	if e.log != nil {
		e.log.Infof("profile %s is now %s", iccid, target)
	}
	return nil
}

// acceptSegment stores one segment of a segmented download. The final
// segment moves the ISD-P to UPLOADED, reassembles the install
// command and completes installation.
func (e *EUICC) acceptSegment(from string, cmd *ES8Command) (*ES8Result, error) {
	if cmd.ISDPAID == "" || cmd.Segment == nil {
		return nil, fmt.Errorf("rsp: download_segment without AID or segment")
	}
	seg := *cmd.Segment
	if seg.Index < 0 || seg.Total <= 0 || seg.Index >= seg.Total {
		return nil, fmt.Errorf("%w: segment %d of %d", profile.ErrSegmentSequence, seg.Index, seg.Total)
	}

	e.mu.Lock()
	channel, ok := e.channels[from]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: with %s", ErrPSKNotEstablished, from)
	}
	got := len(e.pending[cmd.ISDPAID])
	if seg.Index != got {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: got segment %d, want %d", profile.ErrSegmentSequence, seg.Index, got)
	}
	e.pending[cmd.ISDPAID] = append(e.pending[cmd.ISDPAID], seg)
	last := seg.Index == seg.Total-1
	segments := e.pending[cmd.ISDPAID]
	if last {
		delete(e.pending, cmd.ISDPAID)
	}
	e.mu.Unlock()

	index := seg.Index
	if !last {
		return &ES8Result{Status: StatusOK, Operation: cmd.Operation, ISDPAID: cmd.ISDPAID, Segment: &index}, nil
	}

	wire, err := profile.Reassemble(segments)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Upload(cmd.ISDPAID); err != nil {
		return nil, err
	}
	result, err := e.loadProfile(channel, cmd.ISDPAID, wire)
	if err != nil {
		return nil, err
	}

	return &ES8Result{
		Status:    StatusOK,
		Operation: cmd.Operation,
		Message:   result.ICCID,
		ISDPAID:   cmd.ISDPAID,
		Segment:   &index,
	}, nil
}

// Status reports the card's state.
func (e *EUICC) Status() EUICCStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return EUICCStatus{
		Status:            StatusActive,
		Entity:            "eUICC",
		ID:                e.id,
		HasPSK:            len(e.peers) > 0,
		HasKeys:           len(e.channels) > 0,
		InstalledProfiles: len(e.profiles),
		ISDPs:             e.registry.Count(e.id),
	}
}

// Profile returns a copy of an installed profile.
func (e *EUICC) Profile(iccid string) (*InstalledProfile, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, ok := e.profiles[iccid]
	if !ok {
		return nil, false
	}
	return &InstalledProfile{
		Profile:     p.Profile.Clone(),
		InstalledAt: p.InstalledAt,
	}, true
}

// ISDPState returns the state of one of the card's ISD-P containers.
//
// Returns isdp.ErrNotFound if no container has that AID.
func (e *EUICC) ISDPState(aid string) (isdp.State, error) {
	rec, err := e.registry.Get(aid)
	if err != nil {
		return isdp.StateUnknown, err
	}
	return rec.State, nil
}

func (e *EUICC) handleKeyEstablishment(ctx context.Context, payload []byte) ([]byte, error) {
	var init KeyEstablishmentInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed key establishment init: %w", err)), nil
	}
	resp, err := e.RespondKeyEstablishment(&init)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("key establishment rejected: %v", err)
		}
		return marshalError(err), nil
	}
	return json.Marshal(resp)
}

func (e *EUICC) handleInstall(ctx context.Context, payload []byte) ([]byte, error) {
	var msg InstallMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed install message: %w", err)), nil
	}
	if msg.EncryptedData == nil {
		return marshalError(fmt.Errorf("rsp: install message without payload")), nil
	}
	result, err := e.installProfile(msg.From, msg.ISDPAID, msg.EncryptedData)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("profile installation failed: %v", err)
		}
		return marshalError(err), nil
	}
	return json.Marshal(result)
}

// handleES8 unseals an ES8 command, executes it and seals the result
// with the same channel. Only unsealing failures are answered in the
// clear; everything after that stays inside the channel.
func (e *EUICC) handleES8(ctx context.Context, payload []byte) ([]byte, error) {
	var msg SecureMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed secure message: %w", err)), nil
	}

	e.mu.RLock()
	cipher, ok := e.peers[msg.From]
	e.mu.RUnlock()
	if !ok || msg.EncryptedData == nil {
		return marshalError(fmt.Errorf("%w: with %s", ErrPSKNotEstablished, msg.From)), nil
	}

	start := time.Now()
	plaintext, err := cipher.Open(msg.EncryptedData)
	e.metrics.RecordDuration("es8_data_decryption", time.Since(start))
	if err != nil {
		return marshalError(err), nil
	}

	var cmd ES8Command
	if err := json.Unmarshal(plaintext, &cmd); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed ES8 command: %w", err)), nil
	}

	result, err := e.executeES8(msg.From, &cmd)
	if err != nil {
		if e.log != nil {
			e.log.Warnf("ES8 %s failed: %v", cmd.Operation, err)
		}
		result = &ES8Result{Status: StatusError, Message: errorMessage(err), Operation: cmd.Operation}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return marshalError(err), nil
	}
	start = time.Now()
	env, err := cipher.Seal(data)
	e.metrics.RecordDuration("es8_data_encryption", time.Since(start))
	if err != nil {
		return marshalError(err), nil
	}
	return json.Marshal(&SecureMessage{From: e.id, EncryptedData: env})
}

func (e *EUICC) handleStatus(ctx context.Context, payload []byte) ([]byte, error) {
	return json.Marshal(e.Status())
}
