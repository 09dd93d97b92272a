package rsp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/seclane/m2mrsp/pkg/crypto"
	"github.com/seclane/m2mrsp/pkg/isdp"
	"github.com/seclane/m2mrsp/pkg/psktls"
	"github.com/seclane/m2mrsp/pkg/storage"
)

// eisPrefix is the storage key prefix for persisted EIS entries.
const eisPrefix = "eis/"

// eUICC entry statuses as persisted in the EIS store.
const (
	euiccStatusRegistered     = "registered"
	euiccStatusKeyEstablished = "key_established"
)

// euiccRecord is the SM-SR's live entry for one managed eUICC.
type euiccRecord struct {
	eis          *RegisterEUICCRequest
	psk          []byte
	cipher       *psktls.Cipher
	status       string
	registeredAt time.Time
}

// storedEIS is the persisted form of one eUICC's EIS entry, including
// the ISD-P inventory so the SM-SR can rebuild its state on restart.
type storedEIS struct {
	EUICCID      string                `json:"euiccId"`
	EIS          *RegisterEUICCRequest `json:"eis"`
	PSK          []byte                `json:"psk"`
	Status       string                `json:"status"`
	RegisteredAt time.Time             `json:"registeredAt"`
	ISDPs        []*isdp.ISDP          `json:"isdps,omitempty"`
}

// SMSRConfig configures an SM-SR.
type SMSRConfig struct {
	// ID is the SM-SR's entity identifier, reported to eUICCs at
	// registration. Required.
	ID string

	// Router attaches the SM-SR to the message fabric. Required.
	Router *Router

	// Storage persists EIS entries. If nil, an in-memory store is
	// used.
	Storage storage.Storage

	// Metrics records operation timings. If nil, timings are
	// discarded.
	Metrics Recorder

	// LoggerFactory is used to create loggers. If nil, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// SMSR simulates a Subscription Manager - Secure Routing: it manages
// eUICC registrations and their EIS, creates ISD-Ps, relays secured
// payloads between SM-DP and eUICC and drives profile lifecycle over
// ES8 (see GSMA SGP.02 Section 3.1.2).
//
// Thread Safety: All methods are safe for concurrent use.
type SMSR struct {
	id      string
	router  *Router
	store   storage.Storage
	metrics Recorder
	log     logging.LeveledLogger

	registry *isdp.Registry

	mu        sync.RWMutex
	euiccs    map[string]*euiccRecord
	installed int // profiles installed across all managed eUICCs
}

// NewSMSR creates an SM-SR, reloads any persisted EIS entries from
// storage and registers its endpoints on the router.
func NewSMSR(config SMSRConfig) (*SMSR, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("rsp: SM-SR ID must not be empty")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("rsp: router must not be nil")
	}

	store := config.Storage
	if store == nil {
		store = storage.NewMemory()
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = NopRecorder{}
	}

	s := &SMSR{
		id:       config.ID,
		router:   config.Router,
		store:    store,
		metrics:  metrics,
		registry: isdp.NewRegistry(isdp.Config{}),
		euiccs:   make(map[string]*euiccRecord),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("smsr")
	}

	if err := s.restore(); err != nil {
		return nil, err
	}

	config.Router.Handle(s.id, EndpointRegisterEUICC, s.handleRegister)
	config.Router.Handle(s.id, EndpointCreateISDP, s.handleCreateISDP)
	config.Router.Handle(s.id, EndpointStatus, s.handleStatus)

	return s, nil
}

// ID returns the SM-SR's entity identifier.
func (s *SMSR) ID() string { return s.id }

// restore reloads EIS entries persisted by an earlier run.
func (s *SMSR) restore() error {
	keys, err := s.store.List(eisPrefix)
	if err != nil {
		return fmt.Errorf("rsp: list EIS entries: %w", err)
	}

	for _, key := range keys {
		data, err := s.store.Get(key)
		if err != nil {
			return fmt.Errorf("rsp: load %s: %w", key, err)
		}
		var stored storedEIS
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("rsp: decode %s: %w", key, err)
		}

		cipher, err := psktls.NewCipher(stored.PSK)
		if err != nil {
			return fmt.Errorf("rsp: PSK for %s: %w", stored.EUICCID, err)
		}

		s.euiccs[stored.EUICCID] = &euiccRecord{
			eis:          stored.EIS,
			psk:          stored.PSK,
			cipher:       cipher,
			status:       stored.Status,
			registeredAt: stored.RegisteredAt,
		}
		s.registry.DeclareMemory(stored.EUICCID, stored.EIS.RemainingMemory)
		for _, rec := range stored.ISDPs {
			if err := s.registry.Restore(rec); err != nil {
				return fmt.Errorf("rsp: restore ISD-P %s: %w", rec.AID, err)
			}
			if rec.ICCID != "" {
				s.installed++
			}
		}

		if s.log != nil {
			s.log.Infof("restored eUICC %s (%d ISD-Ps)", stored.EUICCID, len(stored.ISDPs))
		}
	}
	return nil
}

// persistEUICC writes an eUICC's current EIS entry and ISD-P
// inventory to storage.
func (s *SMSR) persistEUICC(euiccID string) error {
	s.mu.RLock()
	rec, ok := s.euiccs[euiccID]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}
	stored := storedEIS{
		EUICCID:      euiccID,
		EIS:          rec.eis,
		PSK:          rec.psk,
		Status:       rec.status,
		RegisteredAt: rec.registeredAt,
	}
	s.mu.RUnlock()

	stored.ISDPs = s.registry.List(euiccID)

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("rsp: encode EIS entry: %w", err)
	}
	if err := s.store.Set(eisPrefix+euiccID, data); err != nil {
		return fmt.Errorf("rsp: persist EIS entry: %w", err)
	}
	return nil
}

// RegisterEUICC admits an eUICC under this SM-SR's management and
// issues its registration PSK. The card must declare PSK-TLS support
// in its capabilities; the certificate from the EIS is kept for
// receipt verification during key establishment.
func (s *SMSR) RegisterEUICC(req *RegisterEUICCRequest) (*RegisterEUICCResponse, error) {
	defer record(s.metrics, "euicc_registration", time.Now())

	if req.EUICCID == "" {
		return nil, &wireError{"Missing eUICC ID"}
	}
	if !req.Info.Capabilities.PSKSupport {
		return nil, &wireError{"eUICC does not support PSK-TLS"}
	}

	psk, err := crypto.Nonce(psktls.PSKSizeAES128)
	if err != nil {
		return nil, fmt.Errorf("rsp: registration PSK: %w", err)
	}
	cipher, err := psktls.NewCipher(psk)
	if err != nil {
		return nil, err
	}

	memory := req.RemainingMemory
	if memory <= 0 {
		memory = DefaultEUICCMemory
	}

	eis := *req
	eis.RemainingMemory = memory

	s.mu.Lock()
	s.euiccs[req.EUICCID] = &euiccRecord{
		eis:          &eis,
		psk:          psk,
		cipher:       cipher,
		status:       euiccStatusRegistered,
		registeredAt: time.Now(),
	}
	s.mu.Unlock()

	s.registry.DeclareMemory(req.EUICCID, memory)

	if err := s.persistEUICC(req.EUICCID); err != nil {
		return nil, err
	}

	if s.log != nil {
		s.log.Infof("registered eUICC %s (%d memory units)", req.EUICCID, memory)
	}

	return &RegisterEUICCResponse{
		Status: StatusOK,
		PSK:    psk,
		SMSRID: s.id,
	}, nil
}

// EUICCCertificate returns the certificate an eUICC presented in its
// EIS at registration.
func (s *SMSR) EUICCCertificate(euiccID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.euiccs[euiccID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}
	if len(rec.eis.Certificate) == 0 {
		return nil, fmt.Errorf("rsp: no certificate registered for %s", euiccID)
	}
	return rec.eis.Certificate, nil
}

// EIS returns a copy of the registered EIS for an eUICC.
func (s *SMSR) EIS(euiccID string) (*RegisterEUICCRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.euiccs[euiccID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}
	eis := *rec.eis
	return &eis, nil
}

// ISDPs lists the ISD-P inventory the SM-SR tracks for an eUICC.
func (s *SMSR) ISDPs(euiccID string) []*isdp.ISDP {
	return s.registry.List(euiccID)
}

// CreateISDP creates an ISD-P on a managed eUICC: it reserves the
// memory, assigns the AID and instructs the card over ES8. The
// reservation is rolled back if the card refuses.
//
// Returns ErrEUICCNotRegistered for unknown cards and
// ErrInsufficientMemory when the card's budget cannot hold the
// container.
func (s *SMSR) CreateISDP(ctx context.Context, euiccID string, memoryRequired int) (*CreateISDPResponse, error) {
	defer record(s.metrics, "isdp_creation_process", time.Now())

	s.mu.RLock()
	_, ok := s.euiccs[euiccID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}

	created, err := s.registry.Create(euiccID, memoryRequired)
	if err != nil {
		return nil, err
	}

	cmd := &ES8Command{
		Operation:      ES8OpCreateISDP,
		ISDPAID:        created.AID,
		MemoryRequired: created.Memory,
		Timestamp:      time.Now().Unix(),
		Requester:      s.id,
	}
	if _, err := s.sendES8(ctx, euiccID, cmd); err != nil {
		if derr := s.registry.Delete(created.AID); derr != nil && s.log != nil {
			s.log.Errorf("rollback of ISD-P %s failed: %v", created.AID, derr)
		}
		return nil, err
	}

	if err := s.persistEUICC(euiccID); err != nil {
		return nil, err
	}

	if s.log != nil {
		s.log.Infof("ISD-P %s created on eUICC %s (%d units)", created.AID, euiccID, created.Memory)
	}

	return &CreateISDPResponse{
		Status:  StatusOK,
		ISDPAID: created.AID,
		EUICCID: euiccID,
	}, nil
}

// RouteMessage relays a payload to a managed eUICC without opening
// it. Secured traffic between SM-DP and eUICC passes through here.
//
// Returns ErrEUICCNotRegistered if the card is not under management.
func (s *SMSR) RouteMessage(ctx context.Context, euiccID, endpoint string, payload []byte) ([]byte, error) {
	defer record(s.metrics, "message_relay", time.Now())

	s.mu.RLock()
	_, ok := s.euiccs[euiccID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}

	if s.log != nil {
		s.log.Debugf("relaying %s to eUICC %s", endpoint, euiccID)
	}
	return s.router.Route(ctx, euiccID, endpoint, payload)
}

// ReplacePSK installs a new PSK for the ES5 channel to an eUICC. The
// SM-DP hands over the refreshed key after key establishment; the
// card derives the same key on its side.
func (s *SMSR) ReplacePSK(euiccID string, psk []byte) error {
	cipher, err := psktls.NewCipher(psk)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rec, ok := s.euiccs[euiccID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}
	rec.psk = append([]byte(nil), psk...)
	rec.cipher = cipher
	rec.status = euiccStatusKeyEstablished
	s.mu.Unlock()

	if s.log != nil {
		s.log.Debugf("PSK for eUICC %s replaced", euiccID)
	}
	return s.persistEUICC(euiccID)
}

// NotifyProfileInstalled records a confirmed profile installation:
// the tracked ISD-P moves to INSTALLED with the profile bound.
func (s *SMSR) NotifyProfileInstalled(euiccID, isdpAID, iccid string) error {
	s.mu.RLock()
	_, ok := s.euiccs[euiccID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}

	if err := s.registry.Install(isdpAID, iccid); err != nil {
		return err
	}

	s.mu.Lock()
	s.installed++
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infof("profile %s installed in ISD-P %s on eUICC %s", iccid, isdpAID, euiccID)
	}
	return s.persistEUICC(euiccID)
}

// EnableProfile enables an installed profile over ES8.
//
// Returns ErrProfileNotFound if no tracked ISD-P holds the profile.
func (s *SMSR) EnableProfile(ctx context.Context, iccid string) error {
	defer record(s.metrics, "profile_enabling", time.Now())
	return s.setProfileState(ctx, iccid, ES8OpEnableProfile)
}

// DisableProfile disables an enabled profile over ES8.
//
// Returns ErrProfileNotFound if no tracked ISD-P holds the profile.
func (s *SMSR) DisableProfile(ctx context.Context, iccid string) error {
	defer record(s.metrics, "profile_disabling", time.Now())
	return s.setProfileState(ctx, iccid, ES8OpDisableProfile)
}

func (s *SMSR) setProfileState(ctx context.Context, iccid, operation string) error {
	rec, err := s.registry.FindByICCID(iccid)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, iccid)
	}

	cmd := &ES8Command{
		Operation: operation,
		ProfileID: iccid,
		ISDPAID:   rec.AID,
		Timestamp: time.Now().Unix(),
		Requester: s.id,
	}
	if _, err := s.sendES8(ctx, rec.EUICCID, cmd); err != nil {
		return err
	}

	switch operation {
	case ES8OpEnableProfile:
		err = s.registry.Enable(rec.AID)
	case ES8OpDisableProfile:
		err = s.registry.Disable(rec.AID)
	}
	if err != nil {
		return err
	}

	if s.log != nil {
		s.log.Infof("%s for profile %s on eUICC %s", operation, iccid, rec.EUICCID)
	}
	return s.persistEUICC(rec.EUICCID)
}

// sendES8 seals an ES8 command with the eUICC's channel PSK, delivers
// it and opens the sealed result.
func (s *SMSR) sendES8(ctx context.Context, euiccID string, cmd *ES8Command) (*ES8Result, error) {
	s.mu.RLock()
	rec, ok := s.euiccs[euiccID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEUICCNotRegistered, euiccID)
	}
	cipher := rec.cipher

	plaintext, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("rsp: marshal ES8 command: %w", err)
	}

	start := time.Now()
	env, err := cipher.Seal(plaintext)
	s.metrics.RecordDuration("es8_data_encryption", time.Since(start))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&SecureMessage{From: s.id, EncryptedData: env})
	if err != nil {
		return nil, fmt.Errorf("rsp: marshal secure message: %w", err)
	}

	reply, err := s.router.Route(ctx, euiccID, EndpointES8Receive, payload)
	if err != nil {
		return nil, err
	}

	var sealed SecureMessage
	if err := decodeReply(reply, &sealed); err != nil {
		return nil, err
	}
	if sealed.EncryptedData == nil {
		return nil, fmt.Errorf("rsp: ES8 reply without payload")
	}

	start = time.Now()
	data, err := cipher.Open(sealed.EncryptedData)
	s.metrics.RecordDuration("es8_response_decryption", time.Since(start))
	if err != nil {
		return nil, err
	}

	var result ES8Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("rsp: malformed ES8 result: %w", err)
	}
	if result.Status == StatusError {
		return nil, newRemoteError(result.Message)
	}
	return &result, nil
}

// Status reports the SM-SR's state.
func (s *SMSR) Status() SMSRStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	isdps := 0
	for euiccID := range s.euiccs {
		isdps += s.registry.Count(euiccID)
	}

	return SMSRStatus{
		Status:   StatusActive,
		Entity:   "SM-SR",
		SMSRID:   s.id,
		EUICCs:   len(s.euiccs),
		ISDPs:    isdps,
		Profiles: s.installed,
	}
}

func (s *SMSR) handleRegister(ctx context.Context, payload []byte) ([]byte, error) {
	var req RegisterEUICCRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed registration: %w", err)), nil
	}
	resp, err := s.RegisterEUICC(&req)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("registration rejected: %v", err)
		}
		return marshalError(err), nil
	}
	return json.Marshal(resp)
}

func (s *SMSR) handleCreateISDP(ctx context.Context, payload []byte) ([]byte, error) {
	var req CreateISDPRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed ISD-P request: %w", err)), nil
	}
	resp, err := s.CreateISDP(ctx, req.EUICCID, req.MemoryRequired)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("ISD-P creation failed: %v", err)
		}
		return marshalError(err), nil
	}
	return json.Marshal(resp)
}

func (s *SMSR) handleStatus(ctx context.Context, payload []byte) ([]byte, error) {
	return json.Marshal(s.Status())
}
