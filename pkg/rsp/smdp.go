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
	"github.com/seclane/m2mrsp/pkg/profile"
	"github.com/seclane/m2mrsp/pkg/scp03t"
	"github.com/seclane/m2mrsp/pkg/session"
)

// SMDPConfig configures an SM-DP.
type SMDPConfig struct {
	// ID is the SM-DP's entity identifier. Required.
	ID string

	// Router attaches the SM-DP to the message fabric. Required.
	Router *Router

	// SMSR is the SM-SR all eUICC traffic passes through. Required.
	SMSR *SMSR

	// Identity is the SM-DP's long-term key pair and certificate. If
	// nil, a fresh identity is generated for the ID.
	Identity *identity.Identity

	// Verifier validates eUICC certificates when checking key
	// establishment receipts. If nil, an empty Validator is used and
	// every receipt is rejected until anchors are pinned.
	Verifier identity.CertVerifier

	// SessionTTL bounds the lifetime of key establishment sessions.
	// Defaults to session.DefaultTTL.
	SessionTTL time.Duration

	// Metrics records operation timings. If nil, timings are
	// discarded.
	Metrics Recorder

	// LoggerFactory is used to create loggers. If nil, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// SMDP simulates a Subscription Manager - Data Preparation: it builds
// profiles, establishes keys with eUICCs and delivers profiles over
// the secured channel (see GSMA SGP.02 Section 3.1.2). All eUICC
// traffic is relayed by the SM-SR, which cannot open the profile
// envelopes.
//
// Thread Safety: All methods are safe for concurrent use.
type SMDP struct {
	id       string
	router   *Router
	smsr     *SMSR
	identity *identity.Identity
	verifier identity.CertVerifier
	metrics  Recorder
	log      logging.LeveledLogger

	sessions *session.Manager

	mu       sync.RWMutex
	profiles map[string]*profile.Profile // prepared profiles by ICCID
	channels map[string]*secureChannel   // established channels by eUICC ID
}

// NewSMDP creates an SM-DP, registers its endpoints on the router and
// starts the session expiry sweeper. Call Close to release it.
func NewSMDP(config SMDPConfig) (*SMDP, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("rsp: SM-DP ID must not be empty")
	}
	if config.Router == nil {
		return nil, fmt.Errorf("rsp: router must not be nil")
	}
	if config.SMSR == nil {
		return nil, fmt.Errorf("rsp: SM-SR reference must not be nil")
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

	metrics := config.Metrics
	if metrics == nil {
		metrics = NopRecorder{}
	}

	d := &SMDP{
		id:       config.ID,
		router:   config.Router,
		smsr:     config.SMSR,
		identity: id,
		verifier: verifier,
		metrics:  metrics,
		sessions: session.NewManager(session.ManagerConfig{TTL: config.SessionTTL}),
		profiles: make(map[string]*profile.Profile),
		channels: make(map[string]*secureChannel),
	}
	if config.LoggerFactory != nil {
		d.log = config.LoggerFactory.NewLogger("smdp")
	}

	d.sessions.Start()

	config.Router.Handle(d.id, EndpointProfilePrepare, d.handleProfilePrepare)
	config.Router.Handle(d.id, EndpointKeyEstablishmentInit, d.handleKeyEstablishmentInit)
	config.Router.Handle(d.id, EndpointKeyEstablishmentComplete, d.handleKeyEstablishmentComplete)
	config.Router.Handle(d.id, EndpointStatus, d.handleStatus)

	return d, nil
}

// ID returns the SM-DP's entity identifier.
func (d *SMDP) ID() string { return d.id }

// Identity returns the SM-DP's long-term identity.
func (d *SMDP) Identity() *identity.Identity { return d.identity }

// Close stops the session sweeper and wipes all session material.
func (d *SMDP) Close() {
	d.sessions.Stop()
}

// PrepareProfile builds and stores a profile for the given ICCID.
func (d *SMDP) PrepareProfile(iccid, profileType string) (*profile.Profile, error) {
	defer record(d.metrics, "profile_preparation", time.Now())

	prof, err := profile.Prepare(iccid, profileType)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.profiles[iccid] = prof
	d.mu.Unlock()

	if d.log != nil {
		d.log.Infof("prepared %s profile %s", profileType, iccid)
	}
	return prof.Clone(), nil
}

// Profile returns a copy of a prepared profile.
//
// Returns ErrProfileNotFound if no profile exists for the ICCID.
func (d *SMDP) Profile(iccid string) (*profile.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	prof, ok := d.profiles[iccid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, iccid)
	}
	return prof.Clone(), nil
}

// CreateISDP asks the SM-SR to create an ISD-P on an eUICC and
// returns the assigned AID.
func (d *SMDP) CreateISDP(ctx context.Context, euiccID string, memoryRequired int) (string, error) {
	defer record(d.metrics, "isdp_creation", time.Now())

	payload, err := json.Marshal(&CreateISDPRequest{
		EUICCID:        euiccID,
		MemoryRequired: memoryRequired,
	})
	if err != nil {
		return "", fmt.Errorf("rsp: marshal ISD-P request: %w", err)
	}

	reply, err := d.router.Route(ctx, d.smsr.ID(), EndpointCreateISDP, payload)
	if err != nil {
		return "", err
	}

	var resp CreateISDPResponse
	if err := decodeReply(reply, &resp); err != nil {
		return "", err
	}

	if d.log != nil {
		d.log.Infof("ISD-P %s created on eUICC %s", resp.ISDPAID, euiccID)
	}
	return resp.ISDPAID, nil
}

// InitKeyEstablishment opens a handshake for an ISD-P on an eUICC and
// builds the signed opening message. The session is kept until
// CompleteKeyEstablishment or expiry.
func (d *SMDP) InitKeyEstablishment(euiccID, isdpAID string) (*KeyEstablishmentInit, error) {
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return nil, fmt.Errorf("rsp: challenge: %w", err)
	}

	s, err := d.sessions.New(session.Config{
		Role:      session.RoleInitiator,
		EntityID:  d.id,
		PeerID:    euiccID,
		ISDPAID:   isdpAID,
		Challenge: challenge,
	})
	if err != nil {
		return nil, err
	}

	publicKey := s.Ephemeral().P256PublicKey()
	signature, err := d.identity.Sign(keSignedPayload(publicKey, challenge, isdpAID))
	if err != nil {
		d.sessions.Remove(s.ID())
		return nil, fmt.Errorf("rsp: sign init: %w", err)
	}

	if d.log != nil {
		d.log.Debugf("key establishment session %s opened for eUICC %s", s.ID(), euiccID)
	}

	return &KeyEstablishmentInit{
		Status:      StatusOK,
		From:        d.id,
		SessionID:   s.ID(),
		ISDPAID:     isdpAID,
		PublicKey:   publicKey,
		Challenge:   challenge,
		Signature:   signature,
		Certificate: d.identity.CertDER,
	}, nil
}

// CompleteKeyEstablishment verifies the eUICC's response, derives the
// channel keys and hands the refreshed PSK to the SM-SR. The session
// is removed on any failure; a handshake is never resumed after a bad
// response.
//
// Returns ErrInvalidSession for unknown sessions, ErrSessionExpired
// for expired ones, ErrInvalidPublicKey if the eUICC's ephemeral key
// is not a valid P-256 point and ErrSignatureVerification if the
// receipt does not verify against the eUICC's registered certificate.
func (d *SMDP) CompleteKeyEstablishment(resp *KeyEstablishmentResponse) error {
	s, err := d.sessions.Get(resp.SessionID)
	if err != nil {
		return err
	}

	if err := d.completeSession(s, resp); err != nil {
		d.sessions.Remove(s.ID())
		return err
	}
	return nil
}

func (d *SMDP) completeSession(s *session.Session, resp *KeyEstablishmentResponse) error {
	if err := crypto.P256ValidatePublicKey(resp.PublicKey); err != nil {
		return fmt.Errorf("rsp: responder public key: %w", err)
	}

	der, err := d.smsr.EUICCCertificate(s.PeerID())
	if err != nil {
		return err
	}
	cert, err := d.verifier.Validate(der, s.PeerID())
	if err != nil {
		return fmt.Errorf("rsp: eUICC certificate: %w", err)
	}
	certKey, err := identity.CertPublicKey(cert)
	if err != nil {
		return err
	}

	ok, err := crypto.P256Verify(certKey, keReceiptPayload(s.Challenge()), resp.Receipt)
	if err != nil {
		return fmt.Errorf("rsp: receipt: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: receipt from %s", ErrSignatureVerification, s.PeerID())
	}

	ephemeral := s.Ephemeral()
	if ephemeral == nil {
		return fmt.Errorf("%w: session already completed", ErrInvalidSession)
	}
	shared, err := crypto.P256ECDH(ephemeral, resp.PublicKey)
	if err != nil {
		return err
	}
	keys := session.DeriveKeySet(shared)

	channel, err := newSecureChannel(keys, s.Challenge(), s.ID(), d.id, s.PeerID())
	if err != nil {
		return err
	}

	if err := d.sessions.Complete(s.ID(), keys); err != nil {
		return err
	}

	d.mu.Lock()
	d.channels[s.PeerID()] = channel
	d.mu.Unlock()

	if err := d.smsr.ReplacePSK(s.PeerID(), keys.Ku); err != nil {
		return err
	}

	if d.log != nil {
		d.log.Infof("key establishment with eUICC %s completed", s.PeerID())
	}
	return nil
}

// EstablishKeys runs the full handshake with an eUICC, relayed
// through the SM-SR.
func (d *SMDP) EstablishKeys(ctx context.Context, euiccID, isdpAID string) error {
	defer record(d.metrics, "key_establishment", time.Now())

	init, err := d.InitKeyEstablishment(euiccID, isdpAID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(init)
	if err != nil {
		d.sessions.Remove(init.SessionID)
		return fmt.Errorf("rsp: marshal init: %w", err)
	}

	reply, err := d.smsr.RouteMessage(ctx, euiccID, EndpointKeyEstablishmentRespond, payload)
	if err != nil {
		d.sessions.Remove(init.SessionID)
		return err
	}

	var resp KeyEstablishmentResponse
	if err := decodeReply(reply, &resp); err != nil {
		d.sessions.Remove(init.SessionID)
		return err
	}

	return d.CompleteKeyEstablishment(&resp)
}

// buildInstallCommand seals a prepared profile into the SCP03t
// INSTALL command for one ISD-P and marks the profile transmitted.
func (d *SMDP) buildInstallCommand(euiccID, isdpAID, iccid string) ([]byte, *secureChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	channel, ok := d.channels[euiccID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: with %s", ErrPSKNotEstablished, euiccID)
	}
	prof, ok := d.profiles[iccid]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrProfileNotFound, iccid)
	}
	if !prof.Status.CanTransition(profile.StatusTransmitted) {
		return nil, nil, fmt.Errorf("rsp: profile %s: cannot transmit from status %s", iccid, prof.Status)
	}

	wireProfile := prof.Clone()
	wireProfile.Status = profile.StatusTransmitted
	payload, err := json.Marshal(wireProfile)
	if err != nil {
		return nil, nil, fmt.Errorf("rsp: marshal profile: %w", err)
	}

	aid, err := hex.DecodeString(isdpAID)
	if err != nil {
		return nil, nil, fmt.Errorf("rsp: ISD-P AID: %w", err)
	}

	start := time.Now()
	wire, err := scp03t.BuildInstallAPDU(channel.scp, channel.nextCounter(), aid, payload)
	d.metrics.RecordDuration("profile_data_encryption", time.Since(start))
	if err != nil {
		return nil, nil, err
	}

	prof.Status = profile.StatusTransmitted
	return wire, channel, nil
}

// finishDownload records a confirmed installation on both the SM-DP
// ledger and the SM-SR's EIS.
func (d *SMDP) finishDownload(euiccID, isdpAID, iccid string) error {
	d.mu.Lock()
	if prof, ok := d.profiles[iccid]; ok {
		prof.Status = profile.StatusInstalled
	}
	d.mu.Unlock()

	return d.smsr.NotifyProfileInstalled(euiccID, isdpAID, iccid)
}

// DownloadProfile delivers a prepared profile to an eUICC in a single
// sealed install command.
func (d *SMDP) DownloadProfile(ctx context.Context, euiccID, isdpAID, iccid string) error {
	defer record(d.metrics, "profile_download", time.Now())

	wire, channel, err := d.buildInstallCommand(euiccID, isdpAID, iccid)
	if err != nil {
		return err
	}

	env, err := channel.cipher.Seal(wire)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(&InstallMessage{
		Status:        StatusOK,
		From:          d.id,
		ISDPAID:       isdpAID,
		EncryptedData: env,
	})
	if err != nil {
		return fmt.Errorf("rsp: marshal install message: %w", err)
	}

	reply, err := d.smsr.RouteMessage(ctx, euiccID, EndpointProfileInstall, payload)
	if err != nil {
		return err
	}

	var result InstallResult
	if err := decodeReply(reply, &result); err != nil {
		return err
	}

	if d.log != nil {
		d.log.Infof("profile %s installed in ISD-P %s on eUICC %s", iccid, isdpAID, euiccID)
	}
	return d.finishDownload(euiccID, isdpAID, iccid)
}

// DownloadProfileSegmented delivers a prepared profile as a sequence
// of ES8 download_segment commands. A non-positive segment size
// selects profile.DefaultSegmentSize.
func (d *SMDP) DownloadProfileSegmented(ctx context.Context, euiccID, isdpAID, iccid string, segmentSize int) error {
	defer record(d.metrics, "profile_download_segmented", time.Now())

	if segmentSize <= 0 {
		segmentSize = profile.DefaultSegmentSize
	}

	wire, channel, err := d.buildInstallCommand(euiccID, isdpAID, iccid)
	if err != nil {
		return err
	}

	segments, err := profile.Split(wire, segmentSize)
	if err != nil {
		return err
	}

	for i := range segments {
		seg := segments[i]
		cmd := &ES8Command{
			Operation: ES8OpDownloadSegment,
			ISDPAID:   isdpAID,
			Segment:   &seg,
			Timestamp: time.Now().Unix(),
			Requester: d.id,
		}
		if _, err := d.sendES8(ctx, channel, euiccID, cmd); err != nil {
			return fmt.Errorf("rsp: segment %d of %d: %w", seg.Index, seg.Total, err)
		}
	}

	if d.log != nil {
		d.log.Infof("profile %s installed in ISD-P %s on eUICC %s (%d segments)", iccid, isdpAID, euiccID, len(segments))
	}
	return d.finishDownload(euiccID, isdpAID, iccid)
}

// sendES8 seals an ES8 command for an eUICC, relays it through the
// SM-SR and opens the sealed result.
func (d *SMDP) sendES8(ctx context.Context, channel *secureChannel, euiccID string, cmd *ES8Command) (*ES8Result, error) {
	plaintext, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("rsp: marshal ES8 command: %w", err)
	}

	start := time.Now()
	env, err := channel.cipher.Seal(plaintext)
	d.metrics.RecordDuration("es8_data_encryption", time.Since(start))
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&SecureMessage{From: d.id, EncryptedData: env})
	if err != nil {
		return nil, fmt.Errorf("rsp: marshal secure message: %w", err)
	}

	reply, err := d.smsr.RouteMessage(ctx, euiccID, EndpointES8Receive, payload)
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
	data, err := channel.cipher.Open(sealed.EncryptedData)
	d.metrics.RecordDuration("es8_response_decryption", time.Since(start))
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

// Status reports the SM-DP's state.
func (d *SMDP) Status() SMDPStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return SMDPStatus{
		Status:      StatusActive,
		Entity:      "SM-DP",
		Profiles:    len(d.profiles),
		KeySessions: d.sessions.Count(),
	}
}

func (d *SMDP) handleProfilePrepare(ctx context.Context, payload []byte) ([]byte, error) {
	var req PrepareProfileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed prepare request: %w", err)), nil
	}
	prof, err := d.PrepareProfile(req.ICCID, req.ProfileType)
	if err != nil {
		return marshalError(err), nil
	}
	return json.Marshal(&PrepareProfileResponse{
		Status:      StatusOK,
		ICCID:       prof.ICCID,
		ProfileType: prof.Type,
		Hash:        prof.Hash,
	})
}

func (d *SMDP) handleKeyEstablishmentInit(ctx context.Context, payload []byte) ([]byte, error) {
	var req InitKeyEstablishmentRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed init request: %w", err)), nil
	}
	init, err := d.InitKeyEstablishment(req.EUICCID, req.ISDPAID)
	if err != nil {
		return marshalError(err), nil
	}
	return json.Marshal(init)
}

func (d *SMDP) handleKeyEstablishmentComplete(ctx context.Context, payload []byte) ([]byte, error) {
	var resp KeyEstablishmentResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return marshalError(fmt.Errorf("rsp: malformed key establishment response: %w", err)), nil
	}
	if err := d.CompleteKeyEstablishment(&resp); err != nil {
		if d.log != nil {
			d.log.Warnf("key establishment completion failed: %v", err)
		}
		return marshalError(err), nil
	}
	return json.Marshal(&Response{Status: StatusOK})
}

func (d *SMDP) handleStatus(ctx context.Context, payload []byte) ([]byte, error) {
	return json.Marshal(d.Status())
}
