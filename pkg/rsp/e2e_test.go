package rsp

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/seclane/m2mrsp/pkg/identity"
	"github.com/seclane/m2mrsp/pkg/isdp"
	"github.com/seclane/m2mrsp/pkg/profile"
	"github.com/seclane/m2mrsp/pkg/psktls"
	"github.com/seclane/m2mrsp/pkg/storage"
)

const (
	testEUICCID = "89012345678901234567"
	testICCID   = "8901234567890123456"
	testSMSRID  = "sm-sr-01"
	testSMDPID  = "sm-dp-01"
)

var testAIDPattern = regexp.MustCompile(`^A0000005591010[0-9A-F]{8}$`)

type testBed struct {
	router *Router
	smsr   *SMSR
	smdp   *SMDP
	euicc  *EUICC
	orch   *Orchestrator
}

// newTestBed wires a router, SM-SR, SM-DP and eUICC with mutually
// pinned certificates. The eUICC is not yet registered.
func newTestBed(tb testing.TB) *testBed {
	tb.Helper()
	return newTestBedStorage(tb, storage.NewMemory())
}

func newTestBedStorage(tb testing.TB, store storage.Storage) *testBed {
	tb.Helper()

	router := NewRouter()

	smsr, err := NewSMSR(SMSRConfig{ID: testSMSRID, Router: router, Storage: store})
	if err != nil {
		tb.Fatalf("NewSMSR failed: %v", err)
	}

	euiccIdentity, err := identity.NewIdentity(testEUICCID)
	if err != nil {
		tb.Fatalf("eUICC identity: %v", err)
	}
	smdpIdentity, err := identity.NewIdentity(testSMDPID)
	if err != nil {
		tb.Fatalf("SM-DP identity: %v", err)
	}

	euiccVerifier := identity.NewValidator()
	euiccVerifier.TrustIdentity(smdpIdentity)
	smdpVerifier := identity.NewValidator()
	smdpVerifier.TrustIdentity(euiccIdentity)

	smdp, err := NewSMDP(SMDPConfig{
		ID:       testSMDPID,
		Router:   router,
		SMSR:     smsr,
		Identity: smdpIdentity,
		Verifier: smdpVerifier,
	})
	if err != nil {
		tb.Fatalf("NewSMDP failed: %v", err)
	}
	tb.Cleanup(smdp.Close)

	euicc, err := NewEUICC(EUICCConfig{
		ID:       testEUICCID,
		Router:   router,
		Identity: euiccIdentity,
		Verifier: euiccVerifier,
	})
	if err != nil {
		tb.Fatalf("NewEUICC failed: %v", err)
	}

	orch, err := NewOrchestrator(OrchestratorConfig{SMDP: smdp, SMSR: smsr})
	if err != nil {
		tb.Fatalf("NewOrchestrator failed: %v", err)
	}

	return &testBed{router: router, smsr: smsr, smdp: smdp, euicc: euicc, orch: orch}
}

func (bed *testBed) register(tb testing.TB) {
	tb.Helper()
	if err := bed.euicc.Register(context.Background(), testSMSRID); err != nil {
		tb.Fatalf("Register failed: %v", err)
	}
}

func TestProvisionEndToEnd(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	if got := bed.smsr.Status().EUICCs; got != 1 {
		t.Fatalf("expected 1 registered eUICC, got %d", got)
	}

	result, err := bed.orch.Provision(ctx, ProvisionRequest{
		EUICCID:        testEUICCID,
		ICCID:          testICCID,
		MemoryRequired: 256,
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	wantPhases := []string{PhaseISDPCreation, PhaseKeyEstablishment, PhaseProfileDownload, PhaseProfileEnable}
	if len(result.Phases) != len(wantPhases) {
		t.Fatalf("expected %d phases, got %d", len(wantPhases), len(result.Phases))
	}
	for i, want := range wantPhases {
		if result.Phases[i].Phase != want {
			t.Errorf("phase %d: expected %s, got %s", i, want, result.Phases[i].Phase)
		}
	}

	if !testAIDPattern.MatchString(result.ISDPAID) {
		t.Errorf("ISD-P AID %q does not match the expected pattern", result.ISDPAID)
	}

	installed, ok := bed.euicc.Profile(testICCID)
	if !ok {
		t.Fatal("profile not installed on the eUICC")
	}
	if installed.Profile.Status != profile.StatusEnabled {
		t.Errorf("expected enabled profile, got %s", installed.Profile.Status)
	}
	if installed.Profile.SIM.IMSI != "001123456789012" {
		t.Errorf("unexpected IMSI %q", installed.Profile.SIM.IMSI)
	}
	if err := installed.Profile.Verify(); err != nil {
		t.Errorf("installed profile failed integrity check: %v", err)
	}

	state, err := bed.euicc.ISDPState(result.ISDPAID)
	if err != nil {
		t.Fatalf("ISDPState failed: %v", err)
	}
	if state != isdp.StateEnabled {
		t.Errorf("expected ISD-P ENABLED, got %s", state)
	}

	euiccStatus := bed.euicc.Status()
	if !euiccStatus.HasPSK || !euiccStatus.HasKeys {
		t.Errorf("eUICC status missing keys: %+v", euiccStatus)
	}
	if euiccStatus.InstalledProfiles != 1 || euiccStatus.ISDPs != 1 {
		t.Errorf("eUICC counts wrong: %+v", euiccStatus)
	}

	smsrStatus := bed.smsr.Status()
	if smsrStatus.ISDPs != 1 || smsrStatus.Profiles != 1 {
		t.Errorf("SM-SR counts wrong: %+v", smsrStatus)
	}

	smdpStatus := bed.smdp.Status()
	if smdpStatus.Profiles != 1 || smdpStatus.KeySessions != 1 {
		t.Errorf("SM-DP counts wrong: %+v", smdpStatus)
	}

	tracked := bed.smsr.ISDPs(testEUICCID)
	if len(tracked) != 1 {
		t.Fatalf("SM-SR tracks %d ISD-Ps, want 1", len(tracked))
	}
	if tracked[0].State != isdp.StateEnabled || tracked[0].ICCID != testICCID {
		t.Errorf("SM-SR ISD-P record wrong: %+v", tracked[0])
	}
}

func TestProvisionSegmented(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	result, err := bed.orch.Provision(ctx, ProvisionRequest{
		EUICCID:     testEUICCID,
		ICCID:       testICCID,
		Segmented:   true,
		SegmentSize: 200,
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	installed, ok := bed.euicc.Profile(testICCID)
	if !ok {
		t.Fatal("profile not installed on the eUICC")
	}
	if installed.Profile.Status != profile.StatusEnabled {
		t.Errorf("expected enabled profile, got %s", installed.Profile.Status)
	}

	state, err := bed.euicc.ISDPState(result.ISDPAID)
	if err != nil {
		t.Fatalf("ISDPState failed: %v", err)
	}
	if state != isdp.StateEnabled {
		t.Errorf("expected ISD-P ENABLED, got %s", state)
	}
}

func TestProfileDisableEnable(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	result, err := bed.orch.Provision(ctx, ProvisionRequest{EUICCID: testEUICCID, ICCID: testICCID})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	if err := bed.smsr.DisableProfile(ctx, testICCID); err != nil {
		t.Fatalf("DisableProfile failed: %v", err)
	}
	installed, _ := bed.euicc.Profile(testICCID)
	if installed.Profile.Status != profile.StatusDisabled {
		t.Errorf("expected disabled profile, got %s", installed.Profile.Status)
	}
	if state, _ := bed.euicc.ISDPState(result.ISDPAID); state != isdp.StateDisabled {
		t.Errorf("expected ISD-P DISABLED, got %s", state)
	}

	if err := bed.smsr.EnableProfile(ctx, testICCID); err != nil {
		t.Fatalf("EnableProfile failed: %v", err)
	}
	installed, _ = bed.euicc.Profile(testICCID)
	if installed.Profile.Status != profile.StatusEnabled {
		t.Errorf("expected re-enabled profile, got %s", installed.Profile.Status)
	}
	if state, _ := bed.euicc.ISDPState(result.ISDPAID); state != isdp.StateEnabled {
		t.Errorf("expected ISD-P ENABLED, got %s", state)
	}
}

func TestProvisionUnregisteredEUICC(t *testing.T) {
	bed := newTestBed(t)

	_, err := bed.orch.Provision(context.Background(), ProvisionRequest{EUICCID: testEUICCID, ICCID: testICCID})
	if !errors.Is(err, ErrEUICCNotRegistered) {
		t.Errorf("expected ErrEUICCNotRegistered, got %v", err)
	}
}

func TestProvisionInsufficientMemory(t *testing.T) {
	bed := newTestBed(t)
	bed.register(t)

	_, err := bed.orch.Provision(context.Background(), ProvisionRequest{
		EUICCID:        testEUICCID,
		ICCID:          testICCID,
		MemoryRequired: DefaultEUICCMemory + 1,
	})
	if !errors.Is(err, ErrInsufficientMemory) {
		t.Fatalf("expected ErrInsufficientMemory, got %v", err)
	}

	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected a RemoteError, got %T", err)
	}
	if remote.Message != "Not enough memory" {
		t.Errorf("wire message %q, want %q", remote.Message, "Not enough memory")
	}
}

func TestEnableProfile_Unknown(t *testing.T) {
	bed := newTestBed(t)
	bed.register(t)

	err := bed.smsr.EnableProfile(context.Background(), "8909999999999999999")
	if !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestDownloadProfile_NoChannel(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	if _, err := bed.smdp.PrepareProfile(testICCID, "telecom"); err != nil {
		t.Fatalf("PrepareProfile failed: %v", err)
	}

	err := bed.smdp.DownloadProfile(ctx, testEUICCID, "A0000005591010AAAAAAAA", testICCID)
	if !errors.Is(err, ErrPSKNotEstablished) {
		t.Errorf("expected ErrPSKNotEstablished, got %v", err)
	}
}

func TestKeyEstablishment_TamperedSignature(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	created, err := bed.smsr.CreateISDP(ctx, testEUICCID, 256)
	if err != nil {
		t.Fatalf("CreateISDP failed: %v", err)
	}

	init, err := bed.smdp.InitKeyEstablishment(testEUICCID, created.ISDPAID)
	if err != nil {
		t.Fatalf("InitKeyEstablishment failed: %v", err)
	}
	init.Signature[0] ^= 0xFF

	_, err = bed.euicc.RespondKeyEstablishment(init)
	if !errors.Is(err, ErrSignatureVerification) {
		t.Errorf("expected ErrSignatureVerification, got %v", err)
	}
}

func TestKeyEstablishment_UntrustedCertificate(t *testing.T) {
	router := NewRouter()
	smsr, err := NewSMSR(SMSRConfig{ID: testSMSRID, Router: router})
	if err != nil {
		t.Fatalf("NewSMSR failed: %v", err)
	}
	smdp, err := NewSMDP(SMDPConfig{ID: testSMDPID, Router: router, SMSR: smsr})
	if err != nil {
		t.Fatalf("NewSMDP failed: %v", err)
	}
	defer smdp.Close()

	// No anchors pinned: the card must reject the initiator.
	euicc, err := NewEUICC(EUICCConfig{ID: testEUICCID, Router: router})
	if err != nil {
		t.Fatalf("NewEUICC failed: %v", err)
	}
	if err := euicc.Register(context.Background(), testSMSRID); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	init, err := smdp.InitKeyEstablishment(testEUICCID, "A0000005591010AAAAAAAA")
	if err != nil {
		t.Fatalf("InitKeyEstablishment failed: %v", err)
	}
	_, err = euicc.RespondKeyEstablishment(init)
	if !errors.Is(err, identity.ErrUntrustedIssuer) {
		t.Errorf("expected ErrUntrustedIssuer, got %v", err)
	}
}

func TestKeyEstablishment_UnknownSession(t *testing.T) {
	bed := newTestBed(t)

	err := bed.smdp.CompleteKeyEstablishment(&KeyEstablishmentResponse{
		SessionID: "00000000-0000-0000-0000-000000000000",
	})
	if !errors.Is(err, ErrInvalidSession) {
		t.Errorf("expected ErrInvalidSession, got %v", err)
	}
}

func TestES8_TamperedEnvelope(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	// Seal with a key the card does not share.
	rogueKey := make([]byte, psktls.PSKSizeAES256)
	for i := range rogueKey {
		rogueKey[i] = 0x42
	}
	rogue, err := psktls.NewCipher(rogueKey)
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}
	env, err := rogue.Seal([]byte(`{"operation":"enable_profile"}`))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	payload, err := json.Marshal(&SecureMessage{From: testSMSRID, EncryptedData: env})
	if err != nil {
		t.Fatal(err)
	}
	reply, err := bed.router.Route(ctx, testEUICCID, EndpointES8Receive, payload)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}

	err = decodeReply(reply, nil)
	if !errors.Is(err, ErrMACVerification) {
		t.Errorf("expected ErrMACVerification, got %v", err)
	}
}

func TestRegisterEUICC_WireErrors(t *testing.T) {
	tests := []struct {
		name    string
		request *RegisterEUICCRequest
		message string
	}{
		{
			name:    "missing ID",
			request: &RegisterEUICCRequest{},
			message: "Missing eUICC ID",
		},
		{
			name: "no PSK support",
			request: &RegisterEUICCRequest{
				EUICCID: testEUICCID,
				Info:    EUICCInfo1{SVN: "2.1.0"},
			},
			message: "eUICC does not support PSK-TLS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bed := newTestBed(t)
			payload, err := json.Marshal(tt.request)
			if err != nil {
				t.Fatal(err)
			}
			reply, err := bed.router.Route(context.Background(), testSMSRID, EndpointRegisterEUICC, payload)
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}

			rerr := decodeReply(reply, nil)
			var remote *RemoteError
			if !errors.As(rerr, &remote) {
				t.Fatalf("expected RemoteError, got %v", rerr)
			}
			if remote.Message != tt.message {
				t.Errorf("wire message %q, want %q", remote.Message, tt.message)
			}
		})
	}
}

func TestStatusEndpoints(t *testing.T) {
	bed := newTestBed(t)
	ctx := context.Background()
	bed.register(t)

	if _, err := bed.orch.Provision(ctx, ProvisionRequest{EUICCID: testEUICCID, ICCID: testICCID}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	var euiccStatus EUICCStatus
	routeStatus(t, bed.router, testEUICCID, &euiccStatus)
	if euiccStatus.Status != StatusActive || euiccStatus.Entity != "eUICC" || euiccStatus.ID != testEUICCID {
		t.Errorf("eUICC status wrong: %+v", euiccStatus)
	}

	var smsrStatus SMSRStatus
	routeStatus(t, bed.router, testSMSRID, &smsrStatus)
	if smsrStatus.Status != StatusActive || smsrStatus.Entity != "SM-SR" || smsrStatus.SMSRID != testSMSRID {
		t.Errorf("SM-SR status wrong: %+v", smsrStatus)
	}
	if smsrStatus.EUICCs != 1 || smsrStatus.Profiles != 1 {
		t.Errorf("SM-SR counts wrong: %+v", smsrStatus)
	}

	var smdpStatus SMDPStatus
	routeStatus(t, bed.router, testSMDPID, &smdpStatus)
	if smdpStatus.Status != StatusActive || smdpStatus.Entity != "SM-DP" || smdpStatus.Profiles != 1 {
		t.Errorf("SM-DP status wrong: %+v", smdpStatus)
	}
}

func routeStatus(t *testing.T, router *Router, entityID string, out any) {
	t.Helper()
	reply, err := router.Route(context.Background(), entityID, EndpointStatus, nil)
	if err != nil {
		t.Fatalf("status route to %s failed: %v", entityID, err)
	}
	if err := decodeReply(reply, out); err != nil {
		t.Fatalf("status decode from %s failed: %v", entityID, err)
	}
}

func TestSMSRRestore(t *testing.T) {
	store := storage.NewMemory()
	bed := newTestBedStorage(t, store)
	ctx := context.Background()
	bed.register(t)

	if _, err := bed.orch.Provision(ctx, ProvisionRequest{EUICCID: testEUICCID, ICCID: testICCID}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	// A new SM-SR over the same storage must rebuild its management
	// state from the persisted EIS entries.
	restored, err := NewSMSR(SMSRConfig{ID: testSMSRID, Router: NewRouter(), Storage: store})
	if err != nil {
		t.Fatalf("NewSMSR over existing storage failed: %v", err)
	}

	status := restored.Status()
	if status.EUICCs != 1 || status.ISDPs != 1 || status.Profiles != 1 {
		t.Errorf("restored counts wrong: %+v", status)
	}

	eis, err := restored.EIS(testEUICCID)
	if err != nil {
		t.Fatalf("EIS failed: %v", err)
	}
	if eis.Info.SVN != "2.1.0" {
		t.Errorf("restored EIS SVN %q", eis.Info.SVN)
	}

	tracked := restored.ISDPs(testEUICCID)
	if len(tracked) != 1 {
		t.Fatalf("restored SM-SR tracks %d ISD-Ps, want 1", len(tracked))
	}
	if tracked[0].ICCID != testICCID || tracked[0].State != isdp.StateEnabled {
		t.Errorf("restored ISD-P record wrong: %+v", tracked[0])
	}
}

func TestEUICCInformationSet(t *testing.T) {
	bed := newTestBed(t)

	eis := bed.euicc.EIS()
	if eis.EUICCID != testEUICCID || eis.EID != "89"+testEUICCID {
		t.Errorf("EIS identifiers wrong: %+v", eis)
	}
	if eis.Info.SVN != "2.1.0" || eis.Info.CIPKID != "id12345" {
		t.Errorf("EIS info wrong: %+v", eis.Info)
	}
	if !eis.Info.Capabilities.PSKSupport || !eis.Info.Capabilities.SecureDomainSupport {
		t.Errorf("EIS capabilities wrong: %+v", eis.Info.Capabilities)
	}
	if len(eis.Certificate) == 0 {
		t.Error("EIS must carry the card certificate")
	}
	if eis.RemainingMemory != DefaultEUICCMemory {
		t.Errorf("EIS memory %d, want %d", eis.RemainingMemory, DefaultEUICCMemory)
	}
}

func BenchmarkProvision(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		bed := newTestBed(b)
		if err := bed.euicc.Register(context.Background(), testSMSRID); err != nil {
			b.Fatal(err)
		}
		b.StartTimer()

		_, err := bed.orch.Provision(context.Background(), ProvisionRequest{
			EUICCID:        testEUICCID,
			ICCID:          testICCID,
			MemoryRequired: 256,
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
