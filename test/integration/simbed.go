// Package integration contains end-to-end provisioning tests that run
// a full entity set behind a simulated packet link.
//
// simbed.go holds the shared test bed; the provisioning flows live in
// provisioning_e2e_test.go.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/pion/logging"

	"github.com/seclane/m2mrsp/pkg/identity"
	"github.com/seclane/m2mrsp/pkg/rsp"
	"github.com/seclane/m2mrsp/pkg/storage"
	"github.com/seclane/m2mrsp/pkg/transport"
)

// Entity identifiers shared by the integration tests.
const (
	smdpID  = "sm-dp-01"
	smsrID  = "sm-sr-01"
	euiccID = "89012345678901234567"
	iccid   = "8901234567890123456"
)

// simBed wires an SM-DP, SM-SR and eUICC to one router and serves the
// router over one end of a simulated packet link. Tests hold the other
// end and reach the entities through probe, or drive them directly
// through the entity fields.
type simBed struct {
	Router *rsp.Router
	SMDP   *rsp.SMDP
	SMSR   *rsp.SMSR
	Card   *rsp.EUICC
	Orch   *rsp.Orchestrator
	Link   *transport.Link
	Client net.Conn

	// ProbeTimeout bounds each probe's reply read. Tests expecting
	// lost replies shorten it.
	ProbeTimeout time.Duration

	t *testing.T
}

// simBedConfig configures the test bed creation.
type simBedConfig struct {
	// Storage backs the SM-SR's EIS entries and the sealed identity
	// keys. If nil, a fresh in-memory store is used.
	Storage storage.Storage

	// Secret seals the identity keys. Defaults to a fixed test secret.
	Secret string

	// LoggerFactory for entity logging. If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// newSimBed creates a test bed with default configuration.
func newSimBed(t *testing.T) *simBed {
	t.Helper()
	return newSimBedWithConfig(t, simBedConfig{})
}

// newSimBedWithConfig creates a test bed, registers cleanup on t and
// starts the link serve loop.
func newSimBedWithConfig(t *testing.T, config simBedConfig) *simBed {
	t.Helper()

	store := config.Storage
	if store == nil {
		store = storage.NewMemory()
	}
	secret := config.Secret
	if secret == "" {
		secret = "integration-secret"
	}

	keystore := identity.NewKeystore([]byte(secret))
	smdpIdentity, err := identity.LoadOrCreate(store, keystore, smdpID)
	if err != nil {
		t.Fatalf("load SM-DP identity: %v", err)
	}
	cardIdentity, err := identity.LoadOrCreate(store, keystore, euiccID)
	if err != nil {
		t.Fatalf("load eUICC identity: %v", err)
	}

	smdpVerifier := identity.NewValidator()
	smdpVerifier.TrustIdentity(cardIdentity)
	cardVerifier := identity.NewValidator()
	cardVerifier.TrustIdentity(smdpIdentity)

	router := rsp.NewRouter()

	smsr, err := rsp.NewSMSR(rsp.SMSRConfig{
		ID:            smsrID,
		Router:        router,
		Storage:       store,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		t.Fatalf("NewSMSR failed: %v", err)
	}

	smdp, err := rsp.NewSMDP(rsp.SMDPConfig{
		ID:            smdpID,
		Router:        router,
		SMSR:          smsr,
		Identity:      smdpIdentity,
		Verifier:      smdpVerifier,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		t.Fatalf("NewSMDP failed: %v", err)
	}

	card, err := rsp.NewEUICC(rsp.EUICCConfig{
		ID:            euiccID,
		Router:        router,
		Identity:      cardIdentity,
		Verifier:      cardVerifier,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		smdp.Close()
		t.Fatalf("NewEUICC failed: %v", err)
	}

	orch, err := rsp.NewOrchestrator(rsp.OrchestratorConfig{
		SMDP:          smdp,
		SMSR:          smsr,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		smdp.Close()
		t.Fatalf("NewOrchestrator failed: %v", err)
	}

	client, server, link := transport.NewLinkPair()

	bed := &simBed{
		Router:       router,
		SMDP:         smdp,
		SMSR:         smsr,
		Card:         card,
		Orch:         orch,
		Link:         link,
		Client:       client,
		ProbeTimeout: 2 * time.Second,
		t:            t,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		bed.serve(server)
	}()

	t.Cleanup(func() {
		link.Close()
		<-done
		smdp.Close()
	})

	return bed
}

// serve answers envelopes from the server end of the link, routing
// each to the addressed entity. Router errors become error replies so
// the probing side always gets an answer. Returns when the link
// closes.
func (b *simBed) serve(conn net.Conn) {
	for {
		env, err := transport.ReadEnvelope(conn)
		if err != nil {
			if errors.Is(err, transport.ErrEnvelopeFormat) {
				continue
			}
			return
		}

		payload, err := b.Router.Route(context.Background(), env.Destination, env.Endpoint, env.Payload)
		if err != nil {
			payload, _ = json.Marshal(rsp.Response{
				Status:  rsp.StatusError,
				Message: err.Error(),
			})
		}

		reply := &transport.Envelope{
			From:        env.Destination,
			Destination: env.From,
			Endpoint:    env.Endpoint,
			Payload:     payload,
		}
		if err := transport.WriteEnvelope(conn, reply); err != nil {
			return
		}
	}
}

// probe sends one envelope over the link and decodes the JSON reply
// into out. A nil out discards the reply body.
func (b *simBed) probe(dest, endpoint string, payload []byte, out any) error {
	b.t.Helper()

	env := &transport.Envelope{
		From:        "test-driver",
		Destination: dest,
		Endpoint:    endpoint,
		Payload:     payload,
	}
	if err := transport.WriteEnvelope(b.Client, env); err != nil {
		return err
	}

	if err := b.Client.SetReadDeadline(time.Now().Add(b.ProbeTimeout)); err != nil {
		return err
	}
	reply, err := transport.ReadEnvelope(b.Client)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(reply.Payload, out)
}
