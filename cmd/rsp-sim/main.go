// rsp-sim runs a complete M2M remote SIM provisioning pass against
// simulated entities: an SM-DP, an SM-SR and one eUICC wired to the
// same in-process router. It registers the card, provisions a profile
// end to end and prints each entity's status as reported over a
// simulated packet link.
//
// Usage:
//
//	rsp-sim [options]
//
// Options:
//
//	-config       YAML config file (default: built-in defaults)
//	-euicc        eUICC identifier (default: 89012345678901234567)
//	-profile-type Profile type to provision (default: telecom)
//	-segments     Deliver the profile in segments
//	-advertise    Announce the entities over mDNS and keep running
//	-metrics-addr Serve Prometheus metrics on this address and keep running
//	-verbose      Log protocol traffic
//
// Example:
//
//	rsp-sim -segments -verbose
//	rsp-sim -advertise -metrics-addr :9090
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seclane/m2mrsp/pkg/discovery"
	"github.com/seclane/m2mrsp/pkg/identity"
	"github.com/seclane/m2mrsp/pkg/metrics"
	"github.com/seclane/m2mrsp/pkg/rsp"
	"github.com/seclane/m2mrsp/pkg/storage"
	"github.com/seclane/m2mrsp/pkg/transport"
)

// protocolVersion is the advertised remote provisioning version.
const protocolVersion = "2.1.0"

// Advertised ports, one per entity role.
const (
	portSMDP  = 8001
	portSMSR  = 8002
	portEUICC = 8003
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	euiccID := flag.String("euicc", "", "eUICC identifier")
	profileType := flag.String("profile-type", "", "Profile type to provision")
	segments := flag.Bool("segments", false, "Deliver the profile in segments")
	advertise := flag.Bool("advertise", false, "Announce the entities over mDNS and keep running")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address and keep running")
	verbose := flag.Bool("verbose", false, "Log protocol traffic")
	flag.Parse()

	cfg := DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("rsp-sim: %v", err)
		}
	}
	if *euiccID != "" {
		cfg.EUICCID = *euiccID
	}
	if *profileType != "" {
		cfg.ProfileType = *profileType
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("rsp-sim: %v", err)
	}

	if err := run(cfg, *segments, *advertise, *verbose); err != nil {
		log.Fatalf("rsp-sim: %v", err)
	}
}

func run(cfg Config, segmented, advertise, verbose bool) error {
	loggerFactory := logging.NewDefaultLoggerFactory()
	loggerFactory.DefaultLogLevel = logging.LogLevelWarn
	if verbose {
		loggerFactory.DefaultLogLevel = logging.LogLevelDebug
	}

	var recorder rsp.Recorder
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		rec, err := metrics.NewRecorder(metrics.Config{Registerer: registry})
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		recorder = rec

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	fmt.Println("=== M2M Remote SIM Provisioning Simulator ===")

	// Entity key pairs live sealed in the store and survive restarts
	// when the store does.
	store := storage.NewMemory()
	keystore := identity.NewKeystore([]byte(cfg.StorageSecret))

	smdpIdentity, err := identity.LoadOrCreate(store, keystore, cfg.SMDPID)
	if err != nil {
		return err
	}
	cardIdentity, err := identity.LoadOrCreate(store, keystore, cfg.EUICCID)
	if err != nil {
		return err
	}

	smdpVerifier := identity.NewValidator()
	smdpVerifier.TrustIdentity(cardIdentity)
	cardVerifier := identity.NewValidator()
	cardVerifier.TrustIdentity(smdpIdentity)

	router := rsp.NewRouter()

	smsr, err := rsp.NewSMSR(rsp.SMSRConfig{
		ID:            cfg.SMSRID,
		Router:        router,
		Storage:       store,
		Metrics:       recorder,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}

	smdp, err := rsp.NewSMDP(rsp.SMDPConfig{
		ID:            cfg.SMDPID,
		Router:        router,
		SMSR:          smsr,
		Identity:      smdpIdentity,
		Verifier:      smdpVerifier,
		SessionTTL:    time.Duration(cfg.SessionTTL),
		Metrics:       recorder,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}
	defer smdp.Close()

	card, err := rsp.NewEUICC(rsp.EUICCConfig{
		ID:            cfg.EUICCID,
		Router:        router,
		Identity:      cardIdentity,
		Verifier:      cardVerifier,
		Memory:        cfg.EUICCMemory,
		Metrics:       recorder,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}

	orch, err := rsp.NewOrchestrator(rsp.OrchestratorConfig{
		SMDP:          smdp,
		SMSR:          smsr,
		Metrics:       recorder,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return err
	}

	if advertise {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			LoggerFactory: loggerFactory,
		})
		defer adv.Close()

		dir := discovery.NewDirectory()
		entries := []discovery.Entry{
			{ID: cfg.SMDPID, Role: discovery.RoleSMDP, Version: protocolVersion, Port: portSMDP},
			{ID: cfg.SMSRID, Role: discovery.RoleSMSR, Version: protocolVersion, Port: portSMSR},
			{ID: cfg.EUICCID, Role: discovery.RoleEUICC, Version: protocolVersion, Port: portEUICC},
		}
		for _, e := range entries {
			if err := dir.Register(e); err != nil {
				return fmt.Errorf("directory: %w", err)
			}
		}
		// mDNS may be unavailable in containers: the demo still runs.
		if err := adv.AdvertiseDirectory(dir); err != nil {
			log.Printf("mDNS advertising unavailable: %v", err)
		} else {
			fmt.Printf("Advertising %d entities as %s via mDNS\n", len(entries), discovery.Service)
		}
	}

	ctx := context.Background()

	fmt.Println("\n1. Registering eUICC with SM-SR...")
	if err := card.Register(ctx, cfg.SMSRID); err != nil {
		return fmt.Errorf("register eUICC: %w", err)
	}
	fmt.Printf("eUICC %s registered with %s\n", cfg.EUICCID, cfg.SMSRID)

	fmt.Println("\n2. Provisioning profile...")
	result, err := orch.Provision(ctx, rsp.ProvisionRequest{
		EUICCID:        cfg.EUICCID,
		ICCID:          cfg.ICCID,
		ProfileType:    cfg.ProfileType,
		MemoryRequired: cfg.ProfileMemory,
		Segmented:      segmented,
		SegmentSize:    cfg.SegmentSize,
	})
	if err != nil {
		return err
	}
	for _, phase := range result.Phases {
		fmt.Printf("   %-20s %s\n", phase.Phase, phase.Duration.Round(time.Microsecond))
	}
	fmt.Printf("Profile %s installed in ISD-P %s (total %s)\n",
		result.ICCID, result.ISDPAID, result.Duration.Round(time.Microsecond))

	fmt.Println("\n3. Checking entity status over the simulated link...")
	if err := printStatus(router, cfg); err != nil {
		return err
	}

	if card.Status().InstalledProfiles == 0 {
		return fmt.Errorf("profile missing from eUICC status")
	}
	fmt.Println("\nDemo completed successfully.")

	if advertise || cfg.MetricsAddr != "" {
		fmt.Println("Press Ctrl+C to exit")
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
	}
	return nil
}

// printStatus queries each entity's status endpoint through a
// simulated packet link rather than calling the entities directly.
func printStatus(router *rsp.Router, cfg Config) error {
	client, server, link := transport.NewLinkPair()
	done := make(chan struct{})
	defer func() {
		link.Close()
		<-done
	}()

	go func() {
		defer close(done)
		serveLink(server, router)
	}()

	for _, id := range []string{cfg.SMDPID, cfg.SMSRID, cfg.EUICCID} {
		env := &transport.Envelope{
			From:        "operator",
			Destination: id,
			Endpoint:    rsp.EndpointStatus,
		}
		if err := transport.WriteEnvelope(client, env); err != nil {
			return fmt.Errorf("status probe %s: %w", id, err)
		}
		if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			return err
		}
		reply, err := transport.ReadEnvelope(client)
		if err != nil {
			return fmt.Errorf("status probe %s: %w", id, err)
		}
		fmt.Printf("   %s: %s\n", id, reply.Payload)
	}
	return nil
}

// serveLink answers envelopes from one end of a link by routing them
// to the addressed entity. It returns when the link closes.
func serveLink(conn net.Conn, router *rsp.Router) {
	for {
		env, err := transport.ReadEnvelope(conn)
		if err != nil {
			if errors.Is(err, transport.ErrEnvelopeFormat) {
				continue
			}
			return
		}

		payload, err := router.Route(context.Background(), env.Destination, env.Endpoint, env.Payload)
		if err != nil {
			payload, _ = json.Marshal(map[string]string{
				"status":  "error",
				"message": err.Error(),
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
