package rsp

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/logging"
)

// Provisioning phase names, in execution order.
const (
	PhaseISDPCreation     = "isdp_creation"
	PhaseKeyEstablishment = "key_establishment"
	PhaseProfileDownload  = "profile_download"
	PhaseProfileEnable    = "profile_enable"
)

// DefaultProfileMemory is the ISD-P memory reservation in units when
// a provisioning request does not set one.
const DefaultProfileMemory = 256

// DefaultProfileType is used when a provisioning request does not
// name a profile type.
const DefaultProfileType = "telecom"

// ProvisionRequest describes one provisioning run.
type ProvisionRequest struct {
	// EUICCID names the target card. It must already be registered
	// with the SM-SR. Required.
	EUICCID string

	// ICCID identifies the profile to build and install. Required.
	ICCID string

	// ProfileType selects the profile template. Defaults to
	// DefaultProfileType.
	ProfileType string

	// MemoryRequired is the ISD-P reservation in units. Defaults to
	// DefaultProfileMemory.
	MemoryRequired int

	// Segmented delivers the profile as ES8 download_segment commands
	// instead of a single install message.
	Segmented bool

	// SegmentSize is the segment payload size in bytes when Segmented
	// is set. Defaults to profile.DefaultSegmentSize.
	SegmentSize int
}

// PhaseResult is the timing of one completed phase.
type PhaseResult struct {
	Phase    string
	Duration time.Duration
}

// ProvisionResult summarizes a completed provisioning run.
type ProvisionResult struct {
	EUICCID  string
	ICCID    string
	ISDPAID  string
	Phases   []PhaseResult
	Duration time.Duration
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// SMDP prepares and delivers profiles. Required.
	SMDP *SMDP

	// SMSR manages the target eUICCs. Required.
	SMSR *SMSR

	// Metrics records phase timings. If nil, timings are discarded.
	Metrics Recorder

	// LoggerFactory is used to create loggers. If nil, logging is
	// disabled.
	LoggerFactory logging.LoggerFactory
}

// Orchestrator drives complete provisioning runs: ISD-P creation, key
// establishment, profile download and profile enabling, in that
// order. A failed phase aborts the run; there is no partial success.
type Orchestrator struct {
	smdp    *SMDP
	smsr    *SMSR
	metrics Recorder
	log     logging.LeveledLogger
}

// NewOrchestrator creates an orchestrator over an SM-DP and SM-SR
// pair.
func NewOrchestrator(config OrchestratorConfig) (*Orchestrator, error) {
	if config.SMDP == nil || config.SMSR == nil {
		return nil, fmt.Errorf("rsp: orchestrator needs both SM-DP and SM-SR")
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = NopRecorder{}
	}

	o := &Orchestrator{
		smdp:    config.SMDP,
		smsr:    config.SMSR,
		metrics: metrics,
	}
	if config.LoggerFactory != nil {
		o.log = config.LoggerFactory.NewLogger("orchestrator")
	}
	return o, nil
}

// Provision runs all four phases against a registered eUICC and
// returns the per-phase timings. The first failing phase aborts the
// run with its error wrapped in the phase name.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error) {
	if req.EUICCID == "" || req.ICCID == "" {
		return nil, fmt.Errorf("rsp: provisioning needs eUICC ID and ICCID")
	}
	if req.MemoryRequired <= 0 {
		req.MemoryRequired = DefaultProfileMemory
	}
	if req.ProfileType == "" {
		req.ProfileType = DefaultProfileType
	}

	result := &ProvisionResult{
		EUICCID: req.EUICCID,
		ICCID:   req.ICCID,
	}
	start := time.Now()

	err := o.runPhase(result, PhaseISDPCreation, func() error {
		aid, err := o.smdp.CreateISDP(ctx, req.EUICCID, req.MemoryRequired)
		if err != nil {
			return err
		}
		result.ISDPAID = aid
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.runPhase(result, PhaseKeyEstablishment, func() error {
		return o.smdp.EstablishKeys(ctx, req.EUICCID, result.ISDPAID)
	})
	if err != nil {
		return nil, err
	}

	err = o.runPhase(result, PhaseProfileDownload, func() error {
		if _, err := o.smdp.PrepareProfile(req.ICCID, req.ProfileType); err != nil {
			return err
		}
		if req.Segmented {
			return o.smdp.DownloadProfileSegmented(ctx, req.EUICCID, result.ISDPAID, req.ICCID, req.SegmentSize)
		}
		return o.smdp.DownloadProfile(ctx, req.EUICCID, result.ISDPAID, req.ICCID)
	})
	if err != nil {
		return nil, err
	}

	err = o.runPhase(result, PhaseProfileEnable, func() error {
		return o.smsr.EnableProfile(ctx, req.ICCID)
	})
	if err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	if o.log != nil {
		o.log.Infof("provisioned profile %s on eUICC %s in %s", req.ICCID, req.EUICCID, result.Duration)
	}
	return result, nil
}

// runPhase times one phase and appends it to the result on success.
func (o *Orchestrator) runPhase(result *ProvisionResult, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	o.metrics.RecordDuration("phase_"+name, elapsed)

	if err != nil {
		if o.log != nil {
			o.log.Errorf("%s failed after %s: %v", name, elapsed, err)
		}
		return fmt.Errorf("rsp: %s phase: %w", name, err)
	}

	result.Phases = append(result.Phases, PhaseResult{Phase: name, Duration: elapsed})
	if o.log != nil {
		o.log.Infof("%s completed in %s", name, elapsed)
	}
	return nil
}
