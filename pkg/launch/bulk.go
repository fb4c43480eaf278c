package launch

import (
	"context"
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/processstate"
	"github.com/core-tools/hsu-launcher/pkg/readiness"
	"github.com/core-tools/hsu-launcher/pkg/reclaimer"
	"github.com/core-tools/hsu-launcher/pkg/report"
	"github.com/core-tools/hsu-launcher/pkg/scanner"
	"github.com/core-tools/hsu-launcher/pkg/throttle"
)

// Instance is one entry of a bulk launch.
type Instance struct {
	Name    string
	Request InjectionRequest
	// GuardName, when set, is reclaimed before launching.
	GuardName string
	Guard     GuardTarget
	// Readiness, when set, locates the readiness signal of the client.
	Readiness *scanner.Descriptor
	// ReadinessValueWidth overrides the service's value width when nonzero.
	ReadinessValueWidth int
	DelaySeconds        int
	// OnLaunched runs after a successful launch and before pacing. It
	// receives the bulk launcher's input gate.
	OnLaunched func(ctx context.Context, pid uint32, gate *InputGate)
}

type InstanceResult struct {
	Name      string
	Guard     *reclaimer.Outcome
	Injection InjectionOutcome
	Throttle  *throttle.Result
	Steps     []report.Step
}

// BulkLauncher starts instances one after another, never concurrently.
type BulkLauncher struct {
	service *Service
	logger  logging.Logger
	gate    *InputGate
}

func NewBulkLauncher(service *Service, logger logging.Logger) *BulkLauncher {
	return &BulkLauncher{service: service, logger: logger, gate: NewInputGate()}
}

func (b *BulkLauncher) Gate() *InputGate {
	return b.gate
}

// Run launches instances in order. Pacing follows every instance except
// the last. On cancellation it returns the results gathered so far and a
// cancelled error.
func (b *BulkLauncher) Run(ctx context.Context, instances []Instance, status throttle.StatusFunc) ([]InstanceResult, error) {
	if status == nil {
		status = func(string) {}
	}

	results := make([]InstanceResult, 0, len(instances))
	for i, inst := range instances {
		if err := ctx.Err(); err != nil {
			return results, errors.NewCancelledError("bulk launch cancelled", err).WithContext("completed", i)
		}

		b.logger.Infof("Bulk launch, instance: '%s', position: %d/%d", inst.Name, i+1, len(instances))
		status(fmt.Sprintf("Launching %s (%d of %d)", inst.Name, i+1, len(instances)))

		result := b.runOne(ctx, inst, i == len(instances)-1, status)
		results = append(results, result)

		if result.Throttle != nil && result.Throttle.Cancelled {
			return results, errors.NewCancelledError("bulk launch cancelled", ctx.Err()).WithContext("completed", i+1)
		}
	}
	return results, nil
}

func (b *BulkLauncher) runOne(ctx context.Context, inst Instance, last bool, status throttle.StatusFunc) (result InstanceResult) {
	rep := report.New()
	result.Name = inst.Name
	defer func() { result.Steps = rep.Steps() }()

	if inst.GuardName != "" {
		out := b.service.ReclaimSingleInstanceGuard(ctx, inst.GuardName, inst.Guard)
		result.Guard = &out
		switch out.Status {
		case reclaimer.StatusCleared:
			rep.Add("Reclaim guard", report.Success, reclaimer.FormatOutcome(out))
		case reclaimer.StatusNoProcess, reclaimer.StatusNoHandle:
			rep.Add("Reclaim guard", report.Skipped, reclaimer.FormatOutcome(out))
		default:
			rep.Add("Reclaim guard", report.Failed, reclaimer.FormatOutcome(out))
		}
	}

	result.Injection = b.service.launchWithInjection(ctx, inst.Request, rep)
	if !result.Injection.Succeeded {
		status(fmt.Sprintf("%s failed: %s", inst.Name, result.Injection.Reason))
		rep.Add("Pacing", report.Skipped, "launch failed")
		return result
	}
	pid := result.Injection.ProcessID

	var probe *readiness.Probe
	if inst.Readiness != nil {
		p, err := b.service.probeByPID(ctx, pid, *inst.Readiness, inst.ReadinessValueWidth)
		if err != nil {
			rep.Add("Readiness probe", report.Skipped, err.Error())
		} else {
			rep.Addf("Readiness probe", report.Success, "address 0x%x", p.Address())
			probe = p
			defer probe.Close()
		}
	}

	if inst.OnLaunched != nil {
		inst.OnLaunched(ctx, pid, b.gate)
	}

	if last {
		rep.Add("Pacing", report.Skipped, "last instance")
		return result
	}
	if running, err := processstate.IsProcessRunning(b.service.api, pid); err == nil && !running {
		status(fmt.Sprintf("%s exited before pacing", inst.Name))
		rep.Add("Pacing", report.Skipped, "client exited")
		return result
	}

	var ready throttle.ReadinessCheck
	if probe != nil {
		ready = probe.IsReady
	}
	tr := b.service.ApplyBulkThrottle(ctx, inst.DelaySeconds, ready, status)
	result.Throttle = &tr
	if tr.Cancelled {
		rep.Add("Pacing", report.NotAttempted, tr.Reason)
	} else {
		rep.Add("Pacing", report.Success, tr.Reason)
	}
	return result
}
