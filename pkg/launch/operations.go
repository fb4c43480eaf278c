package launch

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/process"
	"github.com/core-tools/hsu-launcher/pkg/readiness"
	"github.com/core-tools/hsu-launcher/pkg/reclaimer"
	"github.com/core-tools/hsu-launcher/pkg/scanner"
	"github.com/core-tools/hsu-launcher/pkg/throttle"
)

// ProbeReadiness resolves the readiness signal of the process behind h. The
// probe keeps its own handle; h stays owned by the caller. An error means
// the signal is unavailable and the caller falls back to a plain delay.
func (s *Service) ProbeReadiness(ctx context.Context, h osapi.Handle, d scanner.Descriptor) (*readiness.Probe, error) {
	return s.probe(ctx, h, d, 0)
}

// ProbeReadinessByPID opens pid with read-only rights and probes it.
func (s *Service) ProbeReadinessByPID(ctx context.Context, pid uint32, d scanner.Descriptor) (*readiness.Probe, error) {
	return s.probeByPID(ctx, pid, d, 0)
}

func (s *Service) probeByPID(ctx context.Context, pid uint32, d scanner.Descriptor, valueWidth int) (*readiness.Probe, error) {
	h, err := process.Attach(s.api, pid, osapi.ProbeAccess, s.logger)
	if err != nil {
		return nil, err
	}
	defer s.api.CloseHandle(h)
	return s.probe(ctx, h, d, valueWidth)
}

// probe overrides the configured value width when valueWidth is nonzero.
func (s *Service) probe(ctx context.Context, h osapi.Handle, d scanner.Descriptor, valueWidth int) (*readiness.Probe, error) {
	_, span := s.tracer.Start(ctx, "launch.probe_readiness")
	defer span.End()

	options := s.options.Readiness
	if valueWidth != 0 {
		options.ValueWidth = valueWidth
	}
	probe, err := readiness.TryInitialize(s.api, s.logger, h, d, options)
	if err != nil {
		s.logger.Infof("Readiness probe unavailable, error: %v", err)
		span.SetAttributes(attribute.Bool("available", false))
		return nil, err
	}
	span.SetAttributes(attribute.Bool("available", true))
	return probe, nil
}

// GuardTarget describes where a single-instance guard is looked for.
type GuardTarget struct {
	ProcessNames        []string
	ImageDirectory      string
	IncludeInaccessible bool
	AllowElevation      bool
}

// ReclaimSingleInstanceGuard closes the guard named leaf in whichever
// candidate process holds it.
func (s *Service) ReclaimSingleInstanceGuard(ctx context.Context, leaf string, target GuardTarget) reclaimer.Outcome {
	ctx, span := s.tracer.Start(ctx, "launch.reclaim_guard", trace.WithAttributes(
		attribute.String("guard", leaf),
	))
	defer span.End()

	r := reclaimer.New(s.api, s.logger, reclaimer.Options{
		ProcessNames:        target.ProcessNames,
		ImageDirectory:      target.ImageDirectory,
		IncludeInaccessible: target.IncludeInaccessible,
		AllowElevation:      target.AllowElevation,
	})
	out := r.Reclaim(ctx, leaf)

	span.SetAttributes(
		attribute.String("status", out.Status.String()),
		attribute.Bool("used_elevation", out.UsedElevation),
	)
	if !out.Cleared && out.Status != reclaimer.StatusNoProcess && out.Status != reclaimer.StatusNoHandle {
		span.SetStatus(codes.Error, out.Detail)
	}
	s.reclaims.Add(ctx, 1, metric.WithAttributes(attribute.String("status", out.Status.String())))

	s.logger.Infof("Reclaim finished, guard: '%s', status: %s, pid: %d, elevated: %t",
		leaf, out.Status, out.ClearedProcessID, out.UsedElevation)
	return out
}

// ApplyBulkThrottle waits for ready (nil when no probe is available) and
// then for the clamped pacing delay.
func (s *Service) ApplyBulkThrottle(ctx context.Context, requestedDelaySeconds int, ready throttle.ReadinessCheck, status throttle.StatusFunc) throttle.Result {
	ctx, span := s.tracer.Start(ctx, "launch.throttle", trace.WithAttributes(
		attribute.Int("requested_delay_seconds", requestedDelaySeconds),
	))
	defer span.End()

	result := s.throttle.Apply(ctx, requestedDelaySeconds, ready, status)

	outcome := "no_probe"
	switch {
	case result.ReadyDetected:
		outcome = "ready"
	case result.TimedOut:
		outcome = "timed_out"
	case result.Cancelled:
		outcome = "cancelled"
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("effective_delay_seconds", result.EffectiveDelaySeconds),
		attribute.Int64("waited_ms", result.WaitedMs),
	)
	s.throttleWaits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.Bool("clamped", result.Clamped),
	))
	return result
}
