// Package launch exposes the launch core to its collaborators: launching a
// game client with modules injected before its first instruction runs,
// probing its readiness, reclaiming its single-instance guard and pacing a
// sequence of launches.
package launch

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/core-tools/hsu-launcher/pkg/injector"
	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/process"
	"github.com/core-tools/hsu-launcher/pkg/readiness"
	"github.com/core-tools/hsu-launcher/pkg/throttle"
)

const instrumentationName = "github.com/core-tools/hsu-launcher/pkg/launch"

// FailurePolicy decides what happens to a suspended process whose
// injection failed.
type FailurePolicy string

const (
	FailurePolicyTerminate FailurePolicy = "terminate"
	FailurePolicyResume    FailurePolicy = "resume"
)

type Options struct {
	// InjectionTimeout bounds each remote thread wait; see injector.Options.
	InjectionTimeout time.Duration
	// FailurePolicy defaults to FailurePolicyTerminate.
	FailurePolicy FailurePolicy
	// SkipArchitectureCheck disables parsing the executable and module
	// images before any OS call.
	SkipArchitectureCheck bool
	Readiness             readiness.Options
	// Clock drives the throttle; nil uses the wall clock.
	Clock throttle.Clock
}

type Service struct {
	api      osapi.OS
	logger   logging.Logger
	options  Options
	launcher *process.Launcher
	injector *injector.Injector
	throttle *throttle.Coordinator

	tracer        trace.Tracer
	injections    metric.Int64Counter
	reclaims      metric.Int64Counter
	throttleWaits metric.Int64Counter
}

func NewService(api osapi.OS, logger logging.Logger, options Options) *Service {
	if options.FailurePolicy == "" {
		options.FailurePolicy = FailurePolicyTerminate
	}

	coordinator := throttle.New(logger)
	if options.Clock != nil {
		coordinator = throttle.NewWithClock(logger, options.Clock)
	}

	meter := otel.Meter(instrumentationName)
	//nolint:errcheck // instrument creation errors are non-fatal
	injections, _ := meter.Int64Counter("launcher.injections",
		metric.WithDescription("Launch-with-injection attempts by result"))
	//nolint:errcheck // instrument creation errors are non-fatal
	reclaims, _ := meter.Int64Counter("launcher.reclaims",
		metric.WithDescription("Single-instance guard reclaims by status"))
	//nolint:errcheck // instrument creation errors are non-fatal
	throttleWaits, _ := meter.Int64Counter("launcher.throttle.waits",
		metric.WithDescription("Throttle waits by readiness outcome"))

	return &Service{
		api:           api,
		logger:        logger,
		options:       options,
		launcher:      process.NewLauncher(api, logger),
		injector:      injector.New(api, logger, injector.Options{Timeout: options.InjectionTimeout}),
		throttle:      coordinator,
		tracer:        otel.Tracer(instrumentationName),
		injections:    injections,
		reclaims:      reclaims,
		throttleWaits: throttleWaits,
	}
}
