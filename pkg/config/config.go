package config

import (
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/process"
	"github.com/core-tools/hsu-launcher/pkg/scanner"

	"gopkg.in/yaml.v3"
)

// LauncherConfig represents the top-level configuration file structure
type LauncherConfig struct {
	Launcher LauncherOptions `yaml:"launcher"`
	Games    []GameConfig    `yaml:"games"`
	Profiles []ProfileConfig `yaml:"profiles"`
}

// LauncherOptions represents launcher-wide configuration
type LauncherOptions struct {
	LogLevel   string `yaml:"log_level,omitempty"`
	LogFormat  string `yaml:"log_format,omitempty"`  // "json", "console"
	LogBackend string `yaml:"log_backend,omitempty"` // "zap", "std"
	Telemetry  bool   `yaml:"telemetry,omitempty"`

	InjectionTimeout time.Duration `yaml:"injection_timeout,omitempty"`
	ScanWindowSize   int           `yaml:"scan_window_size,omitempty"`
	FailurePolicy    string        `yaml:"failure_policy,omitempty"` // "terminate", "resume"
	VerifyInjection  bool          `yaml:"verify_injection,omitempty"`
	AllowElevation   *bool         `yaml:"allow_elevation,omitempty"`
}

// GameConfig describes one game client: how its processes are found, its
// single-instance guard and its readiness signal.
type GameConfig struct {
	ID                           string           `yaml:"id"`
	ProcessNames                 []string         `yaml:"process_names"`
	SingleInstanceGuard          string           `yaml:"single_instance_guard,omitempty"`
	ImageDirectory               string           `yaml:"image_directory,omitempty"` // Restricts guard candidates to images under it
	IncludeInaccessibleProcesses bool             `yaml:"include_inaccessible_processes,omitempty"`
	Readiness                    *ReadinessConfig `yaml:"readiness,omitempty"`
}

// ReadinessConfig is the text form of a scanner descriptor.
type ReadinessConfig struct {
	Signature         string `yaml:"signature"`
	PointerOffset     int    `yaml:"pointer_offset"`
	Relative          bool   `yaml:"relative"`
	DisplacementWidth int    `yaml:"displacement_width,omitempty"`
	ValueWidth        int    `yaml:"value_width,omitempty"`
}

// ProfileConfig is one launchable account profile
type ProfileConfig struct {
	ID      string               `yaml:"id"`
	Game    string               `yaml:"game"`
	Enabled *bool                `yaml:"enabled,omitempty"` // Pointer to distinguish unset from false
	Inject  *bool                `yaml:"inject,omitempty"`
	Launch  process.LaunchConfig `yaml:"launch"`
	Modules []string             `yaml:"modules,omitempty"`
	// DelaySeconds is the requested pacing delay after this profile; it is
	// clamped when applied, not here. Pointer to distinguish unset from 0.
	DelaySeconds *int   `yaml:"delay_seconds,omitempty"`
	Hint         string `yaml:"hint,omitempty"`
}

const (
	DefaultDelaySeconds = 10
	defaultLogLevel     = "info"
	defaultLogFormat    = "console"
	defaultLogBackend   = "zap"
	defaultPolicy       = "terminate"
)

// LoadConfigFromFile loads launcher configuration from a YAML file
func LoadConfigFromFile(filename string) (*LauncherConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config LauncherConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	setConfigDefaults(&config)

	return &config, nil
}

// IsEnabled reports whether the profile takes part in launches
func (p ProfileConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Injects reports whether the profile's modules are injected
func (p ProfileConfig) Injects() bool {
	return p.Inject == nil || *p.Inject
}

// Delay returns the requested pacing delay in seconds
func (p ProfileConfig) Delay() int {
	if p.DelaySeconds == nil {
		return DefaultDelaySeconds
	}
	return *p.DelaySeconds
}

// ElevationAllowed reports whether the reclaimer may run elevated
func (o LauncherOptions) ElevationAllowed() bool {
	return o.AllowElevation == nil || *o.AllowElevation
}

// Game returns the game with the given ID
func (c *LauncherConfig) Game(id string) (*GameConfig, bool) {
	for i := range c.Games {
		if c.Games[i].ID == id {
			return &c.Games[i], true
		}
	}
	return nil, false
}

// Profile returns the profile with the given ID
func (c *LauncherConfig) Profile(id string) (*ProfileConfig, bool) {
	for i := range c.Profiles {
		if c.Profiles[i].ID == id {
			return &c.Profiles[i], true
		}
	}
	return nil, false
}

// Descriptor parses the signature text into a scanner descriptor
func (r ReadinessConfig) Descriptor() (scanner.Descriptor, error) {
	sig, err := scanner.ParseSignature(r.Signature)
	if err != nil {
		return scanner.Descriptor{}, err
	}
	d := scanner.Descriptor{
		Signature:         sig,
		PointerOffset:     r.PointerOffset,
		Relative:          r.Relative,
		DisplacementWidth: r.DisplacementWidth,
	}
	if err := d.Validate(); err != nil {
		return scanner.Descriptor{}, err
	}
	return d, nil
}

func setConfigDefaults(config *LauncherConfig) {
	if config.Launcher.LogLevel == "" {
		config.Launcher.LogLevel = defaultLogLevel
	}
	if config.Launcher.LogFormat == "" {
		config.Launcher.LogFormat = defaultLogFormat
	}
	if config.Launcher.LogBackend == "" {
		config.Launcher.LogBackend = defaultLogBackend
	}
	if config.Launcher.FailurePolicy == "" {
		config.Launcher.FailurePolicy = defaultPolicy
	}

	for i := range config.Profiles {
		profile := &config.Profiles[i]

		// Default enabled to true if not specified
		if profile.Enabled == nil {
			enabled := true
			profile.Enabled = &enabled
		}
		if profile.DelaySeconds == nil {
			delay := DefaultDelaySeconds
			profile.DelaySeconds = &delay
		}
	}
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *LauncherConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateLauncherOptions(&config.Launcher); err != nil {
		return errors.NewValidationError("invalid launcher configuration", err)
	}

	if err := validateGames(config.Games); err != nil {
		return errors.NewValidationError("invalid games configuration", err)
	}

	if err := validateProfiles(config); err != nil {
		return errors.NewValidationError("invalid profiles configuration", err)
	}

	return nil
}

func validateLauncherOptions(options *LauncherOptions) error {
	if err := oneOf("log level", options.LogLevel, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	if err := oneOf("log format", options.LogFormat, "json", "console"); err != nil {
		return err
	}
	if err := oneOf("log backend", options.LogBackend, "zap", "std"); err != nil {
		return err
	}
	if err := oneOf("failure policy", options.FailurePolicy, "terminate", "resume"); err != nil {
		return err
	}
	if options.InjectionTimeout < 0 {
		return errors.NewValidationError("injection timeout cannot be negative", nil)
	}
	if options.ScanWindowSize < 0 {
		return errors.NewValidationError("scan window size cannot be negative", nil)
	}
	return nil
}

func validateGames(games []GameConfig) error {
	seenIDs := make(map[string]int)
	for i, game := range games {
		if game.ID == "" {
			return errors.NewValidationError(fmt.Sprintf("game ID is required at index %d", i), nil)
		}
		if prevIndex, exists := seenIDs[game.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate game ID '%s' found at indices %d and %d", game.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[game.ID] = i

		if len(game.ProcessNames) == 0 {
			return errors.NewValidationError("at least one process name is required", nil).WithContext("game_id", game.ID)
		}

		if game.Readiness != nil {
			if _, err := game.Readiness.Descriptor(); err != nil {
				return errors.NewValidationError("invalid readiness signature", err).WithContext("game_id", game.ID)
			}
			switch game.Readiness.ValueWidth {
			case 0, 1, 2, 4, 8:
			default:
				return errors.NewValidationError(
					fmt.Sprintf("unsupported readiness value width: %d", game.Readiness.ValueWidth), nil,
				).WithContext("game_id", game.ID)
			}
		}
	}
	return nil
}

func validateProfiles(config *LauncherConfig) error {
	seenIDs := make(map[string]int)
	for i, profile := range config.Profiles {
		if profile.ID == "" {
			return errors.NewValidationError(fmt.Sprintf("profile ID is required at index %d", i), nil)
		}
		if prevIndex, exists := seenIDs[profile.ID]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate profile ID '%s' found at indices %d and %d", profile.ID, prevIndex, i),
				nil,
			)
		}
		seenIDs[profile.ID] = i

		if _, ok := config.Game(profile.Game); !ok {
			return errors.NewValidationError(fmt.Sprintf("unknown game '%s'", profile.Game), nil).WithContext("profile_id", profile.ID)
		}

		// Disabled profiles may point at files that are not installed
		if !profile.IsEnabled() {
			continue
		}
		if err := process.ValidateLaunchConfig(profile.Launch); err != nil {
			return errors.NewValidationError("invalid launch configuration", err).WithContext("profile_id", profile.ID)
		}
		if profile.Injects() {
			for _, module := range profile.Modules {
				if err := process.ValidateFileExists(module, "module"); err != nil {
					return errors.NewValidationError("invalid module", err).WithContext("profile_id", profile.ID)
				}
			}
		}
	}
	return nil
}

func oneOf(what, value string, allowed ...string) error {
	if value == "" {
		return nil // Will be defaulted
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.NewValidationError(fmt.Sprintf("invalid %s: %s", what, value), nil).WithContext("valid_values", allowed)
}
