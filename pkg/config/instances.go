package config

import (
	"fmt"

	"github.com/core-tools/hsu-launcher/pkg/errors"
	"github.com/core-tools/hsu-launcher/pkg/launch"
	"github.com/core-tools/hsu-launcher/pkg/readiness"
	"github.com/core-tools/hsu-launcher/pkg/rehydrate"
	"github.com/core-tools/hsu-launcher/pkg/scanner"
)

// ServiceOptions maps launcher options onto the launch service
func ServiceOptions(config *LauncherConfig) launch.Options {
	return launch.Options{
		InjectionTimeout: config.Launcher.InjectionTimeout,
		FailurePolicy:    launch.FailurePolicy(config.Launcher.FailurePolicy),
		Readiness: readiness.Options{
			Scanner: scanner.Options{WindowSize: config.Launcher.ScanWindowSize},
		},
	}
}

// GuardTarget describes where the game's single-instance guard is held
func (c *LauncherConfig) GuardTarget(game *GameConfig) launch.GuardTarget {
	return launch.GuardTarget{
		ProcessNames:        game.ProcessNames,
		ImageDirectory:      game.ImageDirectory,
		IncludeInaccessible: game.IncludeInaccessibleProcesses,
		AllowElevation:      c.Launcher.ElevationAllowed(),
	}
}

// CreateInstancesFromConfig builds the bulk launch list. With no IDs every
// enabled profile is used in file order; otherwise the named profiles are
// used in the given order and must be enabled.
func CreateInstancesFromConfig(config *LauncherConfig, profileIDs []string) ([]launch.Instance, error) {
	if config == nil {
		return nil, errors.NewValidationError("configuration cannot be nil", nil)
	}

	var selected []*ProfileConfig
	if len(profileIDs) == 0 {
		for i := range config.Profiles {
			if config.Profiles[i].IsEnabled() {
				selected = append(selected, &config.Profiles[i])
			}
		}
	} else {
		for _, id := range profileIDs {
			profile, ok := config.Profile(id)
			if !ok {
				return nil, errors.NewNotFoundError(fmt.Sprintf("profile '%s' not found", id), nil)
			}
			if !profile.IsEnabled() {
				return nil, errors.NewValidationError(fmt.Sprintf("profile '%s' is disabled", id), nil)
			}
			selected = append(selected, profile)
		}
	}

	instances := make([]launch.Instance, 0, len(selected))
	for _, profile := range selected {
		instance, err := createInstance(config, profile)
		if err != nil {
			return nil, errors.NewValidationError("failed to create launch instance", err).WithContext("profile_id", profile.ID)
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func createInstance(config *LauncherConfig, profile *ProfileConfig) (launch.Instance, error) {
	game, ok := config.Game(profile.Game)
	if !ok {
		return launch.Instance{}, errors.NewNotFoundError(fmt.Sprintf("game '%s' not found", profile.Game), nil)
	}

	request := launch.InjectionRequest{
		ExecutablePath:   profile.Launch.ExecutablePath,
		Args:             profile.Launch.Args,
		WorkingDirectory: profile.Launch.WorkingDirectory,
		Environment:      profile.Launch.Environment,
		Verify:           config.Launcher.VerifyInjection,
	}
	if profile.Injects() {
		request.Modules = profile.Modules
	}

	instance := launch.Instance{
		Name:         profile.ID,
		Request:      request,
		GuardName:    game.SingleInstanceGuard,
		Guard:        config.GuardTarget(game),
		DelaySeconds: profile.Delay(),
	}
	if game.Readiness != nil {
		d, err := game.Readiness.Descriptor()
		if err != nil {
			return launch.Instance{}, err
		}
		instance.Readiness = &d
		instance.ReadinessValueWidth = game.Readiness.ValueWidth
	}
	return instance, nil
}

// RehydrationProfiles lists the profiles of a game for rehydrate.Match
func RehydrationProfiles(config *LauncherConfig, gameID string) []rehydrate.Profile {
	var profiles []rehydrate.Profile
	for _, p := range config.Profiles {
		if p.Game != gameID {
			continue
		}
		profiles = append(profiles, rehydrate.Profile{
			ID:             p.ID,
			ExecutablePath: p.Launch.ExecutablePath,
			Hint:           p.Hint,
		})
	}
	return profiles
}
