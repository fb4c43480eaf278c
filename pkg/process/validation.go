package process

import (
	"os"
	"path/filepath"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// ValidateFileExists fails with a not-found error when path is not a regular file.
func ValidateFileExists(path, what string) error {
	if path == "" {
		return errors.NewValidationError(what+" path is required", nil)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NewNotFoundError(what+" not found: "+path, err)
		}
		return errors.NewIOError(what+" not accessible: "+path, err)
	}
	if info.IsDir() {
		return errors.NewValidationError(what+" is a directory: "+path, nil)
	}
	return nil
}

// ValidateLaunchConfig validates launch configuration
func ValidateLaunchConfig(config LaunchConfig) error {
	if err := ValidateFileExists(config.ExecutablePath, "executable"); err != nil {
		return err
	}

	// Validate working directory if provided
	if config.WorkingDirectory != "" {
		if !filepath.IsAbs(config.WorkingDirectory) {
			return errors.NewValidationError("working directory must be absolute path", nil)
		}

		if info, err := os.Stat(config.WorkingDirectory); err != nil {
			return errors.NewValidationError("working directory not accessible: "+config.WorkingDirectory, err)
		} else if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory: "+config.WorkingDirectory, nil)
		}
	}

	return ValidateEnvironment(config.Environment)
}
