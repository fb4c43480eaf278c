package logging

import (
	sprintfLogging "github.com/core-tools/hsu-core/pkg/logging/sprintf"
)

// NewStdFuncs wires the plain sprintf logger from hsu-core, used when no
// structured backend is configured.
func NewStdFuncs() LogFuncs {
	std := sprintfLogging.NewStdSprintfLogger()
	return LogFuncs{
		Debugf: std.Debugf,
		Infof:  std.Infof,
		Warnf:  std.Warnf,
		Errorf: std.Errorf,
	}
}
