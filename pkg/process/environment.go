package process

import (
	"strings"
	"unicode/utf16"

	"github.com/core-tools/hsu-launcher/pkg/errors"
)

// EnvVar is one environment override. Overrides are applied in order.
type EnvVar struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// envKey returns the variable name of a "KEY=value" entry. Entries such as
// "=C:=C:\dir" keep their leading '=' as part of the name.
func envKey(entry string) string {
	start := 0
	if strings.HasPrefix(entry, "=") {
		start = 1
	}
	if i := strings.IndexByte(entry[start:], '='); i >= 0 {
		return entry[:start+i]
	}
	return entry
}

// LayerEnvironment applies overrides on top of base. Names compare
// case-insensitively; an override replaces the inherited entry in place and
// an unknown name is appended.
func LayerEnvironment(base []string, overrides []EnvVar) []string {
	env := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base))
	for _, entry := range base {
		if entry == "" {
			continue
		}
		key := strings.ToUpper(envKey(entry))
		if i, ok := index[key]; ok {
			env[i] = entry
			continue
		}
		index[key] = len(env)
		env = append(env, entry)
	}

	for _, o := range overrides {
		key := strings.ToUpper(o.Key)
		if i, ok := index[key]; ok {
			env[i] = o.String()
			continue
		}
		index[key] = len(env)
		env = append(env, o.String())
	}
	return env
}

// EncodeEnvironmentBlock encodes env as a wide-character block: every entry
// is NUL-terminated and the block ends with one more NUL. An empty
// environment still carries two terminators.
func EncodeEnvironmentBlock(env []string) []uint16 {
	var block []uint16
	for _, entry := range env {
		block = append(block, utf16.Encode([]rune(entry))...)
		block = append(block, 0)
	}
	if len(block) == 0 {
		block = append(block, 0)
	}
	return append(block, 0)
}

// ValidateEnvironment rejects overrides that cannot be represented in an
// environment block.
func ValidateEnvironment(overrides []EnvVar) error {
	for _, o := range overrides {
		if o.Key == "" {
			return errors.NewValidationError("environment variable name cannot be empty", nil)
		}
		if strings.ContainsAny(o.Key, "=\x00") {
			return errors.NewValidationError("invalid environment variable name: "+o.Key, nil)
		}
		if strings.ContainsRune(o.Value, 0) {
			return errors.NewValidationError("environment variable value contains NUL: "+o.Key, nil)
		}
	}
	return nil
}
