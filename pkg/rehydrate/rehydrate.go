// Package rehydrate pairs already running game clients with the profiles
// that probably started them. The pairing is a heuristic best guess for
// display purposes; nothing in the launch core depends on it.
package rehydrate

import (
	"path"
	"sort"
	"strings"

	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi"
	"github.com/core-tools/hsu-launcher/pkg/process"
)

type Profile struct {
	ID             string
	ExecutablePath string
	// Hint is matched against window titles, for example a character name.
	Hint string
}

type Candidate struct {
	ProcessID uint32
	ExeName   string
	// ImagePath is empty when the image could not be read.
	ImagePath string
	Title     string
}

// Rule records which heuristic produced a match.
type Rule string

const (
	RuleImagePath Rule = "image_path"
	RuleTitle     Rule = "title"
	RuleExeName   Rule = "exe_name"
)

// Pairing ties one profile to one running process.
type Pairing struct {
	ProfileID string
	ProcessID uint32
	Rule      Rule
}

// Snapshot lists running processes named in names. Processes whose image
// path cannot be read are kept only when includeInaccessible is set.
func Snapshot(api osapi.EnumerationAPI, logger logging.Logger, names []string, includeInaccessible bool) ([]Candidate, error) {
	entries, err := process.FindByName(api, names...)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for _, e := range entries {
		c := Candidate{ProcessID: e.ProcessID, ExeName: e.ExeName}
		imagePath, err := api.ProcessImagePath(e.ProcessID)
		if err != nil {
			if !includeInaccessible {
				logger.Debugf("Skipping process with unreadable image, pid: %d, error: %v", e.ProcessID, err)
				continue
			}
		} else {
			c.ImagePath = imagePath
		}
		if title, err := api.MainWindowTitle(e.ProcessID); err == nil {
			c.Title = title
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// Match pairs profiles with candidates. Each profile and each process is
// used at most once. Passes run from most to least specific: identical
// image path, then same executable name with the hint in the window title,
// then same executable name alone in process id order.
func Match(profiles []Profile, candidates []Candidate) []Pairing {
	sorted := append([]Candidate(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProcessID < sorted[j].ProcessID })

	matched := make(map[string]Pairing)
	claimed := make(map[uint32]bool)

	pass := func(rule Rule, accept func(p Profile, c Candidate) bool) {
		for _, p := range profiles {
			if _, done := matched[p.ID]; done {
				continue
			}
			for _, c := range sorted {
				if claimed[c.ProcessID] || !sameExe(p, c) || !accept(p, c) {
					continue
				}
				matched[p.ID] = Pairing{ProfileID: p.ID, ProcessID: c.ProcessID, Rule: rule}
				claimed[c.ProcessID] = true
				break
			}
		}
	}

	pass(RuleImagePath, func(p Profile, c Candidate) bool {
		return c.ImagePath != "" && strings.EqualFold(normalizePath(c.ImagePath), normalizePath(p.ExecutablePath))
	})
	pass(RuleTitle, func(p Profile, c Candidate) bool {
		hint := strings.TrimSpace(p.Hint)
		return hint != "" && strings.Contains(strings.ToLower(c.Title), strings.ToLower(hint))
	})
	pass(RuleExeName, func(Profile, Candidate) bool { return true })

	out := make([]Pairing, 0, len(matched))
	for _, p := range profiles {
		if m, ok := matched[p.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func sameExe(p Profile, c Candidate) bool {
	return process.NormalizeProcessName(exeName(p.ExecutablePath)) == process.NormalizeProcessName(c.ExeName)
}

func normalizePath(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

func exeName(p string) string {
	return path.Base(normalizePath(p))
}
