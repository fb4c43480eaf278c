package rehydrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-launcher/pkg/logging"
	"github.com/core-tools/hsu-launcher/pkg/osapi/osapitest"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name       string
		profiles   []Profile
		candidates []Candidate
		want       []Pairing
	}{
		{
			name: "image path beats title",
			profiles: []Profile{
				{ID: "main", ExecutablePath: `C:\Games\Main\client.exe`, Hint: "Alt"},
				{ID: "alt", ExecutablePath: `C:\Games\Alt\client.exe`, Hint: "Alt"},
			},
			candidates: []Candidate{
				{ProcessID: 200, ExeName: "client.exe", ImagePath: `C:\Games\Alt\client.exe`, Title: "Client - Alt"},
				{ProcessID: 100, ExeName: "client.exe", ImagePath: `C:\Games\Main\client.exe`, Title: "Client - Alt"},
			},
			want: []Pairing{
				{ProfileID: "main", ProcessID: 100, Rule: RuleImagePath},
				{ProfileID: "alt", ProcessID: 200, Rule: RuleImagePath},
			},
		},
		{
			name: "title hint in shared install",
			profiles: []Profile{
				{ID: "warrior", ExecutablePath: `C:\Games\client.exe`, Hint: "Brutus"},
				{ID: "mage", ExecutablePath: `C:\Games\client.exe`, Hint: "merlin"},
			},
			candidates: []Candidate{
				{ProcessID: 100, ExeName: "CLIENT.EXE", Title: "Client - Merlin"},
				{ProcessID: 200, ExeName: "client.exe", Title: "Client - Brutus"},
			},
			want: []Pairing{
				{ProfileID: "warrior", ProcessID: 200, Rule: RuleTitle},
				{ProfileID: "mage", ProcessID: 100, Rule: RuleTitle},
			},
		},
		{
			name: "exe name fallback in pid order",
			profiles: []Profile{
				{ID: "first", ExecutablePath: `C:\Games\client.exe`},
				{ID: "second", ExecutablePath: `C:\Games\client.exe`},
				{ID: "third", ExecutablePath: `C:\Games\client.exe`},
			},
			candidates: []Candidate{
				{ProcessID: 300, ExeName: "client.exe"},
				{ProcessID: 100, ExeName: "client.exe"},
			},
			want: []Pairing{
				{ProfileID: "first", ProcessID: 100, Rule: RuleExeName},
				{ProfileID: "second", ProcessID: 300, Rule: RuleExeName},
			},
		},
		{
			name:       "different executable never matches",
			profiles:   []Profile{{ID: "main", ExecutablePath: `C:\Games\client.exe`, Hint: "Main"}},
			candidates: []Candidate{{ProcessID: 100, ExeName: "launcher.exe", Title: "Main"}},
			want:       []Pairing{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.profiles, tt.candidates))
		})
	}
}

func TestSnapshot_InaccessibleImages(t *testing.T) {
	fake := osapitest.New()
	open := fake.AddProcess("client.exe")
	open.Title = "Client - Main"
	locked := fake.AddProcess("client.exe")
	locked.DenyImagePath()
	fake.AddProcess("other.exe")

	candidates, err := Snapshot(fake, logging.NewNopLogger(), []string{"client"}, false)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, open.PID, candidates[0].ProcessID)
	assert.Equal(t, `C:\Games\client.exe`, candidates[0].ImagePath)
	assert.Equal(t, "Client - Main", candidates[0].Title)

	candidates, err = Snapshot(fake, logging.NewNopLogger(), []string{"client"}, true)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, locked.PID, candidates[1].ProcessID)
	assert.Empty(t, candidates[1].ImagePath)
}
