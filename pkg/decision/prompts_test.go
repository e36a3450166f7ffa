package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/upgrader/pkg/engine"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

func TestPrompt(t *testing.T) {
	tests := []struct {
		name     string
		question engine.Question
		signal   protocol.SignalName
		payload  interface{}
	}{
		{
			name: "replace",
			question: engine.ReplacePkgQuestion{
				OldPackage: &engine.Package{Name: "gtk", DB: "local"},
				NewPackage: &engine.Package{Name: "gtk2", DB: "extra"},
				NewRepo:    "extra",
			},
			signal: protocol.SignalAskReplacePkg,
			payload: &protocol.AskReplacePkgPayload{
				OldRepo: "local", OldPackage: "gtk", NewRepo: "extra", NewPackage: "gtk2",
			},
		},
		{
			name:     "conflict reason equal to a package is dropped",
			question: engine.ConflictPkgQuestion{Package1: "a", Package2: "b", Reason: "b"},
			signal:   protocol.SignalAskConflictPkg,
			payload:  &protocol.AskConflictPkgPayload{Package1: "a", Package2: "b"},
		},
		{
			name:     "conflict reason kept",
			question: engine.ConflictPkgQuestion{Package1: "a", Package2: "b", Reason: "libfoo"},
			signal:   protocol.SignalAskConflictPkg,
			payload:  &protocol.AskConflictPkgPayload{Package1: "a", Package2: "b", Reason: "libfoo"},
		},
		{
			name:     "remove packages",
			question: engine.RemovePkgsQuestion{Packages: []*engine.Package{{Name: "a"}, {Name: "b"}}},
			signal:   protocol.SignalAskRemovePkgs,
			payload:  &protocol.AskRemovePkgsPayload{Packages: []string{"a", "b"}},
		},
		{
			name: "select provider keeps candidate positions",
			question: engine.SelectProviderQuestion{
				Depend: engine.Depend{Name: "sh"},
				Providers: []*engine.Package{
					{Name: "bash", Version: "5.2-1", DB: "core"},
					nil,
					{Name: "dash", Version: "0.5-1", DB: "extra"},
				},
			},
			signal: protocol.SignalAskSelectProvider,
			payload: &protocol.AskSelectProviderPayload{
				Depend: "sh",
				Providers: []protocol.Provider{
					{Repo: "core", Name: "bash", Version: "5.2-1"},
					{},
					{Repo: "extra", Name: "dash", Version: "0.5-1"},
				},
			},
		},
		{
			name:     "corrupted package",
			question: engine.CorruptedPkgQuestion{Filepath: "/var/cache/a.pkg.tar.zst", Reason: engine.ErrPkgInvalidChecksum},
			signal:   protocol.SignalAskCorruptedPkg,
			payload: &protocol.AskCorruptedPkgPayload{
				File:  "/var/cache/a.pkg.tar.zst",
				Error: engine.ErrPkgInvalidChecksum.Description(),
			},
		},
		{
			name: "import key",
			question: engine.ImportKeyQuestion{Key: engine.PGPKey{
				Fingerprint: "0123ABCD",
				UID:         "Dev <dev@example.org>",
				Created:     time.Date(2019, time.July, 4, 13, 0, 0, 0, time.UTC),
			}},
			signal: protocol.SignalAskImportKey,
			payload: &protocol.AskImportKeyPayload{
				Fingerprint: "0123ABCD",
				UID:         "Dev <dev@example.org>",
				Created:     "2019-07-04",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, payload, ok := Prompt(tt.question)
			require.True(t, ok)
			assert.Equal(t, tt.signal, name)
			assert.Equal(t, tt.payload, payload)
			assert.True(t, name.IsQuestion())
		})
	}
}

func TestPrompt_Unknown(t *testing.T) {
	_, _, ok := Prompt(unknownQuestion{})
	assert.False(t, ok)
}
