package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/openfroyo/upgrader/pkg/client"
	"github.com/openfroyo/upgrader/pkg/protocol"
)

// prompter asks the user yes/no and multiple choice questions.
type prompter interface {
	Confirm(title, description string, def bool) (bool, error)
	Select(title string, options []string) (int, error)
}

// formPrompter asks through huh forms on the terminal.
type formPrompter struct{}

func (formPrompter) Confirm(title, description string, def bool) (bool, error) {
	answer := def
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&answer),
	)).Run()
	return answer, err
}

func (formPrompter) Select(title string, options []string) (int, error) {
	opts := make([]huh.Option[int], len(options))
	for i, o := range options {
		opts[i] = huh.NewOption(o, i)
	}
	var choice int
	err := huh.NewForm(huh.NewGroup(
		huh.NewSelect[int]().Title(title).Options(opts...).Value(&choice),
	)).Run()
	return choice, err
}

// interactive reports whether both stdin and stderr are terminals.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

// question is a decoded engine question ready to be shown.
type question struct {
	title       string
	description string
	def         bool
	options     []string
}

// describeQuestion turns a question signal into prompt text. Default
// answers follow the engine's usual defaults: replacing packages, keys and
// ignored packages is accepted, destructive choices are not.
func describeQuestion(sig *protocol.SignalMessage) (*question, error) {
	switch sig.Name {
	case protocol.SignalAskInstallIgnorePkg:
		var p protocol.AskInstallIgnorePkgPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		return &question{title: fmt.Sprintf("%s is in IgnorePkg/IgnoreGroup. Install anyway?", p.Package), def: true}, nil

	case protocol.SignalAskReplacePkg:
		var p protocol.AskReplacePkgPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		return &question{
			title: fmt.Sprintf("Replace %s with %s/%s?", p.OldPackage, p.NewRepo, p.NewPackage),
			def:   true,
		}, nil

	case protocol.SignalAskConflictPkg:
		var p protocol.AskConflictPkgPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		q := &question{title: fmt.Sprintf("%s and %s are in conflict. Remove %s?", p.Package1, p.Package2, p.Package2)}
		if p.Reason != "" {
			q.title = fmt.Sprintf("%s and %s are in conflict (%s). Remove %s?", p.Package1, p.Package2, p.Reason, p.Package2)
		}
		return q, nil

	case protocol.SignalAskRemovePkgs:
		var p protocol.AskRemovePkgsPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		return &question{
			title:       "Some packages cannot be upgraded because of unresolvable dependencies. Skip them for this upgrade?",
			description: strings.Join(p.Packages, "\n"),
		}, nil

	case protocol.SignalAskSelectProvider:
		var p protocol.AskSelectProviderPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		q := &question{title: fmt.Sprintf("There are %d providers available for %s:", len(p.Providers), p.Depend)}
		for _, prov := range p.Providers {
			if prov.Name == "" {
				q.options = append(q.options, "(unavailable)")
				continue
			}
			q.options = append(q.options, fmt.Sprintf("%s/%s %s", prov.Repo, prov.Name, prov.Version))
		}
		return q, nil

	case protocol.SignalAskCorruptedPkg:
		var p protocol.AskCorruptedPkgPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		return &question{title: fmt.Sprintf("File %s is corrupted (%s). Delete it?", p.File, p.Error), def: true}, nil

	case protocol.SignalAskImportKey:
		var p protocol.AskImportKeyPayload
		if err := decodePayload(sig, &p); err != nil {
			return nil, err
		}
		return &question{
			title:       fmt.Sprintf("Import PGP key %s?", p.Fingerprint),
			description: fmt.Sprintf("%s, created %s", p.UID, p.Created),
			def:         true,
		}, nil
	}
	return nil, fmt.Errorf("unknown question %s", sig.Name)
}

// ask shows a question and returns the choice to send back. A question
// that cannot be shown gets the conservative answer 0.
func ask(p prompter, sig *protocol.SignalMessage) int {
	q, err := describeQuestion(sig)
	if err != nil {
		log.Warn().Err(err).Msg("Answering with default")
		return 0
	}

	if len(q.options) > 0 {
		choice, err := p.Select(q.title, q.options)
		if err != nil {
			log.Warn().Err(err).Str("question", string(sig.Name)).Msg("Answering with default")
			return 0
		}
		return choice
	}

	yes, err := p.Confirm(q.title, q.description, q.def)
	if err != nil {
		log.Warn().Err(err).Str("question", string(sig.Name)).Msg("Answering with default")
		return 0
	}
	if yes {
		return 1
	}
	return 0
}

// questionHandler answers questions through p and passes notifications to
// next.
func questionHandler(ctx context.Context, c *client.Client, p prompter, next client.SignalHandler) client.SignalHandler {
	return func(sig *protocol.SignalMessage) {
		if !sig.Name.IsQuestion() {
			next(sig)
			return
		}
		if err := c.Answer(ctx, ask(p, sig)); err != nil {
			log.Warn().Err(err).Str("question", string(sig.Name)).Msg("Failed to answer question")
		}
	}
}

func decodePayload(sig *protocol.SignalMessage, v interface{}) error {
	if len(sig.Payload) == 0 {
		return fmt.Errorf("%s has no payload", sig.Name)
	}
	if err := json.Unmarshal(sig.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", sig.Name, err)
	}
	return nil
}
