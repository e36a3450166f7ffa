package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/upgrader/pkg/protocol"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

var milestoneText = map[protocol.Milestone]string{
	protocol.MilestoneRetrievingPkgs:   "Retrieving packages...",
	protocol.MilestoneCheckingDeps:     "Checking dependencies...",
	protocol.MilestoneResolvingDeps:    "Resolving dependencies...",
	protocol.MilestoneInterconflicts:   "Looking for conflicting packages...",
	protocol.MilestoneKeyDownload:      "Downloading required keys...",
	protocol.MilestoneDeltaIntegrity:   "Checking delta integrity...",
	protocol.MilestoneDeltaPatches:     "Applying deltas...",
	protocol.MilestoneDeltaPatchDone:   "Delta applied",
	protocol.MilestoneDeltaPatchFailed: "Delta failed",
}

// renderer prints broker notifications for a person reading the terminal,
// or one JSON object per signal with --json.
type renderer struct {
	mu   sync.Mutex
	out  io.Writer
	json bool
}

func newRenderer(out io.Writer, asJSON bool) *renderer {
	return &renderer{out: out, json: asJSON}
}

// Signal renders one notification. Questions are not rendered here.
func (r *renderer) Signal(sig *protocol.SignalMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.json {
		if err := json.NewEncoder(r.out).Encode(sig); err != nil {
			log.Warn().Err(err).Msg("Failed to write signal")
		}
		return
	}

	line, err := r.format(sig)
	if err != nil {
		log.Debug().Err(err).Str("signal", string(sig.Name)).Msg("Skipping signal")
		return
	}
	if line != "" {
		fmt.Fprintln(r.out, line)
	}
}

func (r *renderer) format(sig *protocol.SignalMessage) (string, error) {
	switch sig.Name {
	case protocol.SignalSyncStarted:
		return headingStyle.Render(":: Synchronizing package databases..."), nil

	case protocol.SignalSyncRepoEnd:
		var p protocol.SyncRepoEndPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		switch p.Outcome {
		case protocol.SyncOutcomeCurrent:
			return fmt.Sprintf(" %s is up to date", p.Name), nil
		case protocol.SyncOutcomeFailed:
			return errorStyle.Render(fmt.Sprintf(" failed to update %s", p.Name)), nil
		}
		return fmt.Sprintf(" %s updated", p.Name), nil

	case protocol.SignalEvent:
		var p protocol.EventPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		if text, ok := milestoneText[p.Milestone]; ok {
			return headingStyle.Render(":: " + text), nil
		}
		return "", nil

	case protocol.SignalProgress:
		var p protocol.ProgressPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		// Only the start of each step is printed.
		if p.Percent != 0 {
			return "", nil
		}
		if p.Package == "" {
			return fmt.Sprintf("(%d/%d) %s", p.Current, p.Total, operationText(p.Operation)), nil
		}
		return fmt.Sprintf("(%d/%d) %s %s", p.Current, p.Total, operationText(p.Operation), p.Package), nil

	case protocol.SignalDownloadTotal:
		var p protocol.DownloadTotalPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		return fmt.Sprintf("Total download size: %s", humanize.IBytes(uint64(p.Total))), nil

	case protocol.SignalScriptlet:
		var p protocol.TextPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		return strings.TrimRight(p.Text, "\n"), nil

	case protocol.SignalLog:
		var p protocol.LogPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		text := strings.TrimRight(p.Text, "\n")
		switch p.Level {
		case "error":
			return errorStyle.Render("error: ") + text, nil
		case "warning":
			return warningStyle.Render("warning: ") + text, nil
		}
		return text, nil

	case protocol.SignalOptDepRequired:
		var p protocol.OptDepRequiredPayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		return warningStyle.Render("warning: ") + fmt.Sprintf("%s optionally requires %s", p.Package, p.Depend), nil

	case protocol.SignalInstalled, protocol.SignalReinstalled, protocol.SignalRemoved,
		protocol.SignalUpgraded, protocol.SignalDowngraded:
		var p protocol.PackageChangePayload
		if err := decodePayload(sig, &p); err != nil {
			return "", err
		}
		return packageChangeText(sig.Name, &p), nil
	}
	return "", nil
}

func operationText(op protocol.Operation) string {
	switch op {
	case protocol.OperationFileConflicts:
		return "checking for file conflicts"
	case protocol.OperationCheckingDiskspace:
		return "checking available disk space"
	case protocol.OperationPkgIntegrity:
		return "checking package integrity"
	case protocol.OperationLoadPkgFiles:
		return "loading package files"
	case protocol.OperationKeyring:
		return "checking keys in keyring"
	}
	return string(op)
}

func packageChangeText(name protocol.SignalName, p *protocol.PackageChangePayload) string {
	var b strings.Builder
	switch name {
	case protocol.SignalUpgraded, protocol.SignalDowngraded:
		fmt.Fprintf(&b, "%s %s (%s -> %s)", strings.ToLower(string(name)), p.Name, p.OldVersion, p.NewVersion)
	case protocol.SignalRemoved:
		fmt.Fprintf(&b, "removed %s (%s)", p.Name, p.OldVersion)
	default:
		fmt.Fprintf(&b, "%s %s (%s)", strings.ToLower(string(name)), p.Name, p.NewVersion)
	}
	if len(p.OptDeps) > 0 {
		b.WriteString("\n" + headingStyle.Render("Optional dependencies for "+p.Name))
		for _, dep := range p.OptDeps {
			b.WriteString("\n    " + dep)
		}
	}
	return b.String()
}

// printPackages writes the staged transaction as a table followed by the
// download and size totals.
func printPackages(out io.Writer, pkgs []protocol.PackageDelta) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PACKAGE\tACTION\tOLD\tNEW\tDOWNLOAD")

	var download, delta int64
	for _, p := range pkgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			p.Name, p.Action, p.OldVersion, p.NewVersion, humanize.IBytes(uint64(p.DownloadSize)))
		download += p.DownloadSize
		delta += p.NewInstalledSize - p.OldInstalledSize
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTotal download size: %s\n", humanize.IBytes(uint64(download)))
	sign := ""
	if delta < 0 {
		sign, delta = "-", -delta
	}
	fmt.Fprintf(out, "Net upgrade size:    %s%s\n", sign, humanize.IBytes(uint64(delta)))
	return nil
}
