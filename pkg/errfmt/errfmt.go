// Package errfmt renders itemized engine failures into the detail text sent
// to clients.
package errfmt

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/openfroyo/upgrader/pkg/engine"
)

const (
	// MaxLineLength bounds one rendered detail line, newline included.
	MaxLineLength = 255
	// MaxDetailLength bounds the whole detail text.
	MaxDetailLength = 4096

	truncationMarker = "- ...\n"
)

// Operation names used as failure message prefixes.
const (
	OpPrepare = "Failed to prepare transaction"
	OpCommit  = "Failed to commit transaction"
)

// Lines renders each detail item of err through its category template.
// Items that do not belong to err's category are skipped, as are all items
// of unrecognized categories.
func Lines(err *engine.Error) []string {
	if err == nil {
		return nil
	}
	var lines []string
	for _, it := range err.Items {
		line, ok := render(err.Code, it)
		if !ok {
			continue
		}
		lines = append(lines, bound(line))
	}
	return lines
}

func render(code engine.ErrorCode, it engine.Item) (string, bool) {
	switch code {
	case engine.ErrPkgInvalidArch:
		if v, ok := it.(engine.InvalidArch); ok {
			return fmt.Sprintf("- Package %s does not have a valid architecture\n", v.Package), true
		}
	case engine.ErrUnsatisfiedDeps:
		if v, ok := it.(engine.MissingDependency); ok {
			return fmt.Sprintf("- Package %s requires %s\n", v.Target, v.Depend.String()), true
		}
	case engine.ErrConflictingDeps:
		if v, ok := it.(engine.Conflict); ok {
			if v.Reason.Mod == engine.DepModAny || v.Reason.Mod == 0 {
				return fmt.Sprintf("- Packages %s and %s are in conflict\n", v.Package1, v.Package2), true
			}
			return fmt.Sprintf("- Packages %s and %s are in conflict: %s\n", v.Package1, v.Package2, v.Reason.String()), true
		}
	case engine.ErrFileConflicts:
		if v, ok := it.(engine.FileConflict); ok {
			switch v.Type {
			case engine.FileConflictTarget:
				return fmt.Sprintf("- %s exists in both %s and %s\n", v.File, v.Target, v.CTarget), true
			case engine.FileConflictFilesystem:
				return fmt.Sprintf("- %s exists in both %s and current filesystem\n", v.File, v.Target), true
			default:
				return fmt.Sprintf("- Unknown conflict for %s\n", v.Target), true
			}
		}
	case engine.ErrPkgInvalid, engine.ErrPkgInvalidChecksum, engine.ErrPkgInvalidSig, engine.ErrDeltaInvalid:
		if v, ok := it.(engine.InvalidPackage); ok {
			return fmt.Sprintf("- %s is invalid or corrupted\n", v.Filename), true
		}
	}
	return "", false
}

// bound truncates a line to MaxLineLength bytes keeping the trailing newline.
// The cut never splits a UTF-8 sequence.
func bound(line string) string {
	if len(line) <= MaxLineLength {
		return line
	}
	cut := MaxLineLength - 1
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut] + "\n"
}

// Detail concatenates the rendered lines of err. Lines that would push the
// text past MaxDetailLength are dropped and a truncation marker is appended.
func Detail(err *engine.Error) string {
	var b strings.Builder
	for _, line := range Lines(err) {
		if b.Len()+len(line) > MaxDetailLength-len(truncationMarker) {
			b.WriteString(truncationMarker)
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// Message builds the failure text of a request: "op: description :\ndetail"
// when err carries itemized detail, "op: description" otherwise. Errors that
// are not engine errors degrade to their plain text.
func Message(op string, err error) string {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		return fmt.Sprintf("%s: %v\n", op, err)
	}
	detail := Detail(ee)
	if detail == "" {
		return fmt.Sprintf("%s: %s\n", op, ee.Code.Description())
	}
	return fmt.Sprintf("%s: %s :\n%s\n", op, ee.Code.Description(), detail)
}
