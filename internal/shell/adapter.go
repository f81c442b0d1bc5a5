// Package shell launches commands in bash or PowerShell and reports the
// directory the shell finished in.
package shell

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"shellgate/internal/domain"
)

// Adapter hides the differences between shells: how to launch them, how to
// quote, how to re-apply a working directory and how to spot a cd.
type Adapter interface {
	Kind() domain.ShellKind
	// Binary is the executable the adapter launches.
	Binary() string
	// Command builds the process for a wrapped script. It is not started.
	Command(ctx context.Context, script string) *exec.Cmd
	// Wrap prefixes command with a change to cwd and appends an epilogue that
	// prints marker followed by the final working directory.
	Wrap(command, cwd, marker string) string
	// Quote makes s a single literal word.
	Quote(s string) string
	// Tokenize splits one simple command into words, quotes removed.
	Tokenize(segment string) ([]string, error)
	// FoldVerb normalises a command name for list matching.
	FoldVerb(verb string) string
	// DetectCwdChange reports whether args change directory and, when it can
	// be known statically, the target. An unknown target is "".
	DetectCwdChange(args []string) (target string, ok bool)
	// IsPathLike reports whether an argument should be checked against the jail.
	IsPathLike(arg string) bool
	// NormalizePath rewrites a path argument into the host's separator
	// convention before it is resolved against the jail.
	NormalizePath(arg string) string
}

// New returns the adapter for kind. binary overrides the executable path.
func New(kind domain.ShellKind, binary string) (Adapter, error) {
	switch kind {
	case domain.ShellBash:
		return NewBash(binary), nil
	case domain.ShellPowerShell:
		return NewPowerShell(binary), nil
	default:
		return nil, fmt.Errorf("unsupported shell kind %q", kind)
	}
}

// Available reports the resolved path of the adapter's executable.
func Available(a Adapter) (string, error) {
	path, err := exec.LookPath(a.Binary())
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrSpawnFailed, a.Binary(), err)
	}
	return path, nil
}

// NewMarker returns a line that cannot plausibly appear in command output.
func NewMarker() string {
	return "__SHELLGATE_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}

// ParseMarker splits stdout at the last marker line. It returns the command's
// own output, the directory printed after the marker and whether the marker
// was found.
func ParseMarker(stdout, marker string) (output, dir string, ok bool) {
	idx := strings.LastIndex(stdout, marker)
	if idx < 0 {
		return stdout, "", false
	}
	output = stdout[:idx]
	// the epilogue emits one newline of its own before the marker
	switch {
	case strings.HasSuffix(output, "\r\n"):
		output = output[:len(output)-2]
	case strings.HasSuffix(output, "\n"):
		output = output[:len(output)-1]
	}

	rest := strings.TrimLeft(stdout[idx+len(marker):], "\r\n")
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return output, strings.TrimSpace(rest), true
}

// trimPartialMarker drops a cut-off marker prefix from the end of truncated output.
func trimPartialMarker(output, marker string) string {
	full := "\n" + marker
	for k := len(full); k > 0; k-- {
		if strings.HasSuffix(output, full[:k]) {
			return output[:len(output)-k]
		}
	}
	return output
}
