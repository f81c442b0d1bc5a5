package shell

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/mattn/go-shellwords"

	"shellgate/internal/domain"
)

const defaultBashPath = "/bin/bash"

// Bash runs commands with `bash --noprofile --norc -c`.
type Bash struct {
	path string
}

func NewBash(path string) *Bash {
	if path == "" {
		path = "bash"
		if _, err := os.Stat(defaultBashPath); err == nil {
			path = defaultBashPath
		}
	}
	return &Bash{path: path}
}

func (b *Bash) Kind() domain.ShellKind { return domain.ShellBash }

func (b *Bash) Binary() string { return b.path }

func (b *Bash) Command(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, b.path, "--noprofile", "--norc", "-c", script)
}

// Wrap switches bash to physical mode so a later `cd ..` climbs out of a
// symlink's target, the same way the jail resolves it.
func (b *Bash) Wrap(command, cwd, marker string) string {
	var sb strings.Builder
	sb.WriteString("set -P\n")
	if cwd != "" {
		sb.WriteString("cd -- " + b.Quote(cwd) + " || exit 1\n")
	}
	sb.WriteString(command)
	sb.WriteString("\n__sg_rc=$?\n")
	sb.WriteString("printf '\\n%s\\n' " + b.Quote(marker) + "\n")
	sb.WriteString("pwd -P\n")
	sb.WriteString("exit $__sg_rc\n")
	return sb.String()
}

func (b *Bash) Quote(s string) string { return shellescape.Quote(s) }

// Tokenize parses segment with shell quoting rules. Redirection operators end
// a word; the word after one is kept so redirect targets are still checked.
func (b *Bash) Tokenize(segment string) ([]string, error) {
	var words []string
	rest := segment
	for {
		p := shellwords.NewParser()
		args, err := p.Parse(rest)
		if err != nil {
			return nil, err
		}
		words = append(words, args...)
		if p.Position < 0 {
			return words, nil
		}
		runes := []rune(rest)
		i := p.Position
		for i < len(runes) && runes[i] >= '0' && runes[i] <= '9' {
			i++
		}
		for i < len(runes) && strings.ContainsRune("<>&|;", runes[i]) {
			i++
		}
		if i == p.Position {
			i++
		}
		if i >= len(runes) {
			return words, nil
		}
		rest = string(runes[i:])
	}
}

func (b *Bash) FoldVerb(verb string) string { return verb }

func (b *Bash) DetectCwdChange(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch args[0] {
	case "cd", "pushd":
	case "popd":
		return "", true
	default:
		return "", false
	}
	for _, a := range args[1:] {
		switch {
		case a == "--":
			continue
		case a == "-":
			return "", true // $OLDPWD
		case strings.HasPrefix(a, "-") || strings.HasPrefix(a, "+"):
			// -L, -P, -e, pushd +N
			continue
		default:
			return a, true
		}
	}
	if args[0] == "pushd" {
		return "", true
	}
	return "~", true
}

func (b *Bash) IsPathLike(arg string) bool {
	return strings.Contains(arg, "/") || arg == ".." || strings.HasPrefix(arg, "~")
}

func (b *Bash) NormalizePath(arg string) string { return arg }
