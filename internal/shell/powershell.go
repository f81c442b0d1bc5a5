package shell

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"unicode"

	"shellgate/internal/domain"
)

const defaultPowerShellPath = "pwsh"

// PowerShell runs commands with `pwsh -NoLogo -NoProfile -NonInteractive -Command`.
type PowerShell struct {
	path string
}

func NewPowerShell(path string) *PowerShell {
	if path == "" {
		path = defaultPowerShellPath
		if _, err := exec.LookPath(path); err != nil {
			if _, err := exec.LookPath("powershell"); err == nil {
				path = "powershell"
			}
		}
	}
	return &PowerShell{path: path}
}

func (p *PowerShell) Kind() domain.ShellKind { return domain.ShellPowerShell }

func (p *PowerShell) Binary() string { return p.path }

func (p *PowerShell) Command(ctx context.Context, script string) *exec.Cmd {
	return exec.CommandContext(ctx, p.path, "-NoLogo", "-NoProfile", "-NonInteractive", "-Command", script)
}

func (p *PowerShell) Wrap(command, cwd, marker string) string {
	var sb strings.Builder
	if cwd != "" {
		sb.WriteString("Set-Location -LiteralPath " + p.Quote(cwd) + " -ErrorAction Stop\n")
	}
	sb.WriteString(command)
	sb.WriteString("\n$__sg_ok = $?\n")
	sb.WriteString("$__sg_rc = if ($LASTEXITCODE) { $LASTEXITCODE } elseif ($__sg_ok) { 0 } else { 1 }\n")
	sb.WriteString("Write-Output ''\n")
	sb.WriteString("Write-Output " + p.Quote(marker) + "\n")
	sb.WriteString("(Get-Location).ProviderPath\n")
	sb.WriteString("exit $__sg_rc\n")
	return sb.String()
}

// PowerShell also treats typographic single quotes as quote characters.
var psSingleQuotes = []rune{'\'', '‘', '’', '‚', '‛'}

func isPSSingleQuote(r rune) bool {
	for _, q := range psSingleQuotes {
		if r == q {
			return true
		}
	}
	return false
}

// Quote wraps s in single quotes, doubling embedded quote characters.
func (p *PowerShell) Quote(s string) string {
	var sb strings.Builder
	sb.WriteByte('\'')
	for _, r := range s {
		if isPSSingleQuote(r) {
			sb.WriteRune(r)
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('\'')
	return sb.String()
}

var errUnterminated = errors.New("unterminated quote")

// Tokenize splits on whitespace honouring '...' (with '' escapes), "..."
// and the backtick escape character.
func (p *PowerShell) Tokenize(segment string) ([]string, error) {
	var (
		words  []string
		buf    strings.Builder
		inWord bool
	)
	runes := []rune(segment)
	flush := func() {
		if inWord {
			words = append(words, buf.String())
			buf.Reset()
			inWord = false
		}
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '`':
			if i+1 < len(runes) {
				i++
				buf.WriteRune(runes[i])
			}
			inWord = true
		case isPSSingleQuote(r):
			inWord = true
			closed := false
			for i++; i < len(runes); i++ {
				if isPSSingleQuote(runes[i]) {
					if i+1 < len(runes) && isPSSingleQuote(runes[i+1]) {
						buf.WriteRune(runes[i])
						i++
						continue
					}
					closed = true
					break
				}
				buf.WriteRune(runes[i])
			}
			if !closed {
				return nil, errUnterminated
			}
		case r == '"':
			inWord = true
			closed := false
			for i++; i < len(runes); i++ {
				if runes[i] == '`' && i+1 < len(runes) {
					i++
					buf.WriteRune(runes[i])
					continue
				}
				if runes[i] == '"' {
					closed = true
					break
				}
				buf.WriteRune(runes[i])
			}
			if !closed {
				return nil, errUnterminated
			}
		case unicode.IsSpace(r):
			flush()
		default:
			buf.WriteRune(r)
			inWord = true
		}
	}
	flush()
	return words, nil
}

// builtin aliases resolved before list matching, so `del` is judged as Remove-Item
var psAliases = map[string]string{
	"rm": "remove-item", "del": "remove-item", "erase": "remove-item",
	"rd": "remove-item", "rmdir": "remove-item", "ri": "remove-item",
	"kill": "stop-process", "spps": "stop-process",
	"iex": "invoke-expression", "icm": "invoke-command",
	"cd": "set-location", "sl": "set-location", "chdir": "set-location",
	"ls": "get-childitem", "dir": "get-childitem", "gci": "get-childitem",
	"cat": "get-content", "gc": "get-content", "type": "get-content",
	"cp": "copy-item", "copy": "copy-item", "cpi": "copy-item",
	"mv": "move-item", "move": "move-item", "mi": "move-item",
	"ni": "new-item", "ps": "get-process", "gps": "get-process",
	"gsv": "get-service", "sls": "select-string",
	"iwr": "invoke-webrequest", "curl": "invoke-webrequest", "wget": "invoke-webrequest",
	"sort": "sort-object", "measure": "measure-object",
	"echo": "write-output", "write": "write-output",
	"pushd": "push-location", "popd": "pop-location",
	"saps": "start-process", "start": "start-process",
	"%": "foreach-object", "foreach": "foreach-object", "?": "where-object", "where": "where-object",
}

// FoldVerb lowercases verb and resolves builtin aliases.
func (p *PowerShell) FoldVerb(verb string) string {
	v := strings.ToLower(verb)
	if full, ok := psAliases[v]; ok {
		return full
	}
	return v
}

func (p *PowerShell) DetectCwdChange(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	switch strings.ToLower(args[0]) {
	case "set-location", "cd", "sl", "chdir", "push-location", "pushd":
	case "pop-location", "popd":
		return "", true
	default:
		return "", false
	}
	rest := args[1:]
	for i := 0; i < len(rest); i++ {
		a := rest[i]
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			name, val, _ := strings.Cut(a[1:], ":")
			switch strings.ToLower(name) {
			case "path", "literalpath", "lp", "pspath":
				if val != "" {
					return val, true
				}
				if i+1 < len(rest) {
					return rest[i+1], true
				}
				return "", true
			}
			continue
		}
		if a == "-" || a == "+" {
			return "", true // location history
		}
		return a, true
	}
	return "~", true
}

func (p *PowerShell) IsPathLike(arg string) bool {
	if strings.ContainsAny(arg, `/\`) || arg == ".." || strings.HasPrefix(arg, "~") {
		return true
	}
	// drive-qualified, e.g. C:
	return len(arg) >= 2 && arg[1] == ':' && unicode.IsLetter(rune(arg[0]))
}

// NormalizePath turns backslashes into slashes off Windows, where pwsh
// accepts both as separators but the host path functions do not.
func (p *PowerShell) NormalizePath(arg string) string {
	if runtime.GOOS == "windows" {
		return arg
	}
	return strings.ReplaceAll(arg, `\`, "/")
}
