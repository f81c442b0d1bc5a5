package security

import (
	"strings"

	"shellgate/internal/domain"
	"shellgate/internal/shell"
)

// Commands that run another command given as an argument. The wrapped
// command is checked against the deny list too.
var wrappers = map[string]bool{
	// bash
	"command": true, "builtin": true, "exec": true, "env": true, "nohup": true,
	"time": true, "nice": true, "ionice": true, "timeout": true, "xargs": true,
	"stdbuf": true, "setsid": true, "doas": true, "sudo": true, "watch": true,
	"eval": true, "then": true, "do": true, "else": true, "if": true, "elif": true,
	"while": true, "until": true, "!": true, "{": true,
	// powershell (folded)
	"foreach-object": true, "where-object": true, "start-process": true,
	"invoke-command": true, "start-job": true,
}

// find(1) actions whose next argument is a command.
var execFlags = map[string]bool{"-exec": true, "-execdir": true, "-ok": true, "-okdir": true}

// Device paths that are safe to name outside the root.
var exemptPaths = map[string]bool{
	"/dev/null": true, "/dev/stdin": true, "/dev/stdout": true, "/dev/stderr": true,
	"/dev/tty": true, "/dev/zero": true, "/dev/urandom": true, "/dev/random": true,
}

// effectiveVerbs returns args[0] plus every command it would run on our
// behalf: `env FOO=1 nice -n 5 rm x` yields env, nice, rm.
func effectiveVerbs(a shell.Adapter, args []string) []string {
	var verbs []string
	for _, i := range verbPositions(a, args) {
		verbs = append(verbs, args[i])
	}
	for j, arg := range args {
		if execFlags[arg] && j+1 < len(args) {
			verbs = append(verbs, args[j+1])
		}
	}
	return verbs
}

// verbPositions returns the index of args[0] and of every command reached by
// unwrapping it.
func verbPositions(a shell.Adapter, args []string) []int {
	var pos []int
	i := 0
	for i < len(args) {
		pos = append(pos, i)
		verb := args[i]
		if !wrappers[a.FoldVerb(verb)] && !wrappers[a.FoldVerb(commandBase(verb))] {
			break
		}
		i++
		for i < len(args) && (strings.HasPrefix(args[i], "-") || isAssignment(args[i]) || isNumeric(args[i]) || args[i] == "{") {
			i++
		}
	}
	return pos
}

// Interpreters that take a script as an argument.
var (
	bashShells = map[string]bool{"bash": true, "sh": true, "zsh": true, "dash": true, "ksh": true, "mksh": true}
	psShells   = map[string]bool{"pwsh": true, "powershell": true}
)

// nestedScript finds a command line that args hand to another interpreter,
// as in `bash -c 'rm x'`, `eval rm x` or `pwsh -Command Remove-Item x`.
// encoded is set when the script is present but cannot be read statically.
func nestedScript(a shell.Adapter, args []string) (script string, kind domain.ShellKind, encoded, ok bool) {
	for _, i := range verbPositions(a, args) {
		verb := strings.ToLower(commandBase(args[i]))
		rest := args[i+1:]
		switch {
		case verb == "eval" && a.Kind() == domain.ShellBash:
			return strings.Join(rest, " "), domain.ShellBash, false, len(rest) > 0
		case a.Kind() == domain.ShellPowerShell && a.FoldVerb(args[i]) == "invoke-expression":
			return strings.Join(psCommandArgs(rest), " "), domain.ShellPowerShell, false, len(rest) > 0
		case bashShells[verb]:
			if s, found := bashCommandString(rest); found {
				return s, domain.ShellBash, false, true
			}
		case psShells[verb]:
			if s, enc, found := psCommandString(rest); found {
				return s, domain.ShellPowerShell, enc, true
			}
		}
	}
	return "", "", false, false
}

// bashCommandString returns the script of `sh [-opts] -c script`.
func bashCommandString(args []string) (string, bool) {
	for j := 0; j < len(args); j++ {
		arg := args[j]
		switch {
		case arg == "--" || !strings.HasPrefix(arg, "-") || len(arg) < 2:
			return "", false
		case arg == "-o" || arg == "+o":
			j++
		case !strings.HasPrefix(arg, "--") && strings.ContainsRune(arg[1:], 'c'):
			if j+1 < len(args) {
				return args[j+1], true
			}
			return "", false
		}
	}
	return "", false
}

// psCommandString returns the script of `pwsh ... -Command script...`. The
// flag may be abbreviated, and -EncodedCommand is reported as encoded.
func psCommandString(args []string) (string, bool, bool) {
	for j, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		name := strings.ToLower(strings.TrimLeft(arg, "-"))
		switch {
		case name == "c" || (len(name) >= 3 && strings.HasPrefix("command", name)):
			if j+1 < len(args) {
				return strings.Join(args[j+1:], " "), false, true
			}
			return "", false, false
		case name == "e" || name == "ec" || (len(name) >= 2 && strings.HasPrefix("encodedcommand", name)):
			return "", true, true
		}
	}
	return "", false, false
}

// psCommandArgs drops a leading -Command flag from Invoke-Expression arguments.
func psCommandArgs(args []string) []string {
	if len(args) > 0 && strings.EqualFold(strings.TrimLeft(args[0], "-"), "command") && strings.HasPrefix(args[0], "-") {
		return args[1:]
	}
	return args
}

// pathCandidates returns the parts of arg that name a filesystem path:
// the argument itself, or the value of --opt=value / -Opt:value forms.
func pathCandidates(a shell.Adapter, arg string) []string {
	var out []string
	if strings.HasPrefix(arg, "-") {
		if _, val, ok := strings.Cut(arg, "="); ok && val != "" && a.IsPathLike(val) {
			out = append(out, val)
		} else if _, val, ok := strings.Cut(arg[1:], ":"); ok && val != "" && a.IsPathLike(val) {
			out = append(out, val)
		}
		return out
	}
	if a.IsPathLike(arg) && !isURL(arg) {
		out = append(out, arg)
	}
	return out
}

// commandBase strips any directory and a trailing .exe from a command name.
func commandBase(verb string) string {
	if i := strings.LastIndexAny(verb, `/\`); i >= 0 {
		verb = verb[i+1:]
	}
	if strings.HasSuffix(strings.ToLower(verb), ".exe") {
		verb = verb[:len(verb)-4]
	}
	return verb
}

// isAssignment reports whether word is a NAME=value prefix.
func isAssignment(word string) bool {
	name, _, ok := strings.Cut(word, "=")
	if !ok || name == "" {
		return false
	}
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func isNumeric(word string) bool {
	word = strings.TrimRight(word, "smhd")
	if word == "" {
		return false
	}
	for _, r := range word {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// hasExpansion reports whether the shell would rewrite s before using it.
func hasExpansion(s string) bool {
	return strings.ContainsAny(s, "$`")
}

func isURL(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, r := range s[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	return true
}
