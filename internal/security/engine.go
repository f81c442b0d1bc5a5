// Package security classifies proposed shell commands as allow,
// needs_approval or deny before anything is executed.
package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"shellgate/internal/config"
	"shellgate/internal/domain"
	"shellgate/internal/jail"
	"shellgate/internal/shell"
)

// Rule names reported in PolicyVerdict.MatchedRule.
const (
	RuleEmpty          = "empty-command"
	RuleTooLong        = "max-command-len"
	RuleParse          = "parse-error"
	RuleUnsupported    = "unsupported-shell"
	RulePathEscape     = "path-escape"
	RulePathUnresolved = "path-unresolved"
	RuleStrict         = "strict-mode"
	RuleAdvisory       = "advisory-mode"
	RuleAssignment     = "assignment-only"
	RuleEncoded        = "encoded-command"
	rulePrefixDenied   = "denied-command:"
	rulePrefixPattern  = "denied-pattern:"
	rulePrefixAllowed  = "allowed-command:"
)

// Engine evaluates CommandRequests against a PolicyConfig. It holds no
// mutable state after construction and is safe for concurrent use.
type Engine struct {
	cfg    config.PolicyConfig
	jail   *jail.Jail
	logger *slog.Logger

	adapters map[domain.ShellKind]shell.Adapter
	denied   map[domain.ShellKind]map[string]string // folded verb -> configured name
	allowed  map[domain.ShellKind]map[string]string
	patterns []*regexp.Regexp
}

func NewEngine(cfg config.PolicyConfig, j *jail.Jail, logger *slog.Logger) (*Engine, error) {
	if j == nil {
		return nil, fmt.Errorf("policy engine needs a jail")
	}
	mode := domain.EnforceMode(cfg.EnforceMode)
	if mode != domain.EnforceStrict && mode != domain.EnforceAdvisory {
		return nil, fmt.Errorf("invalid enforce mode %q", cfg.EnforceMode)
	}

	e := &Engine{
		cfg:      cfg,
		jail:     j,
		logger:   logger,
		adapters: make(map[domain.ShellKind]shell.Adapter),
		denied:   make(map[domain.ShellKind]map[string]string),
		allowed:  make(map[domain.ShellKind]map[string]string),
	}

	for _, kind := range []domain.ShellKind{domain.ShellBash, domain.ShellPowerShell} {
		a, err := shell.New(kind, "")
		if err != nil {
			return nil, err
		}
		e.adapters[kind] = a
		lists := cfg.ForShell(kind)
		e.denied[kind] = foldList(a, lists.Denied)
		e.allowed[kind] = foldList(a, lists.Allowed)
	}

	var err error
	e.patterns, err = compilePatterns(cfg.DeniedPatterns)
	if err != nil {
		return nil, fmt.Errorf("invalid denied pattern: %w", err)
	}
	return e, nil
}

// Jail returns the path jail the engine checks against.
func (e *Engine) Jail() *jail.Jail { return e.jail }

// Evaluate classifies req. It performs no I/O beyond resolving symlinks for
// path arguments and returns the same verdict for the same request and
// filesystem state.
func (e *Engine) Evaluate(req domain.CommandRequest) domain.PolicyVerdict {
	v, _ := e.EvaluateDir(req)
	return v
}

// EvaluateDir is Evaluate plus the directory the command is expected to
// finish in, for checking a following command before this one has run. A
// directory change that cannot be known statically yields the root, where
// relative paths have the least room to climb.
func (e *Engine) EvaluateDir(req domain.CommandRequest) (domain.PolicyVerdict, string) {
	v, dir := e.evaluate(req, 0)
	if v.Decision == domain.DecisionDeny {
		e.logger.Warn("command denied",
			"shell", req.Shell,
			"command", req.RawText,
			"reason", v.Reason,
			"rule", v.MatchedRule,
		)
	} else {
		e.logger.Debug("command evaluated",
			"shell", req.Shell,
			"command", req.RawText,
			"decision", v.Decision.String(),
			"rule", v.MatchedRule,
		)
	}
	return v, dir
}

func (e *Engine) evaluate(req domain.CommandRequest, depth int) (domain.PolicyVerdict, string) {
	cwd := e.jail.Root()
	text := strings.TrimSpace(req.RawText)
	if text == "" {
		return deny("empty command", RuleEmpty, ""), cwd
	}
	if n := utf8.RuneCountInString(req.RawText); n > e.cfg.MaxCommandLen {
		return deny(fmt.Sprintf("command too long (%d > %d characters)", n, e.cfg.MaxCommandLen), RuleTooLong, ""), cwd
	}
	if strings.ContainsRune(text, 0) {
		return deny("command contains a NUL byte", RuleParse, ""), cwd
	}
	if depth > maxNesting {
		return deny("interpreters nested too deeply", RuleParse, ""), cwd
	}

	adapter, ok := e.adapters[req.Shell]
	if !ok {
		return deny(fmt.Sprintf("unsupported shell %q", req.Shell), RuleUnsupported, ""), cwd
	}

	if req.WorkingDir != "" {
		resolved, err := e.jail.Resolve(adapter.NormalizePath(req.WorkingDir), e.jail.Root())
		if err != nil {
			return deny(fmt.Sprintf("working directory %q escapes the sandbox root", req.WorkingDir), RulePathEscape, ""), cwd
		}
		cwd = resolved
	}

	if re := e.matchPattern(text); re != nil {
		return deny("matches denied pattern", rulePrefixPattern+re.String(), text), cwd
	}

	segments, err := splitChain(text, req.Shell)
	if err != nil {
		return deny("cannot parse command: "+err.Error(), RuleParse, ""), cwd
	}
	if len(segments) == 0 {
		return deny("empty command", RuleEmpty, ""), cwd
	}

	var (
		verdict domain.PolicyVerdict
		have    bool
	)
	for _, seg := range segments {
		sv, next := e.evaluateSegment(adapter, req.Shell, seg, cwd, depth)
		if !have || sv.Decision > verdict.Decision {
			verdict, have = sv, true
		}
		if verdict.Decision == domain.DecisionDeny {
			return verdict, cwd
		}
		cwd = next
	}
	return verdict, cwd
}

// evaluateSegment runs the rule pipeline on one simple command and returns
// its verdict plus the working directory later segments should assume.
func (e *Engine) evaluateSegment(a shell.Adapter, kind domain.ShellKind, seg, cwd string, depth int) (domain.PolicyVerdict, string) {
	args, err := a.Tokenize(seg)
	if err != nil {
		args = strings.Fields(seg)
	}
	for len(args) > 0 && isAssignment(args[0]) {
		args = args[1:]
	}
	if len(args) == 0 {
		return domain.PolicyVerdict{Decision: domain.DecisionAllow, Reason: "assignment only", MatchedRule: RuleAssignment, Segment: seg}, cwd
	}

	// 1. deny list, including commands hidden behind wrappers like `env` or `find -exec`
	for _, verb := range effectiveVerbs(a, args) {
		if name, ok := e.lookup(e.denied[kind], a, verb); ok {
			return deny(fmt.Sprintf("%q is a denied command", verb), rulePrefixDenied+name, seg), cwd
		}
	}
	if re := e.matchPattern(seg); re != nil {
		return deny("matches denied pattern", rulePrefixPattern+re.String(), seg), cwd
	}

	// scripts handed to another interpreter get the whole pipeline themselves
	var inner *domain.PolicyVerdict
	if script, innerKind, encoded, ok := nestedScript(a, args); ok {
		if encoded {
			inner = &domain.PolicyVerdict{
				Decision:    domain.DecisionNeedsApproval,
				Reason:      "encoded command cannot be checked before execution",
				MatchedRule: RuleEncoded,
				Segment:     seg,
			}
		} else {
			iv, _ := e.evaluate(domain.CommandRequest{RawText: script, Shell: innerKind, WorkingDir: cwd}, depth+1)
			if iv.Decision == domain.DecisionDeny {
				return iv, cwd
			}
			inner = &iv
		}
	}

	// 2. path arguments stay inside the jail regardless of list membership
	next := cwd
	unresolved := ""
	if e.jail.Enforced() {
		if target, isCd := a.DetectCwdChange(args); isCd {
			switch {
			case target == "" || hasExpansion(target):
				// destination unknown until it runs
				unresolved = target
				next = e.jail.Root()
			default:
				resolved, err := e.jail.Resolve(a.NormalizePath(target), cwd)
				if err != nil {
					return deny(fmt.Sprintf("%q escapes the sandbox root", target), RulePathEscape, seg), cwd
				}
				next = resolved
			}
		}
		for _, arg := range args[1:] {
			for _, candidate := range pathCandidates(a, arg) {
				if exemptPaths[candidate] {
					continue
				}
				if hasExpansion(candidate) {
					if unresolved == "" {
						unresolved = candidate
					}
					continue
				}
				if _, err := e.jail.Resolve(a.NormalizePath(candidate), cwd); err != nil {
					return deny(fmt.Sprintf("%q escapes the sandbox root", candidate), RulePathEscape, seg), cwd
				}
			}
		}
	}

	// 3-5. allow list, then enforce mode
	var v domain.PolicyVerdict
	if name, ok := e.allowed[kind][a.FoldVerb(args[0])]; ok {
		v = domain.PolicyVerdict{Decision: domain.DecisionNeedsApproval, Reason: "allow-listed", MatchedRule: rulePrefixAllowed + name, Segment: seg}
		if e.cfg.AutoApproveAllowlisted {
			v.Decision = domain.DecisionAllow
		}
	} else if domain.EnforceMode(e.cfg.EnforceMode) == domain.EnforceStrict {
		return deny(fmt.Sprintf("%q is not allow-listed", args[0]), RuleStrict, seg), cwd
	} else {
		v = domain.PolicyVerdict{Decision: domain.DecisionNeedsApproval, Reason: "unlisted, advisory mode", MatchedRule: RuleAdvisory, Segment: seg}
	}

	if unresolved != "" && v.Decision == domain.DecisionAllow {
		v = domain.PolicyVerdict{
			Decision:    domain.DecisionNeedsApproval,
			Reason:      fmt.Sprintf("path argument %q cannot be checked before execution", unresolved),
			MatchedRule: RulePathUnresolved,
			Segment:     seg,
		}
	}
	if inner != nil && inner.Decision > v.Decision {
		v = *inner
	}
	return v, next
}

// lookup matches verb and its base name (so /bin/rm matches rm) against list.
func (e *Engine) lookup(list map[string]string, a shell.Adapter, verb string) (string, bool) {
	if name, ok := list[a.FoldVerb(verb)]; ok {
		return name, true
	}
	name, ok := list[a.FoldVerb(commandBase(verb))]
	return name, ok
}

func (e *Engine) matchPattern(s string) *regexp.Regexp {
	for _, re := range e.patterns {
		if re.MatchString(s) {
			return re
		}
	}
	return nil
}

func deny(reason, rule, seg string) domain.PolicyVerdict {
	return domain.PolicyVerdict{Decision: domain.DecisionDeny, Reason: reason, MatchedRule: rule, Segment: seg}
}

func foldList(a shell.Adapter, names []string) map[string]string {
	m := make(map[string]string, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		m[a.FoldVerb(n)] = n
	}
	return m
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
