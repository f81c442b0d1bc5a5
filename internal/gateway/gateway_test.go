package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"shellgate/internal/approval"
	"shellgate/internal/config"
	"shellgate/internal/domain"
	"shellgate/internal/jail"
	"shellgate/internal/metrics"
	"shellgate/internal/security"
	"shellgate/internal/session"
	"shellgate/internal/shell"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memAudit keeps audit entries in memory.
type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) LogAudit(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memAudit) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action+":"+e.Result)
	}
	return out
}

// scriptedGate answers from a list and records what it was asked.
type scriptedGate struct {
	mu      sync.Mutex
	answers []domain.ApprovalDecision
	asked   []string
}

func (g *scriptedGate) RequestApproval(_ context.Context, _ domain.PolicyVerdict, req domain.CommandRequest) (domain.ApprovalDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.asked = append(g.asked, req.RawText)
	if len(g.answers) == 0 {
		return domain.ApprovalDecision{Action: domain.ApprovalReject}, nil
	}
	d := g.answers[0]
	if len(g.answers) > 1 {
		g.answers = g.answers[1:]
	}
	return d, nil
}

func approve() domain.ApprovalDecision { return domain.ApprovalDecision{Action: domain.ApprovalApprove} }
func reject() domain.ApprovalDecision { return domain.ApprovalDecision{Action: domain.ApprovalReject} }
func edit(text string) domain.ApprovalDecision {
	return domain.ApprovalDecision{Action: domain.ApprovalApproveWithEdit, EditedText: text}
}

type fixture struct {
	gw      *Gateway
	root    string
	audit   *memAudit
	metrics *metrics.Collector
}

func newFixture(t *testing.T, gate domain.ApprovalGate, mutate func(*config.Config)) *fixture {
	t.Helper()
	if _, err := shell.Available(shell.NewBash("")); err != nil {
		t.Skip("bash not available")
	}

	cfg := config.Defaults()
	cfg.Session.IdleTimeoutSeconds = 0
	cfg.Session.TimeoutMs = 10000
	if mutate != nil {
		mutate(cfg)
	}

	j, err := jail.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	engine, err := security.NewEngine(cfg.Policy, j, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	mgr := session.NewManager(cfg.Session, j, testLogger())
	t.Cleanup(func() { mgr.CloseAll(context.Background()) })

	f := &fixture{root: j.Root(), audit: &memAudit{}, metrics: metrics.New()}
	mgr.SetObserver(f.metrics.SetActiveSessions)
	f.gw, err = New(Config{
		Engine:        engine,
		Sessions:      mgr,
		Gate:          gate,
		Audit:         f.audit,
		Metrics:       f.metrics,
		Logger:        testLogger(),
		MaxEditRounds: cfg.Approval.MaxEditRounds,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func bash(text string) domain.CommandRequest {
	return domain.CommandRequest{RawText: text, Shell: domain.ShellBash}
}

func expectKind(t *testing.T, err error, sentinel error) {
	t.Helper()
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected %v, got %v", sentinel, err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without engine and sessions")
	}
}

func TestRun_AutoApprovedSkipsGate(t *testing.T) {
	gate := &scriptedGate{}
	f := newFixture(t, gate, func(c *config.Config) { c.Policy.AutoApproveAllowlisted = true })

	res, err := f.gw.Run(context.Background(), "s1", bash("echo hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "hi\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if len(gate.asked) != 0 {
		t.Fatalf("gate should not be asked, got %v", gate.asked)
	}
	want := []string{"verdict:allowed", "exec:ok"}
	if got := f.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit = %v, want %v", got, want)
	}
}

func TestRun_ApprovedRuns(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{approve()}}
	f := newFixture(t, gate, nil)

	res, err := f.gw.Run(context.Background(), "s1", bash("echo hi"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "hi\n" || len(gate.asked) != 1 {
		t.Fatalf("stdout = %q, asked = %v", res.Stdout, gate.asked)
	}
	want := []string{"verdict:pending", "approval:confirmed", "exec:ok"}
	if got := f.audit.actions(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("audit = %v, want %v", got, want)
	}
}

func TestRun_RejectedNeverExecutes(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{reject()}}
	f := newFixture(t, gate, nil)

	res, err := f.gw.Run(context.Background(), "s1", bash("touch marker"))
	expectKind(t, err, domain.ErrApprovalRejected)
	if res != nil {
		t.Fatal("rejected command must not produce a result")
	}
	if _, err := os.Stat(filepath.Join(f.root, "marker")); !os.IsNotExist(err) {
		t.Fatal("rejected command was executed")
	}
}

func TestRun_GateErrorRejects(t *testing.T) {
	gate := approval.Func(func(context.Context, domain.PolicyVerdict, domain.CommandRequest) (domain.ApprovalDecision, error) {
		return domain.ApprovalDecision{Action: domain.ApprovalApprove}, errors.New("prompt broke")
	})
	f := newFixture(t, gate, nil)

	_, err := f.gw.Run(context.Background(), "s1", bash("touch marker"))
	expectKind(t, err, domain.ErrApprovalRejected)
	if _, statErr := os.Stat(filepath.Join(f.root, "marker")); !os.IsNotExist(statErr) {
		t.Fatal("command ran after a gate error")
	}
}

func TestRun_DeniedSkipsGate(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{approve()}}
	f := newFixture(t, gate, nil)
	target := filepath.Join(f.root, "keep")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := f.gw.Run(context.Background(), "s1", bash("rm keep"))
	expectKind(t, err, domain.ErrPolicyDenied)
	fail, _ := domain.AsFailure(err)
	if fail.Rule != "denied-command:rm" {
		t.Fatalf("rule = %q", fail.Rule)
	}
	if len(gate.asked) != 0 {
		t.Fatal("denied command reached the gate")
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatal("denied command was executed")
	}
}

func TestRun_PathEscapeDenied(t *testing.T) {
	f := newFixture(t, &scriptedGate{answers: []domain.ApprovalDecision{approve()}}, nil)
	_, err := f.gw.Run(context.Background(), "s1", bash("cat /etc/passwd"))
	expectKind(t, err, domain.ErrPolicyDenied)
}

func TestRun_EditIsReevaluated(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{edit("rm -rf ."), approve()}}
	f := newFixture(t, gate, nil)

	_, err := f.gw.Run(context.Background(), "s1", bash("ls"))
	expectKind(t, err, domain.ErrPolicyDenied)
	if len(gate.asked) != 1 {
		t.Fatalf("edited command to a denied one should not be asked again: %v", gate.asked)
	}
}

func TestRun_EditedCommandRuns(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{edit("echo edited"), approve()}}
	f := newFixture(t, gate, nil)

	res, err := f.gw.Run(context.Background(), "s1", bash("echo original"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Stdout != "edited\n" || res.Command != "echo edited" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if strings.Join(gate.asked, "|") != "echo original|echo edited" {
		t.Fatalf("asked = %v", gate.asked)
	}
}

func TestRun_EditRoundsBounded(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{edit("echo again")}}
	f := newFixture(t, gate, func(c *config.Config) { c.Approval.MaxEditRounds = 2 })

	_, err := f.gw.Run(context.Background(), "s1", bash("echo first"))
	expectKind(t, err, domain.ErrApprovalRejected)
	if len(gate.asked) != 3 {
		t.Fatalf("gate asked %d times, want 3", len(gate.asked))
	}
}

func TestRun_SessionStatePersists(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)
	ctx := context.Background()

	for _, cmd := range []string{"mkdir sub", "cd sub"} {
		if _, err := f.gw.Run(ctx, "s1", bash(cmd)); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	res, err := f.gw.Run(ctx, "s1", bash("pwd"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(f.root, "sub"); strings.TrimSpace(res.Stdout) != want {
		t.Fatalf("pwd = %q, want %q", res.Stdout, want)
	}

	// a relative path is checked against the session directory
	if _, err := f.gw.Run(ctx, "s1", bash("cat ../../outside")); !errors.Is(err, domain.ErrPolicyDenied) {
		t.Fatalf("expected deny for path above the root, got %v", err)
	}

	// another session starts at the root
	res, err = f.gw.Run(ctx, "s2", bash("pwd"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(res.Stdout) != f.root {
		t.Fatalf("new session pwd = %q", res.Stdout)
	}
	if body := scrape(t, f.metrics); !strings.Contains(body, "shellgate_active_sessions 2") {
		t.Fatalf("active sessions gauge not updated:\n%s", body)
	}
}

func TestRun_ExecutionFailureRecorded(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)

	res, err := f.gw.Run(context.Background(), "s1", bash("ls missing-file"))
	expectKind(t, err, domain.ErrExecutionFailure)
	if res == nil || res.ExitCode == 0 {
		t.Fatalf("expected non-zero result, got %+v", res)
	}
	got := f.audit.actions()
	if got[len(got)-1] != "exec:failed" {
		t.Fatalf("audit = %v", got)
	}
}

func TestCheck(t *testing.T) {
	f := newFixture(t, approval.RejectAll(), nil)
	ctx := context.Background()

	if v := f.gw.Check(ctx, domain.CommandRequest{RawText: "ls"}); v.Decision != domain.DecisionNeedsApproval {
		t.Fatalf("ls = %s", v)
	}
	if v := f.gw.Check(ctx, domain.CommandRequest{RawText: "sudo ls"}); v.Decision != domain.DecisionDeny {
		t.Fatalf("sudo ls = %s", v)
	}
	if f.gw.Sessions().Len() != 0 {
		t.Fatal("Check must not create sessions")
	}
}

func TestRunBatch_ApprovesAllBeforeRunning(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{approve()}}
	f := newFixture(t, gate, nil)

	_, err := f.gw.RunBatch(context.Background(), "s1", domain.ShellBash, []string{"touch made", "rm made"}, BatchOptions{})
	expectKind(t, err, domain.ErrPolicyDenied)
	if _, statErr := os.Stat(filepath.Join(f.root, "made")); !os.IsNotExist(statErr) {
		t.Fatal("batch ran a command before every command was approved")
	}
}

func TestRunBatch_RejectStopsEverything(t *testing.T) {
	gate := &scriptedGate{answers: []domain.ApprovalDecision{approve(), reject()}}
	f := newFixture(t, gate, nil)

	_, err := f.gw.RunBatch(context.Background(), "s1", domain.ShellBash, []string{"touch a", "touch b"}, BatchOptions{})
	expectKind(t, err, domain.ErrApprovalRejected)
	if _, statErr := os.Stat(filepath.Join(f.root, "a")); !os.IsNotExist(statErr) {
		t.Fatal("first command ran although the second was rejected")
	}
}

func TestRunBatch_Runs(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)
	ctx := context.Background()

	batch, err := f.gw.RunBatch(ctx, "s1", domain.ShellBash, []string{"mkdir d", "cd d", "pwd"}, BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !batch.Success || len(batch.Results) != 3 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	want := filepath.Join(f.root, "d")
	if strings.TrimSpace(batch.Results[2].Stdout) != want || batch.FinalCwd != want {
		t.Fatalf("batch cwd = %q / %q", batch.Results[2].Stdout, batch.FinalCwd)
	}
}

func TestRunBatch_StopsOnFailure(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)
	ctx := context.Background()

	batch, err := f.gw.RunBatch(ctx, "s1", domain.ShellBash, []string{"ls nope", "touch after"}, BatchOptions{})
	expectKind(t, err, domain.ErrExecutionFailure)
	if batch.Success || len(batch.Results) != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}

	cont := true
	batch, err = f.gw.RunBatch(ctx, "s1", domain.ShellBash, []string{"ls nope", "touch after"}, BatchOptions{ContinueOnError: &cont})
	if err != nil {
		t.Fatal(err)
	}
	if batch.Success || len(batch.Results) != 2 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	if _, err := os.Stat(filepath.Join(f.root, "after")); err != nil {
		t.Fatal("continue-on-error batch did not run the second command")
	}
}

func TestRunBatch_PathsCheckedAfterEarlierCd(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)
	ctx := context.Background()
	outside := filepath.Join(filepath.Dir(f.root), "secret.txt")
	if err := os.WriteFile(outside, []byte("TOPSECRET"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.root, "inside.txt"), []byte("visible"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, cmd := range []string{"mkdir sub", "cd sub"} {
		if _, err := f.gw.Run(ctx, "s1", bash(cmd)); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}

	// from sub, ../secret.txt is inside; after `cd ..` it is not
	batch, err := f.gw.RunBatch(ctx, "s1", domain.ShellBash, []string{"cd ..", "cat ../secret.txt"}, BatchOptions{})
	expectKind(t, err, domain.ErrPolicyDenied)
	if batch != nil {
		t.Fatalf("denied batch produced results: %+v", batch)
	}

	batch, err = f.gw.RunBatch(ctx, "s1", domain.ShellBash, []string{"cd ..", "cat inside.txt"}, BatchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got := batch.Results[1].Stdout; got != "visible" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestRun_DotDotAfterSymlinkDenied(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(outside, "x", "y"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(outside, "x", "secret.txt"), []byte("TOPSECRET"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(outside, "x", "y"), filepath.Join(f.root, "link")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	if v := f.gw.Check(context.Background(), bash("cat link/../secret.txt")); v.Decision != domain.DecisionDeny {
		t.Fatalf("verdict = %s", v)
	}
	res, err := f.gw.Run(context.Background(), "s1", bash("cat link/../secret.txt"))
	expectKind(t, err, domain.ErrPolicyDenied)
	if res != nil {
		t.Fatalf("denied command produced output %q", res.Stdout)
	}
}

func TestRun_CdThroughSymlinkIsPhysical(t *testing.T) {
	f := newFixture(t, approval.ApproveAll(), nil)
	ctx := context.Background()
	if err := os.MkdirAll(filepath.Join(f.root, "a", "b"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join("a", "b"), filepath.Join(f.root, "deep")); err != nil {
		t.Skipf("symlink: %v", err)
	}

	// the shell and the jail must agree on where `cd ..` lands
	res, err := f.gw.Run(ctx, "s1", bash("cd deep && cd .. && pwd"))
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(f.root, "a")
	if strings.TrimSpace(res.Stdout) != want || res.FinalCwd != want {
		t.Fatalf("pwd = %q, cwd = %q, want %q", res.Stdout, res.FinalCwd, want)
	}
}
