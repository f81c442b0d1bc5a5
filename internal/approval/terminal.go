package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"shellgate/internal/domain"
)

// maxPromptAttempts bounds how often an unrecognised answer is re-asked.
const maxPromptAttempts = 3

var (
	errNotInteractive = errors.New("approval input is not a terminal")
	errInputClosed    = errors.New("approval input closed")
)

// TerminalConfig configures a Terminal gate.
type TerminalConfig struct {
	Logger  *slog.Logger
	In      io.Reader // defaults to os.Stdin
	Out     io.Writer // defaults to os.Stderr
	Timeout time.Duration
	// Force prompts even when In is not a terminal (pipes, tests).
	Force bool
}

// Terminal asks the operator on the controlling terminal:
// [y]es approves, [n]o rejects, [e]dit approves a replacement command.
// No answer within the timeout, EOF or a read error count as reject.
type Terminal struct {
	logger      *slog.Logger
	out         io.Writer
	timeout     time.Duration
	interactive bool

	// lines is fed by a single reader goroutine so a timed-out prompt does
	// not lose the next answer.
	in        io.Reader
	startOnce sync.Once
	lines     chan string
	readErr   error

	mu sync.Mutex // one prompt at a time
}

func NewTerminal(cfg TerminalConfig) *Terminal {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Terminal{
		logger:      cfg.Logger,
		in:          cfg.In,
		out:         cfg.Out,
		timeout:     cfg.Timeout,
		interactive: cfg.Force || IsTerminal(cfg.In),
		lines:       make(chan string),
	}
}

// IsTerminal reports whether r is an interactive terminal.
func IsTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Interactive reports whether the gate will prompt at all.
func (t *Terminal) Interactive() bool { return t.interactive }

func (t *Terminal) RequestApproval(ctx context.Context, verdict domain.PolicyVerdict, req domain.CommandRequest) (domain.ApprovalDecision, error) {
	reject := domain.ApprovalDecision{Action: domain.ApprovalReject}
	if !t.interactive {
		t.logger.Warn("cannot prompt for approval, rejecting", "command", req.RawText)
		return reject, errNotInteractive
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.startOnce.Do(t.startReader)

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	t.printRequest(verdict, req)
	for attempt := 0; attempt < maxPromptAttempts; attempt++ {
		fmt.Fprint(t.out, "Run it? [y]es / [n]o / [e]dit: ")
		answer, err := t.readLine(ctx)
		if err != nil {
			return reject, t.readFailed(err)
		}

		switch strings.ToLower(answer) {
		case "y", "yes":
			return domain.ApprovalDecision{Action: domain.ApprovalApprove}, nil
		case "n", "no", "":
			return reject, nil
		case "e", "edit":
			fmt.Fprint(t.out, "New command: ")
			edited, err := t.readLine(ctx)
			if err != nil {
				return reject, t.readFailed(err)
			}
			if edited == "" {
				fmt.Fprintln(t.out, "Empty command, rejected.")
				return reject, nil
			}
			return domain.ApprovalDecision{Action: domain.ApprovalApproveWithEdit, EditedText: edited}, nil
		default:
			fmt.Fprintf(t.out, "Unrecognised answer %q.\n", answer)
		}
	}
	fmt.Fprintln(t.out, "Too many unrecognised answers, rejected.")
	return reject, nil
}

// ReadLine returns the next input line through the gate's reader, so a REPL
// can share the terminal with approval prompts.
func (t *Terminal) ReadLine(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startOnce.Do(t.startReader)
	return t.readLine(ctx)
}

func (t *Terminal) printRequest(verdict domain.PolicyVerdict, req domain.CommandRequest) {
	fmt.Fprintln(t.out)
	fmt.Fprintf(t.out, "Approval required: %s", verdict.Reason)
	if verdict.MatchedRule != "" {
		fmt.Fprintf(t.out, " [%s]", verdict.MatchedRule)
	}
	fmt.Fprintln(t.out)
	if req.WorkingDir != "" {
		fmt.Fprintf(t.out, "  cwd:   %s\n", req.WorkingDir)
	}
	fmt.Fprintf(t.out, "  shell: %s\n", req.Shell)
	fmt.Fprintf(t.out, "  $ %s\n", req.RawText)
}

func (t *Terminal) readFailed(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintln(t.out, "\nNo answer in time, rejected.")
	case errors.Is(err, errInputClosed):
		fmt.Fprintln(t.out, "\nInput closed, rejected.")
	}
	t.logger.Warn("approval prompt failed, rejecting", "err", err)
	return err
}

func (t *Terminal) startReader() {
	go func() {
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			t.lines <- strings.TrimSpace(scanner.Text())
		}
		t.readErr = scanner.Err()
		close(t.lines)
	}()
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-t.lines:
		if !ok {
			if t.readErr != nil {
				return "", fmt.Errorf("%w: %v", errInputClosed, t.readErr)
			}
			return "", errInputClosed
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
