package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"shellgate/internal/approval"
	"shellgate/internal/domain"
	"shellgate/internal/gateway"

	"github.com/spf13/cobra"
)

const defaultSessionID = "cli"

func checkCmd() *cobra.Command {
	var (
		shellName string
		cwd       string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "check [command...]",
		Short: "Evaluate a command against the policy without running it",
		Long:  "Prints the policy verdict for a command. Exits 1 when the command would be denied.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			kind, err := shellKind(shellName, cfg.Session.DefaultShell)
			if err != nil {
				return err
			}
			// check never executes, so it needs no approver
			rt, err := newRuntime(cmd.Context(), cfg, approval.RejectAll())
			if err != nil {
				return err
			}
			defer rt.Close()

			v := rt.gateway.Check(cmd.Context(), domain.CommandRequest{
				RawText:    strings.Join(args, " "),
				Shell:      kind,
				WorkingDir: cwd,
			})
			if asJSON {
				data, _ := json.MarshalIndent(verdictJSON(v), "", "  ")
				fmt.Println(string(data))
			} else {
				fmt.Println(v.String())
				if v.Segment != "" {
					fmt.Printf("  segment: %s\n", v.Segment)
				}
			}
			if v.Decision == domain.DecisionDeny {
				return exitCodeError{1}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&shellName, "shell", "s", "", "shell kind: bash or powershell (default: session.defaultShell)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory, relative to the sandbox root")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the verdict as JSON")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		shellName       string
		sessionID       string
		cwd             string
		yes             bool
		asJSON          bool
		batch           bool
		continueOnError bool
	)
	cmd := &cobra.Command{
		Use:   "run [command...]",
		Short: "Check, approve and run a command",
		Long: `Runs one command (all arguments joined by spaces) through the policy engine
and, when required, the approval prompt. With --batch every argument is a
separate command; all of them are approved before the first one runs.
The process exits with the command's exit code (124 on timeout).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			kind, err := shellKind(shellName, cfg.Session.DefaultShell)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gate, _ := approvalGate(cfg, yes)
			rt, err := newRuntime(ctx, cfg, gate)
			if err != nil {
				return err
			}
			defer rt.Close()

			if batch {
				opts := gateway.BatchOptions{WorkingDir: cwd}
				if cmd.Flags().Changed("continue-on-error") {
					opts.ContinueOnError = &continueOnError
				}
				res, err := rt.gateway.RunBatch(ctx, sessionID, kind, args, opts)
				if res != nil {
					for i := range res.Results {
						printResult(&res.Results[i], asJSON)
					}
				}
				return commandExit(err)
			}

			res, err := rt.gateway.Run(ctx, sessionID, domain.CommandRequest{
				RawText:    strings.Join(args, " "),
				Shell:      kind,
				WorkingDir: cwd,
			})
			if res != nil {
				printResult(res, asJSON)
			}
			return commandExit(err)
		},
	}
	cmd.Flags().StringVarP(&shellName, "shell", "s", "", "shell kind: bash or powershell (default: session.defaultShell)")
	cmd.Flags().StringVar(&sessionID, "session", defaultSessionID, "session id")
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory, relative to the sandbox root")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every command that passes the policy")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().BoolVar(&batch, "batch", false, "treat each argument as a separate command")
	cmd.Flags().BoolVar(&continueOnError, "continue-on-error", false, "keep running a batch after a non-zero exit")
	return cmd
}

func shellCmd() *cobra.Command {
	var (
		shellName string
		sessionID string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session: every line is checked, approved and run",
		Long:  "Starts a persistent session. The working directory carries over between lines.\nType 'exit' or press Ctrl+D to leave.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			kind, err := shellKind(shellName, cfg.Session.DefaultShell)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = defaultSessionID
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// the terminal reads the REPL lines too, so prompts and input never race
			_, term := approvalGate(cfg, false)
			var gate domain.ApprovalGate = term
			if yes {
				gate = approval.ApproveAll()
			}
			rt, err := newRuntime(ctx, cfg, gate)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.Metrics.Enabled {
				go func() {
					if err := rt.metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Endpoint, logger); err != nil {
						logger.Error("metrics endpoint failed", "err", err)
					}
				}()
			}

			if _, err := rt.sessions.GetOrCreate(ctx, sessionID, kind); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "shellgate %s session %q in %s (exit to quit)\n", kind, sessionID, rt.jail.Root())

			for {
				fmt.Fprintf(os.Stderr, "%s:%s$ ", kind, rt.jail.Rel(rt.sessionDir(sessionID)))
				line, err := term.ReadLine(ctx)
				if err != nil {
					fmt.Fprintln(os.Stderr)
					return nil
				}
				switch line {
				case "":
					continue
				case "exit", "quit":
					return nil
				}

				res, err := rt.gateway.Run(ctx, sessionID, domain.CommandRequest{RawText: line, Shell: kind})
				if res != nil {
					printResult(res, false)
				}
				if err != nil {
					if errors.Is(err, domain.ErrSessionClosed) || errors.Is(err, domain.ErrSpawnFailed) {
						return err
					}
					if res == nil {
						fmt.Fprintln(os.Stderr, err)
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&shellName, "shell", "s", "", "shell kind: bash or powershell (default: session.defaultShell)")
	cmd.Flags().StringVar(&sessionID, "session", defaultSessionID, "session id")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "approve every command that passes the policy")
	return cmd
}

func shellKind(flag, fallback string) (domain.ShellKind, error) {
	if flag == "" {
		flag = fallback
	}
	return domain.ParseShellKind(flag)
}

func printResult(res *domain.ExecutionResult, asJSON bool) {
	if asJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Fprint(os.Stdout, res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "[output truncated]")
	}
	if res.TimedOut {
		fmt.Fprintf(os.Stderr, "[timed out after %dms]\n", res.DurationMS)
	}
}

// commandExit turns a gateway error into the process exit status.
func commandExit(err error) error {
	if err == nil {
		return nil
	}
	if f, ok := domain.AsFailure(err); ok && f.Result != nil && f.Result.ExitCode != 0 {
		return exitCodeError{f.Result.ExitCode}
	}
	return err
}

func verdictJSON(v domain.PolicyVerdict) map[string]string {
	return map[string]string{
		"decision":     v.Decision.String(),
		"reason":       v.Reason,
		"matched_rule": v.MatchedRule,
		"segment":      v.Segment,
	}
}
