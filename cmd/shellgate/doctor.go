package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"shellgate/internal/config"
	"shellgate/internal/domain"
	"shellgate/internal/security"
	"shellgate/internal/shell"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your shellgate installation",
		Long: `Verifies that the configuration, sandbox root, shells, audit database and
metrics port are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("shellgate doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			var cfg *config.Config
			if _, err := os.Stat(cfgPath); err != nil {
				printWarn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
				warned++
				cfg, _ = loadConfig()
			} else {
				printPass("Config file", cfgPath)
				passed++

				var err error
				cfg, err = config.Load(cfgPath)
				if err != nil {
					printFail("Config validation", err.Error())
					failed++
					fmt.Printf("\n%d passed, %d failed\n", passed, failed)
					return fmt.Errorf("%d check(s) failed", failed)
				}
				printPass("Config validation", "valid")
				passed++
			}

			// 2. Sandbox root
			if info, err := os.Stat(cfg.General.RootDir); err != nil {
				printFail("Sandbox root", fmt.Sprintf("not found: %s", cfg.General.RootDir))
				failed++
			} else if !info.IsDir() {
				printFail("Sandbox root", fmt.Sprintf("not a directory: %s", cfg.General.RootDir))
				failed++
			} else {
				printPass("Sandbox root", cfg.General.RootDir)
				passed++
			}
			if !cfg.Policy.EnforceRootJail {
				printWarn("Root jail", "disabled, commands may touch paths outside the root")
				warned++
			}

			// 3. Policy compiles
			if j, err := newJail(cfg); err != nil {
				printFail("Policy", err.Error())
				failed++
			} else if _, err := security.NewEngine(cfg.Policy, j, logger); err != nil {
				printFail("Policy", err.Error())
				failed++
			} else {
				printPass("Policy", fmt.Sprintf("%s mode, %d denied patterns", cfg.Policy.EnforceMode, len(cfg.Policy.DeniedPatterns)))
				passed++
			}

			// 4. Shells
			defaultKind, _ := domain.ParseShellKind(cfg.Session.DefaultShell)
			for _, kind := range []domain.ShellKind{domain.ShellBash, domain.ShellPowerShell} {
				binary := cfg.Session.BashPath
				if kind == domain.ShellPowerShell {
					binary = cfg.Session.PowerShellPath
				}
				a, err := shell.New(kind, binary)
				if err == nil {
					var path string
					if path, err = shell.Available(a); err == nil {
						printPass("Shell: "+string(kind), path)
						passed++
						continue
					}
				}
				if kind == defaultKind {
					printFail("Shell: "+string(kind), err.Error())
					failed++
				} else {
					printWarn("Shell: "+string(kind), "not installed")
					warned++
				}
			}

			// 5. Audit database
			if cfg.Audit.Enabled {
				if err := checkDatabase(cfg.Audit.DBPath); err != nil {
					printFail("Audit database", err.Error())
					failed++
				} else {
					printPass("Audit database", cfg.Audit.DBPath)
					passed++
				}
			} else {
				printWarn("Audit", "disabled, nothing is recorded")
				warned++
			}

			// 6. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					printWarn("Metrics", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
					warned++
				} else {
					printPass("Metrics", cfg.Metrics.Listen+cfg.Metrics.Endpoint)
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running shellgate.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nshellgate should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
