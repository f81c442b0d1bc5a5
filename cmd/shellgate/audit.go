package main

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"shellgate/internal/audit"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log of verdicts, approvals and executions",
	}
	cmd.AddCommand(auditListCmd())
	cmd.AddCommand(auditPruneCmd())
	cmd.AddCommand(auditExportCmd())
	return cmd
}

func openAudit() (*audit.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Audit.DBPath == "" {
		return nil, fmt.Errorf("audit.dbPath is not set")
	}
	return audit.Open(cfg.Audit.DBPath, logger)
}

func auditListCmd() *cobra.Command {
	var (
		filter audit.Filter
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openAudit()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				data, _ := json.MarshalIndent(entries, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSESSION\tACTION\tDECISION\tRESULT\tCOMMAND\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.DateTime), e.SessionID, e.Action,
					e.Decision, e.Result, truncate(e.Command, 60), truncate(e.Details, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "only entries of this session")
	cmd.Flags().StringVar(&filter.Action, "action", "", "only entries of this action (verdict, approval, exec)")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")
	return cmd
}

func auditPruneCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.Audit.RetentionDays
			}
			store, err := openAudit()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneRetention(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d entries older than %d days\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default: audit.retentionDays)")
	return cmd
}

func auditExportCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Archive the audit database and config into a .tar.gz",
		Long: `Creates a compressed .tar.gz archive containing the SQLite audit database
(with its WAL files) and the configuration file. The archive is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dbPath := cfg.Audit.DBPath

			if outputPath == "" {
				exportDir := filepath.Join(filepath.Dir(dbPath), "exports")
				if err := os.MkdirAll(exportDir, 0o755); err != nil {
					return fmt.Errorf("cannot create export directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(exportDir, fmt.Sprintf("shellgate-audit-%s.tar.gz", ts))
			}

			var files []string
			if _, err := os.Stat(dbPath); err == nil {
				files = append(files, dbPath)
				for _, suffix := range []string{"-wal", "-shm"} {
					if _, err := os.Stat(dbPath + suffix); err == nil {
						files = append(files, dbPath+suffix)
					}
				}
			}
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, cfgPath)
			}
			if len(files) == 0 {
				return fmt.Errorf("nothing to export (db: %s, config: %s)", dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			fmt.Printf("Audit export created: %s\n", outputPath)
			for _, f := range files {
				size := int64(0)
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanize.IBytes(uint64(size)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: <audit dir>/exports/shellgate-audit-<timestamp>.tar.gz)")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}
