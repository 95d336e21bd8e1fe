package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mlc-go/internal/app"
	"mlc-go/internal/config"
	"mlc-go/internal/mlc"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		failColor.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newApp reads the config and creates an MLCApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Install", "Compress").
func newApp(ctx context.Context, operation string, args ...string) (*app.MLCApp, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewMLCApp(ctx, cfg, operation, args...)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// interruptContext is cancelled on Ctrl-C or SIGTERM. A second signal kills
// the process as usual.
func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:           "mlc",
	Short:         "Transactional package deployment to a managed content root",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := paths.NewConfig()

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		printOK("Configuration initialized at %s", paths.ConfigPath)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Storage Root: %s\n", cfg.StorageRoot)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigPath)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Storage Root: %s\n", cfg.StorageRoot)
		fmt.Printf("Journal:      %s\n", cfg.Database.Type)
		fmt.Printf("Encryption:   %s (archives encrypted: %t)\n", cfg.Encryption.Type, cfg.Compress.Encrypt)
		for _, p := range cfg.Providers {
			scheme := p.Scheme
			if scheme == "" {
				scheme = p.Type
			}
			fmt.Printf("Provider:     %s:// (%s)\n", scheme, p.Type)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage archive encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "KeysInit")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := promptNewPassphrase()
		if err != nil {
			return err
		}
		if err := a.SetupKeys(passphrase); err != nil {
			return fmt.Errorf("setting up keys: %w", err)
		}

		enc := a.Config().Encryption
		printOK("Keys generated")
		fmt.Printf("Public key:  %s\n", enc.PublicKeyPath)
		fmt.Printf("Private key: %s (passphrase protected)\n", enc.PrivateKeyPath)
		return nil
	},
}

// install command
var installCmd = &cobra.Command{
	Use:   "install SOURCE TARGET",
	Short: "Install a package into the storage root",
	Long: `Install the package at SOURCE (a local directory or a provider URI such as
s3://bucket/prefix) into TARGET under the storage root. The previous package at
TARGET is kept until the new one is completely written and is restored if the
install fails or is interrupted.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext()
		defer stop()

		a, err := newApp(ctx, "Install", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		progress := newProgressLine(os.Stdout, "Installing", stdoutIsTerminal())
		err = a.Install(ctx, args[0], args[1], progress.install)
		progress.done()
		if errors.Is(err, context.Canceled) {
			printWarn("Install cancelled; previous package restored")
			return nil
		}
		if err != nil {
			return fmt.Errorf("install failed: %w", err)
		}

		printOK("Installed %s into %s", args[0], args[1])
		return nil
	},
}

// delete command
var deleteCmd = &cobra.Command{
	Use:   "delete LOCATION",
	Short: "Delete an installed package or a provider location",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Delete", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Delete(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}

		printOK("Deleted %s", args[0])
		return nil
	},
}

// compress command
var compressCmd = &cobra.Command{
	Use:   "compress TARGET OUTPUT",
	Short: "Archive an installed package",
	Long: `Archive the installed package TARGET into OUTPUT, a local file or a provider
URI. Archives are LZ4-compressed tar streams, encrypted with the configured age
key when compress.encrypt is set.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := interruptContext()
		defer stop()

		a, err := newApp(ctx, "Compress", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		progress := newProgressLine(os.Stdout, "Compressing", stdoutIsTerminal())
		err = a.Compress(ctx, args[0], args[1], progress.bytes)
		progress.done()
		if errors.Is(err, context.Canceled) {
			printWarn("Compression cancelled")
			return nil
		}
		if err != nil {
			return fmt.Errorf("compress failed: %w", err)
		}

		printOK("Archived %s to %s", args[0], args[1])
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect archives",
}

var archiveListCmd = &cobra.Command{
	Use:   "list ARCHIVE",
	Short: "List the entries of an archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ArchiveList", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.ArchiveList(cmd.Context(), args[0], func() (string, error) {
			return promptPassphrase("Passphrase: ")
		})
		if err != nil {
			return err
		}

		var total int64
		for _, e := range entries {
			if e.IsDir {
				fmt.Printf("%10s  %s/\n", "-", e.Name)
				continue
			}
			total += e.Size
			fmt.Printf("%10d  %s\n", e.Size, e.Name)
		}
		fmt.Printf("%d entries, %s\n", len(entries), formatBytes(uint64(total)))
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status TARGET",
	Short: "View the state of an installed package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Status", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Target:  %s\n", st.Target)
		fmt.Printf("Present: %t\n", st.TargetExists)
		switch {
		case st.NeedsRecovery():
			printWarn("Backup:  %s (interrupted install, run `mlc recover %s`)", mlc.BackupSlot(st.Target), args[0])
		case st.BackupExists:
			printWarn("Backup:  %s (committed, stale)", mlc.BackupSlot(st.Target))
		case st.BackupCommitted:
			printWarn("Backup:  none (stale commit marker %s)", mlc.CommitMarkerPath(st.Target))
		default:
			fmt.Println("Backup:  none")
		}
		for _, q := range st.Quarantines {
			printWarn("Orphaned quarantine: %s", q)
		}
		for _, op := range st.Interrupted {
			printWarn("Unfinished %s #%d started %s", op.Kind, op.ID, op.StartedAt.Format("2006-01-02 15:04:05"))
		}
		for _, op := range st.RollbackFailures {
			failColor.Printf("Rollback #%d failed: %s\n", op.ID, op.Detail)
		}
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover TARGET",
	Short: "Roll back an interrupted install",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Recover", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		action, err := a.Recover(args[0])
		if err != nil {
			return fmt.Errorf("recovery failed: %w", err)
		}

		switch action {
		case mlc.ReconcileRestored:
			printOK("Previous package restored")
		case mlc.ReconcileDiscarded:
			printOK("Stale backup removed")
		default:
			fmt.Println("Nothing to recover.")
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "History")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				d := op.FinishedAt.Time.Sub(op.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			subject := op.Target
			if op.Source != "" && op.Target != "" {
				subject = op.Source + " -> " + op.Target
			} else if op.Source != "" {
				subject = op.Source
			}
			status := statusColor(op.Status)("%-15s", op.Status)
			fmt.Printf("#%d  %-9s  %s  %s  %-8s  %s\n",
				op.ID,
				op.Kind,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				status,
				duration,
				subject,
			)
			if op.Detail != "" {
				fmt.Printf("      %s\n", strings.TrimSpace(op.Detail))
			}
		}
		return nil
	},
}

// journal command
var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Maintain the operation journal",
}

var journalCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the journal schema is up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "JournalCheck")
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.CheckJournal()
		if err != nil {
			return fmt.Errorf("journal check failed: %w", err)
		}

		printOK("Journal %s is up to date", path)
		return nil
	},
}

var journalBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent copy of the journal to DEST",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "JournalBackup", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupJournal(args[0]); err != nil {
			return fmt.Errorf("journal backup failed: %w", err)
		}

		printOK("Journal copied to %s", args[0])
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)

	// archive subcommands
	archiveCmd.AddCommand(archiveListCmd)

	// journal subcommands
	journalCmd.AddCommand(journalCheckCmd)
	journalCmd.AddCommand(journalBackupCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(journalCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
