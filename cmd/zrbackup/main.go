package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"zrbackup/internal/app"
	"zrbackup/internal/archive"
	"zrbackup/internal/attachment"
	"zrbackup/internal/backup"
	"zrbackup/internal/config"
	"zrbackup/internal/keystore"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

func passphrase() keystore.PassphraseFunc {
	return keystore.TerminalPassphrase(os.Stderr, "Key passphrase: ")
}

// runApp reads the config, creates an App for operation and runs fn with it.
// The App is closed afterwards and, with --metrics, the counters of the run
// are printed to stderr.
func runApp(cmd *cobra.Command, operation string, opts app.Options, fn func(*app.App) error) (err error) {
	cfg, err := readConfig()
	if err != nil {
		return err
	}

	opts.Passphrase = passphrase()
	a, err := app.NewApp(cmd.Context(), cfg, operation, opts)
	if err != nil {
		return fmt.Errorf("initializing app: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if show, _ := cmd.Flags().GetBool("metrics"); show {
			a.Metrics().WriteSummary(os.Stderr)
		}
	}()

	return fn(a)
}

var rootCmd = &cobra.Command{
	Use:   "zrbackup",
	Short: "Message and media backup client",
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
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if account, _ := cmd.Flags().GetString("account"); account != "" {
			cfg.Account.ID = account
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Account:  %s\n", cfg.Account.ID)
		fmt.Printf("Base Dir: %s\n", cfg.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Account:    %s\n", cfg.Account.ID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Archive:    %s\n", cfg.Archive.BaseURL)
		fmt.Printf("Batch Size: %d\n", cfg.Archive.BatchSize)
		fmt.Printf("Keystore:   %s\n", cfg.KeyStore.Type)
		fmt.Printf("Database:   %s\n", cfg.Database.Type)
		fmt.Printf("Vault:      %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage account keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate and store the account keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		first, err := keystore.TerminalPassphrase(os.Stderr, "New key passphrase: ")()
		if err != nil {
			return err
		}
		second, err := keystore.TerminalPassphrase(os.Stderr, "Repeat passphrase: ")()
		if err != nil {
			return err
		}
		if first != second {
			return fmt.Errorf("passphrases do not match")
		}

		info, err := app.InitKeys(cfg, first)
		if err != nil {
			return err
		}
		fmt.Printf("Keys written to %s\n", cfg.KeyStore.Path)
		printKeyInfo(info)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show backup ids and public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		info, err := app.ShowKeys(cfg, passphrase())
		if err != nil {
			return err
		}
		printKeyInfo(info)
		return nil
	},
}

func printKeyInfo(info *app.KeyInfo) {
	fmt.Printf("Account:             %s\n", info.Account)
	fmt.Printf("Messages backup id:  %s\n", info.MessagesBackupID)
	fmt.Printf("Messages public key: %s\n", info.MessagesPublicKey)
	fmt.Printf("Media backup id:     %s\n", info.MediaBackupID)
	fmt.Printf("Media public key:    %s\n", info.MediaPublicKey)
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Talk to the archive service",
}

var archiveReserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "Reserve the backup ids of the account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, "archive reserve", app.Options{}, func(a *app.App) error {
			if err := a.ReserveBackupID(cmd.Context()); err != nil {
				return fmt.Errorf("reserving backup ids: %w", err)
			}
			fmt.Println("Backup ids reserved")
			return nil
		})
	},
}

var archiveRegisterKeysCmd = &cobra.Command{
	Use:   "register-keys",
	Short: "Upload the backup public keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, "archive register-keys", app.Options{}, func(a *app.App) error {
			if err := a.RegisterPublicKeys(cmd.Context()); err != nil {
				return fmt.Errorf("registering public keys: %w", err)
			}
			fmt.Println("Public keys registered")
			return nil
		})
	},
}

var archiveInfoCmd = &cobra.Command{
	Use:   "info [messages|media]",
	Short: "Show remote backup info",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := "media"
		if len(args) > 0 {
			kind = args[0]
		}
		return runApp(cmd, "archive info", app.Options{}, func(a *app.App) error {
			info, err := a.BackupInfo(cmd.Context(), kind)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, info)
		})
	},
}

var archiveMediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Copy every pending attachment into the archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, "archive media", app.Options{}, func(a *app.App) error {
			result, err := a.ArchivePendingMedia(cmd.Context())
			if result != nil {
				printArchiveResult(result)
			}
			if err != nil {
				return fmt.Errorf("archiving media: %w", err)
			}
			return nil
		})
	},
}

var archiveCopyCmd = &cobra.Command{
	Use:   "copy ATTACHMENT_ID",
	Short: "Copy one attachment into the archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid attachment id %q", args[0])
		}
		return runApp(cmd, "archive copy", app.Options{}, func(a *app.App) error {
			result, err := a.CopyAttachment(cmd.Context(), id)
			if result != nil {
				printArchiveResult(result)
			}
			return err
		})
	},
}

var archiveDeleteCmd = &cobra.Command{
	Use:   "delete MEDIA_ID...",
	Short: "Delete abandoned archived media",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cdn, _ := cmd.Flags().GetInt("cdn")
		objects := make([]archive.MediaObject, 0, len(args))
		for _, id := range args {
			objects = append(objects, archive.MediaObject{CDN: cdn, MediaID: id})
		}
		return runApp(cmd, "archive delete", app.Options{}, func(a *app.App) error {
			n, err := a.DeleteMedia(cmd.Context(), objects)
			if err != nil {
				return fmt.Errorf("deleting media: %w", err)
			}
			fmt.Printf("Deleted %d object(s)\n", n)
			return nil
		})
	},
}

var archiveDeleteBackupCmd = &cobra.Command{
	Use:   "delete-backup",
	Short: "Delete the remote message and media backups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, "archive delete-backup", app.Options{}, func(a *app.App) error {
			deferred, err := a.DeleteBackup(cmd.Context())
			if err != nil {
				return fmt.Errorf("deleting backup: %w", err)
			}
			if len(deferred) > 0 {
				fmt.Printf("Deferred, waiting on: %s\n", strings.Join(deferred, ", "))
				return nil
			}
			fmt.Println("Remote backups deleted")
			return nil
		})
	},
}

var archiveReadCredentialsCmd = &cobra.Command{
	Use:   "read-credentials",
	Short: "Fetch CDN read credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cdn, _ := cmd.Flags().GetInt("cdn")
		return runApp(cmd, "archive read-credentials", app.Options{}, func(a *app.App) error {
			headers, err := a.ReadCredentials(cmd.Context(), cdn)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, headers)
		})
	},
}

func printArchiveResult(r *backup.ArchiveResult) {
	if len(r.Deferred) > 0 {
		fmt.Printf("Deferred, waiting on: %s\n", strings.Join(r.Deferred, ", "))
		return
	}
	fmt.Printf("Submitted %d, finished %d, needs reupload %d, pending %d\n",
		r.Submitted, r.Finished, r.NeedsReupload, r.Pending)
	if r.GCPending {
		fmt.Println("Archive is out of space, remote garbage collection pending")
	}
	if r.RateLimited {
		fmt.Printf("Rate limited, retry after %s\n", r.RetryAfter)
	}
}

// attachment command
var attachmentCmd = &cobra.Command{
	Use:   "attachment",
	Short: "Import and export attachment pointers",
}

var attachmentImportCmd = &cobra.Command{
	Use:   "import MESSAGE_ID [FILE]",
	Short: "Import a JSON file pointer (stdin when FILE is omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		messageID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", args[0])
		}

		var r io.Reader = os.Stdin
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		var opts attachment.ImportOptions
		opts.WasDownloaded, _ = cmd.Flags().GetBool("downloaded")
		opts.VoiceNote, _ = cmd.Flags().GetBool("voice-note")
		opts.Gif, _ = cmd.Flags().GetBool("gif")

		return runApp(cmd, "attachment import", app.Options{}, func(a *app.App) error {
			imported, err := a.ImportAttachment(messageID, r, opts)
			if err != nil {
				return fmt.Errorf("importing attachment: %w", err)
			}
			if imported == nil {
				fmt.Println("No attachment in pointer")
				return nil
			}
			fmt.Printf("Imported attachment %d\n", imported.ID)
			return nil
		})
	},
}

var attachmentExportCmd = &cobra.Command{
	Use:   "export ATTACHMENT_ID",
	Short: "Print the file pointer of an attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid attachment id %q", args[0])
		}
		mode, _ := cmd.Flags().GetString("mode")
		return runApp(cmd, "attachment export", app.Options{}, func(a *app.App) error {
			fp, err := a.ExportAttachment(id, mode)
			if err != nil {
				return err
			}
			return printJSON(os.Stdout, fp)
		})
	},
}

var attachmentTierCmd = &cobra.Command{
	Use:   "tier ATTACHMENT_ID",
	Short: "Show the remote tier of an attachment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid attachment id %q", args[0])
		}
		return runApp(cmd, "attachment tier", app.Options{}, func(a *app.App) error {
			tier, err := a.AttachmentTier(id)
			if err != nil {
				return err
			}
			fmt.Println(tier.Name())
			return nil
		})
	},
}

// local command
var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Local backups",
}

var localExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a local backup manifest into the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		mediaDir, _ := cmd.Flags().GetString("media-dir")
		return runApp(cmd, "local export", app.Options{MediaDir: mediaDir}, func(a *app.App) error {
			result, err := a.ExportLocal(cmd.Context())
			if err != nil {
				return fmt.Errorf("local export: %w", err)
			}
			fmt.Printf("Exported %d attachment(s) to %s v%d (copied %d, present %d, missing %d)\n",
				result.Attachments, result.Name, result.Version,
				result.MediaCopied, result.MediaPresent, result.MediaMissing)
			return nil
		})
	},
}

// state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View and change account flags",
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show account flags",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, "state show", app.Options{}, func(a *app.App) error {
			s := a.State()
			fmt.Printf("registered:           %t\n", s.Registered)
			fmt.Printf("account:              %s\n", s.AccountID)
			fmt.Printf("backups-enabled:      %t\n", s.BackupsEnabled)
			fmt.Printf("media-backup-enabled: %t\n", s.MediaBackupEnabled)
			fmt.Printf("remote-gc-pending:    %t\n", s.RemoteGCPending)
			fmt.Printf("deletion-state:       %s\n", s.Deletion)
			return nil
		})
	},
}

var stateSetCmd = &cobra.Command{
	Use:   "set FLAG VALUE",
	Short: "Set an account flag (" + strings.Join(app.StateFlags, ", ") + ")",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runApp(cmd, "state set", app.Options{}, func(a *app.App) error {
			if err := a.SetState(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", args[0], args[1])
			return nil
		})
	},
}

// constraints command
var constraintsCmd = &cobra.Command{
	Use:   "constraints [KEY...]",
	Short: "Show or wait for job constraints",
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		return runApp(cmd, "constraints", app.Options{}, func(a *app.App) error {
			if wait {
				ctx := cmd.Context()
				if timeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				if err := a.WaitConstraints(ctx, args...); err != nil {
					return fmt.Errorf("waiting for constraints: %w", err)
				}
			}

			for _, c := range a.Constraints() {
				met := "unmet"
				if c.Met {
					met = "met"
				}
				fmt.Printf("%-40s %s\n", c.Key, met)
			}
			return nil
		})
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return runApp(cmd, "history", app.Options{}, func(a *app.App) error {
			ops, err := a.History(limit)
			if err != nil {
				return err
			}

			if len(ops) == 0 {
				fmt.Println("No backup operations recorded.")
				return nil
			}

			for _, op := range ops {
				duration := ""
				if op.FinishedAt.Valid {
					d := op.FinishedAt.Time.Sub(op.StartedAt)
					duration = d.Truncate(time.Millisecond).String()
				}
				fmt.Printf("#%d  %-22s  %s  %-8s  %-20s  %s\n",
					op.ID,
					op.Operation,
					op.StartedAt.Format("2006-01-02 15:04:05"),
					op.Status,
					op.Parameters,
					duration,
				)
			}
			return nil
		})
	},
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().Bool("metrics", false, "Print request and reconciliation counters to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("account", "", "Account id (generated when empty)")

	// keys subcommands
	keysCmd.AddCommand(keysInitCmd)
	keysCmd.AddCommand(keysShowCmd)

	// archive subcommands
	archiveCmd.AddCommand(archiveReserveCmd)
	archiveCmd.AddCommand(archiveRegisterKeysCmd)
	archiveCmd.AddCommand(archiveInfoCmd)
	archiveCmd.AddCommand(archiveMediaCmd)
	archiveCmd.AddCommand(archiveCopyCmd)
	archiveCmd.AddCommand(archiveDeleteCmd)
	archiveDeleteCmd.Flags().Int("cdn", backup.ArchiveCDN, "CDN the objects live on")
	archiveCmd.AddCommand(archiveDeleteBackupCmd)
	archiveCmd.AddCommand(archiveReadCredentialsCmd)
	archiveReadCredentialsCmd.Flags().Int("cdn", backup.ArchiveCDN, "CDN to read from")

	// attachment subcommands
	attachmentCmd.AddCommand(attachmentImportCmd)
	attachmentImportCmd.Flags().Bool("downloaded", false, "The exporting device had downloaded the attachment")
	attachmentImportCmd.Flags().Bool("voice-note", false, "Mark as a voice note")
	attachmentImportCmd.Flags().Bool("gif", false, "Mark as a gif")
	attachmentCmd.AddCommand(attachmentExportCmd)
	attachmentExportCmd.Flags().String("mode", "remote", "Backup mode: remote, link-sync or local")
	attachmentCmd.AddCommand(attachmentTierCmd)

	// local subcommands
	localCmd.AddCommand(localExportCmd)
	localExportCmd.Flags().String("media-dir", "", "Directory holding attachment files named by id")

	// state subcommands
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateSetCmd)

	constraintsCmd.Flags().Bool("wait", false, "Block until the constraints are met")
	constraintsCmd.Flags().Duration("timeout", 0, "Give up waiting after this long")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(attachmentCmd)
	rootCmd.AddCommand(localCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(constraintsCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
