package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v2/log"
	"github.com/spf13/cobra"

	"github.com/ManuelReschke/BookingRelay/app/repository"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/blobstore"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/database"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/env"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/middleware"
	"github.com/ManuelReschke/BookingRelay/internal/pkg/payloadstore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payloadctl",
		Short: "Operate on offloaded webhook payloads",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			env.SetupEnvFile()
		},
	}
	cmd.AddCommand(newVerifyCommand(), newOrphansCommand(), newHashKeyCommand())
	return cmd
}

func newVerifyCommand() *cobra.Command {
	var window time.Duration
	var asJSON bool
	cmd := &cobra.Command{
		Use:          "verify",
		Short:        "Re-download recent offloaded payloads and compare checksums",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Check everything offloaded during the last day
payloadctl verify

# Narrow the window
payloadctl verify --window 2h --json
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			report := store.VerifyRecent(cmd.Context(), window)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "checked %d, verified %d, mismatches %d, errors %d (window %s, took %s)\n",
				report.Checked, report.Verified, report.Mismatches, report.Errors, window,
				report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().DurationVar(&window, "window", 24*time.Hour, "how far back to verify")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func newOrphansCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:          "orphans",
		Short:        "List stored payloads that no audit row references (read only)",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			report := store.ScanOrphans(cmd.Context())
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			if report.Error != "" {
				return fmt.Errorf("orphan scan: %s", report.Error)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s objects under %q, %d orphaned, %d skipped as too recent\n",
				humanize.Comma(int64(report.Total)), report.Prefix, report.OrphanCount, report.Skipped)
			for _, key := range report.OrphanKeys {
				fmt.Fprintln(out, key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	return cmd
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash to use as OPS_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashOpsKey(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
}

func openStore(ctx context.Context) (*payloadstore.Store, error) {
	cfg, err := payloadstore.LoadConfig()
	if err != nil {
		return nil, err
	}
	s3Cfg, err := blobstore.LoadConfig()
	if err != nil {
		return nil, err
	}
	client, err := blobstore.NewClient(ctx, s3Cfg)
	if err != nil {
		return nil, err
	}

	driver := env.GetEnv("DB_DRIVER", "mysql")
	db, err := database.Open(driver)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	repos := repository.NewRepositories(db)
	log.Infof("[payloadctl] Using bucket %s", client.Bucket())
	return payloadstore.New(*cfg, client, repos.WebhookEvent, counter.New(repos.HealthMetric, nil)), nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
