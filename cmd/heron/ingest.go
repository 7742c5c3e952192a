package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opensource-finance/heron/internal/domain"
	"github.com/opensource-finance/heron/internal/ingest"
	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "ingest <path|-|gs://bucket/object>",
		Short: "Bulk load transactions or anomalies from CSV or NDJSON",
		Long: `Bulk load a file of transactions or anomalies.

The source is a local path, "-" for stdin, or a gs://bucket/object URI.
Files ending in .jsonl or .ndjson are read as JSON lines, anything else
as CSV with a header row. Interrupting the command stops scheduling new
records; records already in flight finish.

Examples:
  heron ingest --kind transactions ./transactions.csv
  heron ingest --kind anomalies gs://fraud-exports/2025-06/anomalies.jsonl
  cat batch.csv | heron ingest --kind transactions -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, kind, args[0])
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(ingest.KindTransactions), "record kind: transactions or anomalies")
	return cmd
}

func runIngest(cmd *cobra.Command, rawKind, source string) error {
	kind, err := ingest.ParseKind(rawKind)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var fetcher ingest.ObjectFetcher
	if strings.HasPrefix(source, "gs://") {
		gcs, err := ingest.NewGCSFetcher(ctx)
		if err != nil {
			return err
		}
		defer gcs.Close()
		fetcher = gcs
	}

	r, err := ingest.Open(ctx, source, fetcher)
	if err != nil {
		return err
	}
	defer r.Close()

	actor := &domain.Actor{UserID: "cli", Username: os.Getenv("USER")}
	res, err := a.orch.IngestBatch(ctx, kind, ingest.NewStream(source, r), source, actor)
	if res != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		return err
	}

	if err := res.Err(); err != nil {
		slog.Warn("ingest finished with record errors", "error", err, "inserted", res.Inserted)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d inserted, %d failed, %d skipped\n", kind, res.Inserted, len(res.Errors), len(res.Skipped))
	return nil
}
