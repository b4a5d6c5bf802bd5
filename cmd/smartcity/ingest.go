package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/smartcity-telemetry/internal/assemble"
	"github.com/kjstillabower/smartcity-telemetry/internal/ingest"
	"github.com/kjstillabower/smartcity-telemetry/internal/normalize"
	"github.com/kjstillabower/smartcity-telemetry/internal/persist"
	"github.com/kjstillabower/smartcity-telemetry/internal/secret"
)

func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Run one live ingestion invocation",
		Long: `Fetches current weather and air pollution for the configured city, stores the
canonical record and writes the raw and processed snapshots. Prints the result as JSON
and exits non-zero on failure.`,
		Args: cobra.NoArgs,
		RunE: runIngest,
	}
}

func runIngest(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)
	ctx := cmd.Context()
	cfg, logger := a.cfg, a.logger

	st, err := a.newStore(ctx)
	if err != nil {
		return fmt.Errorf("keyed store: %w", err)
	}
	raw, err := a.newBlobStore(ctx, cfg.RawBucket)
	if err != nil {
		return fmt.Errorf("raw bucket: %w", err)
	}
	processed, err := a.newBlobStore(ctx, cfg.ProcessedBucket)
	if err != nil {
		return fmt.Errorf("processed bucket: %w", err)
	}
	fetcher, err := a.newSecretFetcher(ctx)
	if err != nil {
		return fmt.Errorf("secret source: %w", err)
	}

	runner := ingest.NewRunner(
		ingest.RunnerConfig{SecretName: cfg.SecretName, KeyField: cfg.SecretKeyField},
		secret.NewCache(fetcher, logger),
		a.newClientFactory(),
		assemble.New(cfg.CityName, logger),
		persist.NewGateway(st, raw, processed, cfg.CityName, logger),
		logger,
	)
	resp, runErr := runner.Run(ctx)
	if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
		return err
	}
	return runErr
}

func newImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a historical CSV export into the keyed store",
		Long: `Normalizes every row of a CSV export, writes the valid records to the keyed store and
exports the normalized set as JSON to the raw bucket. Reads --file when given, otherwise
the object at batch.source_key in the raw bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd, file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "local CSV file to import instead of the raw bucket object")
	return cmd
}

func runImport(cmd *cobra.Command, file string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)
	ctx := cmd.Context()
	cfg, logger := a.cfg, a.logger

	st, err := a.newStore(ctx)
	if err != nil {
		return fmt.Errorf("keyed store: %w", err)
	}
	raw, err := a.newBlobStore(ctx, cfg.RawBucket)
	if err != nil {
		return fmt.Errorf("raw bucket: %w", err)
	}

	importer := ingest.NewBatchImporter(ingest.BatchConfig{
		SourceKey: cfg.BatchSourceKey,
		OutputKey: cfg.BatchOutputKey,
		LatestKey: cfg.BatchLatestKey,
	}, normalize.New(cfg.CityName, logger), st, raw, logger)

	var (
		res       ingest.BatchResult
		importErr error
	)
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("open %s: %w", file, err)
		}
		defer f.Close()
		res, importErr = importer.Import(ctx, f)
	} else {
		res, importErr = importer.ImportFromBlob(ctx)
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	return importErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
