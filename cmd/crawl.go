package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobsearch-crawler/internal/crawler"
	"github.com/JakeFAU/jobsearch-crawler/internal/listing"
	"github.com/JakeFAU/jobsearch-crawler/internal/server"
)

// crawlFlags maps command line flags onto configuration keys.
var crawlFlags = map[string]string{
	"keywords":    "search.keywords",
	"pages":       "search.pages",
	"area-codes":  "search.area_codes",
	"remote-mode": "search.remote_mode",
}

// newCrawlCmd creates the one-shot 'crawl' subcommand.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run one crawl and write the listings to CSV",
		Long: `Crawls the configured keywords and pages in the foreground and writes
jobs_<timestamp>.csv. Flags override JOBCRAWLER_SEARCH_* environment
variables, which override the config file.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd.Context(), outDir, time.Now())
		},
	}

	cmd.Flags().StringSlice("keywords", nil, "comma separated search keywords")
	cmd.Flags().Int("pages", 0, "pages per keyword (1-50)")
	cmd.Flags().StringSlice("area-codes", nil, "comma separated 10 digit area codes")
	cmd.Flags().String("remote-mode", "", "remote work filter: none, full, partial or both")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory for the CSV file")
	for flag, key := range crawlFlags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
	return cmd
}

func runCrawl(ctx context.Context, outDir string, now time.Time) error {
	rt, err := resolveRuntime(ctx)
	if err != nil {
		return err
	}
	logger := rt.logger.Named("crawl")

	spec, warnings, err := rt.cfg.SearchSpecification()
	for _, w := range warnings {
		logger.Warn(w)
	}
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("crawl started",
		zap.Strings("keywords", spec.Keywords),
		zap.Int("pages", spec.PagesPerKeyword),
		zap.Strings("area_codes", spec.AreaCodes),
		zap.String("remote_mode", string(spec.RemoteMode)),
	)
	executor := server.NewCrawler(rt.cfg, logger)
	res, err := executor.Execute(ctx, spec, func(p crawler.Progress) {
		logger.Debug("crawl progress",
			zap.Int("pages_done", p.PagesDone),
			zap.Int("pages_total", p.PagesTotal),
			zap.Int("records", p.Records),
		)
	})
	if err != nil {
		var fatal *crawler.FatalCrawlError
		if errors.As(err, &fatal) {
			for _, f := range fatal.Failures {
				logger.Error("page failed", zap.String("keyword", f.Keyword), zap.Int("page", f.Page), zap.String("error", f.Cause))
			}
		}
		return fmt.Errorf("crawl: %w", err)
	}
	for _, f := range res.Failures {
		logger.Warn("page failed", zap.String("keyword", f.Keyword), zap.Int("page", f.Page), zap.String("error", f.Cause))
	}

	path, err := writeCSVFile(outDir, now, res.Records)
	if err != nil {
		return err
	}
	logger.Info("crawl finished",
		zap.String("path", path),
		zap.Int("records", len(res.Records)),
		zap.Int("pages_succeeded", res.PagesSucceeded),
		zap.Int("pages_total", res.PagesTotal),
	)
	return nil
}

func writeCSVFile(dir string, now time.Time, records []listing.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(dir, "jobs_"+now.Format("20060102_150405")+".csv")
	f, err := os.Create(path) // #nosec G304 -- path is built from the operator supplied directory
	if err != nil {
		return "", fmt.Errorf("create csv: %w", err)
	}
	if err := listing.WriteCSV(f, records); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close csv: %w", err)
	}
	return path, nil
}
