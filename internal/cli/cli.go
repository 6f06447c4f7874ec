// ============================================================================
// Bookextract CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the command line interface based on the Cobra framework
//
// Command Structure:
//   bookextract                    # Root command
//   ├── run [files...]             # Start the extraction service
//   ├── submit <files...>          # Submit PDFs to a running service
//   │   └── --server-paths        # Send paths instead of uploading bytes
//   ├── status [job-id]            # Queue overview or one job with its logs
//   ├── delete <job-id>            # Remove one job
//   ├── clear                      # Remove all jobs and durable history
//   ├── export                     # Download completed results
//   │   ├── --format csv|xlsx
//   │   └── --output, -o
//   ├── --config, -c              # Config file (default configs/bookextract.yaml)
//   ├── --addr                    # Override the gRPC address
//   └── --version
//
// Configuration:
//   YAML file, then environment variables (GEMINI_API_KEY, BOOKEXTRACT_*),
//   then defaults for anything still unset.
//
// run Command:
//   1. Load config and set up the logger
//   2. Create the Gemini extractor and the Controller
//   3. Start the Controller (restores history) and enqueue any file arguments
//   4. Serve gRPC and /metrics (if enabled) in an errgroup
//   5. On SIGINT / SIGTERM: stop servers, then stop the Controller
//
// The client commands talk to a running service over gRPC.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/bookextract/internal/controller"
	"github.com/ChuLiYu/bookextract/internal/export"
	"github.com/ChuLiYu/bookextract/internal/llm/gemini"
	"github.com/ChuLiYu/bookextract/internal/metrics"
	"github.com/ChuLiYu/bookextract/internal/server"
	"github.com/ChuLiYu/bookextract/pkg/types"
)

var (
	configFile string
	addrFlag   string
)

const clientTimeout = 30 * time.Second

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bookextract",
		Short: "Bookextract: a sequential PDF book extraction queue",
		Long: `Bookextract turns PDF books into structured, mobile-friendly text:
- one extraction at a time, in submission order
- progress and logs per job
- durable history of finished jobs
- CSV / XLSX export`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/bookextract.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "gRPC address of a running service (overrides config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildDeleteCommand())
	rootCmd.AddCommand(buildClearCommand())
	rootCmd.AddCommand(buildExportCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Start the extraction service",
		Long:  "Restore history, start the scheduler and serve gRPC. File arguments are enqueued at startup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runService(ctx, args)
		},
	}
	return cmd
}

func runService(ctx context.Context, files []string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if addrFlag != "" {
		cfg.GRPC.Addr = addrFlag
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("Starting bookextract",
		"config", configFile,
		"history_backend", cfg.History.Backend,
		"history_path", cfg.History.Path,
		"model", cfg.Gemini.Model)

	if cfg.Gemini.APIKey == "" {
		logger.Warn("GEMINI_API_KEY is not set; every extraction will fail")
	}

	var opts []controller.Option
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		opts = append(opts, controller.WithMetrics(metrics.NewCollectorWith(registry)))
	}

	extractor := gemini.NewClient(cfg.GeminiConfig(), logger)
	ctrl, err := controller.NewController(cfg.ControllerConfig(), extractor, opts...)
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}

	if len(files) > 0 {
		jobs, err := ctrl.SubmitFiles(files)
		if err != nil {
			return fmt.Errorf("failed to enqueue files: %w", err)
		}
		logger.Info("Enqueued startup files", "count", len(jobs))
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.GRPC.Enabled {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
		}
		gs := server.NewGRPCServer(ctrl, server.ServerLimits(cfg.MaxMessageBytes())...)
		g.Go(func() error { return server.Serve(gctx, lis, gs) })
	}

	if cfg.Metrics.Enabled {
		logger.Info("Starting metrics server", "port", cfg.Metrics.Port)
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Port, registry) })
	}

	logger.Info("System started successfully")
	<-gctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully...")

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("System stopped. Goodbye!")
	return nil
}

// ============================================================================
// client commands
// ============================================================================

// dial connects to the configured service.
func dial() (*server.Client, *Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	addr := cfg.DialAddr()
	if addrFlag != "" {
		addr = addrFlag
	}
	c, err := server.Dial(addr, server.ClientLimits(cfg.MaxMessageBytes()))
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

func buildSubmitCommand() *cobra.Command {
	var serverPaths bool

	cmd := &cobra.Command{
		Use:   "submit <files...>",
		Short: "Submit PDF files for extraction",
		Long:  "Upload PDF files to a running service. With --server-paths the service reads the paths from its own filesystem.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			var jobs []types.Job
			if serverPaths {
				jobs, err = c.SubmitPaths(ctx, args)
			} else {
				jobs, err = c.Upload(ctx, args)
			}
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(out, "%s  %s\n", j.ID, j.Name)
			}
			fmt.Fprintf(out, "Submitted %d job(s)\n", len(jobs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&serverPaths, "server-paths", false, "send paths for the service to read instead of uploading bytes")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show queue status or one job",
		Long:  "Display job counts and the job list, or the details and logs of one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			if len(args) == 1 {
				job, err := c.Get(ctx, types.JobID(args[0]))
				if err != nil {
					return err
				}
				printJob(cmd, job)
				return nil
			}

			jobs, err := c.List(ctx)
			if err != nil {
				return fmt.Errorf("service not reachable (run 'bookextract run' to start): %w", err)
			}
			printStatus(cmd, cfg, jobs)
			return nil
		},
	}
	return cmd
}

func buildDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete one job",
		Long:  "Remove a job from the list. A job being processed finishes in the background and its result is discarded.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			if err := c.Delete(ctx, types.JobID(args[0])); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func buildClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all jobs and the saved history",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			if err := c.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "History cleared")
			return nil
		},
	}
}

func buildExportCommand() *cobra.Command {
	var formatName string
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export completed books as CSV or XLSX",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := export.ParseFormat(formatName)
			if err != nil {
				return err
			}
			if output == "" {
				output = "books." + string(format)
			}

			c, _, err := dial()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()
			data, rows, err := c.Export(ctx, format)
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d book(s) to %s\n", rows, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&formatName, "format", "csv", "export format: csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default books.<format>)")
	return cmd
}

// ============================================================================
// output
// ============================================================================

func printStatus(cmd *cobra.Command, cfg *Config, jobs []types.Job) {
	out := cmd.OutOrStdout()
	counts := map[types.JobStatus]int{}
	for _, j := range jobs {
		counts[j.Status]++
	}

	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Bookextract Queue Status                        ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:  %s\n", configFile)
	fmt.Fprintf(out, "  ├─ Model:        %s\n", cfg.Gemini.Model)
	fmt.Fprintf(out, "  └─ History:      %s (%s)\n", cfg.History.Path, cfg.History.Backend)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📊 Jobs:")
	fmt.Fprintf(out, "  ├─ Total:         %d\n", len(jobs))
	fmt.Fprintf(out, "  ├─ ⏳ Queued:      %d\n", counts[types.StatusQueued])
	fmt.Fprintf(out, "  ├─ 🔄 Processing:  %d\n", counts[types.StatusProcessing])
	fmt.Fprintf(out, "  ├─ ✅ Completed:   %d\n", counts[types.StatusCompleted])
	fmt.Fprintf(out, "  └─ ❌ Error:       %d\n", counts[types.StatusError])
	fmt.Fprintln(out)

	if len(jobs) > 0 {
		sorted := append([]types.Job(nil), jobs...)
		sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].CreatedAt < sorted[k].CreatedAt })
		for _, j := range sorted {
			fmt.Fprintf(out, "  %-36s  %-10s %3d%%  %s\n", j.ID, j.Status, j.Progress, j.Name)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}

func printJob(cmd *cobra.Command, job types.Job) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", job.ID)
	fmt.Fprintf(out, "Name:      %s\n", job.Name)
	fmt.Fprintf(out, "Status:    %s\n", job.Status)
	fmt.Fprintf(out, "Progress:  %d%%\n", job.Progress)
	fmt.Fprintf(out, "Created:   %s\n", time.UnixMilli(job.CreatedAt).Format(time.RFC3339))
	if job.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", job.Error)
	}
	if job.Result != nil {
		fmt.Fprintf(out, "Title:     %s\n", job.Result.Title)
		fmt.Fprintf(out, "Pages:     %s\n", job.Result.PageCount)
		fmt.Fprintf(out, "Chapters:  %s\n", job.Result.Chapters)
	}
	if len(job.Logs) > 0 {
		fmt.Fprintln(out, "Logs:")
		fmt.Fprintln(out, "  "+strings.Join(job.Logs, "\n  "))
	}
}
