/*
main.go - Application entry point

PURPOSE:
  Command-line entry point of the conflict engine. Serves the HTTP API,
  runs reconciliation from the shell, and manages the database.

COMMANDS:
  serve     HTTP API plus the optional background scheduler
  run       Execute (or resume) one reconciliation run and print the result
  plan      Print the chunk plan a run would use, nothing persisted
  migrate   Apply database migrations and exit
  seed      Load a demo scenario, or YAML files of visits and in-service events

CONFIGURATION:
  Built-in defaults, then the YAML file named by --config or
  CONFLICT_CONFIG, then CONFLICT_* environment variables (a .env file in
  the working directory is read first). See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (an in-flight run is cancelled between chunks and
     stays resumable)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Flush traces, close the lease backend and the database

EXAMPLES:
  # Serve with a local SQLite file
  conflict-engine serve

  # Full rebuild against PostgreSQL
  CONFLICT_DB_DRIVER=postgres CONFLICT_DATABASE_URL=postgres://... conflict-engine run --mode full

  # Resume a partial run
  conflict-engine run --run-id 3f6c...

SEE ALSO:
  - app.go: Dependency wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warp/conflict-engine/api"
	"github.com/warp/conflict-engine/conflict"
	"github.com/warp/conflict-engine/observability"
	"github.com/warp/conflict-engine/orchestrator"
)

var configPath string

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "conflict-engine",
		Short:         "Detect and reconcile scheduling conflicts between field visits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CONFLICT_CONFIG)")

	root.AddCommand(serveCmd(), runCmd(), planCmd(), migrateCmd(), seedCmd())
	return root
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.cfg.HTTPAddr = addr
			}

			shutdownTracing := observability.InitTracing(ctx, a.log, observability.TracingConfig{
				Enabled:     a.cfg.Tracing.Enabled,
				ServiceName: a.cfg.Tracing.ServiceName,
				Environment: a.cfg.Env,
			})
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					a.log.Warn("tracing shutdown", "error", err)
				}
			}()

			handler := a.handler()
			router := api.NewRouter(handler, api.RouterOptions{
				AllowedOrigins: a.cfg.CORS,
				Demo:           a.cfg.Env != "production",
				RequestLog:     a.cfg.Env == "development",
			})

			scheduler := api.NewScheduler(a.orch, a.log)
			scheduler.Enabled = a.cfg.Scheduler.Enabled
			scheduler.Interval = a.cfg.Scheduler.Interval
			scheduler.Join = a.cfg.DefaultJoin()
			scheduler.Start()

			server := &http.Server{
				Addr:         a.cfg.HTTPAddr,
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 10 * time.Minute,
				IdleTimeout:  60 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.log.Info("server starting", "addr", a.cfg.HTTPAddr, "env", a.cfg.Env)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				scheduler.Stop()
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			a.log.Info("shutting down server")
			scheduler.Stop()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides http_addr)")
	return cmd
}

// =============================================================================
// RUN AND PLAN
// =============================================================================

type runFlags struct {
	runID         string
	mode          string
	join          string
	lookbackHours int
}

func (f *runFlags) register(cmd *cobra.Command, withRunID bool) {
	if withRunID {
		cmd.Flags().StringVar(&f.runID, "run-id", "", "resume this run instead of starting a new one")
	}
	cmd.Flags().StringVar(&f.mode, "mode", string(orchestrator.RunIncremental), "incremental or full")
	cmd.Flags().StringVar(&f.join, "join", "", "symmetric or asymmetric (default from config)")
	cmd.Flags().IntVar(&f.lookbackHours, "lookback-hours", -1, "incremental lookback (default from config)")
}

func (f *runFlags) request(defaultJoin conflict.JoinMode) orchestrator.RunRequest {
	req := orchestrator.RunRequest{
		RunID: f.runID,
		Mode:  orchestrator.RunMode(f.mode),
		Join:  conflict.JoinMode(f.join),
	}
	if req.Join == "" {
		req.Join = defaultJoin
	}
	if f.lookbackHours >= 0 {
		h := f.lookbackHours
		req.LookbackHours = &h
	}
	return req
}

func runCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute or resume one reconciliation run",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, runErr := a.orch.Run(ctx, flags.request(a.cfg.DefaultJoin()))
			if res != nil {
				if err := printJSON(cmd, res); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if res.Status == orchestrator.StatusPartial {
				return fmt.Errorf("run %s partial: resume with --run-id", res.RunID)
			}
			return nil
		},
	}
	flags.register(cmd, true)
	return cmd
}

func planCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the chunk plan a run would use",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			run, chunks, err := a.orch.Plan(cmd.Context(), flags.request(a.cfg.DefaultJoin()))
			if err != nil {
				return err
			}
			return printJSON(cmd, orchestrator.NewPlanDocument(run, chunks, a.orch.Now()))
		},
	}
	flags.register(cmd, false)
	return cmd
}

// =============================================================================
// DATABASE
// =============================================================================

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			a.log.Info("database migrated", "driver", a.cfg.Database.Driver)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	var scenario, visitsFile, eventsFile string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a demo scenario, or YAML files of visits and in-service events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (scenario == "") == (visitsFile == "" && eventsFile == "") {
				return errors.New("either --scenario or --visits/--in-service is required")
			}
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if scenario != "" {
				n, err := a.handler().LoadScenario(cmd.Context(), scenario)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded scenario %s: %d visits\n", scenario, n)
				return nil
			}

			if visitsFile != "" {
				n, err := a.seedVisits(cmd.Context(), visitsFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d visits from %s\n", n, visitsFile)
			}
			if eventsFile != "" {
				n, err := a.seedInService(cmd.Context(), eventsFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d in-service events from %s\n", n, eventsFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "", "demo scenario id (resets the database)")
	cmd.Flags().StringVar(&visitsFile, "visits", "", "YAML file of visits to upsert")
	cmd.Flags().StringVar(&eventsFile, "in-service", "", "YAML file of in-service events to upsert")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
