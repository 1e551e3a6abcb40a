// Command jobctl is the operator CLI for the listing job engine.
//
// Subcommands:
//
//	migrate  apply pending database migrations and exit
//	submit   enqueue a job for a listing
//	publish  enqueue a price or stock publish (deduplicated while pending)
//	get      print one job with its execution log
//	list     list jobs by status, type or listing
//	cancel   cancel a pending job
//	sweep    run one ingestion sweep now
//	dlq      peek the dead-letter feed
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"listing-ops/internal/config"
	"listing-ops/internal/dlq"
	"listing-ops/internal/logging"
	"listing-ops/internal/models"
	"listing-ops/internal/scheduler"
	"listing-ops/internal/store"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Operate the listing job engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.AddCommand(
		migrateCmd(),
		submitCmd(),
		publishCmd(),
		getCmd(),
		listCmd(),
		cancelCmd(),
		sweepCmd(),
		dlqCmd(),
	)
	return root
}

// env bundles what every subcommand needs.
type env struct {
	cfg config.Config
	log *slog.Logger
	st  *store.Store
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, e env) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	st, err := store.New(ctx, cfg.PostgresDSN, store.PoolOptions{MaxConns: 4})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer st.Close()
	return fn(ctx, env{cfg: cfg, log: logger, st: st})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := store.RunMigrations(cfg.PostgresDSN); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

type submitFlags struct {
	jobType     string
	listing     int64
	input       string
	priority    int
	delay       time.Duration
	maxAttempts int
	dedupe      bool
}

func submitCmd() *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a job for a listing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := f.params(cmd.Flags().Changed("priority"), time.Now().UTC())
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, e env) error {
				job, created, err := e.st.Submit(ctx, p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"job": job, "created": created})
			})
		},
	}
	cmd.Flags().StringVar(&f.jobType, "type", "", "job type, e.g. INGEST")
	cmd.Flags().Int64Var(&f.listing, "listing", 0, "listing id")
	cmd.Flags().StringVar(&f.input, "input", "", "job input as a JSON object")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "priority; defaults per job type")
	cmd.Flags().DurationVar(&f.delay, "delay", 0, "delay before the job becomes visible")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "attempt budget")
	cmd.Flags().BoolVar(&f.dedupe, "dedupe", false, "skip when an identical job is pending")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("listing")
	return cmd
}

func (f submitFlags) params(prioritySet bool, now time.Time) (store.CreateJobParams, error) {
	jobType, err := models.ParseJobType(f.jobType)
	if err != nil {
		return store.CreateJobParams{}, err
	}
	if f.listing <= 0 {
		return store.CreateJobParams{}, errors.New("--listing must be positive")
	}
	input, err := parseInput(f.input)
	if err != nil {
		return store.CreateJobParams{}, err
	}
	entity := models.ListingRef(f.listing)
	p := store.CreateJobParams{
		Type:          jobType,
		Entity:        &entity,
		Input:         input,
		RunAt:         now.Add(f.delay),
		MaxAttempts:   f.maxAttempts,
		DedupePending: f.dedupe,
	}
	if prioritySet {
		prio := f.priority
		p.Priority = &prio
	}
	return p, nil
}

func parseInput(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("--input must be a JSON object: %w", err)
	}
	return input, nil
}

func publishCmd() *cobra.Command {
	var (
		listing int64
		price   float64
		stock   int
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Enqueue a price or stock publish for a listing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobType, input, err := publishInput(cmd.Flags().Changed("price"), price, cmd.Flags().Changed("stock"), stock, force)
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, e env) error {
				job, created, err := e.st.CreatePublishJob(ctx, listing, jobType, input)
				if err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(cmd.ErrOrStderr(), "identical publish already pending: %s\n", job.ID)
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"job": job, "created": created})
			})
		},
	}
	cmd.Flags().Int64Var(&listing, "listing", 0, "listing id")
	cmd.Flags().Float64Var(&price, "price", 0, "new gross price")
	cmd.Flags().IntVar(&stock, "stock", 0, "new stock level")
	cmd.Flags().BoolVar(&force, "force", false, "lift the price change limit")
	_ = cmd.MarkFlagRequired("listing")
	cmd.MarkFlagsMutuallyExclusive("price", "stock")
	cmd.MarkFlagsOneRequired("price", "stock")
	return cmd
}

func publishInput(hasPrice bool, price float64, hasStock bool, stock int, force bool) (models.JobType, map[string]any, error) {
	var (
		jobType models.JobType
		input   map[string]any
	)
	switch {
	case hasPrice && !hasStock:
		if price <= 0 {
			return "", nil, errors.New("--price must be positive")
		}
		jobType, input = models.JobPublishPrice, map[string]any{"price": price}
	case hasStock && !hasPrice:
		if stock < 0 {
			return "", nil, errors.New("--stock must not be negative")
		}
		jobType, input = models.JobPublishStock, map[string]any{"stock": stock}
	default:
		return "", nil, errors.New("exactly one of --price or --stock is required")
	}
	if force {
		input["force"] = true
	}
	return jobType, input, nil
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env) error {
				job, err := e.st.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func listCmd() *cobra.Command {
	var (
		status  string
		jobType string
		listing int64
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := models.JobFilter{Limit: limit}
			if status != "" {
				st, err := models.ParseJobStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			if jobType != "" {
				t, err := models.ParseJobType(jobType)
				if err != nil {
					return err
				}
				f.Type = t
			}
			if listing > 0 {
				entity := models.ListingRef(listing)
				f.Entity = &entity
			}
			return withStore(cmd, func(ctx context.Context, e env) error {
				jobs, err := e.st.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), jobs)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "PENDING, RUNNING, SUCCEEDED, FAILED or CANCELLED")
	cmd.Flags().StringVar(&jobType, "type", "", "job type")
	cmd.Flags().Int64Var(&listing, "listing", 0, "listing id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, e env) error {
				job, err := e.st.CancelJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Enqueue INGEST for every known listing now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, e env) error {
				n, err := scheduler.New(e.st, scheduler.Options{MaxAttempts: e.cfg.MaxAttempts}, e.log).IngestSweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %d ingest jobs\n", n)
				return nil
			})
		},
	}
}

func dlqCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Peek the dead-letter feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			defer rdb.Close()
			entries, err := dlq.New(rdb, cfg.DLQName, cfg.DLQMaxLen).Peek(cmd.Context(), count)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().Int64Var(&count, "count", 20, "entries to show")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
