package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/subledger/cmd/odyssey/cli"
	"github.com/odyssey-erp/subledger/internal/accounting"
	"github.com/odyssey-erp/subledger/internal/accounting/accounts"
	"github.com/odyssey-erp/subledger/internal/app"
	"github.com/odyssey-erp/subledger/internal/auth"
	"github.com/odyssey-erp/subledger/internal/fiscal"
	fiscalhttp "github.com/odyssey-erp/subledger/internal/fiscal/http"
	"github.com/odyssey-erp/subledger/internal/observability"
	"github.com/odyssey-erp/subledger/internal/platform/cache"
	"github.com/odyssey-erp/subledger/internal/platform/db"
	"github.com/odyssey-erp/subledger/internal/platform/events"
	"github.com/odyssey-erp/subledger/internal/shared"
	"github.com/odyssey-erp/subledger/jobs"
)

const usage = `usage: odyssey [command]

commands:
  serve                           run the HTTP API (default)
  accounts import -file coa.yaml  load a chart of accounts
  jobs trigger <task> [-tenant]   enqueue a background job
  jobs stats                      print default queue counters
  token -tenant -sub -role        mint an API bearer token
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "accounts":
		os.Exit(runAccounts(ctx, cfg, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	case "token":
		os.Exit(runToken(cfg, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{AppName: "subledger-api"})
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	accountsRepo := accounts.NewRepository(pool)
	fiscalRepo := fiscal.NewRepository(pool)
	guard := fiscal.NewGuard(fiscalRepo)

	journalRepo := accounting.NewRepository(pool)
	journalService := accounting.NewService(journalRepo, auditLogger, guard, logger)

	fiscalService := fiscal.NewService(fiscalRepo, accountsRepo, journalService, auditLogger, logger)
	fiscalService.WithCache(fiscal.NewCache(redisClient, cfg.SummaryCacheTTL))
	fiscalService.WithLocker(shared.NewRedisLocker(redisClient, cfg.OpeningLockTTL))
	fiscalService.WithMetrics(metrics)
	if cfg.EventsEnabled() {
		publisher, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka close", slog.Any("error", err))
			}
		}()
		fiscalService.WithEvents(publisher)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Auth:              auth.NewMiddleware([]byte(cfg.JWTSecret), logger),
		FiscalHandler:     fiscalhttp.NewHandler(logger, fiscalService, guard),
		AccountingHandler: accounting.NewHandler(logger, journalService),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runAccounts(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 || args[0] != "import" {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("accounts import", flag.ExitOnError)
	path := fs.String("file", "", "chart of accounts YAML file")
	dryRun := fs.Bool("dry-run", false, "validate without writing")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	_ = fs.Parse(args[1:])

	var store cli.AccountUpserter
	if !*dryRun {
		pool, err := db.New(ctx, cfg.PGDSN, db.Options{AppName: "subledger-cli", MaxConns: 2})
		if err != nil {
			fmt.Fprintf(os.Stderr, "accounts import: %v\n", err)
			return 1
		}
		defer pool.Close()
		store = accounts.NewRepository(pool)
	}
	return cli.NewAccountsCLI(store).ImportCommand(ctx, cli.AccountsImportOptions{
		Path:       *path,
		DryRun:     *dryRun,
		JSONOutput: *asJSON,
	})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	helper, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer helper.Close()

	switch args[0] {
	case "trigger":
		fs := flag.NewFlagSet("jobs trigger", flag.ExitOnError)
		tenant := fs.String("tenant", "", "limit the job to one tenant")
		_ = fs.Parse(args[1:])
		if fs.NArg() != 1 {
			fmt.Fprintf(os.Stderr, "jobs trigger: task name required (%s, %s)\n", jobs.TaskFiscalIntegrityScan, jobs.TaskFiscalOpeningRepair)
			return 2
		}
		info, err := helper.Trigger(ctx, fs.Arg(0), *tenant)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		stats, err := helper.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		scheduled, err := helper.ListScheduled(ctx, 10)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		for _, task := range scheduled {
			fmt.Printf("  %s %s at %s\n", task.ID, task.Type, task.NextProcessAt.Format(time.RFC3339))
		}
		return 0
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

func runToken(cfg *app.Config, args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	tenant := fs.String("tenant", "", "tenant id")
	subject := fs.String("sub", "", "operator identity")
	role := fs.String("role", string(auth.RoleViewer), "viewer, accountant or controller")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	_ = fs.Parse(args)
	return cli.TokenCommand(cli.TokenOptions{
		Secret:  cfg.JWTSecret,
		Tenant:  *tenant,
		Subject: *subject,
		Role:    *role,
		TTL:     *ttl,
	})
}
