/*
main.go - Application entry point

PURPOSE:
  Boots the KRONOS approval and leave core: SQLite store, calendar
  kernel, balance ledger, approval engine, leave service, background
  jobs and the HTTP API.

STARTUP SEQUENCE:
  1. Load configuration (.env, KRONOS_* variables, flag overrides)
  2. Configure logging (console, or rotated JSON file)
  3. Open the SQLite store and run migrations
  4. Wire the services and the approval resolution callback
  5. Seed demo data when demo mode is on
  6. Start the job scheduler and serve HTTP until SIGINT/SIGTERM

CALLBACK WIRING:
  The approval engine reports leave resolutions through a callback. With
  KRONOS_BASE_URL unset, both sides live in this process and the payload
  is handed to the leave service directly. When set, the engine POSTs to
  <base-url>/leaves/internal/approval-callback, which keeps working when
  the engine is split out behind its own deployment.

COMMAND-LINE FLAGS:
  -port   HTTP listen port       (overrides KRONOS_PORT, default 8080)
  -db     SQLite database path   (overrides KRONOS_DB)
  -demo   seed demo data on boot (overrides KRONOS_DEMO)

EXAMPLES:
  # Ephemeral demo instance
  ./server -db=":memory:" -demo

  # File-backed on another port
  ./server -port=3000 -db="./data/kronos.db"

SEE ALSO:
  - config/config.go: Environment variables and defaults
  - api/server.go: Route table
*/
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kronos-wfm/kronos-core/api"
	"github.com/kronos-wfm/kronos-core/approval"
	"github.com/kronos-wfm/kronos-core/audit"
	"github.com/kronos-wfm/kronos-core/calendar"
	"github.com/kronos-wfm/kronos-core/config"
	"github.com/kronos-wfm/kronos-core/directory"
	"github.com/kronos-wfm/kronos-core/jobs"
	"github.com/kronos-wfm/kronos-core/leave"
	"github.com/kronos-wfm/kronos-core/ledger"
	"github.com/kronos-wfm/kronos-core/notify"
	"github.com/kronos-wfm/kronos-core/store/sqlite"
)

func main() {
	cfg := config.Load()
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, `SQLite database path (":memory:" for ephemeral)`)
	flag.BoolVar(&cfg.Demo, "demo", cfg.Demo, "seed demo data on boot")
	flag.Parse()

	log := newLogger(cfg)

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	defer db.Close()
	log.Info().Str("path", cfg.DBPath).Msg("database ready")

	// Service graph. The directory is the only piece without a SQLite
	// backing: user and department data belongs to the HR system of
	// record, this static one is filled by the demo loader or by an
	// embedding application.
	dir := directory.NewStatic()
	notifier := notify.NewLogger(log)
	auditor := audit.NewLogSink(log)
	kernel := calendar.NewKernel(db.Calendars(), log)
	balances := ledger.New(db.Leaves().Ledger(), log)

	var leaves *leave.Service
	var sender approval.CallbackSender
	if cfg.BaseURL == "" {
		sender = approval.SenderFunc(func(ctx context.Context, _ string, p approval.CallbackPayload) error {
			return leaves.HandleApprovalOutcome(ctx, p)
		})
	} else {
		sender = approval.NewHTTPCallback(log)
	}
	engine := approval.NewEngine(db.Approvals(), dir, notifier, auditor, sender, log)
	leaves = leave.NewService(db.Leaves(), kernel, engine, dir, notifier, auditor, log)
	if cfg.BaseURL != "" {
		leaves.SetCallbackURL(cfg.BaseURL)
	}

	handler := api.NewHandler(leaves, engine, balances, kernel, db.Calendars(), log)

	if cfg.Demo {
		handler.Directory = dir
		seed, err := handler.SeedDemo(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("seed demo data")
		}
		log.Info().
			Int("users", len(seed.Users)).
			Int("leave_types", len(seed.LeaveTypes)).
			Int("year", seed.Year).
			Msg("demo data loaded")
	}

	if cfg.JobsEnabled {
		sched := jobs.New(engine, balances, log)
		sched.SetRetentionDays(cfg.RetentionDays)
		if err := sched.Start(); err != nil {
			log.Fatal().Err(err).Msg("start job scheduler")
		}
		defer sched.Stop()
		handler.Jobs = sched
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

// newLogger builds the process logger. Without a log file it writes
// human-readable console lines; with one it writes JSON through a
// size-rotated file.
func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogFile != "" {
		w := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}
