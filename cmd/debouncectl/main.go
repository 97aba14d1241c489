// Command debouncectl drives the debouncer against a local SQLite database.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"message-debounce/internal/config"
	"message-debounce/internal/domain"
	"message-debounce/internal/repository/sqlite"
	"message-debounce/internal/telemetry"
	"message-debounce/internal/usecase"
)

const usage = `usage: debouncectl [global flags] <command> [flags]

commands:
  append      buffer one message      (-user, -channel, -session, -payload)
  check       run the freshness check (-user)
  consolidate consolidate now         (-user)
  run         wait for inactivity, then consolidate (-user)
  pending     list buffered messages  (-user | -session)
  sessions    list sessions           (-user | -channel, -limit)

global flags:
`

type globals struct {
	dbPath    string
	logDir    string
	threshold int
	lockTTL   time.Duration
	timeout   time.Duration
	bufferTTL time.Duration
	verbose   bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var g globals
	fs := flag.NewFlagSet("debouncectl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(fs.Output(), usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&g.dbPath, "db", "debounce.db", "SQLite database path")
	fs.StringVar(&g.logDir, "log-dir", "logs", "directory for rotated log and trace files")
	fs.IntVar(&g.threshold, "threshold", 30, "inactivity threshold in seconds")
	fs.DurationVar(&g.lockTTL, "lock-ttl", time.Minute, "consolidation lease duration")
	fs.DurationVar(&g.timeout, "timeout", 10*time.Second, "per-operation deadline")
	fs.DurationVar(&g.bufferTTL, "buffer-ttl", 24*time.Hour, "expiry of buffered messages")
	fs.BoolVar(&g.verbose, "v", false, "debug logging, mirrored to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelInfo
	var mirror []io.Writer
	if g.verbose {
		level = slog.LevelDebug
		mirror = append(mirror, os.Stderr)
	}
	logger, logFile, err := telemetry.NewRotatingLogger(filepath.Join(g.logDir, "debouncectl.log"), level, mirror...)
	if err != nil {
		return err
	}
	defer logFile.Close()

	traceFile, err := telemetry.RotatingFile(filepath.Join(g.logDir, "debouncectl_telemetry.log"))
	if err != nil {
		return err
	}
	defer traceFile.Close()
	providers, err := telemetry.Init(ctx, "debouncectl", traceFile, true)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	store, err := sqlite.Open(ctx, g.dbPath, config.MarkerTTL(g.bufferTTL))
	if err != nil {
		return err
	}
	defer store.Close()

	opts := []usecase.Option{
		usecase.WithLogger(logger),
		usecase.WithTracer(providers.Tracer),
		usecase.WithMeter(providers.Meter),
	}
	app := &app{store: store, out: stdout, g: g, opts: opts}

	switch cmd {
	case "append":
		return app.appendMessage(ctx, cmdArgs)
	case "check":
		return app.check(ctx, cmdArgs)
	case "consolidate":
		return app.consolidate(ctx, cmdArgs, false)
	case "run":
		return app.consolidate(ctx, cmdArgs, true)
	case "sessions":
		return app.sessions(ctx, cmdArgs)
	case "pending":
		return app.pending(ctx, cmdArgs)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type app struct {
	store *sqlite.Store
	out   io.Writer
	g     globals
	opts  []usecase.Option
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func userFlag(name string, args []string, extra func(*flag.FlagSet)) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	user := fs.String("user", "", "user id")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if strings.TrimSpace(*user) == "" {
		return "", fmt.Errorf("%s: -user is required", name)
	}
	return *user, nil
}

func (a *app) appendMessage(ctx context.Context, args []string) error {
	var channel, session, payload string
	user, err := userFlag("append", args, func(fs *flag.FlagSet) {
		fs.StringVar(&channel, "channel", "", "origin channel")
		fs.StringVar(&session, "session", "", "logical session id")
		fs.StringVar(&payload, "payload", "", "message content")
	})
	if err != nil {
		return err
	}
	svc, err := usecase.NewIngestService(a.store, a.g.bufferTTL, a.g.timeout, a.opts...)
	if err != nil {
		return err
	}
	out, err := svc.Ingest(ctx, usecase.IngestInput{
		UserID:    user,
		SessionID: session,
		Channel:   channel,
		Payload:   []byte(payload),
	})
	if err != nil {
		return err
	}
	return a.print(map[string]any{"user_id": out.UserID, "timestamp": out.Timestamp})
}

func (a *app) freshness() (*usecase.FreshnessService, error) {
	return usecase.NewFreshnessService(a.store, a.g.threshold, a.g.timeout, a.opts...)
}

func (a *app) check(ctx context.Context, args []string) error {
	user, err := userFlag("check", args, nil)
	if err != nil {
		return err
	}
	svc, err := a.freshness()
	if err != nil {
		return err
	}
	res, err := svc.CheckFreshness(ctx, usecase.FreshnessInput{UserID: user})
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) consolidate(ctx context.Context, args []string, wait bool) error {
	user, err := userFlag("consolidate", args, nil)
	if err != nil {
		return err
	}
	if purged, err := a.store.PurgeExpired(ctx); err != nil {
		return err
	} else if purged > 0 {
		slog.InfoContext(ctx, "purged expired buffer entries", "count", purged)
	}

	cons, err := usecase.NewConsolidateService(a.store, a.store, a.store, a.g.lockTTL, a.g.timeout, a.opts...)
	if err != nil {
		return err
	}
	if !wait {
		res, err := cons.Consolidate(ctx, usecase.ConsolidateInput{UserID: user})
		if err != nil {
			return err
		}
		return a.print(res)
	}

	fresh, err := a.freshness()
	if err != nil {
		return err
	}
	res, err := debounce(ctx, fresh, cons, user, sleepContext)
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) sessions(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	user := fs.String("user", "", "list sessions of this user")
	channel := fs.String("channel", "", "list sessions attributed to this channel")
	limit := fs.Int("limit", 20, "maximum sessions to print")
	if err := fs.Parse(args); err != nil {
		return err
	}

	switch {
	case *user != "":
		sessions, err := a.store.ListSessions(ctx, *user, *limit)
		if err != nil {
			return err
		}
		return a.print(sessions)
	case *channel != "":
		sessions, err := a.store.ListSessionsByChannel(ctx, *channel, *limit)
		if err != nil {
			return err
		}
		return a.print(sessions)
	default:
		return errors.New("sessions: -user or -channel is required")
	}
}

func (a *app) pending(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pending", flag.ContinueOnError)
	user := fs.String("user", "", "list messages buffered for this user")
	session := fs.String("session", "", "list messages tagged with this session id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		msgs []domain.BufferedMessage
		err  error
	)
	switch {
	case *user != "":
		msgs, err = a.store.QueryByUser(ctx, *user, domain.QueryOptions{})
	case *session != "":
		msgs, err = a.store.QueryBySession(ctx, *session)
	default:
		return errors.New("pending: -user or -session is required")
	}
	if err != nil {
		return err
	}
	return a.print(msgs)
}
