// Command volkeeper drives a video page in Chrome and keeps the player at the
// volume stored for the page's creator.
//
// Usage:
//
//	volkeeper -url https://www.bilibili.com/video/BV1xyz   # run against one page
//	volkeeper -config volkeeper.yaml -http :8090           # with the HTTP control API
//	volkeeper -list                                        # print the stored policy
//	volkeeper -import settings.json                        # merge an exported policy
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/volkeeper/browser"
	"github.com/hazyhaar/volkeeper/config"
	"github.com/hazyhaar/volkeeper/control"
	"github.com/hazyhaar/volkeeper/dbopen"
	"github.com/hazyhaar/volkeeper/eventlog"
	"github.com/hazyhaar/volkeeper/identity"
	"github.com/hazyhaar/volkeeper/idgen"
	"github.com/hazyhaar/volkeeper/loop"
	"github.com/hazyhaar/volkeeper/session"
	"github.com/hazyhaar/volkeeper/store"
	"github.com/hazyhaar/volkeeper/trace"
)

const version = "0.1.0"

type flags struct {
	config   string
	url      string
	db       string
	http     string
	mcp      bool
	logLevel string
	importTo string
	list     bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "path to volkeeper.yaml")
	flag.StringVar(&f.url, "url", "", "page to open (overrides page.url)")
	flag.StringVar(&f.db, "db", "", "policy database (overrides store.path)")
	flag.StringVar(&f.http, "http", "", "HTTP control address, e.g. :8090")
	flag.BoolVar(&f.mcp, "mcp", false, "serve MCP tools on stdio")
	flag.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.StringVar(&f.importTo, "import", "", "merge a JSON policy file into the store and exit")
	flag.BoolVar(&f.list, "list", false, "print the stored policy and exit")
	flag.Parse()

	cfg, err := config.Load(f.config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	f.apply(cfg)

	logger := newLogger(os.Stderr, cfg.Log.Level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, f); err != nil {
		logger.Error("volkeeper: fatal", "error", err)
		os.Exit(1)
	}
}

func (f flags) apply(cfg *config.Config) {
	if f.url != "" {
		cfg.Page.URL = f.url
	}
	if f.db != "" {
		cfg.Store.Path = f.db
	}
	if f.http != "" {
		cfg.Control.HTTPAddr = f.http
	}
	if f.mcp {
		cfg.Control.MCPStdio = true
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(out *os.File, lvl string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(lvl) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	fd := out.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, f flags) error {
	lock := flock.New(cfg.Store.Path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another volkeeper is using %s", cfg.Store.Path)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("volkeeper: release lock", "error", err)
		}
	}()

	var dbOpts []dbopen.Option
	if strings.EqualFold(cfg.Log.Level, "debug") {
		trace.SetLogger(logger)
		dbOpts = append(dbOpts, dbopen.WithDriver(trace.DriverName))
	}
	persister, db, err := store.OpenSQLite(cfg.Store.Path, dbOpts...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	st := store.Open(ctx, persister, store.WithKey(cfg.Store.Key), store.WithLogger(logger))
	defer st.Close()

	switch {
	case f.importTo != "":
		n, err := importFile(st, f.importTo)
		if err != nil {
			return err
		}
		fmt.Printf("imported %d entries\n", n)
		return nil
	case f.list:
		fmt.Println(renderPolicy(st.Snapshot()))
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	var events *eventlog.Logger
	if !cfg.Events.Disabled {
		if err := eventlog.Init(db); err != nil {
			return fmt.Errorf("init events: %w", err)
		}
		events = eventlog.New(db, eventlog.WithLogger(logger))
		defer events.Close()
		if n, err := events.Cleanup(ctx, cfg.Events.Retention); err != nil {
			logger.Warn("volkeeper: events cleanup", "error", err)
		} else if n > 0 {
			logger.Info("volkeeper: events cleaned up", "deleted", n)
		}
	}

	runID := idgen.New()
	logger = logger.With("run", runID)

	mgr := browser.NewManager(browser.Config{
		RemoteURL:        cfg.Browser.Remote,
		ResourceBlocking: cfg.Browser.ResourceBlocking,
		Stealth:          browser.ParseStealth(cfg.Browser.Stealth),
		XvfbDisplay:      cfg.Browser.XvfbDisplay,
		UserDataDir:      cfg.Browser.UserDataDir,
		Bin:              cfg.Browser.Bin,
		Logger:           logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	defer mgr.Close()

	tab, err := browser.OpenTab(ctx, mgr, cfg.Page.URL)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer tab.Close()

	// The loop outlives ctx so the session can be stopped on it.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	lp := loop.New(loop.WithLogger(logger))
	loopDone := make(chan error, 1)
	go func() { loopDone <- lp.Run(loopCtx) }()
	defer stopLoop()

	resolver := identity.New(identity.Config{
		LabelSelectors:    cfg.Identity.LabelSelectors,
		MetadataPatterns:  cfg.Identity.MetadataPatterns,
		URLPattern:        cfg.Identity.URLPattern,
		DisableScriptEval: cfg.Identity.DisableScriptEval,
		Logger:            logger,
	})

	scfg := session.Config{
		StartupDelay:       cfg.Timing.StartupDelay,
		NavigationDebounce: cfg.Timing.NavigationDebounce,
		CorrectionDelay:    cfg.Timing.CorrectionDelay,
		BindingTimeout:     cfg.Timing.BindingTimeout,
		Tolerance:          cfg.Enforcement.Tolerance,
		Logger:             logger,
	}
	if events != nil {
		scfg.Events = events
	}
	ctrl := session.New(tab.Document(), lp, resolver, st, scfg)
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info("volkeeper: started", "url", cfg.Page.URL, "policy_entries", st.Len())

	opts := []control.Option{control.WithPolicy(st), control.WithLogger(logger)}
	if events != nil {
		opts = append(opts, control.WithEvents(events))
	}
	srv := control.New(ctrl, opts...)

	var httpSrv *http.Server
	if cfg.Control.HTTPAddr != "" {
		httpSrv = &http.Server{
			Addr:              cfg.Control.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("volkeeper: http control", "addr", cfg.Control.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("volkeeper: http control", "error", err)
			}
		}()
	}
	if cfg.Control.MCPStdio {
		go func() {
			impl := &mcp.Implementation{Name: "volkeeper", Version: version}
			if err := srv.ServeMCP(ctx, impl, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("volkeeper: mcp stdio", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("volkeeper: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if httpSrv != nil {
		httpSrv.Shutdown(shutdownCtx)
	}
	if err := ctrl.Stop(shutdownCtx); err != nil {
		logger.Warn("volkeeper: stop session", "error", err)
	}
	stopLoop()
	<-loopDone
	return nil
}
