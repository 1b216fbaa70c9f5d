package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/orju/squeeze/internal/api"
	"github.com/orju/squeeze/internal/captcha"
	"github.com/orju/squeeze/internal/oj"
	"github.com/orju/squeeze/internal/queue"
	"github.com/orju/squeeze/internal/store"
	"github.com/orju/squeeze/internal/tasklog"
	"github.com/orju/squeeze/internal/tasks"
)

// Environment keys. All optional except OJ_BASE_URL.
//
//	OJ_BASE_URL             judge root, e.g. https://oj.example.com
//	DEFAULT_OJ_PASSWORD     shared password for pool accounts
//	ACCOUNTS_PER_CRAWL_TASK validated accounts per crawl (default 3)
//	CRAWL_WORKERS           worker goroutines (default 2)
//	SQUEEZE_DB_PATH         LevelDB directory (default ~/.cache/squeeze/db)
//	SQUEEZE_POSTGRES_DSN    when set, use PostgreSQL instead of LevelDB
//	SQUEEZE_TASKLOG_DIR     probe log directory (default ~/.cache/squeeze/tasklog)
//	CAPTCHA_SOLVER_CMD      external captcha recognizer binary
//	CAPTCHA_MODEL_PATH      weights path passed to the recognizer
//	LISTEN_ADDR             HTTP bind address (default :8642)
func main() {
	_ = godotenv.Load(".env")

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	baseURL := os.Getenv("OJ_BASE_URL")
	if baseURL == "" {
		fmt.Fprintln(os.Stderr, "squeezed: OJ_BASE_URL is required")
		os.Exit(1)
	}
	password := os.Getenv("DEFAULT_OJ_PASSWORD")
	if password == "" {
		password = "squeeze-me-gently"
	}

	homeDir, _ := os.UserHomeDir()
	cacheDir := filepath.Join(homeDir, ".cache", "squeeze")

	st, err := openStore(cacheDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "squeezed: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	logDir := os.Getenv("SQUEEZE_TASKLOG_DIR")
	if logDir == "" {
		logDir = filepath.Join(cacheDir, "tasklog")
	}
	logs := tasklog.NewRegistry(logDir)

	// The captcha model loads lazily on the first registration; crawls that
	// never register never pay for it.
	recognizer := captcha.NewLazy(func() (captcha.Recognizer, error) {
		cmd := os.Getenv("CAPTCHA_SOLVER_CMD")
		if cmd == "" {
			return nil, errors.New("CAPTCHA_SOLVER_CMD is not set")
		}
		return captcha.NewCommand(cmd, os.Getenv("CAPTCHA_MODEL_PATH")), nil
	})

	// Every account gets its own session (cookie jar); every registration too.
	dialSession := func() (tasks.Session, error) {
		return oj.New(baseURL, nil)
	}
	dialRegistrar := func() (tasks.Registrar, error) {
		return oj.New(baseURL, recognizer)
	}

	q := queue.New()
	crawl := tasks.NewCrawlRunner(st, logs, dialSession, tasks.CrawlConfig{
		AccountsPerTask: envInt("ACCOUNTS_PER_CRAWL_TASK", 3),
		Password:        password,
	})
	accounts := tasks.NewAccountsRunner(st, dialRegistrar, password)
	pool := tasks.NewPool(st, q, crawl, accounts, envInt("CRAWL_WORKERS", 2))

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("squeezed: shutting down")
		cancel()
	}()

	// Re-publish PENDING tasks lost to the last shutdown before serving.
	if err := pool.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "squeezed: recover pending tasks: %v\n", err)
		os.Exit(1)
	}
	go pool.Run(ctx)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8642"
	}
	srv := &http.Server{Addr: addr, Handler: api.New(st, q)}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("squeezed: listening", "addr", addr, "judge", baseURL)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fmt.Fprintf(os.Stderr, "squeezed: %v\n", err)
		os.Exit(1)
	}
}

// openStore picks PostgreSQL when a DSN is configured, LevelDB otherwise.
func openStore(cacheDir string) (store.Store, error) {
	if dsn := os.Getenv("SQUEEZE_POSTGRES_DSN"); dsn != "" {
		slog.Info("squeezed: using postgres store")
		return store.OpenPostgres(dsn)
	}
	dbPath := os.Getenv("SQUEEZE_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(cacheDir, "db")
	}
	slog.Info("squeezed: using leveldb store", "path", dbPath)
	return store.OpenLevelDB(dbPath)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("squeezed: ignoring bad env value", "key", key, "value", v)
		return def
	}
	return n
}
