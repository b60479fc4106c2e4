package poold

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"icopool/config"
	"icopool/core/events"
	"icopool/gateway/middleware"
	"icopool/native/pool"
	"icopool/native/token"
	"icopool/observability"
	"icopool/observability/logging"
	telemetry "icopool/observability/otel"
	"icopool/storage"
	"icopool/storage/journal"
	"icopool/storage/poolstore"
)

// Main initialises and runs the pool daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/poold/config.yaml", "path to poold configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("ICOPOOL_ENV"))
	logger := logging.SetupWithOptions("poold", env, logging.Options{
		Level: cfg.Logging.Level,
		File: logging.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		},
	})
	logger.Info("configuration loaded",
		slog.String("listen", cfg.ListenAddress),
		slog.String("data_dir", cfg.DataDir),
		slog.String("journal_driver", cfg.Journal.Driver),
		logging.MaskField("journal_dsn", cfg.Journal.DSN),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret))

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("poold", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	app, err := Open(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(app.Server.Handler(), "poold"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("poold listening", slog.String("listen", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// App holds the wired daemon components.
type App struct {
	Pool    *pool.Pool
	Ether   *token.Ledger
	Token   *token.Ledger
	Journal *journal.Journal
	Hub     *Hub
	Server  *Server

	db  *storage.Staged
	sql *gorm.DB
}

// genesisKey marks that genesis balances were minted. It lands in the same
// batch as the first pool snapshot.
var genesisKey = []byte("poold/genesis")

// Open builds the daemon from cfg: ledgers and the pool snapshot live in
// LevelDB under DataDir, events go to the SQL journal.
func Open(cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfgFile, err := config.Load(cfg.PoolConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load pool config: %w", err)
	}
	poolCfg, err := poolCfgFile.PoolConfig()
	if err != nil {
		return nil, fmt.Errorf("pool config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	backend, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	db := storage.NewStaged(backend)
	app := &App{db: db}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	app.Ether, err = token.NewLedger("ETH", common.Address{}, db)
	if err != nil {
		return nil, fmt.Errorf("open ether ledger: %w", err)
	}
	app.Token, err = token.NewLedger("TOKEN", poolCfgFile.Token(), db)
	if err != nil {
		return nil, fmt.Errorf("open token ledger: %w", err)
	}

	dsn := cfg.Journal.DSN
	if strings.EqualFold(cfg.Journal.Driver, "sqlite") && dsn == "" {
		dsn = filepath.Join(cfg.DataDir, "journal.db")
	}
	app.sql, err = journal.Open(cfg.Journal.Driver, dsn)
	if err != nil {
		return nil, err
	}
	app.Journal, err = journal.New(app.sql, poolCfg.Address.Hex(), logger)
	if err != nil {
		return nil, err
	}

	app.Hub = NewHub(logger)
	metrics := observability.Pool()
	store := poolstore.New(db)
	opts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithEmitter(events.Multi{app.Journal, metrics, app.Hub}),
		pool.WithPersister(store),
		pool.WithMetrics(metrics),
		pool.WithLocker(db),
	}

	snap, found, err := store.LoadPool(poolCfg.Address)
	if err != nil {
		return nil, fmt.Errorf("load pool snapshot: %w", err)
	}
	if found {
		app.Pool, err = pool.Restore(snap, app.Token, app.Ether, opts...)
		if err != nil {
			return nil, fmt.Errorf("restore pool: %w", err)
		}
		logger.Info("pool restored", slog.String("pool", poolCfg.Address.Hex()), slog.String("phase", app.Pool.State().String()))
	} else {
		if _, err := db.Get(genesisKey); err == nil {
			return nil, errors.New("genesis minted without a pool snapshot")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("read genesis marker: %w", err)
		}
		if err := seedGenesis(app.Ether, cfg.Genesis.Ether); err != nil {
			return nil, fmt.Errorf("genesis ether: %w", err)
		}
		if err := seedGenesis(app.Token, cfg.Genesis.Token); err != nil {
			return nil, fmt.Errorf("genesis token: %w", err)
		}
		if err := db.Put(genesisKey, []byte{1}); err != nil {
			return nil, fmt.Errorf("genesis marker: %w", err)
		}
		app.Pool, err = pool.New(poolCfg, app.Token, app.Ether, opts...)
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
		logger.Info("pool created", slog.String("pool", poolCfg.Address.Hex()))
	}

	metrics.RecordPhase(app.Pool.State().String())

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, limit := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{RequestsPerMinute: limit.RequestsPerMinute, Burst: limit.Burst}
	}
	app.Server, err = NewServer(ServerConfig{
		Pool:    app.Pool,
		Ether:   app.Ether,
		Token:   app.Token,
		Journal: app.Journal,
		Hub:     app.Hub,
		Units:   db,
		Auth: middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
		RateLimits:  limits,
		CORS:        middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger:      logger,
		ServiceName: "poold",
		TrustProxy:  cfg.TrustProxy,
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return app, nil
}

// Close releases the state and journal databases.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.sql != nil {
		if sqlDB, err := a.sql.DB(); err == nil {
			_ = sqlDB.Close()
		}
		a.sql = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func seedGenesis(ledger *token.Ledger, balances map[string]string) error {
	for addr, raw := range balances {
		amount, err := config.ParseEther(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", addr, err)
		}
		if err := ledger.Mint(common.HexToAddress(addr), amount); err != nil {
			return fmt.Errorf("%s: %w", addr, err)
		}
	}
	return nil
}
