package cli

import (
	"context"
	"net/http"
	"os"

	"github.com/salvacell/offsync/internal/backup"
	"github.com/salvacell/offsync/internal/cache"
	"github.com/salvacell/offsync/internal/config"
	"github.com/salvacell/offsync/internal/crypto"
	"github.com/salvacell/offsync/internal/db"
	"github.com/salvacell/offsync/internal/logging"
	"github.com/salvacell/offsync/internal/metrics"
	"github.com/salvacell/offsync/internal/network"
	"github.com/salvacell/offsync/internal/offline"
	syncengine "github.com/salvacell/offsync/internal/sync"
	"github.com/salvacell/offsync/internal/sync/queue"
	"github.com/salvacell/offsync/internal/sync/remote"
	"github.com/salvacell/offsync/internal/sync/scheduler"
)

// App is the fully wired engine for one process.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Repo      *db.Repository
	Monitor   *network.Monitor
	Poller    *network.Poller
	Remote    *remote.Client
	Queue     *queue.SyncQueue
	Metrics   *metrics.Sync
	Engine    *syncengine.SyncEngine
	Offline   *offline.Service
	Cache     *cache.Cache
	Scheduler *scheduler.Scheduler

	// TokenKey seals the bearer token in the config table.
	TokenKey []byte
}

// loadConfig reads the config and initializes logging. Logs go to stderr
// so command output on stdout stays parseable.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	level := logging.ParseLevel(cfg.LogLevel)
	if opts.Verbose {
		level = logging.LevelDebug
	}
	logging.Init(os.Stderr, level)
	return cfg, nil
}

// NewApp opens the store and wires every component. The monitor starts
// offline; callers decide whether to probe once or start the poller.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	prober := network.NewHTTPProber(cfg.APIURL, &http.Client{Timeout: cfg.ProbeTimeout})
	monitor := network.NewMonitor(false, prober)

	repo := db.NewRepository(database.DB, db.WithConnectivity(monitor.IsOnline))
	q := queue.NewSyncQueue(repo,
		queue.WithConnectivity(monitor.IsOnline),
		queue.WithMaxRetries(cfg.MaxRetries),
	)
	if err := q.Load(ctx); err != nil {
		database.Close()
		return nil, err
	}

	tokenKey := crypto.MachineKey(cfg.TokenSecret)
	client := remote.NewClient(cfg.APIURL, cfg.RequestTimeout, remote.ConfigTokenSource{Store: repo, Key: tokenKey})
	m := metrics.NewSync()
	engine := syncengine.NewSyncEngine(repo, q, client, monitor, syncengine.WithRecorder(m))
	c := cache.New(repo, cache.WithDefaultTTL(cfg.CacheTTL))

	app := &App{
		Config:  cfg,
		DB:      database,
		Repo:    repo,
		Monitor: monitor,
		Poller:  network.NewPoller(monitor, prober, cfg.ProbeInterval, cfg.ProbeTimeout),
		Remote:  client,
		Queue:   q,
		Metrics: m,
		Engine:  engine,
		Offline: offline.NewService(repo, q, monitor, client, offline.WithPendingCounter(engine)),
		Cache:   c,
		Scheduler: scheduler.NewScheduler(engine, monitor, c, &scheduler.SchedulerConfig{
			StartupDelay:  cfg.StartupDelay,
			PurgeInterval: cfg.PurgeInterval,
			SyncInterval:  cfg.SyncInterval,
		}),
		TokenKey: tokenKey,
	}

	if _, err := engine.RefreshPendingCount(ctx); err != nil {
		logging.Warn("Failed to count pending operations", map[string]interface{}{"error": err.Error()})
	}
	return app, nil
}

// Probe checks the server once and records the result on the monitor.
func (a *App) Probe(ctx context.Context) bool {
	return a.Poller.PollOnce(ctx)
}

// Exporter builds the backup exporter for the configured driver.
func (a *App) Exporter(ctx context.Context) (*backup.Exporter, error) {
	bc := a.Config.Backup
	var store backup.ObjectStore
	switch bc.Driver {
	case "s3":
		s, err := backup.NewS3Store(ctx, backup.S3Config{
			Bucket:          bc.Bucket,
			Region:          bc.Region,
			Endpoint:        bc.Endpoint,
			AccessKeyID:     os.Getenv("OFFSYNC_BACKUP_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("OFFSYNC_BACKUP_S3_SECRET_ACCESS_KEY"),
			PathStyle:       bc.PathStyle,
			UseSSL:          true,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		s, err := backup.NewFileStore(bc.Dir)
		if err != nil {
			return nil, err
		}
		store = s
	}
	return backup.NewExporter(a.Repo, store, bc.Prefix), nil
}

// Close waits for background passes and closes the store.
func (a *App) Close() error {
	a.Engine.Wait()
	return a.DB.Close()
}

// withApp loads config, builds the App, runs fn and closes it.
func withApp(ctx context.Context, opts *RootOptions, fn func(*App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return commandError("open store", err)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil {
			logging.Error("Failed to close store", cerr, nil)
		}
	}()
	return fn(app)
}
