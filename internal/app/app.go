package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"engagement-pricer/internal/aggregate"
	"engagement-pricer/internal/alerting"
	"engagement-pricer/internal/attestation"
	"engagement-pricer/internal/blob"
	"engagement-pricer/internal/broadcast"
	"engagement-pricer/internal/cache"
	"engagement-pricer/internal/config"
	"engagement-pricer/internal/contribution"
	"engagement-pricer/internal/ledger"
	"engagement-pricer/internal/pricing"
	"engagement-pricer/internal/scheduler"
	"engagement-pricer/internal/service"
	"engagement-pricer/internal/signature"
	"engagement-pricer/internal/storage"
	"engagement-pricer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// runtime bundles the wired pipeline and the resources it owns.
type runtime struct {
	service *service.Service
	engine  *pricing.Engine
	bcast   *broadcast.Broadcaster
	store   *storage.Store
	redis   *redis.Client
	closers []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func (a *App) newLedger() ledger.Client {
	if a.Config.Ledger.RPCURL == "" {
		return ledger.NewStatic(a.Config.Ledger.Assets)
	}
	return ledger.NewEth(ledger.EthOptions{
		RPCURL:          a.Config.Ledger.RPCURL,
		RegistryAddress: a.Config.Ledger.RegistryAddress,
		Timeout:         a.Config.Ledger.RequestTimeout,
	}, a.Logger)
}

func (a *App) newBlobChain(ctx context.Context) (*blob.Chain, error) {
	cfg := a.Config.Blob
	transports := make([]blob.Transport, 0, len(cfg.Gateways)+1)
	for i, base := range cfg.Gateways {
		transports = append(transports, blob.Transport{
			Name: fmt.Sprintf("gateway-%d", i),
			Getter: blob.NewGateway(blob.GatewayOptions{
				BaseURL:   base,
				Timeout:   cfg.RequestTimeout,
				UserAgent: cfg.UserAgent,
			}),
		})
	}
	if cfg.S3.Enabled {
		s3, err := blob.NewS3(ctx, blob.S3Options{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return nil, err
		}
		transports = append(transports, blob.Transport{Name: "s3", Getter: s3})
	}
	if len(transports) == 0 {
		return nil, errors.New("no blob transports configured; set blob.gateways or blob.s3")
	}

	return blob.NewChain(blob.Policy{
		Timeout: cfg.RequestTimeout,
		Retries: cfg.Retries,
		Backoff: cfg.Backoff,
	}, a.Logger, transports...), nil
}

func (a *App) newAttestation(rdb *redis.Client) (attestation.Fetcher, error) {
	cfg := a.Config.Attestation
	if !cfg.Enabled {
		return nil, nil
	}

	sources := make([]attestation.SourceConfig, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		sources = append(sources, attestation.SourceConfig{Name: src.Name, BaseURL: src.BaseURL, PublicKey: src.PublicKey})
	}

	var store attestation.Cache
	if cfg.Cache == "redis" && rdb != nil {
		store = attestation.NewRedisCache(rdb, a.Config.App.Name+":attestation:")
	}

	client, err := attestation.NewClient(attestation.ClientOptions{
		Sources:    sources,
		AssetNames: cfg.AssetNames,
		Timeout:    cfg.RequestTimeout,
		CacheTTL:   cfg.CacheTTL,
		Cache:      store,
		UserAgent:  cfg.UserAgent,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
		return alerting.NewThrottled(telegram, a.Config.Alerting.Cooldown)
	}
	return nil
}

func (a *App) pricingConfig() (pricing.Config, error) {
	cfg := a.Config.Pricing
	out := pricing.Config{
		FloorPrice:           cfg.FloorPrice,
		EngagementMultiplier: cfg.EngagementMultiplier,
		ExternalBoostCap:     cfg.ExternalBoostCap,
		DropThreshold:        cfg.DropThreshold,
		StagnationWindow:     cfg.StagnationWindow,
		DecayPerHour:         cfg.DecayPerHour,
		MaxDecay:             cfg.MaxDecay,
		BarPeriod:            cfg.BarPeriod,
		HistorySize:          cfg.HistorySize,
	}
	if len(cfg.Weights) > 0 {
		out.Weights = make(map[contribution.EngagementType]int64, len(contribution.Types))
		for t, w := range pricing.DefaultWeights {
			out.Weights[t] = w
		}
		for name, w := range cfg.Weights {
			t, err := contribution.ParseType(name)
			if err != nil {
				return pricing.Config{}, fmt.Errorf("pricing.weights: %w", err)
			}
			out.Weights[t] = w
		}
	}
	if err := out.Validate(); err != nil {
		return pricing.Config{}, fmt.Errorf("pricing: %w", err)
	}
	return out, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	if !a.Config.Redis.Enabled {
		return nil, nil
	}
	return cache.Open(ctx, cache.Options{
		Addr:        a.Config.Redis.Addr,
		Password:    a.Config.Redis.Password,
		DB:          a.Config.Redis.DB,
		DialTimeout: a.Config.Redis.DialTimeout,
	}, a.Logger)
}

// build wires every collaborator. The scheduler may be nil for one-shot use.
// Without persist the database only serves registered refs and alerts stay
// off, so diagnostic passes never overwrite bars written by the running service.
func (a *App) build(ctx context.Context, sched *scheduler.Scheduler, persist bool) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.Close()
		return nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fail(err)
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		rt.store = store
		rt.closers = append(rt.closers, closeStore)
		if persist && a.Config.Database.AutoMigrate {
			if _, err := a.migrate(ctx, store); err != nil {
				return fail(err)
			}
		}
	}

	rdb, err := a.openRedis(ctx)
	if err != nil {
		return fail(err)
	}
	if rdb != nil {
		rt.redis = rdb
		rt.closers = append(rt.closers, func() { _ = rdb.Close() })
	}

	chain, err := a.newBlobChain(ctx)
	if err != nil {
		return fail(err)
	}
	external, err := a.newAttestation(rdb)
	if err != nil {
		return fail(err)
	}
	pricingCfg, err := a.pricingConfig()
	if err != nil {
		return fail(err)
	}

	led := a.newLedger()
	loader := contribution.NewBlobLoader(chain)
	rt.engine = pricing.NewEngine(pricingCfg, a.Logger)
	rt.bcast = broadcast.New(a.Logger)
	rt.closers = append(rt.closers, rt.bcast.Close)

	deps := service.Deps{
		Ledger: led,
		Contributions: contribution.NewStore(contribution.StoreOptions{
			Loader:      loader,
			LoadTimeout: a.Config.Aggregate.MetadataTimeout,
		}, a.Logger),
		Loader:      loader,
		Verifier:    signature.New(led, signature.Options{Concurrency: a.Config.Aggregate.VerifyConcurrency}, a.Logger),
		Engine:      rt.engine,
		Broadcaster: rt.bcast,
		Attestation: external,
		Notifier:    a.newNotifier(),
	}
	if store != nil {
		deps.Refs = store
		if persist {
			deps.Bars = store
			deps.Snapshots = store
			deps.Committer = store
			deps.Locker = store
		}
	}

	rt.service, err = service.New(sched, deps, service.Options{
		AssetConcurrency: a.Config.Scheduler.AssetConcurrency,
		UserWeight:       userWeight(a.Config.Aggregate.UserWeight),
		LockKey:          a.Config.Scheduler.AdvisoryLockKey,
		CallTimeout:      a.Config.Ledger.RequestTimeout,
		CommitMetrics:    a.Config.Aggregate.CommitMetrics,
		AlertsEnabled:    persist && a.Config.Alerting.Enabled,
		AlertChannels:    a.Config.Alerting.Channels,
	}, a.Logger)
	if err != nil {
		return fail(err)
	}
	return rt, nil
}

func userWeight(w float64) float64 {
	if w <= 0 {
		return aggregate.DefaultUserWeight
	}
	return w
}

// Run executes the long-running pricing service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		TickTimeout:  a.Config.Scheduler.TickTimeout,
	}, a.Logger)

	rt, err := a.build(ctx, sched, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if a.Config.Broadcast.RedisRelay && rt.redis != nil {
		relay := broadcast.NewRedisSubscriber(rt.redis, broadcast.RedisOptions{
			Channel:     a.Config.Broadcast.RedisChannel,
			SnapshotKey: a.Config.Broadcast.SnapshotKey,
		}, a.Logger)
		if _, err := rt.bcast.Subscribe(relay); err != nil {
			return fmt.Errorf("subscribe redis relay: %w", err)
		}
	}

	srv := a.newServer(rt)
	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Str("stream", a.Config.App.StreamPath).Msg("serving price stream")
		serveErr <- serve(srv)
	}()

	if err := sched.Start(ctx, rt.service.ProcessBucket); err != nil {
		return err
	}
	a.Logger.Info().Dur("interval", sched.Interval()).Str("version", version.Version).Msg("starting pricing service")

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			a.Logger.Error().Err(err).Msg("http server terminated with error")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		a.Logger.Warn().Err(shutdownErr).Msg("http shutdown incomplete")
	}

	sched.Stop()
	a.Logger.Info().Msg("pricing service stopped")
	return err
}

// ExportOptions hold parameters for exporting historical bars.
type ExportOptions struct {
	AssetID   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	AssetID string
	Limit   int
	Latest  bool
}

// BackfillOptions configure the ref backfill job.
type BackfillOptions struct {
	Assets  []string
	DryRun  bool
	Workers int
}
