// Command mixerd runs the mixer core: chain adapters, deposit monitor,
// request engine, pool manager, output scheduler and the background
// re-encryption job. Construction happens once here; every worker receives
// its dependencies explicitly.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/coinblend/mixcore/internal/audit"
	"github.com/coinblend/mixcore/internal/cache"
	"github.com/coinblend/mixcore/internal/chain"
	"github.com/coinblend/mixcore/internal/config"
	mixcrypto "github.com/coinblend/mixcore/internal/crypto"
	"github.com/coinblend/mixcore/internal/engine"
	"github.com/coinblend/mixcore/internal/keystore"
	"github.com/coinblend/mixcore/internal/monitor"
	"github.com/coinblend/mixcore/internal/platform/database"
	"github.com/coinblend/mixcore/internal/pool"
	"github.com/coinblend/mixcore/internal/reencrypt"
	"github.com/coinblend/mixcore/internal/scheduler"
	"github.com/coinblend/mixcore/internal/store"
	"github.com/coinblend/mixcore/internal/sysconfig"
	"github.com/coinblend/mixcore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file (yaml or json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.NewDefault("mixerd").WithError(err).Fatal("load configuration")
	}

	log := logger.New(cfg.Logging)
	log.Info("mixerd starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	if cfg.Database.MigrateOnStart {
		if err := database.Migrate(cfg.Database); err != nil {
			log.WithError(err).Fatal("apply migrations")
		}
	}
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer db.Close()
	st := store.NewPostgres(db)

	// Metrics registry; exposition is wired by the operator surface.
	registry := prometheus.NewRegistry()

	// Cache / coordination layer.
	var redisClient redis.UniversalClient
	if !cfg.Redis.Disabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.WithError(err).Warn("redis unreachable, running on the in-process level only")
			redisClient = nil
		}
	}
	cacheLayer, err := cache.New(cache.Config{
		Prefix:               cfg.Redis.KeyPrefix,
		DefaultTTL:           time.Duration(cfg.Redis.DefaultTTLSeconds) * time.Second,
		CompressionThreshold: cfg.Redis.CompressionThreshold,
		L1Capacity:           cfg.Redis.L1Capacity,
		LockTTL:              time.Duration(cfg.Redis.LockTTLSeconds) * time.Second,
		Disabled:             cfg.Redis.Disabled,
	}, redisClient, cache.NewStats(registry), log.Component("cache"))
	if err != nil {
		log.WithError(err).Fatal("build cache layer")
	}

	// Key store. The in-process implementation stands in until a Vault/HSM
	// binding is configured.
	masterKey := cfg.Keystore.MasterKeyHex
	if masterKey == "" {
		buf := make([]byte, 32)
		_, _ = rand.Read(buf)
		masterKey = hex.EncodeToString(buf)
		log.Warn("KEYSTORE_MASTER_KEY not set, generated an ephemeral master key")
	}
	keys, err := keystore.NewInMemory(masterKey)
	if err != nil {
		log.WithError(err).Fatal("initialise key store")
	}
	codec := mixcrypto.NewCodec(keys)

	// Audit trail.
	recorder := audit.NewRecorder(audit.NewPostgresSink(db), log.Component("audit"))

	// Chain adapters.
	chainMetrics := chain.NewMetrics(registry)
	adapters, err := chain.Build(cfg.Chains, keys, chainMetrics, log.Component("chain"))
	if err != nil {
		log.WithError(err).Fatal("build chain adapters")
	}
	defer adapters.DisconnectAll()

	// System configuration service.
	sysCfg := sysconfig.New(db, sysconfig.Environment(cfg.Environment), cacheLayer)
	if err := sysCfg.Seed(ctx); err != nil {
		log.WithError(err).Fatal("seed system config")
	}

	// Pool manager and default pools.
	pools := pool.NewManager(st, log.Component("pool"))
	if err := pools.EnsureDefaultPools(ctx); err != nil {
		log.WithError(err).Fatal("ensure default pools")
	}

	// Engine, monitor, scheduler.
	eng := engine.New(st, pools, adapters, codec, keys, cacheLayer, recorder, cfg.Mixer, log.Component("engine"))
	mon := monitor.New(st, adapters, eng, nil, monitor.Config{
		DepositTolerance: decimal.NewFromFloat(cfg.Mixer.DepositTolerance),
	}, log.Component("monitor"))
	sched := scheduler.New(st, pools, adapters, eng, mon, recorder, cfg.Mixer, log.Component("scheduler"))
	mon.BindOutputs(sched)

	engineWorker := engine.NewWorker(eng, 15*time.Second)

	// Background re-encryption.
	rewrap := reencrypt.New(st, codec, keys, log.Component("reencrypt"))
	if err := rewrap.Start("@every 1h"); err != nil {
		log.WithError(err).Fatal("schedule re-encryption job")
	}
	defer rewrap.Stop()

	if err := mon.Start(ctx); err != nil {
		log.WithError(err).Fatal("start monitor")
	}
	defer mon.Stop()
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scheduler")
	}
	defer sched.Stop()
	if err := engineWorker.Start(ctx); err != nil {
		log.WithError(err).Fatal("start engine worker")
	}
	defer engineWorker.Stop()

	log.Info("mixerd running")
	<-ctx.Done()
	log.Info("mixerd shutting down")

	if os.Getenv("MIXERD_DRAIN_SECONDS") != "" {
		// Workers stop via the deferred calls; the env knob only delays
		// process exit for external log shippers.
		if d, err := time.ParseDuration(os.Getenv("MIXERD_DRAIN_SECONDS") + "s"); err == nil {
			time.Sleep(d)
		}
	}
}
