// Command server runs the code-assist gateway: a multi-credential proxy that
// accepts OpenAI, Claude, and Gemini chat requests and relays them to the
// Google code-assist backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"codeassist-gateway/internal/config"
	"codeassist-gateway/internal/cooldown"
	"codeassist-gateway/internal/guard"
	"codeassist-gateway/internal/images"
	"codeassist-gateway/internal/logging"
	"codeassist-gateway/internal/models"
	"codeassist-gateway/internal/oauth"
	"codeassist-gateway/internal/pipeline"
	"codeassist-gateway/internal/pool"
	"codeassist-gateway/internal/quota"
	"codeassist-gateway/internal/server"
	"codeassist-gateway/internal/sigcache"
	"codeassist-gateway/internal/state"
	"codeassist-gateway/internal/store"
	"codeassist-gateway/internal/upstream"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.WithError(err).Error("fatal")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logging.Setup(cfg); err != nil {
		return err
	}
	logging.Feed()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// State backend for the persisted ledgers.
	var backend state.Backend
	switch cfg.StateBackend {
	case "redis":
		backend, err = state.NewRedisBackend(ctx, state.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	default:
		backend, err = state.NewFileBackend(cfg.DataDir)
	}
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}

	q := quota.NewLedger(backend, cfg.QuotaIdleTTL())
	if err := q.Restore(ctx); err != nil {
		log.WithError(err).Warn("quota restore failed, starting empty")
	}
	go q.Run(ctx, 5*time.Minute)

	cd := cooldown.NewLedger()

	refresher := oauth.NewRefresher(cfg.OAuthClientID, cfg.OAuthClientSecret, nil)
	pl, err := pool.New(st, pool.Options{
		Strategy:      pool.Strategy(cfg.RotationStrategy),
		RequestCountN: cfg.RequestCountN,
		RefreshAhead:  time.Duration(cfg.RefreshAheadSeconds) * time.Second,
		Quota:         q,
		Cooldown:      cd,
		Refresher:     refresher,
	})
	if err != nil {
		return err
	}

	g := guard.New(guard.Options{
		Window:          time.Duration(cfg.GuardWindowMin) * time.Minute,
		Threshold:       cfg.GuardThreshold,
		TempBlock:       time.Duration(cfg.GuardTempBlockMin) * time.Minute,
		CyclePeriod:     time.Duration(cfg.GuardCyclePeriodHr) * time.Hour,
		PermanentCycles: cfg.GuardPermanentCycle,
		Whitelist:       cfg.GuardWhitelist,
	})
	if err := g.Restore(ctx, backend); err != nil {
		log.WithError(err).Warn("guard restore failed, starting clean")
	}
	guardStop := make(chan struct{})
	go g.Run(guardStop)
	defer close(guardStop)

	sigs := sigcache.New(sigcache.ParseMode(cfg.SignatureCaching), 0, 0)

	client, err := upstream.New(upstream.Options{
		Endpoint:  cfg.Endpoint(),
		UserAgent: cfg.UserAgent,
		ProxyURL:  cfg.ProxyURL,
		Timeout:   cfg.RequestTimeout(),
	})
	if err != nil {
		return err
	}

	sink, err := images.NewDiskSink(cfg.DataDir+"/images", cfg.ImageBaseURL)
	if err != nil {
		return err
	}

	pipe := pipeline.New(cfg, pl, q, cd, sigs, client, sink)

	// Boot maintenance: refresh expired tokens, fill in missing project IDs,
	// and seed the quota ledger.
	bootCtx, bootCancel := context.WithTimeout(ctx, 2*time.Minute)
	refreshed, disabled := pl.RefreshExpired(bootCtx)
	log.WithFields(log.Fields{"refreshed": refreshed, "disabled": disabled}).Info("token refresh wave done")
	discoverProjects(bootCtx, pl, client)
	pipe.RefreshAllQuotas(bootCtx)
	bootCancel()

	enabled, total := pl.Size()
	log.WithFields(log.Fields{"enabled": enabled, "total": total}).Info("credential pool ready")

	// Keep quota snapshots current so stale zero-remaining entries do not
	// exclude a credential past its reset time.
	go pipe.RunQuotaRefresh(ctx, 10*time.Minute)

	// Hot reload when the accounts file changes on disk.
	watchStop := make(chan struct{})
	defer close(watchStop)
	if err := st.Watch(watchStop, func() {
		if err := pl.Reload(); err != nil {
			log.WithError(err).Warn("credential reload failed")
			return
		}
		e, t := pl.Size()
		log.WithFields(log.Fields{"enabled": e, "total": t}).Info("credentials reloaded")
	}); err != nil {
		log.WithError(err).Warn("account watcher unavailable")
	}

	catalog := models.New(func(ctx context.Context) ([]models.Entry, error) {
		sel, err := pl.Get(ctx, "")
		if err != nil {
			return nil, err
		}
		quotas, err := client.FetchAvailableModels(ctx, sel.Cred.AccessToken)
		if err != nil {
			return nil, err
		}
		out := make([]models.Entry, 0, len(quotas))
		for _, m := range quotas {
			out = append(out, models.Entry{ID: m.Model, DisplayName: m.DisplayName})
		}
		return out, nil
	}, 10*time.Minute)

	srv := server.New(server.Options{
		Cfg:      cfg,
		Pipeline: pipe,
		Guard:    g,
		Catalog:  catalog,
		Sigs:     sigs,
		Cooldown: cd,
		ImageDir: sink.Dir(),
	})

	err = srv.Run(ctx)

	// Flush the persisted ledgers before exit.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := q.Flush(flushCtx); ferr != nil {
		log.WithError(ferr).Warn("quota flush failed")
	}
	if ferr := g.Save(flushCtx, backend, cfg.GuardWhitelist); ferr != nil {
		log.WithError(ferr).Warn("guard flush failed")
	}
	return err
}

// discoverProjects fills in the code-assist project for credentials that do
// not carry one, onboarding free-tier accounts when needed.
func discoverProjects(ctx context.Context, pl *pool.Pool, client *upstream.Client) {
	for _, cred := range pl.Credentials() {
		if !cred.Enabled || cred.ProjectID != "" {
			continue
		}
		project, err := client.DiscoverProject(ctx, cred.AccessToken)
		if err != nil {
			log.WithError(err).Warnf("project discovery failed for %s", cred.ID)
			continue
		}
		pl.SetProjectID(cred.ID, project)
		log.WithFields(log.Fields{"credential": cred.ID, "project": project}).Info("project discovered")
	}
}
