package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/R3E-Network/lottery_layer/internal/app/domain/pricefeed"
	pricefeedsvc "github.com/R3E-Network/lottery_layer/internal/app/services/pricefeed"
	randomsvc "github.com/R3E-Network/lottery_layer/internal/app/services/random"
	"github.com/R3E-Network/lottery_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/lottery_layer/internal/app/system"
	"github.com/R3E-Network/lottery_layer/internal/automation"
	"github.com/R3E-Network/lottery_layer/internal/config"
	"github.com/R3E-Network/lottery_layer/internal/events"
	"github.com/R3E-Network/lottery_layer/internal/gasbank"
	lottery "github.com/R3E-Network/lottery_layer/packages/com.r3e.services.lottery/service"
	"github.com/R3E-Network/lottery_layer/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil History store is
// opened from the configured Postgres DSN, or kept in memory when no DSN is
// configured.
type Stores struct {
	History lottery.Store
}

// Application ties the lottery and its supporting services together and
// manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     config.Config
	closers []func() error

	Ledger      *gasbank.Ledger
	Prices      *pricefeedsvc.Aggregator
	Refresher   *pricefeedsvc.Refresher
	Random      *randomsvc.Service
	Coordinator *randomsvc.Coordinator
	Lottery     *lottery.Service
	History     lottery.Store
	Events      *events.Hub
	Automation  *automation.Scheduler
}

// New builds a fully initialised application from cfg.
func New(ctx context.Context, cfg config.Config, stores Stores, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &Application{
		manager: system.NewManager(),
		log:     log,
		cfg:     cfg,
		Ledger:  gasbank.NewLedger(log.Named("gasbank")),
		Random:  randomsvc.New(log.Named("random")),
		Events:  events.NewHub(256, log.Named("events")),
	}

	authority, _ := cfg.Lottery.AuthorityAddress()
	answer, _ := cfg.Oracle.Answer()
	vrfFee, _ := cfg.VRF.FeeAmount()

	feed := pricefeed.Feed{
		BaseAsset:  cfg.Oracle.BaseAsset,
		QuoteAsset: cfg.Oracle.QuoteAsset,
		Pair:       cfg.Oracle.Pair(),
		Decimals:   cfg.Oracle.Decimals,
		JSONPath:   cfg.Oracle.JSONPath,
		Active:     true,
	}
	a.Prices = pricefeedsvc.NewAggregator(feed, answer, log.Named("pricefeed"))
	a.Refresher = pricefeedsvc.NewRefresher(a.Prices, cfg.Oracle.RefreshInterval, log.Named("pricefeed"))
	if endpoint := strings.TrimSpace(cfg.Oracle.FetchURL); endpoint != "" {
		fetcher, err := pricefeedsvc.NewHTTPFetcher(&http.Client{Timeout: 10 * time.Second}, endpoint, cfg.Oracle.Token, log.Named("pricefeed"))
		if err != nil {
			return nil, fmt.Errorf("configure price fetcher: %w", err)
		}
		a.Refresher.WithFetcher(fetcher)
	} else {
		log.Warn("oracle.fetch_url not set; price feed keeps its configured answer")
	}

	key, _ := cfg.VRF.Key()
	if key == nil {
		generated, err := a.Random.GenerateKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("generate coordinator key: %w", err)
		}
		key = generated
		log.WithField("address", key.Address()).Warn("vrf.private_key not set; using an ephemeral coordinator key")
	}
	a.Coordinator = randomsvc.NewCoordinator(key, vrfFee, a.Ledger, log.Named("vrf"))

	lot, err := lottery.New(lottery.Config{
		Authority:      authority,
		Coordinator:    a.Coordinator.Address(),
		EntryFeeCents:  cfg.Lottery.EntryFeeCents,
		NativeDecimals: cfg.Lottery.NativeDecimals,
		MaxPriceAge:    cfg.Lottery.MaxPriceAge,
		KeyHash:        a.Coordinator.KeyHash(),
		RandomnessFee:  a.Coordinator.Fee(),
	}, a.Prices, a.Ledger, a.Coordinator, log.Named("lottery"))
	if err != nil {
		return nil, fmt.Errorf("create lottery: %w", err)
	}
	a.Lottery = lot
	a.Coordinator.RegisterConsumer(lot.Address(), lot)

	a.History = stores.History
	if a.History == nil {
		if dsn := strings.TrimSpace(cfg.Storage.PostgresDSN); dsn != "" {
			store, err := postgres.Open(ctx, dsn)
			if err != nil {
				return nil, fmt.Errorf("open history store: %w", err)
			}
			a.closers = append(a.closers, store.Close)
			a.History = store
		} else {
			a.History = lottery.NewMemoryStore()
		}
	}
	if err := lot.WithStore(ctx, a.History); err != nil {
		_ = a.closeStores()
		return nil, err
	}
	lot.WithPublisher(a.Events)

	services := []system.Service{a.Events}
	if addr := strings.TrimSpace(cfg.Storage.RedisAddr); addr != "" {
		redisPub := events.NewRedisPublisher(events.DialRedis(addr, "", 0), cfg.Storage.RedisChannel, log.Named("events"))
		a.Events.AddSink(redisPub)
		services = append(services, redisPub)
	}
	services = append(services, a.Refresher, a.Coordinator)

	if cfg.Automation.Enabled {
		a.Automation = automation.NewScheduler(lot, authority, log.Named("automation"))
		if err := a.Automation.Schedule(cfg.Automation.OpenSchedule, cfg.Automation.CloseSchedule); err != nil {
			return nil, fmt.Errorf("schedule automation: %w", err)
		}
		services = append(services, a.Automation)
	}

	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return a, nil
}

// Config returns the configuration the application was built from.
func (a *Application) Config() config.Config { return a.cfg }

// Services lists registered services in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and releases storage connections.
func (a *Application) Stop(ctx context.Context) error {
	return errors.Join(a.manager.Stop(ctx), a.closeStores())
}

func (a *Application) closeStores() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = errors.Join(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
