package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ip2tor/shop/internal/client"
	"github.com/ip2tor/shop/internal/config"
	"github.com/ip2tor/shop/internal/db"
	"github.com/ip2tor/shop/internal/events"
	shophttp "github.com/ip2tor/shop/internal/http"
	"github.com/ip2tor/shop/internal/lnnode"
	"github.com/ip2tor/shop/internal/repository"
	"github.com/ip2tor/shop/internal/service"
	"github.com/ip2tor/shop/internal/tasks"
)

// app holds the wired shop. Every command builds one and closes it on exit.
type app struct {
	cfg *config.Config
	db  *db.Database
	rdb *redis.Client

	hostRepo  *repository.HostRepository
	rangeRepo *repository.PortRangeRepository
	nodeRepo  *repository.NodeRepository
	denyRepo  *repository.DenyListRepository
	logRepo   *repository.LogRepository

	queue   *tasks.RedisQueue
	tasks   *tasks.Client
	bus     *events.Bus
	nodes   *lnnode.Registry
	hosts   *service.HostService
	bridges *service.BridgeService
	orders  *service.OrderService
	invoice *service.InvoiceService
	rates   *service.RateService
	alive   *service.NodeService
	metrics *service.Metrics
	settle  *service.SettlementStreamer
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}
	log.Info().Str("addr", cfg.Addr).Msg("connected to Redis")
	return rdb, nil
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	database, err := db.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	rdb, err := connectRedis(ctx, cfg.Redis)
	if err != nil {
		database.Close()
		return nil, err
	}

	a := &app{cfg: cfg, db: database, rdb: rdb}
	pool := database.Pool

	a.hostRepo = repository.NewHostRepository(pool)
	a.rangeRepo = repository.NewPortRangeRepository(pool)
	a.nodeRepo = repository.NewNodeRepository(pool)
	a.denyRepo = repository.NewDenyListRepository(pool)
	bridgeRepo := repository.NewBridgeRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	invoiceRepo := repository.NewInvoiceRepository(pool)
	rateRepo := repository.NewRateRepository(pool)
	a.logRepo = repository.NewLogRepository(pool)
	logRepo := a.logRepo

	a.queue = tasks.NewRedisQueue(rdb, "")
	a.tasks = tasks.NewClient(a.queue)
	a.bus = events.NewBus()
	a.nodes = lnnode.NewRegistry(a.nodeRepo, lnnode.NewFactory(), lnnode.NewInfoCache(rdb, lnnode.DefaultInfoTTL))

	reach, err := client.NewTorChecker(cfg.Tor.SocksAddr, cfg.Tor.CheckTimeout)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("tor checker: %w", err)
	}

	a.hosts = service.NewHostService(a.hostRepo, logRepo)
	a.bridges = service.NewBridgeService(cfg.Shop, bridgeRepo, a.hostRepo, orderRepo,
		service.NewPortAllocator(a.rangeRepo), client.NewHostAgentProvisioner(), logRepo)
	a.rates = service.NewRateService(cfg.Rates, rateRepo, client.NewCoinGeckoClient(cfg.Rates.ProviderURL))
	a.invoice = service.NewInvoiceService(cfg.Invoice, invoiceRepo, a.nodes,
		client.NewQRGenerator(cfg.Media.Dir), logRepo, a.bus)
	a.orders = service.NewOrderService(cfg, orderRepo, a.hostRepo, a.bridges, a.denyRepo,
		a.rates, reach, a.nodes, a.invoice, a.tasks, logRepo)
	a.alive = service.NewNodeService(a.nodes, a.hostRepo, client.NewSMTPMailer(cfg.SMTP), logRepo)
	a.metrics = service.NewMetrics(rdb, bridgeRepo, orderRepo)
	a.settle = service.NewSettlementStreamer(a.nodes, invoiceRepo, a.invoice)

	// orders first so a paid order is complete before its bridge moves
	a.bus.OnInvoicePaid("orders", a.orders.HandleInvoicePaid)
	a.bus.OnInvoicePaid("bridges", a.bridges.HandleInvoicePaid)
	a.bus.OnInvoicePaid("metrics", a.metrics.HandleInvoicePaid)
	a.bus.OnInvoiceExpired("orders", a.orders.HandleInvoiceExpired)

	return a, nil
}

func (a *app) httpServices() shophttp.Services {
	return shophttp.Services{
		Hosts:    a.hosts,
		Orders:   a.orders,
		Invoices: a.invoice,
		Bridges:  a.bridges,
		Tasks:    a.tasks,
		Queue:    a.queue,
		Audit:    a.logRepo,
		Tables:   a.db,
	}
}

func (a *app) taskHandlers() *tasks.Handlers {
	h := tasks.NewHandlers(a.cfg.Invoice, a.tasks)
	h.Orders = a.orders
	h.Recovery = a.orders
	h.Invoices = a.invoice
	h.Bridges = a.bridges
	h.Nodes = a.alive
	h.Rates = a.rates
	h.Metrics = a.metrics
	return h
}

func (a *app) periodicJobs() []tasks.Job {
	return []tasks.Job{
		{Type: tasks.TypeNodesAlive, Interval: a.cfg.Shop.AliveCheckInterval},
		{Type: tasks.TypeBridgesSweep, Interval: a.cfg.Shop.SweepInterval},
		{Type: tasks.TypeInvoicesUnpaid, Interval: a.cfg.Invoice.UnpaidSyncInterval},
		{Type: tasks.TypeOrdersRecover, Interval: a.cfg.Shop.RecoveryInterval},
		{Type: tasks.TypeRatesFetch, Interval: a.cfg.Rates.FetchInterval},
		{Type: tasks.TypeMetricsUpdate, Interval: a.cfg.Shop.MetricsInterval},
	}
}

func (a *app) close() {
	if a.nodes != nil {
		a.nodes.Close()
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("close redis")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
