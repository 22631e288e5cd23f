package di

import (
	"context"
	"fmt"
	"time"

	"TradeCore/internal/domain/models"
	"TradeCore/internal/domain/repository"
	"TradeCore/internal/handler/api"
	internalrepo "TradeCore/internal/repository"
	"TradeCore/internal/service/exchange"
	"TradeCore/internal/service/risk"
	"TradeCore/internal/usecase"
	"TradeCore/pkg/cache"
	pkgch "TradeCore/pkg/clickhouse"
	"TradeCore/pkg/config"
	xhttp "TradeCore/pkg/http"
	pkgkafka "TradeCore/pkg/kafka"
	applogger "TradeCore/pkg/logger"
	"TradeCore/pkg/metrics"
	"TradeCore/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const serviceName = "tradecore"

// ProvideLogger builds the root logger from the log section.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideRegistry creates a private Prometheus registry with the runtime collectors.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	pkgkafka.SetProducerMetricsRegisterer(reg)
	pkgkafka.SetConsumerMetricsRegisterer(reg)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.New(reg)
}

// ProvideEventStore opens the configured event log backend.
func ProvideEventStore(cfg *config.Config, l *applogger.Logger, m repository.Metrics) (repository.EventStore, func(), error) {
	if cfg.Store.Backend == "memory" {
		l.Warn("event store is in memory, history is lost on exit")
		return internalrepo.NewMemoryEventStore(), func() {}, nil
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(cfg.ClickHouse.MaxOpenConns, cfg.ClickHouse.MaxIdleConns),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, pkgch.EventStoreSchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	cleanup := func() {
		if err := client.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}
	return internalrepo.NewClickHouseEventStore(client, l, m), cleanup, nil
}

// ProvideCache connects the key-value backend shared by the state cache and weight store.
func ProvideCache(cfg *config.Config, l *applogger.Logger) (cache.Service, func(), error) {
	var svc cache.Service
	if cfg.Cache.Backend == "memory" {
		svc = cache.NewMemoryCache(
			cache.WithMemoryMaxSize(cfg.Cache.MaxEntries),
			cache.WithMemoryCleanup(time.Minute),
		)
	} else {
		rc, err := cache.NewRedisCache(
			cache.WithRedisAddr(cfg.Redis.Host, cfg.Redis.Port),
			cache.WithRedisAuth(cfg.Redis.Password, cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, 0, 5*time.Second),
			cache.WithRedisTimeouts(cfg.Redis.DialTimeout, cfg.Redis.ReadTimeout, cfg.Redis.WriteTimeout),
			cache.WithRedisPrefix(cfg.Redis.Prefix),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("redis cache: %w", err)
		}
		svc = rc
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			l.Warn("cache close error", applogger.Error(err))
		}
	}
	return svc, cleanup, nil
}

func ProvideStateCache(c cache.Service, cfg *config.Config, l *applogger.Logger, m repository.Metrics) repository.StateCache {
	return internalrepo.NewStateCache(c, cfg.Cache.OpTimeout, cfg.Cache.CASRetries, l, m)
}

func ProvideWeightStore(c cache.Service, cfg *config.Config) repository.WeightStore {
	return internalrepo.NewCacheWeightStore(c, configuredWeights(cfg), cfg.Cache.OpTimeout)
}

// ProvideKafkaProducer creates a Kafka producer. The cleanup closes it when a
// later provider fails; after a normal shutdown it is a no-op.
func ProvideKafkaProducer(cfg *config.Config, l *applogger.Logger) (*pkgkafka.Producer, func(), error) {
	p := cfg.Kafka.Producer
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithDurability(cfg.Kafka.RequiredAcks, cfg.Kafka.Compression),
		pkgkafka.WithBatching(p.BatchSize, p.BatchBytes, p.Linger),
		pkgkafka.WithTimeouts(p.WriteTimeout, p.ReadTimeout, p.MaxAttempts),
		pkgkafka.WithPublishRetry(p.RetryMax, p.BackoffMin, p.BackoffMax),
		pkgkafka.WithAttemptTimeout(p.AttemptTimeout),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	cleanup := func() {
		if err := producer.Close(); err != nil {
			l.Warn("kafka producer close failed", applogger.Error(err))
		}
	}
	return producer, cleanup, nil
}

// ProvideEventBus wraps the producer. The app flushes and closes it on shutdown.
func ProvideEventBus(producer *pkgkafka.Producer, l *applogger.Logger, m repository.Metrics) *internalrepo.KafkaEventBus {
	return internalrepo.NewKafkaEventBus(producer, serviceName, l, m)
}

func ProvideMarketState(cfg *config.Config, m repository.Metrics) *usecase.MarketState {
	return usecase.NewMarketState(cfg.Risk.CorrelationWindow, cfg.Risk.CorrelationSamples, cfg.Risk.CorrelationBucket, m)
}

func ProvideSignalAggregator(cfg *config.Config) *usecase.SignalAggregator {
	return usecase.NewSignalAggregator(configuredWeights(cfg), cfg.Consensus.SignalWindow, usecase.Thresholds{
		Execute: cfg.Consensus.ExecuteThreshold,
		Hold:    cfg.Consensus.HoldThreshold,
	})
}

func ProvideConsensusEngine(
	cfg *config.Config,
	agg *usecase.SignalAggregator,
	pub repository.EventPublisher,
	ws repository.WeightStore,
	l *applogger.Logger,
	m repository.Metrics,
) *usecase.ConsensusEngine {
	return usecase.NewConsensusEngine(usecase.ConsensusConfig{
		Source:          "consensus-engine",
		HistorySize:     cfg.Consensus.HistorySize,
		WeightRefresh:   cfg.Consensus.WeightRefresh,
		CallbackTimeout: cfg.Consensus.CallbackTimeout,
	}, agg, pub, ws, l, m)
}

func ProvideRiskValidator(cfg *config.Config, ms *usecase.MarketState, l *applogger.Logger, m repository.Metrics) *risk.Validator {
	r := cfg.Risk
	return risk.NewValidator(risk.Limits{
		MaxLeverage:       r.MaxLeverage,
		MaxOpenPositions:  r.MaxOpenPositions,
		MaxDailyLossPct:   r.MaxDailyLossPct,
		MaxCorrelation:    r.MaxCorrelation,
		MaxPositionPct:    r.MaxPositionPct,
		KellyWinRate:      r.KellyWinRate,
		KellyWinLossRatio: r.KellyWinLossRatio,
	}, ms, l, m)
}

// ProvideVenues builds one adapter per configured venue.
func ProvideVenues(cfg *config.Config, l *applogger.Logger) []exchange.Adapter {
	var venues []exchange.Adapter
	if cfg.Venues.Paper.Enabled {
		venues = append(venues, exchange.NewPaperAdapter(exchange.PaperConfig{
			SlippageBps: cfg.Venues.Paper.SlippageBps,
			FeeRate:     cfg.Venues.Paper.FeeRate,
			TickSize:    cfg.Venues.Paper.TickSize,
		}, l))
	}
	for _, v := range cfg.Venues.REST {
		venues = append(venues, exchange.NewRESTAdapter(exchange.RESTConfig{
			Name:           v.Name,
			BaseURL:        v.BaseURL,
			APIKey:         v.APIKey,
			RequestTimeout: v.RequestTimeout,
			PollInterval:   v.PollInterval,
			ConfirmTimeout: v.ConfirmTimeout,
			RatePerSecond:  v.RatePerSecond,
			Burst:          v.Burst,
		}, l))
	}
	return venues
}

func ProvidePortfolioService(sc repository.StateCache, store repository.EventStore, cfg *config.Config, l *applogger.Logger, m repository.Metrics) *usecase.PortfolioService {
	return usecase.NewPortfolioService(sc, store, cfg.Execution.InitialBalance, l, m)
}

func ProvideExecutionEngine(
	cfg *config.Config,
	validator *risk.Validator,
	ms *usecase.MarketState,
	portfolios *usecase.PortfolioService,
	pub repository.EventPublisher,
	venues []exchange.Adapter,
	l *applogger.Logger,
	m repository.Metrics,
) (*usecase.ExecutionEngine, error) {
	x := cfg.Execution
	return usecase.NewExecutionEngine(usecase.ExecutionConfig{
		Source:        "execution-engine",
		UserID:        x.UserID,
		SizingMethod:  risk.SizingMethod(x.SizingMethod),
		SubmitTimeout: x.SubmitTimeout,
		SubmitRetries: x.SubmitRetries,
		DefaultVenue:  x.DefaultVenue,
		Routes:        x.Routes,
	}, validator, ms, portfolios, pub, venues, l, m)
}

func ProvideEventRecorder(store repository.EventStore, cfg *config.Config, l *applogger.Logger, m repository.Metrics) *usecase.EventRecorder {
	return usecase.NewEventRecorder(store, cfg.Store.InsertTimeout, l, m)
}

// ProvideConsumers builds the two consumer groups: the recorder persists every
// topic, the engine group drives market state, consensus and execution.
func ProvideConsumers(
	cfg *config.Config,
	recorder *usecase.EventRecorder,
	ms *usecase.MarketState,
	consensus *usecase.ConsensusEngine,
	execution *usecase.ExecutionEngine,
	l *applogger.Logger,
	m repository.Metrics,
) (server.Consumers, error) {
	recorderRouter, err := usecase.NewEventRouter(recorder.Routes(), l, m)
	if err != nil {
		return nil, fmt.Errorf("recorder routes: %w", err)
	}
	engineRouter, err := usecase.NewEventRouter(map[models.EventType]usecase.EventHandler{
		models.EventPriceTick:         ms.HandleTick,
		models.EventSignalGenerated:   consensus.HandleSignal,
		models.EventConsensusApproved: execution.HandleApproved,
	}, l, m)
	if err != nil {
		return nil, fmt.Errorf("engine routes: %w", err)
	}

	var consumers server.Consumers
	for _, g := range []struct {
		name   string
		router *usecase.EventRouter
	}{
		{"recorder", recorderRouter},
		{"engine", engineRouter},
	} {
		c, err := newConsumer(cfg, cfg.Kafka.Consumer.GroupPrefix+"-"+g.name, g.router.MessageHandlers(), l)
		if err != nil {
			return nil, fmt.Errorf("%s consumer: %w", g.name, err)
		}
		consumers = append(consumers, c)
	}
	return consumers, nil
}

func newConsumer(cfg *config.Config, groupID string, handlers []pkgkafka.MessageHandler, l *applogger.Logger) (*pkgkafka.Consumer, error) {
	c := cfg.Kafka.Consumer
	return pkgkafka.NewConsumer(handlers,
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(groupID),
		pkgkafka.WithConsumerAutoOffsetReset(c.AutoOffsetReset),
		pkgkafka.WithConsumerWorkers(c.Workers),
		pkgkafka.WithConsumerBufferSize(c.BufferSize),
		pkgkafka.WithConsumerRetry(c.RetryMax, c.BackoffMin, c.BackoffMax),
		pkgkafka.WithConsumerDLQ(c.DLQTopic),
		pkgkafka.WithConsumerFetch(c.MinBytes, c.MaxBytes),
		pkgkafka.WithConsumerPollTimeout(c.PollTimeout),
		pkgkafka.WithConsumerLogger(l.Named(groupID)),
		pkgkafka.WithConsumerHook(pkgkafka.CorrelationHook()),
	)
}

func ProvideOpsHandler(
	l *applogger.Logger,
	store repository.EventStore,
	sc repository.StateCache,
	consensus *usecase.ConsensusEngine,
	portfolios *usecase.PortfolioService,
	execution *usecase.ExecutionEngine,
) *api.OpsEchoHandler {
	return api.NewOpsEchoHandler(l, store, consensus, portfolios, execution,
		api.HealthCheck{Name: "event_store", Check: store.Health},
		api.HealthCheck{Name: "cache", Check: sc.Health},
	)
}

func ProvideHTTPServer(cfg *config.Config, l *applogger.Logger, reg *prometheus.Registry, ops *api.OpsEchoHandler) *xhttp.Server {
	return xhttp.NewServer([]xhttp.Handler{ops},
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithLogger(l),
		xhttp.WithRegistry(reg),
		xhttp.WithRateLimit(cfg.Server.RatePerSecond, cfg.Server.RateBurst),
	)
}

func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	bus *internalrepo.KafkaEventBus,
	consensus *usecase.ConsensusEngine,
	venues []exchange.Adapter,
	consumers server.Consumers,
	httpServer *xhttp.Server,
) *server.App {
	return server.New(cfg, l, bus, consensus, venues, consumers, httpServer)
}

func configuredWeights(cfg *config.Config) models.Weights {
	w := cfg.Consensus.Weights
	return models.Weights{Risk: w.Risk, Trading: w.Trading, Sentiment: w.Sentiment}
}
