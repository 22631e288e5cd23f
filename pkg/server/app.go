package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	internalrepo "TradeCore/internal/repository"
	"TradeCore/internal/service/exchange"
	"TradeCore/internal/usecase"
	"TradeCore/pkg/config"
	xhttp "TradeCore/pkg/http"
	pkgkafka "TradeCore/pkg/kafka"
	applogger "TradeCore/pkg/logger"
)

// Consumers are the consumer groups started by the app, in start order.
type Consumers []*pkgkafka.Consumer

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	bus        *internalrepo.KafkaEventBus
	consensus  *usecase.ConsensusEngine
	venues     []exchange.Adapter
	consumers  Consumers
	httpServer *xhttp.Server

	wg sync.WaitGroup
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	bus *internalrepo.KafkaEventBus,
	consensus *usecase.ConsensusEngine,
	venues []exchange.Adapter,
	consumers Consumers,
	httpServer *xhttp.Server,
) *App {
	return &App{
		cfg:        cfg,
		log:        l.Named("app"),
		bus:        bus,
		consensus:  consensus,
		venues:     venues,
		consumers:  consumers,
		httpServer: httpServer,
	}
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails. Shutdown runs in reverse start order.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.Log.CollectErrors {
		a.log.AddCollector(&applogger.CollectionConfig{
			TimeInterval:   a.cfg.Log.CollectWindow,
			CountThreshold: a.cfg.Log.CollectMaxKeys,
			PublishTimeout: a.cfg.Kafka.Producer.WriteTimeout,
			Publisher:      a.bus,
		})
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consensus.Run(runCtx)
	}()

	started := 0
	for _, v := range a.venues {
		if err := v.Start(runCtx); err != nil {
			a.log.Error("venue start failed", applogger.String("venue", v.Name()), applogger.Error(err))
			cancel()
			return a.shutdown(fmt.Errorf("start venue %s: %w", v.Name(), err), started, 0)
		}
		started++
		a.log.Info("venue started", applogger.String("venue", v.Name()))
	}

	consumersStarted := 0
	for _, c := range a.consumers {
		if err := c.Start(); err != nil {
			a.log.Error("kafka consumer start failed", applogger.Error(err))
			cancel()
			return a.shutdown(fmt.Errorf("start consumer: %w", err), started, consumersStarted)
		}
		consumersStarted++
		a.log.Info("kafka consumer started", applogger.Strings("topics", c.Topics()))
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		cancel()
		return a.shutdown(err, started, consumersStarted)
	}
	a.log.Info("tradecore running", applogger.Int("port", a.cfg.Server.Port), applogger.String("env", a.cfg.Environment))

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case err := <-a.httpServer.Errors():
		a.log.Error("http server failed", applogger.Error(err))
		runErr = err
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if err := a.httpServer.Stop(stopCtx); err != nil {
		a.log.Warn("http shutdown error", applogger.Error(err))
	}
	return a.shutdown(runErr, started, consumersStarted)
}

// shutdown stops consumers, venues, consensus callbacks and the producer in that order.
// Store and cache are closed by the DI cleanup after Run returns.
func (a *App) shutdown(cause error, venues, consumers int) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	start := time.Now()

	for i := consumers - 1; i >= 0; i-- {
		if err := a.consumers[i].Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	for i := venues - 1; i >= 0; i-- {
		if err := a.venues[i].Stop(ctx); err != nil {
			a.log.Warn("venue stop error", applogger.String("venue", a.venues[i].Name()), applogger.Error(err))
		}
	}

	a.wg.Wait()
	if err := a.consensus.Drain(ctx); err != nil {
		a.log.Warn("consensus callbacks did not drain", applogger.Error(err))
	}

	// collector last flush goes through the bus, so it closes before the producer
	a.log.RemoveCollector()
	if err := a.bus.Flush(ctx); err != nil {
		a.log.Warn("producer flush error", applogger.Error(err))
	}
	if err := a.bus.Close(); err != nil {
		a.log.Warn("producer close error", applogger.Error(err))
	}

	a.log.Info("shutdown complete", applogger.Duration("took", time.Since(start)))
	return cause
}
