//go:build wireinject
// +build wireinject

package di

import (
	"TradeCore/internal/domain/repository"
	internalrepo "TradeCore/internal/repository"
	"TradeCore/pkg/config"
	"TradeCore/pkg/server"

	"github.com/google/wire"
)

var infraSet = wire.NewSet(
	ProvideLogger,
	ProvideRegistry,
	ProvideMetrics,
	ProvideEventStore,
	ProvideCache,
	ProvideStateCache,
	ProvideWeightStore,
	ProvideKafkaProducer,
	ProvideEventBus,
	wire.Bind(new(repository.EventPublisher), new(*internalrepo.KafkaEventBus)),
)

var engineSet = wire.NewSet(
	ProvideMarketState,
	ProvideSignalAggregator,
	ProvideConsensusEngine,
	ProvideRiskValidator,
	ProvideVenues,
	ProvidePortfolioService,
	ProvideExecutionEngine,
	ProvideEventRecorder,
)

// InitializeApp wires up all dependencies and returns the application.
// The cleanup closes the producer, cache and store after App.Run returns.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		infraSet,
		engineSet,
		ProvideConsumers,
		ProvideOpsHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
