// Package exchange holds the venue adapters the execution engine routes orders to.
package exchange

import (
	"context"

	"TradeCore/internal/domain/models"
)

// Settlement describes when a venue confirms fills.
type Settlement string

const (
	// SettlementImmediate venues report the fill before SubmitOrder returns.
	SettlementImmediate Settlement = "immediate"
	// SettlementDelayed venues confirm asynchronously; the adapter polls.
	SettlementDelayed Settlement = "delayed"
)

// UpdateHandler receives every order update. It is the only path fills take.
type UpdateHandler func(ctx context.Context, u models.OrderUpdate)

// Adapter is one trading venue. SubmitOrder must be idempotent on
// OrderRequest.ClientOrderID.
type Adapter interface {
	Name() string
	Settlement() Settlement
	SubmitOrder(ctx context.Context, req models.OrderRequest) (models.OrderAck, error)
	// CancelOrder returns false when the order is unknown or already resolved.
	CancelOrder(ctx context.Context, clientOrderID string) (bool, error)
	SetUpdateHandler(h UpdateHandler)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
