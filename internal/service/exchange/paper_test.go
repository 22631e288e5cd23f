package exchange

import (
	"context"
	"testing"

	"TradeCore/internal/domain/models"
	applogger "TradeCore/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectUpdates(a Adapter) *[]models.OrderUpdate {
	var got []models.OrderUpdate
	a.SetUpdateHandler(func(_ context.Context, u models.OrderUpdate) { got = append(got, u) })
	return &got
}

func TestPaperFillsWithSlippageAndFee(t *testing.T) {
	p := NewPaperAdapter(PaperConfig{SlippageBps: 5, FeeRate: 0.001, TickSize: 0.01}, applogger.NewNop())
	updates := collectUpdates(p)

	ack, err := p.SubmitOrder(context.Background(), models.OrderRequest{
		ClientOrderID: "c-1", Instrument: "BTC-USD", Direction: models.DirectionLong,
		Size: 2, Type: models.OrderTypeMarket, ExpectedPrice: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderAccepted, ack.Status)
	require.Len(t, *updates, 1)

	u := (*updates)[0]
	assert.Equal(t, models.OrderFilled, u.Status)
	require.NotNil(t, u.Fill)
	assert.InDelta(t, 100.05, u.Fill.Price, 1e-9)
	assert.InDelta(t, 100.05*2*0.001, u.Fill.Fee, 1e-9)
	assert.Equal(t, ack.VenueOrderID, u.VenueOrderID)

	_, err = p.SubmitOrder(context.Background(), models.OrderRequest{
		ClientOrderID: "c-2", Instrument: "BTC-USD", Direction: models.DirectionShort,
		Size: 1, ExpectedPrice: 100,
	})
	require.NoError(t, err)
	assert.InDelta(t, 99.95, (*updates)[1].Fill.Price, 1e-9)
}

func TestPaperResubmitIsIdempotent(t *testing.T) {
	p := NewPaperAdapter(PaperConfig{}, applogger.NewNop())
	updates := collectUpdates(p)
	req := models.OrderRequest{ClientOrderID: "dup", Instrument: "ETH-USD", Direction: models.DirectionLong, Size: 1, ExpectedPrice: 10}

	first, err := p.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := p.SubmitOrder(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, *updates, 1)
}

func TestPaperRejects(t *testing.T) {
	p := NewPaperAdapter(PaperConfig{SlippageBps: 10}, applogger.NewNop())
	updates := collectUpdates(p)

	ack, err := p.SubmitOrder(context.Background(), models.OrderRequest{
		ClientOrderID: "np", Instrument: "X", Direction: models.DirectionLong, Size: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderRejected, ack.Status)

	ack, err = p.SubmitOrder(context.Background(), models.OrderRequest{
		ClientOrderID: "lim", Instrument: "X", Direction: models.DirectionLong, Size: 1,
		Type: models.OrderTypeLimit, LimitPrice: 100, ExpectedPrice: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderRejected, ack.Status)
	require.Len(t, *updates, 2)
	assert.Equal(t, "limit not marketable", (*updates)[1].Reason)

	_, err = p.SubmitOrder(context.Background(), models.OrderRequest{ClientOrderID: "bad", Direction: models.DirectionNeutral, Size: 1})
	assert.ErrorIs(t, err, models.ErrValidation)

	ok, err := p.CancelOrder(context.Background(), "np")
	require.NoError(t, err)
	assert.False(t, ok)
}
