package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratatoskr/internal/common"
)

func newStop(t *testing.T, side common.Side, ticker string, price int) *common.Order {
	t.Helper()
	o, err := common.NewStopOrder(side, "investor-one", ticker, 10, price)
	require.NoError(t, err)
	return o
}

func recordInto(out *[]*common.Order) func(*common.Order) {
	return func(o *common.Order) { *out = append(*out, o) }
}

func TestOrderManager_AdjustPriceReleasesBothSides(t *testing.T) {
	m := NewOrderManager("ACME", 1000)
	var bought, sold []*common.Order
	m.SetBuyProcessor(recordInto(&bought))
	m.SetSellProcessor(recordInto(&sold))

	buy := newStop(t, common.Buy, "ACME", 1100)
	sell := newStop(t, common.Sell, "ACME", 900)
	require.NoError(t, m.QueueStopBuy(buy))
	require.NoError(t, m.QueueStopSell(sell))
	assert.Len(t, m.Pending(), 2)

	m.AdjustPrice(1100)
	assert.Equal(t, []*common.Order{buy}, bought)
	assert.Empty(t, sold)
	assert.Equal(t, 1100, m.Price())

	m.AdjustPrice(850)
	assert.Equal(t, []*common.Order{sell}, sold)
	assert.Empty(t, m.Pending())
}

func TestOrderManager_TriggeredOnArrival(t *testing.T) {
	m := NewOrderManager("ACME", 1000)
	var bought []*common.Order
	m.SetBuyProcessor(recordInto(&bought))

	buy := newStop(t, common.Buy, "ACME", 1000)
	require.NoError(t, m.QueueStopBuy(buy))
	assert.Equal(t, []*common.Order{buy}, bought)
}

func TestOrderManager_RejectsMisroutedOrders(t *testing.T) {
	m := NewOrderManager("ACME", 1000)

	err := m.QueueStopBuy(newStop(t, common.Sell, "ACME", 900))
	assert.ErrorIs(t, err, common.ErrValidation)

	err = m.QueueStopSell(newStop(t, common.Sell, "OTHR", 900))
	assert.ErrorIs(t, err, common.ErrUnknownTicker)

	market, err := common.NewMarketOrder(common.Buy, "investor-one", "ACME", 5)
	require.NoError(t, err)
	assert.ErrorIs(t, m.QueueStopBuy(market), common.ErrValidation)

	assert.ErrorIs(t, m.QueueStopBuy(&common.Order{Kind: common.StopBuy}), common.ErrValidation)
	assert.Empty(t, m.Pending())
}
