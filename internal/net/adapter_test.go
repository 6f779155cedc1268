package net

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ratatoskr/internal/account"
	"ratatoskr/internal/broker"
	"ratatoskr/internal/common"
	"ratatoskr/internal/store"
)

// Exchange and broker talk only through the adapter and the proxy.
func TestAdapter_BrokerTradesOverTheNetwork(t *testing.T) {
	ex := newEngine()
	events := loopbackProcessor(t)

	adapter, err := NewExchangeAdapter(
		context.Background(),
		ex,
		NewCommandListener("127.0.0.1:0", ex, 4, time.Second),
		loopbackSender(t, events.LocalAddr()),
		true,
	)
	require.NoError(t, err)

	proxy := NewExchangeProxy(adapter.Addr().String(), time.Second, events)
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	b, err := broker.New(context.Background(), "remote", account.NewManager(st, bcrypt.MinCost), proxy, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	_, err = b.CreateAccount("investor-one", "hunter22", 1_000_000)
	require.NoError(t, err)
	balance := func() int {
		acct, err := b.GetAccount("investor-one", "hunter22")
		if err != nil {
			return -1
		}
		return acct.CurrentBalance()
	}

	order, err := common.NewMarketOrder(common.Buy, "investor-one", "XYZ", 10)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(order))
	assert.Len(t, b.PendingMarketOrders(), 1)

	ex.Open()
	assert.Eventually(t, func() bool { return len(b.PendingMarketOrders()) == 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1_000_000-10*1234, balance())

	stop, err := common.NewStopOrder(common.Sell, "investor-one", "ABC", 5, 180)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(stop))
	require.NoError(t, ex.SetPrice("ABC", 175))
	assert.Eventually(t, func() bool { return balance() == 1_000_000-10*1234+5*175 }, waitFor, 5*time.Millisecond)

	// Closing the adapter sends the end frame, which stops the broker's receiver.
	require.NoError(t, adapter.Close())
	select {
	case <-events.Done():
	case <-time.After(waitFor):
		t.Fatal("event processor still running after adapter close")
	}

	quote, err := b.RequestQuote(context.Background(), "ABC")
	assert.ErrorIs(t, err, common.ErrExchangeUnavailable)
	assert.Nil(t, quote)
}
