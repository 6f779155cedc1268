package net

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"ratatoskr/internal/account"
	"ratatoskr/internal/broker"
	"ratatoskr/internal/common"
	"ratatoskr/internal/event"
	"ratatoskr/internal/store"
)

const waitFor = 2 * time.Second

func sendRaw(t *testing.T, addr net.Addr, frame string) {
	t.Helper()
	conn, err := net.Dial("udp4", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(frame + "\n"))
	require.NoError(t, err)
}

func loopbackSender(t *testing.T, dst net.Addr) *EventSender {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := NewEventSender(conn, dst)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcessor_DeliversEvents(t *testing.T) {
	p := loopbackProcessor(t)
	rec := &recorder{}
	p.Subscribe(rec)
	p.Start()

	sendRaw(t, p.LocalAddr(), "OPEN_EVNT")
	sendRaw(t, p.LocalAddr(), "PRICE_CHANGE_EVNT:ABC:150")

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []event.Event{event.NewOpened(), event.NewPriceChanged("ABC", 150)}, rec.snapshot())
}

func TestProcessor_IgnoresUnrecognizedFrames(t *testing.T) {
	p := loopbackProcessor(t)
	rec := &recorder{}
	p.Subscribe(rec)
	p.Start()

	sendRaw(t, p.LocalAddr(), "HALT_AND_CATCH_FIRE")
	sendRaw(t, p.LocalAddr(), "PRICE_CHANGE_EVNT:ABC:cheap")
	sendRaw(t, p.LocalAddr(), "CLOSED_EVNT")

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []event.Event{event.NewClosed()}, rec.snapshot())
}

func TestProcessor_EndFrameStopsReceiving(t *testing.T) {
	p := loopbackProcessor(t)
	rec := &recorder{}
	p.Subscribe(rec)
	p.Start()

	sendRaw(t, p.LocalAddr(), "OPEN_EVNT")
	sendRaw(t, p.LocalAddr(), EndFrame)

	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatal("processor still running after end frame")
	}
	assert.Equal(t, []event.Event{event.NewOpened()}, rec.snapshot())
	assert.NoError(t, p.Close())
}

func TestProcessor_CloseWithoutStart(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	p := NewEventProcessor(conn)

	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
	<-p.Done()
}

func TestProcessor_UnsubscribedListenerHearsNothing(t *testing.T) {
	p := loopbackProcessor(t)
	gone, kept := &recorder{}, &recorder{}
	p.Subscribe(gone).Unsubscribe()
	p.Subscribe(kept)
	p.Start()

	sendRaw(t, p.LocalAddr(), "OPEN_EVNT")
	assert.Eventually(t, func() bool { return len(kept.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Empty(t, gone.snapshot())
}

func TestSender_ForwardsExchangeEvents(t *testing.T) {
	p := loopbackProcessor(t)
	rec := &recorder{}
	p.Subscribe(rec)
	p.Start()

	ex := newEngine()
	ex.Subscribe(loopbackSender(t, p.LocalAddr()))

	ex.Open()
	require.NoError(t, ex.SetPrice("XYZ", 0))

	want := []event.Event{event.NewOpened(), event.NewPriceChanged("XYZ", 0)}
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == len(want) }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
}

func TestSender_ConcurrentSendsStayWhole(t *testing.T) {
	p := loopbackProcessor(t)
	rec := &recorder{}
	p.Subscribe(rec)
	p.Start()
	s := loopbackSender(t, p.LocalAddr())

	const n = 50
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- s.Send(event.NewPriceChanged(fmt.Sprintf("T%02d", i), 1000+i))
		}(i)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == n }, waitFor, 5*time.Millisecond)
	seen := make(map[string]int)
	for _, ev := range rec.snapshot() {
		seen[ev.Ticker] = ev.Price
	}
	for i := 0; i < n; i++ {
		assert.Equal(t, 1000+i, seen[fmt.Sprintf("T%02d", i)])
	}
}

func TestSender_RejectsNonLatin1(t *testing.T) {
	s := loopbackSender(t, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	assert.Error(t, s.Send(event.NewPriceChanged("株", 1)))
}

func TestMulticastConstructors_RejectUnicastGroup(t *testing.T) {
	_, err := NewMulticastSender("127.0.0.1", 5000, 1, true)
	assert.Error(t, err)
	_, err = NewMulticastProcessor("10.0.0.1", 5000, "")
	assert.Error(t, err)
}

// A price change frame reaches the broker's order manager and moves both
// stop queues, while commands travel over TCP.
func TestPriceChangeFrame_AdjustsBrokerThresholds(t *testing.T) {
	ex := newEngine()
	proxy := newProxy(t, startListener(t, ex))

	st, err := store.OpenInMemory()
	require.NoError(t, err)
	b, err := broker.New(context.Background(), "net-broker", account.NewManager(st, bcrypt.MinCost), proxy, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	_, err = b.CreateAccount("investor-one", "hunter22", 1_000_000)
	require.NoError(t, err)

	m, ok := b.OrderManager("ABC")
	require.True(t, ok)
	assert.Equal(t, 200, m.Price())

	buy, err := common.NewStopOrder(common.Buy, "investor-one", "ABC", 1, 150)
	require.NoError(t, err)
	sell, err := common.NewStopOrder(common.Sell, "investor-one", "ABC", 1, 150)
	require.NoError(t, err)
	require.NoError(t, b.PlaceOrder(sell))
	assert.Len(t, m.Pending(), 1)

	rec := &recorder{}
	proxy.Subscribe(rec)
	sendRaw(t, proxy.events.LocalAddr(), "PRICE_CHANGE_EVNT:ABC:150")

	assert.Eventually(t, func() bool { return m.Price() == 150 }, waitFor, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, event.NewPriceChanged("ABC", 150), rec.snapshot()[0])

	// The sell side moved too: its order was released to the market queue.
	assert.Empty(t, m.Pending())
	assert.Len(t, b.PendingMarketOrders(), 1)

	// And a stop buy at the new price is released on arrival.
	require.NoError(t, b.PlaceOrder(buy))
	assert.Empty(t, m.Pending())
	assert.Len(t, b.PendingMarketOrders(), 2)
}
