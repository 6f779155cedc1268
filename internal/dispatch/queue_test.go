package dispatch

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratatoskr/internal/common"
)

// --- Setup & Helpers --------------------------------------------------------

func stopBuyFilter(threshold int, o *common.Order) bool  { return o.TriggerPrice <= threshold }
func stopSellFilter(threshold int, o *common.Order) bool { return o.TriggerPrice >= threshold }
func marketFilter(open bool, _ *common.Order) bool        { return open }

// collector records dispatched orders.
type collector struct {
	mu     sync.Mutex
	orders []*common.Order
}

func (c *collector) process(o *common.Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = append(c.orders, o)
}

func (c *collector) triggers() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.orders))
	for i, o := range c.orders {
		out[i] = o.TriggerPrice
	}
	return out
}

func newStopBuyQueue(threshold int) (*Queue[int, *common.Order], *collector) {
	c := &collector{}
	q := New(threshold, stopBuyFilter, common.StopBuyLess)
	q.SetProcessor(c.process)
	return q, c
}

func newStopSellQueue(threshold int) (*Queue[int, *common.Order], *collector) {
	c := &collector{}
	q := New(threshold, stopSellFilter, common.StopSellLess)
	q.SetProcessor(c.process)
	return q, c
}

func stopOrder(t *testing.T, side common.Side, price int) *common.Order {
	t.Helper()
	o, err := common.NewStopOrder(side, "test-account", "ABC", 10, price)
	require.NoError(t, err)
	return o
}

func marketOrder(t *testing.T, side common.Side) *common.Order {
	t.Helper()
	o, err := common.NewMarketOrder(side, "test-account", "ABC", 10)
	require.NoError(t, err)
	return o
}

// assertSettled checks the queue invariant: the minimum element, if any,
// is not eligible under the current threshold.
func assertSettled[T any](t *testing.T, q *Queue[T, *common.Order], filter Filter[T, *common.Order]) {
	t.Helper()
	items := q.Items()
	if len(items) == 0 {
		return
	}
	assert.False(t, filter(q.Threshold(), items[0]), "eligible order left in queue")
}

// --- Tests ------------------------------------------------------------------

func TestStopBuy_HoldsUntilThresholdReached(t *testing.T) {
	q, c := newStopBuyQueue(100)

	o := stopOrder(t, common.Buy, 105)
	q.Enqueue(o)
	assert.Equal(t, 1, q.Len())
	assert.Empty(t, c.orders)

	q.SetThreshold(105)
	assert.Equal(t, 0, q.Len())
	require.Len(t, c.orders, 1)
	assert.Same(t, o, c.orders[0])
	assert.Equal(t, 105, c.orders[0].TriggerPrice)
}

func TestStopSell_DispatchesOnlyEligibleInArrivalOrder(t *testing.T) {
	q, c := newStopSellQueue(50)

	first := stopOrder(t, common.Sell, 40)
	middle := stopOrder(t, common.Sell, 60)
	last := stopOrder(t, common.Sell, 40)

	q.Enqueue(first)
	// 60 >= 50, so this one goes straight out.
	q.Enqueue(middle)
	q.Enqueue(last)
	require.Equal(t, []*common.Order{middle}, c.orders)
	c.orders = nil

	q.SetThreshold(45)
	assert.Empty(t, c.orders)
	assert.Equal(t, 2, q.Len())

	q.SetThreshold(40)
	assert.Equal(t, []*common.Order{first, last}, c.orders)
	assert.Equal(t, 0, q.Len())
}

func TestStopSell_ThresholdDropReleasesHighestFirst(t *testing.T) {
	q, c := newStopSellQueue(10)

	q.Enqueue(stopOrder(t, common.Sell, 5))
	q.Enqueue(stopOrder(t, common.Sell, 8))
	q.Enqueue(stopOrder(t, common.Sell, 3))
	assert.Empty(t, c.orders)

	q.SetThreshold(4)
	assert.Equal(t, []int{8, 5}, c.triggers())
	assert.Equal(t, 1, q.Len())
	assertSettled(t, q, stopSellFilter)
}

func TestStopBuy_PriceThenArrivalPriority(t *testing.T) {
	q, c := newStopBuyQueue(0)

	a := stopOrder(t, common.Buy, 120)
	b := stopOrder(t, common.Buy, 110)
	d := stopOrder(t, common.Buy, 110)
	e := stopOrder(t, common.Buy, 130)
	for _, o := range []*common.Order{a, b, d, e} {
		q.Enqueue(o)
	}

	q.SetThreshold(125)
	assert.Equal(t, []*common.Order{b, d, a}, c.orders)
	assert.Equal(t, []*common.Order{e}, q.Items())
}

func TestMarketQueue_GatedOnOpen(t *testing.T) {
	c := &collector{}
	q := New(false, marketFilter, common.ArrivalLess)
	q.SetProcessor(c.process)

	o := marketOrder(t, common.Buy)
	q.Enqueue(o)
	assert.Empty(t, c.orders)
	assert.False(t, q.Threshold())

	q.SetThreshold(true)
	assert.Equal(t, []*common.Order{o}, c.orders)

	// Re-opening must not dispatch again.
	q.SetThreshold(true)
	assert.Len(t, c.orders, 1)
}

func TestEnqueue_DuplicateIsNoop(t *testing.T) {
	q, c := newStopBuyQueue(0)

	o := stopOrder(t, common.Buy, 50)
	q.Enqueue(o)
	q.Enqueue(o)
	assert.Equal(t, 1, q.Len())

	q.SetThreshold(50)
	assert.Equal(t, []*common.Order{o}, c.orders)
}

func TestDequeueIfEligible_DoesNotMutateWhenIneligible(t *testing.T) {
	q := New(100, stopBuyFilter, common.StopBuyLess)
	q.Enqueue(stopOrder(t, common.Buy, 200))

	_, ok := q.DequeueIfEligible()
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())

	q.mu.Lock()
	q.threshold = 200
	q.mu.Unlock()

	o, ok := q.DequeueIfEligible()
	assert.True(t, ok)
	assert.Equal(t, 200, o.TriggerPrice)
	assert.Equal(t, 0, q.Len())
}

func TestDispatch_WithoutProcessorDropsOrders(t *testing.T) {
	q := New(100, stopBuyFilter, common.StopBuyLess)
	q.Enqueue(stopOrder(t, common.Buy, 90))
	assert.Equal(t, 0, q.Len())
}

func TestProcessor_MayReenterQueues(t *testing.T) {
	market := New(true, marketFilter, common.ArrivalLess)
	done := &collector{}
	market.SetProcessor(done.process)

	stops := New(0, stopBuyFilter, common.StopBuyLess)
	stops.SetProcessor(func(o *common.Order) {
		market.Enqueue(o)
		// Takes the lock of the queue that is dispatching right now.
		_ = stops.Len()
	})

	stops.Enqueue(stopOrder(t, common.Buy, 10))
	stops.Enqueue(stopOrder(t, common.Buy, 20))
	stops.SetThreshold(20)

	assert.Equal(t, []int{10, 20}, done.triggers())
}

func TestProcessor_EnqueueIntoSameQueue(t *testing.T) {
	q := New(0, stopBuyFilter, common.StopBuyLess)
	c := &collector{}
	follow := stopOrder(t, common.Buy, 5)
	q.SetProcessor(func(o *common.Order) {
		c.process(o)
		if o != follow {
			q.Enqueue(follow)
		}
	})

	q.Enqueue(stopOrder(t, common.Buy, 10))
	q.SetThreshold(10)

	assert.Equal(t, []int{10, 5}, c.triggers())
	assert.Equal(t, 0, q.Len())
}

func TestInvariant_RandomOperations(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	buys, _ := newStopBuyQueue(100)
	sells, _ := newStopSellQueue(100)

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			buys.Enqueue(stopOrder(t, common.Buy, 1+rng.Intn(200)))
		case 1:
			sells.Enqueue(stopOrder(t, common.Sell, 1+rng.Intn(200)))
		default:
			price := 1 + rng.Intn(200)
			buys.SetThreshold(price)
			sells.SetThreshold(price)
		}
		assertSettled(t, buys, stopBuyFilter)
		assertSettled(t, sells, stopSellFilter)
	}
}

func TestConcurrentEnqueue_EveryOrderDispatchedOnce(t *testing.T) {
	q, c := newStopBuyQueue(0)

	const n = 200
	orders := make([]*common.Order, n)
	for i := range orders {
		orders[i] = stopOrder(t, common.Buy, 1+i%17)
	}

	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		go func(o *common.Order) {
			defer wg.Done()
			q.Enqueue(o)
		}(o)
	}
	wg.Wait()
	q.SetThreshold(17)

	seen := make(map[string]int)
	for _, o := range c.orders {
		seen[o.ID]++
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
}
