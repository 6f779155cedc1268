package broker

import (
	"fmt"

	"ratatoskr/internal/common"
	"ratatoskr/internal/dispatch"
)

type OrderQueue = dispatch.Queue[int, *common.Order]

// OrderManager holds the stop orders for one ticker. Both queues use the
// ticker's last known price as their threshold.
type OrderManager struct {
	ticker    string
	stopBuys  *OrderQueue
	stopSells *OrderQueue
}

func NewOrderManager(ticker string, price int) *OrderManager {
	return &OrderManager{
		ticker: ticker,
		// A stop buy fires once the price has risen to its trigger.
		stopBuys: dispatch.New(price, func(threshold int, o *common.Order) bool {
			return o.TriggerPrice <= threshold
		}, common.StopBuyLess),
		// A stop sell fires once the price has fallen to its trigger.
		stopSells: dispatch.New(price, func(threshold int, o *common.Order) bool {
			return o.TriggerPrice >= threshold
		}, common.StopSellLess),
	}
}

func (m *OrderManager) Ticker() string { return m.ticker }

// Price is the last price the manager was adjusted to.
func (m *OrderManager) Price() int { return m.stopBuys.Threshold() }

// AdjustPrice moves both thresholds, releasing any orders the new price
// triggers.
func (m *OrderManager) AdjustPrice(price int) {
	m.stopBuys.SetThreshold(price)
	m.stopSells.SetThreshold(price)
}

func (m *OrderManager) QueueStopBuy(order *common.Order) error {
	if err := m.check(order, common.StopBuy); err != nil {
		return err
	}
	m.stopBuys.Enqueue(order)
	return nil
}

func (m *OrderManager) QueueStopSell(order *common.Order) error {
	if err := m.check(order, common.StopSell); err != nil {
		return err
	}
	m.stopSells.Enqueue(order)
	return nil
}

func (m *OrderManager) check(order *common.Order, kind common.OrderKind) error {
	if err := order.Validate(); err != nil {
		return err
	}
	if order.Kind != kind {
		return fmt.Errorf("%w: expected %v, got %v", common.ErrValidation, kind, order.Kind)
	}
	if order.Ticker != m.ticker {
		return fmt.Errorf("%w: %s routed to the %s order manager", common.ErrUnknownTicker, order.Ticker, m.ticker)
	}
	return nil
}

func (m *OrderManager) SetBuyProcessor(proc dispatch.Processor[*common.Order]) {
	m.stopBuys.SetProcessor(proc)
}

func (m *OrderManager) SetSellProcessor(proc dispatch.Processor[*common.Order]) {
	m.stopSells.SetProcessor(proc)
}

// Pending returns the resting stop orders, buys first.
func (m *OrderManager) Pending() []*common.Order {
	return append(m.stopBuys.Items(), m.stopSells.Items()...)
}
