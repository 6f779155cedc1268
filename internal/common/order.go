package common

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "SELL"
	}
	return "BUY"
}

type OrderKind int

const (
	// Market orders are instructions to buy or sell immediately. They are
	// gated only on the exchange being open.
	MarketBuy OrderKind = iota
	MarketSell
	// Stop orders rest with the broker until the stock price crosses the
	// trigger, at which point they become market orders.
	StopBuy
	StopSell
)

var kindName = map[OrderKind]string{
	MarketBuy:  "MARKET_BUY",
	MarketSell: "MARKET_SELL",
	StopBuy:    "STOP_BUY",
	StopSell:   "STOP_SELL",
}

func (k OrderKind) String() string {
	if name, ok := kindName[k]; ok {
		return name
	}
	return fmt.Sprintf("OrderKind(%d)", int(k))
}

// Side reports which side of the book the kind trades on.
func (k OrderKind) Side() Side {
	if k == MarketSell || k == StopSell {
		return Sell
	}
	return Buy
}

func (k OrderKind) IsStop() bool { return k == StopBuy || k == StopSell }

// sequence hands out arrival numbers. It only ever increases, so two orders
// created by this process never share one.
var sequence atomic.Uint64

type Order struct {
	ID           string    // Order tracked uuid
	Sequence     uint64    // Arrival order, tie-break for equal prices
	Kind         OrderKind //
	Account      string    // Owning account name
	Ticker       string    // Stock symbol
	Shares       int       // Number of shares, always positive
	TriggerPrice int       // Stop trigger in cents, zero for market orders
	Created      time.Time // Time the broker accepted the order
}

// NewMarketOrder creates a market order on the given side.
func NewMarketOrder(side Side, account, ticker string, shares int) (*Order, error) {
	kind := MarketBuy
	if side == Sell {
		kind = MarketSell
	}
	return newOrder(kind, account, ticker, shares, 0)
}

// NewStopOrder creates a stop order that triggers at price (in cents).
func NewStopOrder(side Side, account, ticker string, shares, price int) (*Order, error) {
	kind := StopBuy
	if side == Sell {
		kind = StopSell
	}
	return newOrder(kind, account, ticker, shares, price)
}

func newOrder(kind OrderKind, account, ticker string, shares, price int) (*Order, error) {
	o := &Order{
		ID:           uuid.NewString(),
		Sequence:     sequence.Add(1),
		Kind:         kind,
		Account:      strings.TrimSpace(account),
		Ticker:       strings.ToUpper(strings.TrimSpace(ticker)),
		Shares:       shares,
		TriggerPrice: price,
		Created:      time.Now(),
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate checks the fields every order must carry. It is run before an
// order is allowed near a dispatch queue.
func (o *Order) Validate() error {
	switch {
	case o == nil:
		return fmt.Errorf("%w: nil order", ErrValidation)
	case o.Account == "":
		return fmt.Errorf("%w: order has no account", ErrValidation)
	case o.Ticker == "":
		return fmt.Errorf("%w: order has no ticker", ErrValidation)
	case o.Shares <= 0:
		return fmt.Errorf("%w: share count must be positive, got %d", ErrValidation, o.Shares)
	case o.Kind < MarketBuy || o.Kind > StopSell:
		return fmt.Errorf("%w: unknown order kind %d", ErrValidation, int(o.Kind))
	case o.Kind.IsStop() && o.TriggerPrice <= 0:
		return fmt.Errorf("%w: stop trigger must be positive, got %d", ErrValidation, o.TriggerPrice)
	}
	return nil
}

func (o *Order) Side() Side { return o.Kind.Side() }

// Resequenced returns a copy of the order with a fresh arrival number. The
// ID is kept. Sequence numbers restart with the process, so an order loaded
// from storage could otherwise collide with a live one.
func (o *Order) Resequenced() *Order {
	cp := *o
	cp.Sequence = sequence.Add(1)
	return &cp
}

// ValueOf returns the signed effect a fill at price has on the owning
// account's cash: buys cost money, sells bring it in.
func (o *Order) ValueOf(price int) int {
	value := o.Shares * price
	if o.Side() == Buy {
		return -value
	}
	return value
}

// StopBuyLess orders by ascending trigger, earliest arrival first on ties.
func StopBuyLess(a, b *Order) bool {
	if a.TriggerPrice == b.TriggerPrice {
		return a.Sequence < b.Sequence
	}
	return a.TriggerPrice < b.TriggerPrice
}

// StopSellLess orders by descending trigger, earliest arrival first on ties.
func StopSellLess(a, b *Order) bool {
	if a.TriggerPrice == b.TriggerPrice {
		return a.Sequence < b.Sequence
	}
	return a.TriggerPrice > b.TriggerPrice
}

// ArrivalLess orders purely by arrival.
func ArrivalLess(a, b *Order) bool {
	return a.Sequence < b.Sequence
}

func (o Order) String() string {
	return fmt.Sprintf(
		`ID:           %v
Sequence:     %d
Kind:         %v
Account:      %s
Ticker:       %s
Shares:       %d
TriggerPrice: %d
Created:      %v`,
		o.ID,
		o.Sequence,
		o.Kind,
		o.Account,
		o.Ticker,
		o.Shares,
		o.TriggerPrice,
		o.Created.Format(time.RFC3339),
	)
}
