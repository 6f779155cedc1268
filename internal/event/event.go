package event

import "fmt"

type Kind int

const (
	Opened Kind = iota
	Closed
	PriceChanged
)

func (k Kind) String() string {
	switch k {
	case Opened:
		return "OPENED"
	case Closed:
		return "CLOSED"
	case PriceChanged:
		return "PRICE_CHANGED"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is a state transition or price change published by an exchange.
// Ticker and Price are only set for PriceChanged.
type Event struct {
	Kind   Kind
	Ticker string
	Price  int
}

func NewOpened() Event { return Event{Kind: Opened} }
func NewClosed() Event { return Event{Kind: Closed} }
func NewPriceChanged(ticker string, price int) Event {
	return Event{Kind: PriceChanged, Ticker: ticker, Price: price}
}

// Listener receives exchange events.
type Listener interface {
	ExchangeOpened(Event)
	ExchangeClosed(Event)
	PriceChanged(Event)
}

// Dispatch invokes the listener callback matching the event's kind. It
// reports false for kinds it does not know.
func Dispatch(l Listener, ev Event) bool {
	switch ev.Kind {
	case Opened:
		l.ExchangeOpened(ev)
	case Closed:
		l.ExchangeClosed(ev)
	case PriceChanged:
		l.PriceChanged(ev)
	default:
		return false
	}
	return true
}
