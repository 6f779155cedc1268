package common

import (
	"context"
	"fmt"
	"time"
)

// StockQuote is the last known price of a ticker, in cents.
type StockQuote struct {
	Ticker string
	Price  int
}

func (q StockQuote) String() string {
	return fmt.Sprintf("%s @ %d.%02d", q.Ticker, q.Price/100, q.Price%100)
}

// StockExchange is the request/response surface of an exchange, whether it
// lives in this process or on the other end of a TCP connection.
type StockExchange interface {
	IsOpen(ctx context.Context) (bool, error)
	Tickers(ctx context.Context) ([]string, error)
	// Quote fails with ErrUnknownTicker if the exchange does not list ticker.
	Quote(ctx context.Context, ticker string) (StockQuote, error)
	// ExecuteTrade fills order and returns the price per share.
	ExecuteTrade(ctx context.Context, order *Order) (int, error)
}

type DeadLetterStage string

const (
	// The exchange never confirmed the trade.
	StageExecute DeadLetterStage = "execute"
	// The exchange filled the trade but the account could not be settled.
	StageSettle DeadLetterStage = "settle"
)

// DeadLetter records an order that left its queue but did not complete.
// Orders are never re-queued automatically, so these are the only trace.
type DeadLetter struct {
	ID        string          // Same as the order ID
	Order     *Order          //
	Stage     DeadLetterStage //
	Price     int             // Fill price, only meaningful for StageSettle
	Reason    string          // Error text at the time of failure
	Timestamp time.Time       //
}

func NewDeadLetter(order *Order, stage DeadLetterStage, price int, err error) DeadLetter {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return DeadLetter{
		ID:        order.ID,
		Order:     order,
		Stage:     stage,
		Price:     price,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

func (d DeadLetter) String() string {
	return fmt.Sprintf(
		`Stage:     %s
Price:     %d
Reason:    %s
Timestamp: %v
Order:     [
%s]`,
		d.Stage,
		d.Price,
		d.Reason,
		d.Timestamp.Format(time.RFC3339),
		d.Order.String(),
	)
}
