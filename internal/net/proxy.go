package net

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/common"
	"ratatoskr/internal/event"
)

// CommandClient sends commands to a CommandListener, one short-lived TCP
// connection per command.
type CommandClient struct {
	address string
	timeout time.Duration
	dialer  net.Dialer
}

// NewCommandClient talks to the listener at address. timeout bounds a round
// trip when the caller's context has no deadline.
func NewCommandClient(address string, timeout time.Duration) *CommandClient {
	if timeout == 0 {
		timeout = defaultConnTimeout
	}
	return &CommandClient{address: address, timeout: timeout}
}

// Do opens a connection, sends cmd and reads the one response line. A
// connection closed without a response is a failure, never a state.
func (c *CommandClient) Do(ctx context.Context, cmd Command) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrExchangeUnavailable, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug().Err(err).Msg("unable to close command connection")
		}
	}()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: %w", common.ErrExchangeUnavailable, err)
	}

	request := cmd.Encode()
	if err := writeFrame(conn, request); err != nil {
		return "", fmt.Errorf("%w: send %s: %w", common.ErrExchangeUnavailable, cmd.Type, err)
	}
	response, err := readFrame(conn)
	if err != nil {
		return "", fmt.Errorf("%w: no response to %s: %w", common.ErrExchangeUnavailable, cmd.Type, err)
	}

	log.Debug().Str("request", request).Str("response", response).Msg("command round trip")
	return response, nil
}

// ExchangeProxy is a remote exchange. Commands go through a CommandClient;
// events arrive through an EventProcessor.
type ExchangeProxy struct {
	*CommandClient
	events *EventProcessor
}

// NewExchangeProxy starts events and owns it from then on.
func NewExchangeProxy(address string, timeout time.Duration, events *EventProcessor) *ExchangeProxy {
	events.Start()
	return &ExchangeProxy{
		CommandClient: NewCommandClient(address, timeout),
		events:        events,
	}
}

func (p *ExchangeProxy) IsOpen(ctx context.Context) (bool, error) {
	response, err := p.Do(ctx, NewGetStateCommand())
	if err != nil {
		return false, err
	}
	return ParseState(response)
}

func (p *ExchangeProxy) Tickers(ctx context.Context) ([]string, error) {
	response, err := p.Do(ctx, NewGetTickersCommand())
	if err != nil {
		return nil, err
	}
	return ParseTickers(response), nil
}

// Quote maps the InvalidStock response to common.ErrUnknownTicker.
func (p *ExchangeProxy) Quote(ctx context.Context, ticker string) (common.StockQuote, error) {
	response, err := p.Do(ctx, NewGetQuoteCommand(ticker))
	if err != nil {
		return common.StockQuote{}, err
	}
	price, err := ParsePrice(response)
	if err != nil {
		return common.StockQuote{}, err
	}
	if price == InvalidStock {
		return common.StockQuote{}, fmt.Errorf("%w: %s", common.ErrUnknownTicker, ticker)
	}
	return common.StockQuote{Ticker: ticker, Price: price}, nil
}

func (p *ExchangeProxy) ExecuteTrade(ctx context.Context, order *common.Order) (int, error) {
	response, err := p.Do(ctx, NewExecuteTradeCommand(order))
	if err != nil {
		return 0, err
	}
	return ParsePrice(response)
}

func (p *ExchangeProxy) Subscribe(l event.Listener) *event.Subscription {
	return p.events.Subscribe(l)
}

// Close stops the event processor.
func (p *ExchangeProxy) Close() error {
	return p.events.Close()
}
