// Package engine is an in-process stock exchange. It does no matching: a
// trade fills at the current price of the stock. Prices move when set
// explicitly or when Simulate runs.
package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/common"
	"ratatoskr/internal/event"
)

type Engine struct {
	mu      sync.RWMutex
	open    bool
	prices  map[string]int
	tickers []string
	hub     *event.Hub
}

// New lists every ticker in listings at its initial price (cents). The
// exchange starts closed.
func New(listings map[string]int) *Engine {
	engine := &Engine{
		prices: make(map[string]int, len(listings)),
		hub:    event.NewHub(),
	}
	for ticker, price := range listings {
		engine.prices[ticker] = price
		engine.tickers = append(engine.tickers, ticker)
	}
	sort.Strings(engine.tickers)
	return engine
}

func (engine *Engine) IsOpen(context.Context) (bool, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return engine.open, nil
}

func (engine *Engine) Tickers(context.Context) ([]string, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()
	return append([]string(nil), engine.tickers...), nil
}

func (engine *Engine) Quote(_ context.Context, ticker string) (common.StockQuote, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	price, ok := engine.prices[ticker]
	if !ok {
		return common.StockQuote{}, fmt.Errorf("%w: %s", common.ErrUnknownTicker, ticker)
	}
	return common.StockQuote{Ticker: ticker, Price: price}, nil
}

// ExecuteTrade fills the order at the current price.
func (engine *Engine) ExecuteTrade(_ context.Context, order *common.Order) (int, error) {
	engine.mu.RLock()
	defer engine.mu.RUnlock()

	if !engine.open {
		return 0, common.ErrExchangeClosed
	}
	price, ok := engine.prices[order.Ticker]
	if !ok {
		return 0, fmt.Errorf("%w: %s", common.ErrUnknownTicker, order.Ticker)
	}

	log.Info().
		Str("account", order.Account).
		Str("ticker", order.Ticker).
		Stringer("side", order.Side()).
		Int("shares", order.Shares).
		Int("price", price).
		Msg("trade executed")
	return price, nil
}

func (engine *Engine) Subscribe(l event.Listener) *event.Subscription {
	return engine.hub.Subscribe(l)
}

// Open opens the exchange. Events are only published on a transition.
func (engine *Engine) Open() {
	engine.mu.Lock()
	changed := !engine.open
	engine.open = true
	engine.mu.Unlock()

	if changed {
		log.Info().Msg("exchange opened")
		engine.hub.Publish(event.NewOpened())
	}
}

func (engine *Engine) Close() {
	engine.mu.Lock()
	changed := engine.open
	engine.open = false
	engine.mu.Unlock()

	if changed {
		log.Info().Msg("exchange closed")
		engine.hub.Publish(event.NewClosed())
	}
}

// SetPrice moves ticker to price and publishes the change.
func (engine *Engine) SetPrice(ticker string, price int) error {
	if price < 0 {
		return fmt.Errorf("%w: negative price %d", common.ErrValidation, price)
	}

	engine.mu.Lock()
	old, ok := engine.prices[ticker]
	if ok {
		engine.prices[ticker] = price
	}
	engine.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownTicker, ticker)
	}
	if old != price {
		engine.hub.Publish(event.NewPriceChanged(ticker, price))
	}
	return nil
}

// Simulate random-walks one ticker by up to maxStep cents every interval
// while the exchange is open, until ctx is done. Prices never drop below 1.
func (engine *Engine) Simulate(ctx context.Context, interval time.Duration, maxStep int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.step(maxStep)
		}
	}
}

func (engine *Engine) step(maxStep int) {
	engine.mu.RLock()
	if !engine.open || len(engine.tickers) == 0 || maxStep <= 0 {
		engine.mu.RUnlock()
		return
	}
	symbol := engine.tickers[rand.IntN(len(engine.tickers))]
	price := engine.prices[symbol]
	engine.mu.RUnlock()

	price += rand.IntN(2*maxStep+1) - maxStep
	if price < 1 {
		price = 1
	}
	if err := engine.SetPrice(symbol, price); err != nil {
		log.Error().Err(err).Str("ticker", symbol).Msg("simulated price move failed")
	}
}

// Cycle alternates the exchange between open and closed, spending period
// in each state, until ctx is done.
func (engine *Engine) Cycle(ctx context.Context, period time.Duration) {
	timer := time.NewTicker(period)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if open, _ := engine.IsOpen(ctx); open {
				engine.Close()
			} else {
				engine.Open()
			}
		}
	}
}
