// Package broker holds client orders until market conditions allow them to
// execute, then executes them against an exchange and settles the owning
// account.
package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/account"
	"ratatoskr/internal/common"
	"ratatoskr/internal/dispatch"
	"ratatoskr/internal/event"
)

// Exchange is what the broker needs from an exchange: commands plus an
// event subscription.
type Exchange interface {
	common.StockExchange
	Subscribe(l event.Listener) *event.Subscription
}

type AccountManager interface {
	CreateAccount(name, password string, balance int) (*account.Account, error)
	GetAccount(name string) (*account.Account, error)
	DeleteAccount(name string) error
	ValidateLogin(name, password string) (bool, error)
	Close() error
}

// Options represents configuration options for the Broker.
type Options struct {
	// Upper bound on one exchange round trip while executing an order.
	ExecutionTimeout time.Duration
	DeadLetters      DeadLetterStore
}

// DefaultOptions returns the default broker options.
func DefaultOptions() *Options {
	return &Options{
		ExecutionTimeout: 5 * time.Second,
		DeadLetters:      &MemoryDeadLetters{},
	}
}

type Broker struct {
	name     string
	accounts AccountManager
	exchange Exchange
	opts     Options

	// Created once in New and only read afterwards.
	managers map[string]*OrderManager
	// Threshold is whether the exchange is open.
	marketOrders *dispatch.Queue[bool, *common.Order]

	ctx    context.Context
	cancel context.CancelFunc
	sub    *event.Subscription

	settleLocks sync.Map // account name -> *sync.Mutex
	// Every order ID PlaceOrder has accepted. Kept after execution so the
	// same order can never trade twice.
	placed sync.Map // order ID -> struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New builds an order manager for every ticker the exchange lists and
// subscribes to the exchange's events. opts may be nil.
func New(ctx context.Context, name string, accounts AccountManager, exchange Exchange, opts *Options) (*Broker, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = &MemoryDeadLetters{}
	}

	open, err := exchange.IsOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("query exchange state: %w", err)
	}
	tickers, err := exchange.Tickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("query exchange tickers: %w", err)
	}

	b := &Broker{
		name:     name,
		accounts: accounts,
		exchange: exchange,
		opts:     *opts,
		managers: make(map[string]*OrderManager, len(tickers)),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.marketOrders = dispatch.New(open, func(open bool, _ *common.Order) bool {
		return open
	}, common.ArrivalLess)
	b.marketOrders.SetProcessor(b.executeOrder)

	for _, ticker := range tickers {
		quote, err := exchange.Quote(ctx, ticker)
		if err != nil {
			b.cancel()
			return nil, fmt.Errorf("quote %s: %w", ticker, err)
		}
		m := NewOrderManager(ticker, quote.Price)
		m.SetBuyProcessor(b.releaseStopOrder)
		m.SetSellProcessor(b.releaseStopOrder)
		b.managers[ticker] = m
	}

	b.sub = exchange.Subscribe(b)

	log.Info().
		Str("broker", name).
		Int("tickers", len(tickers)).
		Bool("open", open).
		Msg("broker ready")
	return b, nil
}

func (b *Broker) Name() string { return b.name }

// Tickers returns the symbols the broker manages orders for.
func (b *Broker) Tickers() []string {
	tickers := make([]string, 0, len(b.managers))
	for ticker := range b.managers {
		tickers = append(tickers, ticker)
	}
	sort.Strings(tickers)
	return tickers
}

func (b *Broker) OrderManager(ticker string) (*OrderManager, bool) {
	m, ok := b.managers[ticker]
	return m, ok
}

// PendingMarketOrders returns the market orders waiting for the exchange
// to open.
func (b *Broker) PendingMarketOrders() []*common.Order {
	return b.marketOrders.Items()
}

// ---- Exchange events ----

func (b *Broker) ExchangeOpened(event.Event) {
	log.Info().Str("broker", b.name).Msg("exchange opened, releasing market orders")
	b.marketOrders.SetThreshold(true)
}

func (b *Broker) ExchangeClosed(event.Event) {
	log.Info().Str("broker", b.name).Msg("exchange closed, holding market orders")
	b.marketOrders.SetThreshold(false)
}

func (b *Broker) PriceChanged(ev event.Event) {
	m, ok := b.managers[ev.Ticker]
	if !ok {
		log.Warn().Str("ticker", ev.Ticker).Msg("price change for unmanaged ticker")
		return
	}
	log.Debug().Str("ticker", ev.Ticker).Int("price", ev.Price).Msg("price changed")
	m.AdjustPrice(ev.Price)
}

// ---- Orders ----

// PlaceOrder validates the order and queues it. Market orders wait only for
// the exchange to open; stop orders wait in their ticker's order manager.
// Placing an order that was already accepted is a no-op.
func (b *Broker) PlaceOrder(order *common.Order) error {
	if b.closed.Load() {
		return common.ErrBrokerClosed
	}
	if err := order.Validate(); err != nil {
		return err
	}
	m, ok := b.managers[order.Ticker]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownTicker, order.Ticker)
	}
	if err := b.checkAccount(order.Account); err != nil {
		return err
	}

	if _, dup := b.placed.LoadOrStore(order.ID, struct{}{}); dup {
		log.Warn().Str("id", order.ID).Msg("ignoring order that was already placed")
		return nil
	}
	if err := b.enqueue(m, order); err != nil {
		b.placed.Delete(order.ID)
		return err
	}
	return nil
}

// checkAccount fails with ErrValidation unless the account exists.
func (b *Broker) checkAccount(name string) error {
	_, err := b.accounts.GetAccount(name)
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		return fmt.Errorf("%w: no account %q", common.ErrValidation, name)
	case err != nil:
		return fmt.Errorf("%w: %w", common.ErrAccount, err)
	}
	return nil
}

func (b *Broker) enqueue(m *OrderManager, order *common.Order) error {

	log.Info().
		Str("id", order.ID).
		Stringer("kind", order.Kind).
		Str("account", order.Account).
		Str("ticker", order.Ticker).
		Int("shares", order.Shares).
		Int("trigger", order.TriggerPrice).
		Msg("order placed")

	switch order.Kind {
	case common.MarketBuy, common.MarketSell:
		b.marketOrders.Enqueue(order)
		return nil
	case common.StopBuy:
		return m.QueueStopBuy(order)
	case common.StopSell:
		return m.QueueStopSell(order)
	}
	return fmt.Errorf("%w: unknown order kind %v", common.ErrValidation, order.Kind)
}

// releaseStopOrder moves a triggered stop order into the market queue.
func (b *Broker) releaseStopOrder(order *common.Order) {
	log.Info().
		Str("id", order.ID).
		Stringer("kind", order.Kind).
		Str("ticker", order.Ticker).
		Int("trigger", order.TriggerPrice).
		Msg("stop order triggered")
	b.marketOrders.Enqueue(order)
}

// executeOrder is the market queue's processor. It runs outside the queue
// lock. Once an order reaches here it is never re-queued: failures are
// dead-lettered instead.
func (b *Broker) executeOrder(order *common.Order) {
	ctx, cancel := context.WithTimeout(b.ctx, b.opts.ExecutionTimeout)
	defer cancel()

	price, err := b.exchange.ExecuteTrade(ctx, order)
	if err != nil {
		log.Error().Err(err).Str("id", order.ID).Msg("order execution failed")
		b.deadLetter(common.NewDeadLetter(order, common.StageExecute, 0, err))
		return
	}

	if err := b.settle(order, price); err != nil {
		log.Error().
			Err(err).
			Str("id", order.ID).
			Str("account", order.Account).
			Int("price", price).
			Msg("order filled by the exchange but the account was not settled")
		b.deadLetter(common.NewDeadLetter(order, common.StageSettle, price, err))
		return
	}

	log.Info().
		Str("id", order.ID).
		Str("account", order.Account).
		Str("ticker", order.Ticker).
		Int("shares", order.Shares).
		Int("price", price).
		Msg("order settled")
}

// settle applies a fill to the owning account. Fills for one account are
// serialized; several queues may be dispatching at once.
func (b *Broker) settle(order *common.Order, price int) error {
	lock, _ := b.settleLocks.LoadOrStore(order.Account, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	acct, err := b.accounts.GetAccount(order.Account)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrAccount, err)
	}
	return acct.ReflectOrder(order, price)
}

func (b *Broker) deadLetter(letter common.DeadLetter) {
	if err := b.opts.DeadLetters.RecordDeadLetter(letter); err != nil {
		// Last resort: the full letter goes to the log so it can be replayed by hand.
		log.Error().Err(err).Str("letter", letter.String()).Msg("unable to record dead letter")
		return
	}
	log.Warn().
		Str("id", letter.ID).
		Str("stage", string(letter.Stage)).
		Str("reason", letter.Reason).
		Msg("order dead-lettered")
}

// ReplayDeadLetters retries every recorded dead letter and returns how many
// were replayed. Execution failures go back into the market queue; settle
// failures are settled again at the recorded price without touching the
// exchange.
func (b *Broker) ReplayDeadLetters(ctx context.Context) (int, error) {
	if b.closed.Load() {
		return 0, common.ErrBrokerClosed
	}
	letters, err := b.opts.DeadLetters.DeadLetters()
	if err != nil {
		return 0, err
	}

	var (
		replayed int
		errs     []error
	)
	for _, letter := range letters {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		switch letter.Stage {
		case common.StageExecute:
			// Deleted first: a repeated failure records a fresh letter with the same ID.
			if err := b.opts.DeadLetters.DeleteDeadLetter(letter.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			b.marketOrders.Enqueue(letter.Order.Resequenced())
			replayed++
		case common.StageSettle:
			if err := b.settle(letter.Order, letter.Price); err != nil {
				errs = append(errs, fmt.Errorf("settle %s: %w", letter.ID, err))
				continue
			}
			if err := b.opts.DeadLetters.DeleteDeadLetter(letter.ID); err != nil {
				errs = append(errs, err)
			}
			replayed++
		default:
			errs = append(errs, fmt.Errorf("dead letter %s has unknown stage %q", letter.ID, letter.Stage))
		}
	}

	log.Info().Int("replayed", replayed).Int("recorded", len(letters)).Msg("dead letters replayed")
	return replayed, errors.Join(errs...)
}

// Reconcile polls the exchange state and every managed quote, correcting
// thresholds that drifted because event frames were lost.
func (b *Broker) Reconcile(ctx context.Context) error {
	open, err := b.exchange.IsOpen(ctx)
	if err != nil {
		return err
	}
	if b.marketOrders.Threshold() != open {
		log.Warn().Bool("open", open).Msg("exchange state drifted, reconciling")
		b.marketOrders.SetThreshold(open)
	}

	var errs []error
	for _, ticker := range b.Tickers() {
		quote, err := b.exchange.Quote(ctx, ticker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m := b.managers[ticker]
		if m.Price() != quote.Price {
			log.Warn().
				Str("ticker", ticker).
				Int("known", m.Price()).
				Int("actual", quote.Price).
				Msg("price drifted, reconciling")
			m.AdjustPrice(quote.Price)
		}
	}
	return errors.Join(errs...)
}

// RunReconciler calls Reconcile every interval until ctx is done or the
// broker is closed.
func (b *Broker) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// ---- Accounts ----

func (b *Broker) CreateAccount(name, password string, balance int) (*account.Account, error) {
	acct, err := b.accounts.CreateAccount(name, password, balance)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrAccount, err)
	}
	return acct, nil
}

// GetAccount returns the account once the password checks out.
func (b *Broker) GetAccount(name, password string) (*account.Account, error) {
	ok, err := b.accounts.ValidateLogin(name, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrAccount, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: invalid credentials for %s", common.ErrAccount, name)
	}
	acct, err := b.accounts.GetAccount(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrAccount, err)
	}
	return acct, nil
}

func (b *Broker) DeleteAccount(name string) error {
	if err := b.accounts.DeleteAccount(name); err != nil {
		return fmt.Errorf("%w: %w", common.ErrAccount, err)
	}
	return nil
}

// RequestQuote returns nil, nil when the exchange does not list ticker.
func (b *Broker) RequestQuote(ctx context.Context, ticker string) (*common.StockQuote, error) {
	quote, err := b.exchange.Quote(ctx, ticker)
	if errors.Is(err, common.ErrUnknownTicker) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

// Close unsubscribes from the exchange before anything else is torn down,
// then releases the exchange connection and the account manager. Safe to
// call more than once.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.sub.Unsubscribe()
		b.cancel()

		var errs []error
		if closer, ok := b.exchange.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
		errs = append(errs, b.accounts.Close())
		b.closeErr = errors.Join(errs...)

		log.Info().Str("broker", b.name).Msg("broker closed")
	})
	return b.closeErr
}
