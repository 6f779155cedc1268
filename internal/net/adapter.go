package net

import (
	"context"
	"errors"
	"net"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/common"
	"ratatoskr/internal/event"
)

// Exchange is an exchange that can be served over the network.
type Exchange interface {
	common.StockExchange
	Subscribe(l event.Listener) *event.Subscription
}

// ExchangeAdapter puts an in-process exchange on the network: commands
// through a CommandListener, events through an EventSender.
type ExchangeAdapter struct {
	listener   *CommandListener
	sender     *EventSender
	sub        *event.Subscription
	endOnClose bool
}

// NewExchangeAdapter starts listener and subscribes sender to exchange. The
// adapter owns both. With endOnClose set, Close sends the end frame so
// receivers stop too.
func NewExchangeAdapter(ctx context.Context, exchange Exchange, listener *CommandListener, sender *EventSender, endOnClose bool) (*ExchangeAdapter, error) {
	if err := listener.Start(ctx); err != nil {
		return nil, err
	}
	return &ExchangeAdapter{
		listener:   listener,
		sender:     sender,
		sub:        exchange.Subscribe(sender),
		endOnClose: endOnClose,
	}, nil
}

func (a *ExchangeAdapter) Addr() net.Addr { return a.listener.Addr() }

func (a *ExchangeAdapter) Close() error {
	a.sub.Unsubscribe()

	var errs []error
	errs = append(errs, a.listener.Shutdown())
	if a.endOnClose {
		errs = append(errs, a.sender.SendEnd())
	}
	errs = append(errs, a.sender.Close())

	log.Info().Msg("exchange adapter closed")
	return errors.Join(errs...)
}
