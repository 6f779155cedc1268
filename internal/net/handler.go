package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/common"
)

// CommandHandler serves one command per connection against an exchange.
type CommandHandler struct {
	exchange common.StockExchange
	timeout  time.Duration
}

func NewCommandHandler(exchange common.StockExchange, timeout time.Duration) *CommandHandler {
	return &CommandHandler{exchange: exchange, timeout: timeout}
}

// Handle reads exactly one command line from conn, writes exactly one
// response line and closes the connection. A command that cannot be
// decoded or executed gets no response at all.
func (h *CommandHandler) Handle(ctx context.Context, conn net.Conn) {
	address := conn.RemoteAddr().String()
	defer func() {
		if err := conn.Close(); err != nil {
			log.Error().Err(err).Str("address", address).Msg("unable to close connection")
		}
	}()

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()

		if err := conn.SetDeadline(time.Now().Add(h.timeout)); err != nil {
			log.Error().Err(err).Str("address", address).Msg("failed setting deadline for connection")
			return
		}
	}

	line, err := readFrame(conn)
	if err != nil {
		log.Error().Err(err).Str("address", address).Msg("error reading from connection")
		return
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		log.Warn().Err(err).Str("address", address).Str("line", line).Msg("dropping undecodable command")
		return
	}

	response, err := h.Execute(ctx, cmd)
	if err != nil {
		log.Error().Err(err).Str("address", address).Stringer("command", cmd.Type).Msg("command failed")
		return
	}

	if err := writeFrame(conn, response); err != nil {
		log.Error().Err(err).Str("address", address).Msg("unable to send response")
		return
	}
	log.Debug().Str("address", address).Str("command", line).Str("response", response).Msg("command served")
}

// Execute runs cmd against the exchange and returns the response line.
func (h *CommandHandler) Execute(ctx context.Context, cmd Command) (string, error) {
	switch cmd.Type {
	case GetState:
		open, err := h.exchange.IsOpen(ctx)
		if err != nil {
			return "", err
		}
		return EncodeState(open), nil

	case GetTickers:
		tickers, err := h.exchange.Tickers(ctx)
		if err != nil {
			return "", err
		}
		return EncodeTickers(tickers), nil

	case GetQuote:
		quote, err := h.exchange.Quote(ctx, cmd.Ticker)
		if errors.Is(err, common.ErrUnknownTicker) {
			return EncodePrice(InvalidStock), nil
		}
		if err != nil {
			return "", err
		}
		return EncodePrice(quote.Price), nil

	case ExecuteTrade:
		order, err := cmd.Order()
		if err != nil {
			return "", err
		}
		price, err := h.exchange.ExecuteTrade(ctx, order)
		if err != nil {
			return "", err
		}
		return EncodePrice(price), nil
	}
	return "", fmt.Errorf("%w: unknown command %v", common.ErrProtocolDecode, cmd.Type)
}
