package net

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"ratatoskr/internal/common"
	"ratatoskr/internal/event"
)

// Wire constants. Every frame is one line of Delimiter separated fields.
const (
	Delimiter = ":"

	GetStateCmd     = "GET_STATE_CMD"
	GetTickersCmd   = "GET_TICKERS_CMD"
	GetQuoteCmd     = "GET_QUOTE_CMD"
	ExecuteTradeCmd = "EXECUTE_TRADE_CMD"

	BuyOrder  = "BUY_ORDER"
	SellOrder = "SELL_ORDER"

	OpenState   = "OPEN"
	ClosedState = "CLOSED"

	OpenEvent        = "OPEN_EVNT"
	ClosedEvent      = "CLOSED_EVNT"
	PriceChangeEvent = "PRICE_CHANGE_EVNT"

	// EndFrame stops every receiver that gets it.
	EndFrame = "end"

	// InvalidStock is the quote response for a ticker the exchange does not
	// list. It cannot be told apart from a real price of -1.
	InvalidStock = -1

	MaxFrameSize = 4 * 1024
)

type CommandType int

const (
	GetState CommandType = iota
	GetTickers
	GetQuote
	ExecuteTrade
)

var commandName = map[CommandType]string{
	GetState:     GetStateCmd,
	GetTickers:   GetTickersCmd,
	GetQuote:     GetQuoteCmd,
	ExecuteTrade: ExecuteTradeCmd,
}

func (c CommandType) String() string {
	if name, ok := commandName[c]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int(c))
}

// Command is a decoded request line. Ticker is set for GetQuote and
// ExecuteTrade; Side, Account and Shares only for ExecuteTrade.
type Command struct {
	Type    CommandType
	Ticker  string
	Side    common.Side
	Account string
	Shares  int
}

func NewGetStateCommand() Command   { return Command{Type: GetState} }
func NewGetTickersCommand() Command { return Command{Type: GetTickers} }

func NewGetQuoteCommand(ticker string) Command {
	return Command{Type: GetQuote, Ticker: ticker}
}

func NewExecuteTradeCommand(order *common.Order) Command {
	return Command{
		Type:    ExecuteTrade,
		Ticker:  order.Ticker,
		Side:    order.Side(),
		Account: order.Account,
		Shares:  order.Shares,
	}
}

// Encode renders the command without its line terminator.
func (c Command) Encode() string {
	switch c.Type {
	case GetQuote:
		return join(GetQuoteCmd, c.Ticker)
	case ExecuteTrade:
		side := BuyOrder
		if c.Side == common.Sell {
			side = SellOrder
		}
		return join(ExecuteTradeCmd, side, c.Account, c.Ticker, strconv.Itoa(c.Shares))
	}
	return c.Type.String()
}

// Order builds the market order an ExecuteTrade command asks for.
func (c Command) Order() (*common.Order, error) {
	if c.Type != ExecuteTrade {
		return nil, fmt.Errorf("%w: %v carries no order", common.ErrProtocolDecode, c.Type)
	}
	return common.NewMarketOrder(c.Side, c.Account, c.Ticker, c.Shares)
}

// ParseCommand decodes one request line. Every failure wraps
// common.ErrProtocolDecode.
func ParseCommand(line string) (Command, error) {
	fields := strings.Split(line, Delimiter)

	switch fields[0] {
	case GetStateCmd:
		if err := expectFields(fields, 1); err != nil {
			return Command{}, err
		}
		return NewGetStateCommand(), nil

	case GetTickersCmd:
		if err := expectFields(fields, 1); err != nil {
			return Command{}, err
		}
		return NewGetTickersCommand(), nil

	case GetQuoteCmd:
		if err := expectFields(fields, 2); err != nil {
			return Command{}, err
		}
		return NewGetQuoteCommand(fields[1]), nil

	case ExecuteTradeCmd:
		if err := expectFields(fields, 5); err != nil {
			return Command{}, err
		}
		var side common.Side
		switch fields[1] {
		case BuyOrder:
			side = common.Buy
		case SellOrder:
			side = common.Sell
		default:
			return Command{}, fmt.Errorf("%w: unknown order type %q", common.ErrProtocolDecode, fields[1])
		}
		shares, err := strconv.Atoi(fields[4])
		if err != nil {
			return Command{}, fmt.Errorf("%w: share count %q: %w", common.ErrProtocolDecode, fields[4], err)
		}
		return Command{
			Type:    ExecuteTrade,
			Side:    side,
			Account: fields[2],
			Ticker:  fields[3],
			Shares:  shares,
		}, nil
	}
	return Command{}, fmt.Errorf("%w: unknown command %q", common.ErrProtocolDecode, fields[0])
}

func expectFields(fields []string, n int) error {
	if len(fields) != n {
		return fmt.Errorf("%w: %s takes %d fields, got %d", common.ErrProtocolDecode, fields[0], n, len(fields))
	}
	return nil
}

// ---- Responses ----

func EncodeState(open bool) string {
	if open {
		return OpenState
	}
	return ClosedState
}

func ParseState(line string) (bool, error) {
	switch line {
	case OpenState:
		return true, nil
	case ClosedState:
		return false, nil
	}
	return false, fmt.Errorf("%w: unknown state %q", common.ErrProtocolDecode, line)
}

func EncodeTickers(tickers []string) string { return join(tickers...) }

// ParseTickers returns nil for an exchange that lists nothing.
func ParseTickers(line string) []string {
	if line == "" {
		return nil
	}
	return strings.Split(line, Delimiter)
}

func EncodePrice(price int) string { return strconv.Itoa(price) }

func ParsePrice(line string) (int, error) {
	price, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%w: price %q: %w", common.ErrProtocolDecode, line, err)
	}
	return price, nil
}

// ---- Events ----

func EncodeEvent(ev event.Event) (string, error) {
	switch ev.Kind {
	case event.Opened:
		return OpenEvent, nil
	case event.Closed:
		return ClosedEvent, nil
	case event.PriceChanged:
		return join(PriceChangeEvent, ev.Ticker, strconv.Itoa(ev.Price)), nil
	}
	return "", fmt.Errorf("unable to encode event kind %v", ev.Kind)
}

// ParseEvent decodes an event frame. The end frame is not an event and
// fails like any other unknown frame; receivers check for it first.
func ParseEvent(frame string) (event.Event, error) {
	fields := strings.Split(frame, Delimiter)

	switch fields[0] {
	case OpenEvent:
		if err := expectFields(fields, 1); err != nil {
			return event.Event{}, err
		}
		return event.NewOpened(), nil

	case ClosedEvent:
		if err := expectFields(fields, 1); err != nil {
			return event.Event{}, err
		}
		return event.NewClosed(), nil

	case PriceChangeEvent:
		if err := expectFields(fields, 3); err != nil {
			return event.Event{}, err
		}
		price, err := ParsePrice(fields[2])
		if err != nil {
			return event.Event{}, err
		}
		return event.NewPriceChanged(fields[1], price), nil
	}
	return event.Event{}, fmt.Errorf("%w: unknown event %q", common.ErrProtocolDecode, fields[0])
}

// ---- Framing ----

func join(fields ...string) string { return strings.Join(fields, Delimiter) }

// writeFrame writes line in ISO-8859-1 followed by a newline. Lines with
// characters outside Latin-1 are rejected before anything is written.
func writeFrame(w io.Writer, line string) error {
	encoded, err := charmap.ISO8859_1.NewEncoder().String(line + "\n")
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	_, err = io.WriteString(w, encoded)
	return err
}

// readFrame reads one ISO-8859-1 line of at most MaxFrameSize bytes. A
// final line without a newline is accepted; no data at all is io.EOF. A
// longer line is ErrProtocolDecode.
func readFrame(r io.Reader) (string, error) {
	limited := &io.LimitedReader{R: r, N: MaxFrameSize + 1}
	decoded := charmap.ISO8859_1.NewDecoder().Reader(limited)
	line, err := bufio.NewReader(decoded).ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) || line == "" {
			return "", err
		}
		if limited.N == 0 {
			return "", fmt.Errorf("%w: frame longer than %d bytes", common.ErrProtocolDecode, MaxFrameSize)
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func decodePacket(payload []byte) (string, error) {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(payload)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(decoded), "\r\n\x00 "), nil
}
