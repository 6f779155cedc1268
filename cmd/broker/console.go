package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"ratatoskr/internal/broker"
	"ratatoskr/internal/common"
)

var errQuit = errors.New("quit")

const usage = `commands:
  create <name> <password> <balance>      open an account (balance in cents)
  delete <name>                           close an account
  balance <name> <password>               show an account balance
  buy|sell <account> <ticker> <shares>    place a market order
  stopbuy|stopsell <account> <ticker> <shares> <price>
                                          place a stop order (price in cents)
  quote <ticker>                          ask the exchange for a price
  tickers                                 list managed tickers
  pending                                 list orders waiting to dispatch
  letters                                 list dead-lettered orders
  replay                                  retry dead-lettered orders
  reconcile                               resync state and prices with the exchange
  quit
`

// console is a line oriented operator interface over a broker.
type console struct {
	broker  *broker.Broker
	letters broker.DeadLetterStore
	out     io.Writer
}

// Run reads commands from in until it is exhausted, quit is entered or ctx
// is done.
func (c *console) Run(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Fprint(c.out, "> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return
				}
				fmt.Fprintln(c.out, "error:", err)
			}
			fmt.Fprint(c.out, "> ")
		}
	}
}

// Exec runs one command line.
func (c *console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprint(c.out, usage)
		return nil

	case "quit", "exit":
		return errQuit

	case "create":
		if err := want(args, 3); err != nil {
			return err
		}
		balance, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
		acct, err := c.broker.CreateAccount(args[0], args[1], balance)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "created %s with %s\n", acct.Name, cents(acct.CurrentBalance()))
		return nil

	case "delete":
		if err := want(args, 1); err != nil {
			return err
		}
		if err := c.broker.DeleteAccount(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "deleted %s\n", args[0])
		return nil

	case "balance":
		if err := want(args, 2); err != nil {
			return err
		}
		acct, err := c.broker.GetAccount(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s\n", acct.Name, cents(acct.CurrentBalance()))
		return nil

	case "buy", "sell":
		if err := want(args, 3); err != nil {
			return err
		}
		shares, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("shares: %w", err)
		}
		order, err := common.NewMarketOrder(side(cmd), args[0], args[1], shares)
		if err != nil {
			return err
		}
		return c.place(order)

	case "stopbuy", "stopsell":
		if err := want(args, 4); err != nil {
			return err
		}
		shares, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("shares: %w", err)
		}
		price, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("price: %w", err)
		}
		order, err := common.NewStopOrder(side(cmd), args[0], args[1], shares, price)
		if err != nil {
			return err
		}
		return c.place(order)

	case "quote":
		if err := want(args, 1); err != nil {
			return err
		}
		quote, err := c.broker.RequestQuote(ctx, strings.ToUpper(args[0]))
		if err != nil {
			return err
		}
		if quote == nil {
			fmt.Fprintf(c.out, "%s: no quote available\n", strings.ToUpper(args[0]))
			return nil
		}
		fmt.Fprintln(c.out, quote)
		return nil

	case "tickers":
		fmt.Fprintln(c.out, strings.Join(c.broker.Tickers(), " "))
		return nil

	case "pending":
		for _, o := range c.broker.PendingMarketOrders() {
			fmt.Fprintf(c.out, "market  %s\n", summary(o))
		}
		for _, ticker := range c.broker.Tickers() {
			m, _ := c.broker.OrderManager(ticker)
			for _, o := range m.Pending() {
				fmt.Fprintf(c.out, "%-7s %s\n", ticker, summary(o))
			}
		}
		return nil

	case "letters":
		letters, err := c.letters.DeadLetters()
		if err != nil {
			return err
		}
		for _, l := range letters {
			fmt.Fprintf(c.out, "%s  %-7s %s  %s\n", l.Timestamp.Format("15:04:05"), l.Stage, summary(l.Order), l.Reason)
		}
		fmt.Fprintf(c.out, "%d dead letter(s)\n", len(letters))
		return nil

	case "replay":
		n, err := c.broker.ReplayDeadLetters(ctx)
		fmt.Fprintf(c.out, "replayed %d\n", n)
		return err

	case "reconcile":
		if err := c.broker.Reconcile(ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "reconciled")
		return nil
	}
	return fmt.Errorf("unknown command %q, try help", cmd)
}

func (c *console) place(order *common.Order) error {
	if err := c.broker.PlaceOrder(order); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "placed %s\n", order.ID)
	return nil
}

func want(args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("expected %d arguments, got %d", n, len(args))
	}
	return nil
}

func side(cmd string) common.Side {
	if strings.HasSuffix(cmd, "sell") {
		return common.Sell
	}
	return common.Buy
}

func cents(v int) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s$%d.%02d", sign, v/100, v%100)
}

func summary(o *common.Order) string {
	s := fmt.Sprintf("%-11s %-10s %5d %-5s", o.Kind, o.Account, o.Shares, o.Ticker)
	if o.Kind.IsStop() {
		s += " @ " + cents(o.TriggerPrice)
	}
	return s
}
