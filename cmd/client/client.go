package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ratatoskr/internal/common"
	"ratatoskr/internal/event"
	"ratatoskr/internal/logging"
	exnet "ratatoskr/internal/net"
)

func main() {
	// 1. CLI Parameter Parsing
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange command listener")
	timeout := flag.Duration("timeout", 2*time.Second, "Round trip timeout")
	watch := flag.Bool("watch", false, "Print exchange events instead of sending a command")
	group := flag.String("group", "239.255.0.42", "Event multicast group (with -watch)")
	port := flag.Int("port", 9002, "Event multicast port (with -watch)")
	iface := flag.String("iface", "", "Interface to join the group on (with -watch)")
	verbose := flag.Bool("v", false, "Log protocol traffic")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] COMMAND[:FIELD...]\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "  e.g. GET_STATE_CMD, GET_QUOTE_CMD:IBM, EXECUTE_TRADE_CMD:BUY_ORDER:investor-one:IBM:10")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	if err := logging.Setup(level, true); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *watch {
		if err := watchEvents(*group, *port, *iface); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Validate locally so a typo is reported rather than met with a silently
	// closed connection.
	cmd, err := exnet.ParseCommand(strings.Join(flag.Args(), exnet.Delimiter))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	client := exnet.NewCommandClient(*serverAddr, *timeout)
	response, err := client.Do(context.Background(), cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if cmd.Type == exnet.GetQuote && response == exnet.EncodePrice(exnet.InvalidStock) {
		fmt.Printf("%s: %v\n", cmd.Ticker, common.ErrUnknownTicker)
		return
	}
	fmt.Println(response)
}

// printer writes every event it hears to stdout.
type printer struct{}

func (printer) ExchangeOpened(event.Event) { fmt.Println("[EVENT] exchange opened") }
func (printer) ExchangeClosed(event.Event) { fmt.Println("[EVENT] exchange closed") }
func (printer) PriceChanged(ev event.Event) {
	fmt.Printf("[EVENT] %s\n", common.StockQuote{Ticker: ev.Ticker, Price: ev.Price})
}

// watchEvents prints events until interrupted or the exchange sends the
// end frame.
func watchEvents(group string, port int, iface string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	events, err := exnet.NewMulticastProcessor(group, port, iface)
	if err != nil {
		return err
	}
	events.Subscribe(printer{})
	events.Start()
	fmt.Printf("Listening on %s:%d... (Press Ctrl+C to exit)\n", group, port)

	select {
	case <-ctx.Done():
	case <-events.Done():
		fmt.Println("[EVENT] end of events")
	}
	return events.Close()
}
