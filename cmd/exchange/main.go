package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/config"
	"ratatoskr/internal/engine"
	"ratatoskr/internal/logging"
	exnet "ratatoskr/internal/net"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	// Setup the simulated exchange and put it on the network.
	eng := engine.New(cfg.Sim.Listings)
	sender, err := exnet.NewMulticastSender(cfg.Multicast.Group, cfg.Multicast.Port, cfg.Multicast.TTL, cfg.Multicast.Loopback)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to open multicast sender")
	}
	listener := exnet.NewCommandListener(cfg.Exchange.Address(), eng, cfg.Exchange.Workers, cfg.Exchange.ConnTimeout)
	adapter, err := exnet.NewExchangeAdapter(ctx, eng, listener, sender, cfg.Exchange.EndOnClose)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to start exchange adapter")
	}

	eng.Open()
	if cfg.Sim.Cycle > 0 {
		go eng.Cycle(ctx, cfg.Sim.Cycle)
	}
	go eng.Simulate(ctx, cfg.Sim.TickInterval, cfg.Sim.MaxStep)

	log.Info().
		Str("commands", adapter.Addr().String()).
		Str("events", fmt.Sprintf("%s:%d", cfg.Multicast.Group, cfg.Multicast.Port)).
		Strs("tickers", listed(ctx, eng)).
		Msg("exchange running")

	// Block on running the exchange.
	<-ctx.Done()
	eng.Close()
	if err := adapter.Close(); err != nil {
		log.Error().Err(err).Msg("unclean adapter shutdown")
	}
}

func listed(ctx context.Context, eng *engine.Engine) []string {
	tickers, _ := eng.Tickers(ctx)
	return tickers
}
