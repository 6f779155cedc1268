package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"ratatoskr/internal/account"
	"ratatoskr/internal/broker"
	"ratatoskr/internal/config"
	"ratatoskr/internal/logging"
	exnet "ratatoskr/internal/net"
	"ratatoskr/internal/store"
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

	st, err := store.Open(cfg.Broker.DataDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Broker.DataDir).Msg("unable to open store")
	}
	accounts := account.NewManager(st, cfg.Broker.BcryptCost)

	events, err := exnet.NewMulticastProcessor(cfg.Multicast.Group, cfg.Multicast.Port, cfg.Multicast.Interface)
	if err != nil {
		_ = accounts.Close()
		log.Fatal().Err(err).Msg("unable to join event group")
	}
	proxy := exnet.NewExchangeProxy(cfg.Exchange.Address(), cfg.Exchange.ConnTimeout, events)

	b, err := broker.New(ctx, cfg.Broker.Name, accounts, proxy, &broker.Options{
		ExecutionTimeout: cfg.Broker.ExecutionTimeout,
		DeadLetters:      st,
	})
	if err != nil {
		_ = proxy.Close()
		_ = accounts.Close()
		log.Fatal().Err(err).Str("exchange", cfg.Exchange.Address()).Msg("unable to start broker")
	}

	if cfg.Broker.ReconcileInterval > 0 {
		go b.RunReconciler(ctx, cfg.Broker.ReconcileInterval)
	}

	// The console ends the process on quit or end of input.
	c := &console{broker: b, letters: st, out: os.Stdout}
	go func() {
		c.Run(ctx, os.Stdin)
		stop()
	}()

	<-ctx.Done()
	if err := b.Close(); err != nil {
		log.Error().Err(err).Msg("unclean broker shutdown")
	}
}
