package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/stemnet/stemd"
	"github.com/stemnet/stemd/txrelay"
)

// structuralVerifier only rejects empty transactions. The mempool that embeds
// the node provides the real policy.
type structuralVerifier struct{}

// VerifyTx rejects empty transactions as malformed.
func (structuralVerifier) VerifyTx(_ context.Context, _ txrelay.TxID,
	raw []byte) error {

	if len(raw) == 0 {
		return txrelay.NewRuleError(
			txrelay.ErrMalformed, "empty transaction",
		)
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		var flagErr *flags.Error
		if !errors.As(err, &flagErr) || flagErr.Type != flags.ErrHelp {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// run is the "real" main, nested so that its defers run on a graceful
// shutdown.
func run() error {
	// Load the configuration, and parse any command line options. This
	// function will also set up logging properly.
	cfg, err := stemd.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	err = cfg.LogRotator.InitLogRotator(
		cfg.LogConfig.File, cfg.LogFile(),
	)
	if err != nil {
		return fmt.Errorf("unable to initialize log rotator: %w", err)
	}
	defer cfg.LogRotator.Close()

	node, err := stemd.NewNode(cfg, structuralVerifier{})
	if err != nil {
		return err
	}

	if err := node.Start(); err != nil {
		_ = node.Stop()
		return err
	}
	defer func() {
		_ = node.Stop()
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	select {
	case sig := <-interrupt:
		_, _ = fmt.Fprintf(os.Stderr, "Received %v, shutting down\n",
			sig)

	case <-stemd.ShutdownChannel():
	}

	return nil
}
