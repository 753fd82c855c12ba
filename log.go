package stemd

import (
	"sync"

	"github.com/btcsuite/btclog/v2"
	"github.com/stemnet/stemd/banman"
	"github.com/stemnet/stemd/build"
	"github.com/stemnet/stemd/clientpool"
	"github.com/stemnet/stemd/connection"
	"github.com/stemnet/stemd/dandelion"
	"github.com/stemnet/stemd/monitoring"
	"github.com/stemnet/stemd/peer"
	"github.com/stemnet/stemd/txrelay"
	"github.com/stemnet/stemd/txstore"
)

// Subsystem defines the logging code for the daemon itself.
const Subsystem = "STMD"

// log is the daemon's own logger. It stays disabled until SetupLoggers is
// called.
var log = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager) {
	genLogger := genSubLogger(root)

	// Now that we have the proper root logger, we can replace the
	// placeholder daemon logger.
	log = build.NewSubLogger(Subsystem, genLogger)
	SetSubLogger(root, Subsystem, log)

	AddSubLogger(root, connection.Subsystem, connection.UseLogger)
	AddSubLogger(root, peer.Subsystem, peer.UseLogger)
	AddSubLogger(root, clientpool.Subsystem, clientpool.UseLogger)
	AddSubLogger(root, dandelion.Subsystem, dandelion.UseLogger)
	AddSubLogger(root, txstore.Subsystem, txstore.UseLogger)
	AddSubLogger(root, txrelay.Subsystem, txrelay.UseLogger)
	AddSubLogger(root, banman.Subsystem, banman.UseLogger)
	AddSubLogger(root, monitoring.Subsystem, monitoring.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. A critical log line on any
// of them requests a daemon shutdown.
func genSubLogger(root *build.SubLoggerManager) func(string) btclog.Logger {
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, RequestShutdown)
	}
}

var (
	shutdownOnce      sync.Once
	shutdownRequested = make(chan struct{})
)

// RequestShutdown asks the daemon to shut down. It is safe to call more than
// once and from any goroutine.
func RequestShutdown() {
	shutdownOnce.Do(func() {
		log.Info("Shutdown requested")
		close(shutdownRequested)
	})
}

// ShutdownChannel returns a channel that is closed once a shutdown was
// requested.
func ShutdownChannel() <-chan struct{} {
	return shutdownRequested
}
