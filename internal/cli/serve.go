package cli

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/m68k-tools/m68kdap/internal/adapter"
	"github.com/m68k-tools/m68kdap/internal/config"
	"github.com/m68k-tools/m68kdap/internal/errors"
	"github.com/m68k-tools/m68kdap/internal/logging"
	"github.com/m68k-tools/m68kdap/pkg/version"
)

func newServeCmd() *cobra.Command {
	var (
		listenAddr string
		configPath string
		logLevel   string
		logFile    string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the debug-adapter protocol",
		Long: `Serve the debug-adapter protocol on stdio (the default, for editors
that spawn the adapter directly) or on a TCP listen address.

Launch defaults may be provided in a yaml config file; the client's launch
request overrides them field by field.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), listenAddr, configPath, logLevel, logFile)
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", "", "TCP listen address (default: serve on stdio)")
	cmd.Flags().StringVar(&configPath, "config", "", "launch defaults yaml file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "log to this file instead of stderr")
	return cmd
}

func runServe(ctx context.Context, listenAddr, configPath, logLevel, logFile string) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logLevel
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		logCfg.Output = f
		logCfg.Pretty = false
	}
	logger := logging.New(logCfg)
	logger.Info().Msg(version.String())

	defaults := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		defaults = loaded
	}

	if listenAddr == "" {
		return serveStdio(ctx, logger, defaults)
	}
	return serveTCP(ctx, logger, defaults, listenAddr)
}

// serveStdio runs one session over the process's own stdio. Logs stay on
// stderr; stdout carries only framed protocol messages.
func serveStdio(ctx context.Context, logger zerolog.Logger, defaults config.LaunchConfig) error {
	logger.Info().Msg("Serving debug adapter on stdio")
	transport := adapter.NewTransport(os.Stdin, os.Stdout, nil)
	return adapter.NewServer(logger, transport, defaults).Serve(ctx)
}

// serveTCP accepts adapter connections one at a time. Each connection gets
// a fresh session; the bridge drives a single target, so there is nothing
// to multiplex.
func serveTCP(ctx context.Context, logger zerolog.Logger, defaults config.LaunchConfig, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	defer errors.DeferClose(logger, listener, "close listener")
	logger.Info().Str("addr", addr).Msg("Serving debug adapter on TCP")

	for {
		conn, err := listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Client connected")

		transport := adapter.NewTransport(conn, conn, conn)
		if err := adapter.NewServer(logger, transport, defaults).Serve(ctx); err != nil {
			logger.Warn().Err(err).Msg("Session ended with error")
		}
		if err := transport.Close(); err != nil {
			logger.Debug().Err(err).Msg("close client connection")
		}
	}
}
