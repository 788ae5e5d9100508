// Command anytls-server accepts TLS connections, authenticates them,
// and relays every stream a client opens to its requested destination.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tlsmux/anyproxy/internal/config"
	"github.com/tlsmux/anyproxy/internal/server"
	"github.com/tlsmux/anyproxy/internal/session"
	"github.com/tlsmux/anyproxy/internal/tlscert"
)

func main() {
	app := &cli.App{
		Name:  "anytls-server",
		Usage: "TLS-terminating multiplexed relay",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to server config YAML"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger, err := newLogger(c.Bool("verbose"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.LoadServer(c.String("config"))
	if err != nil {
		logger.Error("loading server config", zap.Error(err))
		return cli.Exit(err, 1)
	}

	padding, err := loadPadding(cfg.PaddingSchemeFile)
	if err != nil {
		logger.Error("loading padding scheme", zap.Error(err))
		return cli.Exit(err, 1)
	}

	cert, err := tlscert.LoadOrMint(cfg.CertFile, cfg.KeyFile, "anytls-server")
	if err != nil {
		logger.Error("preparing TLS certificate", zap.Error(err))
		return cli.Exit(err, 1)
	}

	listener, err := tls.Listen("tcp", cfg.Listen, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		logger.Error("listening", zap.Error(err))
		return cli.Exit(err, 1)
	}
	defer listener.Close()

	driver := server.New(server.Config{
		Password: cfg.Password,
		Padding:  padding,
		Logger:   logger,
	})

	logger.Info("anytls-server listening", zap.String("addr", cfg.Listen))
	return acceptLoop(context.Background(), listener, driver, logger)
}

func acceptLoop(ctx context.Context, listener net.Listener, driver *server.Driver, logger *zap.Logger) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("connection handler panicked", zap.Any("recover", r))
				}
			}()
			driver.HandleConnection(ctx, conn)
		}()
	}
}

func loadPadding(path string) (*session.PaddingFactory, error) {
	if path == "" {
		return session.MustDefaultPaddingFactory(), nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return session.NewPaddingFactory(body)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
