// Command anytls-client runs the local SOCKS5 front-end and the
// multiplexed session pool that carries its traffic to an anytls
// server over TLS.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/tlsmux/anyproxy/internal/config"
	"github.com/tlsmux/anyproxy/internal/pool"
	"github.com/tlsmux/anyproxy/internal/session"
	"github.com/tlsmux/anyproxy/internal/socksfront"
)

func main() {
	app := &cli.App{
		Name:  "anytls-client",
		Usage: "local SOCKS5 front-end for an anytls session",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to client config YAML"},
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

	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		logger.Error("loading client config", zap.Error(err))
		return cli.Exit(err, 1)
	}

	padding, err := loadPadding(cfg.PaddingSchemeFile)
	if err != nil {
		logger.Error("loading padding scheme", zap.Error(err))
		return cli.Exit(err, 1)
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	dial := func(ctx context.Context) (session.Conn, error) {
		dialer := &net.Dialer{Timeout: 10 * time.Second}
		rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Remote)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, err
		}
		padLen := session.ClientAuthPadLen(padding)
		if err := session.ClientAuthenticate(tlsConn, cfg.Password, padLen); err != nil {
			tlsConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}

	p := pool.New(pool.Config{
		Dial:            dial,
		Padding:         padding,
		ClientTag:       "anytls-go/1.0",
		IdleTimeout:     cfg.IdleTimeout.AsDuration(),
		MinIdleSessions: cfg.MinIdleSessions,
		Logger:          logger,
	})
	defer p.Close()

	logger.Info("anytls-client listening", zap.String("addr", cfg.Listen))
	return socksfront.ListenAndServe(p, cfg.Listen)
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
