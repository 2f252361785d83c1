package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/api"
	"github.com/samcharles93/strata/internal/inference"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		ratePerSec  float64
		rateBurst   int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate-per-sec",
			Usage:       "per-session request rate limit (0 = unlimited)",
			Value:       10,
			Destination: &ratePerSec,
		},
		&cli.Int64Flag{
			Name:        "rate-burst",
			Usage:       "per-session request burst",
			Value:       20,
			Destination: &rateBurst,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the decoding REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr, &ratePerSec, &rateBurst)
			log := newLog()

			m, err := loadModel()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			engine, err := inference.NewEngine(m, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			store := api.NewSessionStore(ratePerSec, int(rateBurst))
			server := api.NewServer(engine, store, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
