package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/canaan-creative/kpu-runtime/internal/inspect"
	"github.com/canaan-creative/kpu-runtime/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		modelPath   string
		configPath  string
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Start the read-only introspection server bound to one pre-loaded model",
		Flags: append(commonModelFlags(&modelPath, &configPath),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "timeout for reading request headers",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			log := buildLogger(cfg)
			ctx = logger.WithContext(ctx, log)

			d := newDevice(cfg, log)
			d.Install()
			d.OnFirstOpen()
			defer d.OnLastClose()

			if _, err := d.ModelLoadFromFile(modelPath); err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}

			srv := inspect.NewServer(d, log)
			e := echo.New()
			e.Use(middleware.Recover())
			srv.Register(e)

			log.Info("starting introspection server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
