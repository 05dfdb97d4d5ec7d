package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/soyart/spgains/config"
	"github.com/soyart/spgains/rdb"
	"github.com/soyart/spgains/server"
	"github.com/soyart/spgains/stabilitypool"
	"github.com/soyart/spgains/view"
)

func panicf(fmtString string, vars ...interface{}) {
	panic(fmt.Sprintf(fmtString, vars...))
}

func main() {
	app := &cli.App{
		Name:  "spgains",
		Usage: "Check claimable Prisma Stability Pool collateral gains of an address",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config/config.yaml",
				Usage:   "path to config file (CONF_FILE env takes precedence)",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "query",
				Usage:     "Print the claimable collateral table of an address",
				ArgsUsage: "<address>",
				Action:    runQuery,
			},
			{
				Name:   "serve",
				Usage:  "Start the HTTP API",
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// setup loads config, logger and the query service. Any failure here is fatal.
func setup(c *cli.Context) (*config.Config, *zap.Logger, *stabilitypool.Service) {
	configFile := c.String("config")

	conf, err := config.From(configFile)
	if err != nil {
		panicf("failed to read config %s: %s", configFile, err.Error())
	}

	logger, err := zap.NewProduction(zap.Fields(zap.String("serviceLabel", conf.Label)))
	if err != nil {
		panicf("failed to init logger: %s", err.Error())
	}

	confJson, err := json.Marshal(conf)
	if err != nil {
		panicf("failed to json marshal conf: %s", err.Error())
	}

	logger.Info("config", zap.String("values", string(confJson)))

	service, err := stabilitypool.Dial(c.Context, conf, logger)
	if err != nil {
		panicf("failed to init stability pool service: %s", err.Error())
	}

	logger.Info("created stability pool service", zap.String("url", conf.NodeUrl), zap.Int("collaterals", len(service.Collaterals())))

	return conf, logger, service
}

func runQuery(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one address", 2)
	}

	_, logger, service := setup(c)
	defer logger.Sync()
	defer service.Close()

	session := view.NewSession("cli", service.Collaterals(), service, view.WithLogger(logger))
	state := session.OnAddressSubmitted(c.Context, c.Args().First())

	if err := view.Render(os.Stdout, state); err != nil {
		return errors.Wrap(err, "failed to render table")
	}

	if state.ValidationText != "" || state.Error != "" {
		return cli.Exit("", 1)
	}

	return nil
}

func runServe(c *cli.Context) error {
	conf, logger, service := setup(c)
	defer logger.Sync()
	defer service.Close()

	var store rdb.StateStore
	if conf.RedisUrl != "" {
		var err error
		store, err = rdb.New(conf.RedisUrl, conf.Label, logger)
		if err != nil {
			panicf("failed to create new redis wrapper client on %s: %s", conf.RedisUrl, err.Error())
		}

		logger.Info("created new redis client wrapper", zap.String("url", conf.RedisUrl))
	} else {
		store = rdb.NewMemory()
		logger.Info("no redis url, keeping session states in memory")
	}

	srv := &http.Server{
		Addr:              conf.ListenAddr,
		Handler:           server.New(service, store, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting http server", zap.String("addr", conf.ListenAddr))
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			return errors.Wrap(err, "http server failed")
		}

	case <-ctx.Done():
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.CallTimeout+5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "failed to shutdown http server")
		}
	}

	return nil
}
