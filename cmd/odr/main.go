package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/ayush/open-deep-research/internal/app"
	"github.com/ayush/open-deep-research/internal/benchmark"
	"github.com/ayush/open-deep-research/internal/config"
	"github.com/ayush/open-deep-research/internal/models"
	"github.com/ayush/open-deep-research/internal/store"
)

const closeTimeout = 5 * time.Second

func main() {
	cliApp := &cli.App{
		Name:  "odr",
		Usage: "Operator commands for Open Deep Research",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := zerolog.ParseLevel(c.String("log-level"))
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
			}
			zerolog.SetGlobalLevel(level)

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "Apply database migrations and exit",
				Action: migrateCommand,
			},
			{
				Name:   "benchmark",
				Usage:  "Regenerate the latest completed report with each model and time it",
				Action: benchmarkCommand,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "model",
						Aliases: []string{"m"},
						Usage:   "Model to benchmark, repeatable (defaults to BENCHMARK_MODELS)",
					},
				},
			},
			{
				Name:   "runs",
				Usage:  "List stored benchmark runs",
				Action: runsCommand,
				Flags: []cli.Flag{
					&cli.Int64Flag{
						Name:  "limit",
						Usage: "Maximum number of runs to list",
						Value: 20,
					},
				},
			},
			{
				Name:   "speedtest",
				Usage:  "Summarize a URL or text with the summary and speed models",
				Action: speedCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "url",
						Usage: "Page to fetch and summarize",
					},
					&cli.StringFlag{
						Name:  "content",
						Usage: "Text to summarize instead of a URL",
					},
					&cli.StringFlag{
						Name:  "query",
						Usage: "Research topic for the summary",
						Value: benchmark.DefaultQuery,
					},
				},
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	return cfg, app.NewLogger(cfg), nil
}

func migrateCommand(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	pool, err := store.Connect(c.Context, cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := store.NewPostgresStore(pool, logger).Migrate(c.Context); err != nil {
		return err
	}

	logger.Info().Msg("migrations applied")

	return nil
}

func withApp(c *cli.Context, fn func(a *app.App) (any, error)) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	a, err := app.New(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(closeTimeout)

	out, err := fn(a)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func benchmarkCommand(c *cli.Context) error {
	return withApp(c, func(a *app.App) (any, error) {
		return a.Benchmark.Benchmark(c.Context, c.StringSlice("model"))
	})
}

func runsCommand(c *cli.Context) error {
	return withApp(c, func(a *app.App) (any, error) {
		return a.Benchmark.Runs(c.Context, c.Int64("limit"))
	})
}

func speedCommand(c *cli.Context) error {
	return withApp(c, func(a *app.App) (any, error) {
		return a.Benchmark.SpeedCompare(c.Context, models.SpeedRequest{
			URL:     c.String("url"),
			Content: c.String("content"),
			Query:   c.String("query"),
		})
	})
}
