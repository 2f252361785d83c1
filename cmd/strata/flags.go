package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/model"
)

var (
	modelPath  string
	configPath string
	useToy     bool
	toySeed    int64
	sequential bool
	workers    int64
	logLevel   string
	logFormat  string
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .scf checkpoint",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "path to config.json (defaults to config.json next to the checkpoint)",
			Destination: &configPath,
		},
		&cli.BoolFlag{
			Name:        "toy",
			Usage:       "use a small randomly initialized model instead of a checkpoint",
			Destination: &useToy,
		},
		&cli.Int64Flag{
			Name:        "toy-seed",
			Usage:       "seed for the toy model weights",
			Value:       1,
			Destination: &toySeed,
		},
		&cli.BoolFlag{
			Name:        "sequential",
			Usage:       "disable the chunked scan strategy",
			Destination: &sequential,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "scan worker count (0 = all CPUs)",
			Destination: &workers,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func newLog() logger.Logger {
	level := logger.ParseLevel(logLevel)
	if logFormat == "json" {
		return logger.JSON(os.Stderr, level)
	}
	return logger.Pretty(os.Stderr, level)
}

func capabilities() model.Capabilities {
	caps := model.DetectCapabilities()
	if sequential {
		caps.Chunked = false
	}
	if workers > 0 {
		caps.Workers = int(workers)
	}
	return caps
}

// loadModel builds the model from the flags: a toy model, or a checkpoint
// with its config JSON resolved next to it when not given explicitly.
func loadModel() (*model.Model, error) {
	if useToy {
		return model.NewToy(model.ToyConfig(), capabilities(), toySeed)
	}
	if modelPath == "" {
		return nil, fmt.Errorf("either --model or --toy is required")
	}
	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = strings.TrimSuffix(modelPath, ".scf") + ".json"
	}
	return model.LoadCheckpointFiles(modelPath, cfgPath, capabilities())
}

// parseTokenList parses a comma-separated token id list like "12,7,104".
func parseTokenList(s string) ([]int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
