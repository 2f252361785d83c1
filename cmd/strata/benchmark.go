package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/inference"
)

func benchmarkCmd() *cli.Command {
	var (
		warmupRuns   int64
		benchRuns    int64
		promptTokens int64
		steps        int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "prompt-tokens",
			Usage:       "synthetic prompt length",
			Value:       64,
			Destination: &promptTokens,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate per run",
			Value:       128,
			Destination: &steps,
		},
	)

	return &cli.Command{
		Name:  "benchmark",
		Usage: "Measure prefill and decode throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLog()

			m, err := loadModel()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			engine, err := inference.NewEngine(m, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			vocab := m.Config().VocabSize
			prompt := make([]int, promptTokens)
			for i := range prompt {
				prompt[i] = (i * 37) % vocab
			}

			runOnce := func() (prefill time.Duration, stats inference.Stats, err error) {
				session, err := engine.NewSession()
				if err != nil {
					return 0, stats, err
				}
				start := time.Now()
				if _, err := session.Feed(ctx, prompt); err != nil {
					return 0, stats, err
				}
				prefill = time.Since(start)
				res, err := session.Generate(ctx, &inference.Request{Steps: int(steps)}, nil)
				if err != nil {
					return prefill, stats, err
				}
				return prefill, res.Stats, nil
			}

			for i := int64(0); i < warmupRuns; i++ {
				if _, _, err := runOnce(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup: %v", err), 1)
				}
			}

			var (
				totalPrefill time.Duration
				totalTPS     float64
			)
			for i := int64(0); i < benchRuns; i++ {
				prefill, stats, err := runOnce()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: run %d: %v", i+1, err), 1)
				}
				prefillTPS := float64(len(prompt)) / prefill.Seconds()
				fmt.Printf("run %d: prefill %v (%.1f tok/s), decode %.1f tok/s\n",
					i+1, prefill.Round(time.Millisecond), prefillTPS, stats.TPS)
				totalPrefill += prefill
				totalTPS += stats.TPS
			}

			if benchRuns > 0 {
				avgPrefill := totalPrefill / time.Duration(benchRuns)
				fmt.Printf("avg: prefill %v (%.1f tok/s), decode %.1f tok/s\n",
					avgPrefill.Round(time.Millisecond),
					float64(len(prompt))/avgPrefill.Seconds(),
					totalTPS/float64(benchRuns))
			}
			return nil
		},
	}
}
