package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/inference"
)

func runCmd() *cli.Command {
	var (
		tokens string
		stop   string
		steps  int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "tokens",
			Aliases:     []string{"t"},
			Usage:       "comma-separated prompt token ids",
			Destination: &tokens,
		},
		&cli.StringFlag{
			Name:        "stop",
			Usage:       "comma-separated stop token ids",
			Destination: &stop,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of tokens to generate",
			Value:       32,
			Destination: &steps,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Greedy-decode from a prompt token sequence",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &steps)
			log := newLog()

			prompt, err := parseTokenList(tokens)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(prompt) == 0 {
				return cli.Exit("error: --tokens is required", 1)
			}
			stopTokens, err := parseTokenList(stop)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			m, err := loadModel()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			engine, err := inference.NewEngine(m, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			session, err := engine.NewSession()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			res, err := session.Generate(ctx, &inference.Request{
				Prompt:     prompt,
				Steps:      int(steps),
				StopTokens: stopTokens,
			}, nil)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}

			out := make([]string, len(res.Tokens))
			for i, id := range res.Tokens {
				out[i] = fmt.Sprintf("%d", id)
			}
			fmt.Println(strings.Join(out, ","))
			log.Info("generation complete",
				"prompt_tokens", res.Stats.PromptTokens,
				"generated", res.Stats.TokensGenerated,
				"duration", res.Stats.Duration,
				"tps", fmt.Sprintf("%.1f", res.Stats.TPS))
			return nil
		},
	}
}
