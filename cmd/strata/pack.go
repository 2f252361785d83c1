package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/internal/model"
	"github.com/samcharles93/strata/pkg/scf"
)

func packCmd() *cli.Command {
	var (
		output string
		dtype  string
		seed   int64
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Write a toy checkpoint with its config JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output .scf path",
				Value:       "toy.scf",
				Destination: &output,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "tensor storage dtype (f32, f16, bf16)",
				Value:       "f32",
				Destination: &dtype,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for the toy model weights",
				Value:       1,
				Destination: &seed,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := newLog()

			var dt scf.TensorDType
			switch dtype {
			case "f32":
				dt = scf.DTypeF32
			case "f16":
				dt = scf.DTypeF16
			case "bf16":
				dt = scf.DTypeBF16
			default:
				return cli.Exit(fmt.Sprintf("error: unknown dtype %q", dtype), 1)
			}

			cfg := model.ToyConfig()
			m, err := model.NewToy(cfg, model.Capabilities{}, seed)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := model.SaveCheckpoint(m, output, dt); err != nil {
				return cli.Exit(fmt.Sprintf("error: write checkpoint: %v", err), 1)
			}

			cfgPath := strings.TrimSuffix(output, ".scf") + ".json"
			if err := os.WriteFile(cfgPath, toyConfigJSON(&cfg), 0o644); err != nil {
				return cli.Exit(fmt.Sprintf("error: write config: %v", err), 1)
			}

			log.Info("toy checkpoint written", "checkpoint", output, "config", cfgPath, "dtype", dt.String())
			return nil
		},
	}
}

func toyConfigJSON(cfg *model.Config) []byte {
	return []byte(fmt.Sprintf(`{
  "model_type": "mamba2",
  "hidden_size": %d,
  "num_hidden_layers": %d,
  "vocab_size": %d,
  "num_heads": %d,
  "head_dim": %d,
  "state_size": %d,
  "n_groups": %d,
  "conv_kernel": %d,
  "chunk_size": %d,
  "layer_norm_epsilon": %g,
  "hidden_act": %q,
  "max_position_embeddings": %d
}
`, cfg.HiddenSize, cfg.NumLayers, cfg.VocabSize, cfg.NumHeads, cfg.HeadDim,
		cfg.StateSize, cfg.NumGroups, cfg.ConvKernel, cfg.ChunkSize,
		cfg.Epsilon, cfg.Activation, cfg.MaxSeqLen))
}
