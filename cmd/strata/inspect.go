package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/strata/pkg/scf"
)

func inspectCmd() *cli.Command {
	var path string

	return &cli.Command{
		Name:  "inspect",
		Usage: "Dump the tensor directory of an .scf checkpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .scf checkpoint",
				Destination: &path,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if path == "" {
				return cli.Exit("error: --model is required", 1)
			}
			f, err := scf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			tensors := append([]scf.Tensor(nil), f.Tensors...)
			sort.Slice(tensors, func(i, j int) bool { return tensors[i].Name < tensors[j].Name })

			var totalBytes int64
			fmt.Printf("%-40s %-6s %-18s %s\n", "NAME", "DTYPE", "SHAPE", "BYTES")
			for _, t := range tensors {
				dims := make([]string, len(t.Shape))
				for i, d := range t.Shape {
					dims[i] = fmt.Sprintf("%d", d)
				}
				fmt.Printf("%-40s %-6s %-18s %d\n",
					t.Name, t.DType.String(), "["+strings.Join(dims, ", ")+"]", len(t.Raw))
				totalBytes += int64(len(t.Raw))
			}
			fmt.Printf("\n%d tensors, %d bytes of tensor data\n", len(tensors), totalBytes)
			return nil
		},
	}
}
