package main

import (
	"context"
	"fmt"
	"math"

	"github.com/urfave/cli/v3"

	"github.com/neuromorphs/flash-linear-attention/pkg/deltarule"
)

func verifyCmd() *cli.Command {
	var (
		tolerance float64
		scale     float64
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Check the chunked engine against the sequential reference",
		Flags: append(append(append(commonShapeFlags(), commonLaunchFlags()...), commonLogFlags()...),
			&cli.Float64Flag{
				Name:        "tolerance",
				Usage:       "max tolerated absolute output difference",
				Value:       1e-3,
				Destination: &tolerance,
			},
			&cli.Float64Flag{
				Name:        "scale",
				Usage:       "query scale (0 = 1/sqrt(key-dim))",
				Destination: &scale,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()

			batch := randomBatch(int(numSeqs), int(seqLen), int(numHeads), int(keyDim), int(valDim), seed)
			opts := deltarule.Options{
				Scale:  scale,
				Launch: launchOverride(),
				Logger: log,
			}

			got, err := deltarule.Parallel(batch, opts)
			if err != nil {
				return err
			}
			want, err := deltarule.Reference(batch, deltarule.Options{Scale: scale})
			if err != nil {
				return err
			}

			var maxDiff float64
			for i := range got.Output {
				d := math.Abs(float64(got.Output[i]) - float64(want.Output[i]))
				if d > maxDiff {
					maxDiff = d
				}
			}

			log.Info("verification finished",
				"batch", numSeqs, "seq_len", seqLen, "heads", numHeads,
				"key_dim", keyDim, "val_dim", valDim,
				"max_diff", maxDiff, "tolerance", tolerance)
			if maxDiff > tolerance {
				return fmt.Errorf("engine deviates from reference: max diff %g exceeds %g", maxDiff, tolerance)
			}
			return nil
		},
	}
}
