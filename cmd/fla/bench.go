package main

import (
	"context"
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/neuromorphs/flash-linear-attention/internal/version"
	"github.com/neuromorphs/flash-linear-attention/pkg/deltarule"
	"github.com/neuromorphs/flash-linear-attention/pkg/rotary"
)

type benchReport struct {
	RunID   string `json:"run_id"`
	Version string `json:"version"`

	Batch   int64 `json:"batch"`
	SeqLen  int64 `json:"seq_len"`
	Heads   int64 `json:"heads"`
	KeyDim  int64 `json:"key_dim"`
	ValDim  int64 `json:"val_dim"`
	Workers int   `json:"workers"`
	BlockT  int   `json:"block_t"`
	BlockS  int   `json:"block_s"`

	Iterations   int     `json:"iterations"`
	TotalSeconds float64 `json:"total_seconds"`
	MsPerPass    float64 `json:"ms_per_pass"`
	TokensPerSec float64 `json:"tokens_per_sec"`
}

func benchCmd() *cli.Command {
	var (
		iters      int64
		warmup     int64
		jsonOut    bool
		useAttns   bool
		withRotary bool
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time forward passes over a synthetic batch",
		Flags: append(append(append(commonShapeFlags(), commonLaunchFlags()...), commonLogFlags()...),
			&cli.Int64Flag{
				Name:        "iters",
				Usage:       "timed iterations",
				Value:       10,
				Destination: &iters,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "untimed warmup iterations",
				Value:       2,
				Destination: &warmup,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON on stdout",
				Destination: &jsonOut,
			},
			&cli.BoolFlag{
				Name:        "attentions",
				Usage:       "materialise attention scores each pass",
				Destination: &useAttns,
			},
			&cli.BoolFlag{
				Name:        "rotary",
				Usage:       "apply rotary embeddings to q and k before the pass",
				Destination: &withRotary,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()

			batch := randomBatch(int(numSeqs), int(seqLen), int(numHeads), int(keyDim), int(valDim), seed)
			if withRotary {
				emb, err := rotary.New(rotary.Config{})
				if err != nil {
					return err
				}
				if err := emb.Apply(batch.Q, batch.K, batch.NumSeqs, batch.SeqLen, batch.NumHeads, batch.KeyDim, 0); err != nil {
					return err
				}
			}
			opts := deltarule.Options{
				OutputAttentions: useAttns,
				Launch:           launchOverride(),
				Logger:           log,
			}

			launch := opts.Launch
			if launch == (deltarule.LaunchConfig{}) {
				launch = deltarule.DefaultTuner().Config(int(seqLen), int(keyDim), int(valDim), int(numHeads))
			}
			log.Info("benchmark starting",
				"seq_len", seqLen, "heads", numHeads,
				"block_t", launch.BlockT, "block_s", launch.BlockS, "workers", launch.Workers)

			for i := int64(0); i < warmup; i++ {
				if _, err := deltarule.Parallel(batch, opts); err != nil {
					return err
				}
			}

			start := time.Now()
			for i := int64(0); i < iters; i++ {
				if _, err := deltarule.Parallel(batch, opts); err != nil {
					return err
				}
			}
			elapsed := time.Since(start)

			tokens := float64(numSeqs) * float64(seqLen) * float64(iters)
			report := benchReport{
				RunID:        uuid.NewString(),
				Version:      version.String(),
				Batch:        numSeqs,
				SeqLen:       seqLen,
				Heads:        numHeads,
				KeyDim:       keyDim,
				ValDim:       valDim,
				Workers:      launch.Workers,
				BlockT:       launch.BlockT,
				BlockS:       launch.BlockS,
				Iterations:   int(iters),
				TotalSeconds: elapsed.Seconds(),
				MsPerPass:    elapsed.Seconds() * 1000 / float64(iters),
				TokensPerSec: tokens / elapsed.Seconds(),
			}

			if jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Printf("run:        %s\n", report.RunID)
			fmt.Printf("ms/pass:    %.3f\n", report.MsPerPass)
			fmt.Printf("tokens/sec: %.0f\n", report.TokensPerSec)
			return nil
		},
	}
}
