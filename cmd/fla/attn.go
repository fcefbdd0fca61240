package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/neuromorphs/flash-linear-attention/pkg/deltarule"
	"github.com/neuromorphs/flash-linear-attention/pkg/tdump"
)

func attnCmd() *cli.Command {
	var (
		qPath    string
		kPath    string
		vPath    string
		betaPath string
		outPath  string
		attnPath string
		scale    float64
	)

	return &cli.Command{
		Name:  "attn",
		Usage: "Run a forward pass over tensor dumps",
		Flags: append(append(commonLaunchFlags(), commonLogFlags()...),
			&cli.StringFlag{Name: "q", Usage: "query dump (B,T,H,K)", Required: true, Destination: &qPath},
			&cli.StringFlag{Name: "k", Usage: "key dump (B,T,H,K)", Required: true, Destination: &kPath},
			&cli.StringFlag{Name: "v", Usage: "value dump (B,T,H,V)", Required: true, Destination: &vPath},
			&cli.StringFlag{Name: "beta", Usage: "gate dump (B,T,H)", Required: true, Destination: &betaPath},
			&cli.StringFlag{Name: "out", Usage: "output dump path", Required: true, Destination: &outPath},
			&cli.StringFlag{Name: "attn-out", Usage: "also write attention scores here", Destination: &attnPath},
			&cli.Float64Flag{Name: "scale", Usage: "query scale (0 = 1/sqrt(key-dim))", Destination: &scale},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := newLogger()

			q, err := openDump(qPath, 4)
			if err != nil {
				return err
			}
			defer func() { _ = q.Close() }()
			k, err := openDump(kPath, 4)
			if err != nil {
				return err
			}
			defer func() { _ = k.Close() }()
			v, err := openDump(vPath, 4)
			if err != nil {
				return err
			}
			defer func() { _ = v.Close() }()
			beta, err := openDump(betaPath, 3)
			if err != nil {
				return err
			}
			defer func() { _ = beta.Close() }()

			batch := &deltarule.Batch{
				NumSeqs:  q.Dims[0],
				SeqLen:   q.Dims[1],
				NumHeads: q.Dims[2],
				KeyDim:   q.Dims[3],
				ValDim:   v.Dims[3],
				Q:        q.Values(),
				K:        k.Values(),
				V:        v.Values(),
				Beta:     beta.Values(),
			}
			res, err := deltarule.Parallel(batch, deltarule.Options{
				Scale:            scale,
				OutputAttentions: attnPath != "",
				Launch:           launchOverride(),
				Logger:           log,
			})
			if err != nil {
				return err
			}

			dims := []int{batch.NumSeqs, batch.SeqLen, batch.NumHeads, batch.ValDim}
			if err := tdump.Write(outPath, dims, res.Output); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			log.Info("output written", "path", outPath, "dims", dims)

			if attnPath != "" {
				adims := []int{batch.NumSeqs, batch.NumHeads, batch.SeqLen, batch.SeqLen}
				if err := tdump.Write(attnPath, adims, res.Attn); err != nil {
					return fmt.Errorf("write attention scores: %w", err)
				}
				log.Info("attention scores written", "path", attnPath, "dims", adims)
			}
			return nil
		},
	}
}

func openDump(path string, wantDims int) (*tdump.File, error) {
	f, err := tdump.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(f.Dims) != wantDims {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %d dims, want %d", path, len(f.Dims), wantDims)
	}
	return f, nil
}
