package main

import (
	"os"

	"github.com/urfave/cli/v3"

	"github.com/neuromorphs/flash-linear-attention/internal/logger"
	"github.com/neuromorphs/flash-linear-attention/pkg/deltarule"
)

var (
	numSeqs  int64
	seqLen   int64
	numHeads int64
	keyDim   int64
	valDim   int64
	seed     int64

	blockT  int64
	blockS  int64
	workers int64

	logLevel  string
	logFormat string
)

func commonShapeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "number of sequences",
			Value:       1,
			Destination: &numSeqs,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"t"},
			Usage:       "sequence length",
			Value:       1024,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Aliases:     []string{"H"},
			Usage:       "attention heads",
			Value:       4,
			Destination: &numHeads,
		},
		&cli.Int64Flag{
			Name:        "key-dim",
			Usage:       "key feature dimension",
			Value:       64,
			Destination: &keyDim,
		},
		&cli.Int64Flag{
			Name:        "val-dim",
			Usage:       "value feature dimension",
			Value:       64,
			Destination: &valDim,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for generated inputs",
			Value:       1,
			Destination: &seed,
		},
	}
}

func commonLaunchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "block-t",
			Usage:       "query block span (0 = tuned)",
			Destination: &blockT,
		},
		&cli.Int64Flag{
			Name:        "block-s",
			Usage:       "chunk span (0 = tuned)",
			Destination: &blockS,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "worker goroutines per stage (0 = all cores)",
			Destination: &workers,
		},
	}
}

func commonLogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "debug, info, warn or error",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "pretty, text or json",
			Value:       "pretty",
			Destination: &logFormat,
		},
	}
}

func newLogger() logger.Logger {
	level := logger.ParseLevel(logLevel)
	switch logFormat {
	case "json":
		return logger.JSON(os.Stderr, level)
	case "text":
		return logger.Default()
	default:
		return logger.Pretty(os.Stderr, level)
	}
}

// launchOverride folds the launch flags into a LaunchConfig. The zero value
// defers every choice to the tuner.
func launchOverride() deltarule.LaunchConfig {
	lc := deltarule.LaunchConfig{
		BlockT:  int(blockT),
		BlockS:  int(blockS),
		Workers: int(workers),
	}
	if lc.BlockT == 0 && lc.BlockS == 0 {
		if lc.Workers == 0 {
			return deltarule.LaunchConfig{}
		}
		tuned := deltarule.DefaultTuner().Config(int(seqLen), int(keyDim), int(valDim), int(numHeads))
		tuned.Workers = lc.Workers
		return tuned
	}
	return lc
}
