package main

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/qsharp/internal/logger"
	"github.com/samcharles93/qsharp/internal/nn"
	"github.com/samcharles93/qsharp/pkg/quant"
)

// roundTrip describes how far a layer moves when quantized and dequantized.
type roundTrip struct {
	Scheme  string        `json:"scheme"`
	Layer   int           `json:"layer"`
	Quant   quant.Summary `json:"quant"`
	MaxAbs  float64       `json:"max_abs_err"`
	MeanAbs float64       `json:"mean_abs_err"`
	RMS     float64       `json:"rms_err"`
}

func quantizeCmd() *cli.Command {
	var (
		checkpointPath string
		layer          int
		scheme         string
		bits           int
		dump           bool
		asJSON         bool
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize one layer of a saved network and report the round-trip error",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "checkpoint",
				Aliases:     []string{"m"},
				Usage:       "network saved by run --save-checkpoint",
				Required:    true,
				Destination: &checkpointPath,
			},
			&cli.IntFlag{
				Name:        "layer",
				Aliases:     []string{"l"},
				Usage:       "layer index",
				Destination: &layer,
			},
			&cli.StringFlag{
				Name:        "scheme",
				Aliases:     []string{"q"},
				Usage:       "quantization scheme (no, affine, scale, kl_div)",
				Value:       string(quant.SchemeScale),
				Destination: &scheme,
			},
			&cli.IntFlag{
				Name:        "bits",
				Usage:       "integer code width (8, 16, 32)",
				Value:       8,
				Destination: &bits,
			},
			&cli.BoolFlag{
				Name:        "dump",
				Usage:       "print the integer codes",
				Destination: &dump,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &asJSON,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			m, err := nn.Load(checkpointPath)
			if err != nil {
				return err
			}
			s, err := quant.ParseScheme(scheme)
			if err != nil {
				return err
			}
			q, err := quant.Lookup(s, bits)
			if err != nil {
				return err
			}
			w, err := m.LayerWeight(layer)
			if err != nil {
				return err
			}

			qm := q(w)
			rt := measureRoundTrip(w, qm.Dequantize())
			rt.Scheme, rt.Layer, rt.Quant = string(s), layer, qm.Summary()
			if rt.Quant.Fallback {
				log.Warn("degenerate scale replaced by 1", "layer", layer, "scheme", string(s))
			}

			out := cmd.Root().Writer
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "    ")
				return enc.Encode(rt)
			}
			printRoundTrip(out, rt)
			if dump {
				if st, ok := qm.(fmt.Stringer); ok {
					_, _ = fmt.Fprint(out, st.String())
				}
			}
			return nil
		},
	}
}

func measureRoundTrip(orig, deq mat.Matrix) roundTrip {
	var diff mat.Dense
	diff.Sub(orig, deq)
	r, c := diff.Dims()
	abs := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			abs = append(abs, math.Abs(diff.At(i, j)))
		}
	}
	return roundTrip{
		MaxAbs:  floats.Max(abs),
		MeanAbs: stat.Mean(abs, nil),
		RMS:     floats.Norm(abs, 2) / math.Sqrt(float64(len(abs))),
	}
}

func printRoundTrip(w io.Writer, rt roundTrip) {
	_, _ = fmt.Fprintf(w, "scheme:      %s\n", rt.Scheme)
	_, _ = fmt.Fprintf(w, "layer:       %d (%dx%d)\n", rt.Layer, rt.Quant.Rows, rt.Quant.Cols)
	_, _ = fmt.Fprintf(w, "bits:        %d\n", rt.Quant.Bits)
	_, _ = fmt.Fprintf(w, "scale:       %g\n", rt.Quant.Scale)
	_, _ = fmt.Fprintf(w, "zero point:  %d\n", rt.Quant.ZeroPoint)
	_, _ = fmt.Fprintf(w, "max |err|:   %g\n", rt.MaxAbs)
	_, _ = fmt.Fprintf(w, "mean |err|:  %g\n", rt.MeanAbs)
	_, _ = fmt.Fprintf(w, "rms err:     %g\n", rt.RMS)
}
