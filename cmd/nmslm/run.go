package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-nms/host"
	"github.com/nvr-ai/go-nms/inference"
	"github.com/nvr-ai/go-nms/logging"
)

// batchFile is the YAML input of the run command. Every item holds flat
// row-major boxes [priors, locClasses, 4], scores [priors, classes] and
// landmarks [priors, 2*landmarks].
type batchFile struct {
	Priors    int `yaml:"priors"`
	Classes   int `yaml:"classes"`
	Landmarks int `yaml:"landmarks"`
	Items     []struct {
		Boxes     []float32 `yaml:"boxes"`
		Scores    []float32 `yaml:"scores"`
		Landmarks []float32 `yaml:"landmarks"`
	} `yaml:"items"`
}

type detectionReport struct {
	Box       [4]float32 `yaml:"box,flow"`
	Score     float32    `yaml:"score"`
	Class     int        `yaml:"class"`
	Landmarks []float32  `yaml:"landmarks,flow"`
}

func loadBatch(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var b batchFile
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if b.Priors <= 0 || b.Classes <= 0 || len(b.Items) == 0 {
		return nil, errors.Errorf("%s needs positive priors and classes and at least one item", path)
	}
	return &b, nil
}

// tensors concatenates the items into batch-major tensors.
func (b *batchFile) tensors(locC int, p inference.Precision) ([]*tensor.Dense, error) {
	var bx, sc, lm []float32
	for _, item := range b.Items {
		bx = append(bx, item.Boxes...)
		sc = append(sc, item.Scores...)
		lm = append(lm, item.Landmarks...)
	}
	n := len(b.Items)
	dims := []inference.Dims{
		{n, b.Priors, locC, 4},
		{n, b.Priors, b.Classes},
		{n, b.Priors, 2 * b.Landmarks},
	}
	out := make([]*tensor.Dense, 3)
	for i, data := range [][]float32{bx, sc, lm} {
		t, err := inference.FromFloat32(data, dims[i], p)
		if err != nil {
			return nil, errors.WithMessagef(err, "input %d", i)
		}
		out[i] = t
	}
	return out, nil
}

func newRunCmd() *cobra.Command {
	var opts pluginOptions
	var input string
	var repeat int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run suppression over a YAML batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if repeat < 1 {
				return errors.Errorf("repeat must be positive, got %d", repeat)
			}
			batch, err := loadBatch(input)
			if err != nil {
				return err
			}
			opts.priors, opts.classes, opts.landmarks, opts.batch = batch.Priors, batch.Classes, batch.Landmarks, len(batch.Items)
			p, err := opts.newPlugin()
			if err != nil {
				return err
			}

			s, err := opts.session(p)
			if err != nil {
				return err
			}
			defer s.Close()

			inputs, err := batch.tensors(locClasses(p, batch.Classes), s.Precision())
			if err != nil {
				return err
			}
			var out *host.Output
			for i := 0; i < repeat; i++ {
				if out, err = s.Run(cmd.Context(), inputs); err != nil {
					return err
				}
			}
			s.Profiler().Log(logging.Default().WithField("component", "nmslm"))

			result := make([][]detectionReport, out.Batch())
			for item := range result {
				dets, err := out.Detections(item)
				if err != nil {
					return err
				}
				result[item] = make([]detectionReport, len(dets))
				for i, d := range dets {
					result[item][i] = detectionReport{
						Box:       [4]float32{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2},
						Score:     d.Score,
						Class:     d.Class,
						Landmarks: d.Landmarks,
					}
				}
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(map[string]interface{}{"detections": result}); err != nil {
				return errors.Wrap(err, "encode detections")
			}
			return errors.Wrap(enc.Close(), "flush detections")
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVarP(&input, "input", "i", "", "YAML batch file")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "run the batch this many times and log timings")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
