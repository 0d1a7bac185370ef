package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-nms/host"
	"github.com/nvr-ai/go-nms/inference"
	"github.com/nvr-ai/go-nms/params"
	"github.com/nvr-ai/go-nms/plugin"
)

// pluginOptions selects and configures a façade from flags.
type pluginOptions struct {
	name      string
	config    string
	priors    int
	classes   int
	landmarks int
	batch     int
	precision string
}

func (o *pluginOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.name, "plugin", plugin.NameDynamic, "plugin name")
	f.StringVarP(&o.config, "config", "c", "", "YAML parameter file (defaults when empty)")
	f.IntVar(&o.priors, "priors", 0, "priors per item; configures the plugin when positive")
	f.IntVar(&o.classes, "classes", 0, "score classes (the parameter value when zero)")
	f.IntVar(&o.landmarks, "landmarks", 5, "landmarks per prior")
	f.IntVar(&o.batch, "batch", 1, "batch size, the maximum for the fixed-batch plugin")
	f.StringVar(&o.precision, "precision", string(inference.PrecisionFP32), "tensor precision (FP32 or FP16)")
}

// newPlugin creates the selected façade from the parameter file.
func (o *pluginOptions) newPlugin() (plugin.Plugin, error) {
	var data []byte
	if o.config != "" {
		var err error
		if data, err = os.ReadFile(o.config); err != nil {
			return nil, errors.Wrapf(err, "read %s", o.config)
		}
	}

	switch o.name {
	case plugin.NameEfficient:
		e := plugin.DefaultEfficientParameters()
		if err := yaml.Unmarshal(data, &e); err != nil {
			return nil, errors.Wrapf(err, "decode %s", o.config)
		}
		return plugin.NewEfficient(e)
	case plugin.NameBatched, plugin.NameDynamic:
		p := params.DefaultParameters()
		if data != nil {
			var err error
			if p, err = params.Parse(data); err != nil {
				return nil, errors.WithMessagef(err, "config %s", o.config)
			}
		}
		if o.name == plugin.NameBatched {
			return plugin.NewFixedBatch(p, o.batch)
		}
		return plugin.NewDynamic(p)
	default:
		_, err := plugin.NewCreator(o.name)
		return nil, err
	}
}

// locClasses returns the box rows per prior of p.
func locClasses(p plugin.Plugin, classes int) int {
	if v, ok := p.(interface{ Parameters() params.NMSParameters }); ok && !v.Parameters().ShareLocation {
		return classes
	}
	return 1
}

// session configures p for the flag shapes and returns the built session.
func (o *pluginOptions) session(p plugin.Plugin) (*host.Session, error) {
	classes := o.classes
	if classes == 0 {
		if v, ok := p.(interface{ Parameters() params.NMSParameters }); ok {
			classes = int(v.Parameters().NumClasses)
		}
	}
	return host.NewSessionBuilder().
		WithPlugin(p).
		WithInputs(
			inference.Dims{o.batch, o.priors, locClasses(p, classes), 4},
			inference.Dims{o.batch, o.priors, classes},
			inference.Dims{o.batch, o.priors, 2 * o.landmarks},
		).
		Negotiate(inference.Precision(o.precision)).
		Build()
}

func newSerializeCmd() *cobra.Command {
	var opts pluginOptions
	var out string
	cmd := &cobra.Command{
		Use:   "serialize",
		Short: "Write the serialized form of a plugin",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.newPlugin()
			if err != nil {
				return err
			}
			if opts.priors > 0 {
				s, err := opts.session(p)
				if err != nil {
					return err
				}
				defer s.Close()
			}

			blob := p.Serialize()
			if out == "" {
				fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(blob))
				return nil
			}
			if err := os.WriteFile(out, blob, 0o644); err != nil {
				return errors.Wrapf(err, "write %s", out)
			}
			return nil
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (hex on stdout when empty)")
	return cmd
}

// report is the inspect output.
type report struct {
	Plugin     string                      `yaml:"plugin"`
	Version    string                      `yaml:"version"`
	Size       int                         `yaml:"size"`
	Outputs    int                         `yaml:"outputs"`
	Priors     int                         `yaml:"priors"`
	MaxBatch   int                         `yaml:"max_batch,omitempty"`
	Precision  inference.Precision         `yaml:"precision"`
	Parameters params.NMSParameters        `yaml:"parameters"`
	Efficient  *plugin.EfficientParameters `yaml:"efficient,omitempty"`
}

func newInspectCmd() *cobra.Command {
	var name string
	var isHex bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode a serialized plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return errors.Wrapf(err, "read %s", args[0])
			}
			if isHex {
				if blob, err = hex.DecodeString(string(bytes.TrimSpace(blob))); err != nil {
					return errors.Wrap(err, "decode hex")
				}
			}

			c, err := plugin.NewCreator(name)
			if err != nil {
				return err
			}
			p, err := c.DeserializePlugin(args[0], blob)
			if err != nil {
				return err
			}

			r := report{
				Plugin:  p.PluginType(),
				Version: p.PluginVersion(),
				Size:    p.SerializationSize(),
				Outputs: p.NbOutputs(),
			}
			switch v := p.(type) {
			case *plugin.FixedBatch:
				r.Priors, r.Precision, r.Parameters = v.NumPriors(), v.Precision(), v.Parameters()
				r.MaxBatch = v.MaxBatchSize()
			case *plugin.Dynamic:
				r.Priors, r.Precision, r.Parameters = v.NumPriors(), v.Precision(), v.Parameters()
			case *plugin.Efficient:
				e := v.EfficientParameters()
				r.Priors, r.Precision, r.Parameters, r.Efficient = v.NumPriors(), v.Precision(), v.Parameters(), &e
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			if err := enc.Encode(r); err != nil {
				return errors.Wrap(err, "encode report")
			}
			return errors.Wrap(enc.Close(), "flush report")
		},
	}
	cmd.Flags().StringVar(&name, "plugin", plugin.NameDynamic, "plugin name")
	cmd.Flags().BoolVar(&isHex, "hex", false, "FILE holds hex as written by serialize")
	return cmd
}
