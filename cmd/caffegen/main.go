// caffegen generates, dumps and sanity checks synthetic Caffe models.
//
// Usage:
//
//	caffegen -prototxt=deploy.prototxt -caffemodel=model.caffemodel -gen_caffemodel
//	caffegen -prototxt=dump.prototxt -caffemodel=model.caffemodel -gen_prototxt
//	caffegen -prototxt=deploy.prototxt -caffemodel=model.caffemodel -forward
//	caffegen -prototxt=dump.prototxt -caffemodel=copy.caffemodel -gen_caffemodel -from_text
//
// -gen_Caffemodel and -gen_Prototxt are accepted as aliases of -gen_caffemodel
// and -gen_prototxt.
//
// Modes combine and run in the order generate, dump, forward. With
// -gen_prototxt, -prototxt names the text file written, so combining it with
// the other modes overwrites the topology.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/born-ml/caffegen/caffemodel"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagPrototxt   = flag.String("prototxt", "", "Topology prototxt to read, or with -gen_prototxt the text file to write.")
	flagCaffemodel = flag.String("caffemodel", "", "Binary model to write with -gen_caffemodel, or to read otherwise.")
	flagGenModel   = flag.Bool("gen_caffemodel", false, "Synthesize weights for -prototxt and write them to -caffemodel.")
	flagGenText    = flag.Bool("gen_prototxt", false, "Decode -caffemodel and write it as text to -prototxt.")
	flagForward    = flag.Bool("forward", false, "Run one forward pass of -prototxt with the weights of -caffemodel.")
	flagSeed       = flag.Int64("seed", -1, "Random seed for synthesis and the forward input. -1 = random.")
	flagBlobs      = flag.String("blobs", "conv_blob64,p1_concat_mbox_conf_perm",
		"Comma-separated blobs to report after -forward.")
	flagSamples  = flag.Int("samples", 2, "Values reported per blob after -forward.")
	flagSummary  = flag.Bool("summary", false, "Print a summary of the generated model.")
	flagProgress = flag.Bool("progress", false, "Show a progress bar while synthesizing.")
	flagDeclared = flag.Bool("declared_shapes", false,
		"Fill the blob shapes declared in -prototxt instead of inferring them. Needed for layer types without shape inference.")
	flagFromText = flag.Bool("from_text", false,
		"With -gen_caffemodel, encode the text model in -prototxt as is instead of synthesizing weights.")
)

func init() {
	flag.BoolVar(flagGenModel, "gen_Caffemodel", false, "Alias of -gen_caffemodel.")
	flag.BoolVar(flagGenText, "gen_Prototxt", false, "Alias of -gen_prototxt.")
}

// options holds the parsed command line.
type options struct {
	prototxt   string
	caffemodel string
	genModel   bool
	genText    bool
	fwd        bool
	seed       int64
	blobs      []string
	samples    int
	summary    bool
	progress   bool
	declared   bool
	fromText   bool
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s -prototxt=FILE -caffemodel=FILE [-gen_caffemodel [-from_text]] [-gen_prototxt] [-forward]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	opts := options{
		prototxt:   *flagPrototxt,
		caffemodel: *flagCaffemodel,
		genModel:   *flagGenModel,
		genText:    *flagGenText,
		fwd:        *flagForward,
		seed:       *flagSeed,
		blobs:      splitList(*flagBlobs),
		samples:    *flagSamples,
		summary:    *flagSummary,
		progress:   *flagProgress,
		declared:   *flagDeclared,
		fromText:   *flagFromText,
	}
	if opts.prototxt == "" || opts.caffemodel == "" {
		klog.Errorf("Both -prototxt and -caffemodel are required. See 'caffegen -help'.")
		os.Exit(1)
	}

	fmt.Printf("<CMD> %s\n", strings.Join(os.Args, " "))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, opts, os.Stdout); err != nil {
		klog.Errorf("%+v", err)
		stop()
		os.Exit(1)
	}
}

// run executes the requested modes in order, writing reports to w.
func run(ctx context.Context, opts options, w io.Writer) error {
	if opts.genModel {
		if err := generate(opts, w); err != nil {
			return err
		}
	}
	if opts.genText {
		if err := caffemodel.Decode(opts.caffemodel, opts.prototxt); err != nil {
			return err
		}
		klog.Infof("wrote %s", opts.prototxt)
	}
	if opts.fwd {
		fopts := caffemodel.DefaultForwardOptions()
		fopts.Seed = opts.seed
		fopts.Samples = opts.samples
		samples, err := caffemodel.Forward(ctx, opts.prototxt, opts.caffemodel, opts.blobs, fopts)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, titleStyle.Render("Forward"))
		fmt.Fprintln(w, forwardTable(samples).Render())
	}
	return nil
}

func generate(opts options, w io.Writer) error {
	var (
		net *caffemodel.Net
		err error
	)
	if opts.fromText {
		net, err = caffemodel.Encode(opts.prototxt, opts.caffemodel)
	} else {
		net, err = synthesize(opts)
	}
	if err != nil {
		return errors.WithMessage(err, "generating model")
	}
	klog.Infof("wrote %s", opts.caffemodel)

	if opts.summary {
		s := caffemodel.Summarize(net)
		fmt.Fprintln(w, titleStyle.Render("Summary"))
		fmt.Fprintln(w, summaryTable(opts.caffemodel, s).Render())
		fmt.Fprintln(w, titleStyle.Render("Layers"))
		fmt.Fprintln(w, layersTable(s).Render())
	}
	return nil
}

func synthesize(opts options) (*caffemodel.Net, error) {
	gopts := caffemodel.DefaultGenerateOptions()
	gopts.Seed = opts.seed
	gopts.DeclaredShapes = opts.declared

	var bar *progressbar.ProgressBar
	gopts.Observer = func(_, total int, layer *caffemodel.Layer) {
		if opts.progress {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetDescription("synthesizing"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionShowCount(),
				)
			}
			bar.Describe(layer.Name)
			_ = bar.Add(1)
			return
		}
		if len(layer.Blobs) > 0 {
			klog.Infof("name: %s, type: %s, blobs: %d", layer.Name, layer.Type, len(layer.Blobs))
		}
	}

	net, err := caffemodel.Generate(opts.prototxt, opts.caffemodel, gopts)
	if bar != nil {
		_ = bar.Finish()
	}
	return net, err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
