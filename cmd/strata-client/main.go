package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/strataviz/strata/pkg/client"
	"github.com/strataviz/strata/pkg/modelgraph"
	"github.com/strataviz/strata/pkg/record"
	"github.com/strataviz/strata/pkg/stream"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverURL := os.Getenv("STRATA_SERVER")
	if serverURL == "" {
		serverURL = "http://127.0.0.1:8000"
	}
	flag.StringVar(&serverURL, "server", serverURL, "base url of the strata server")
	model := ""
	flag.StringVar(&model, "model", model, "model to load before running; empty uses the loaded model")
	input := ""
	flag.StringVar(&input, "input", input, "raw model input")
	hint := string(modelgraph.HintTensor)
	flag.StringVar(&hint, "input-type", hint, "input type: image, text or tensor")
	batchWindow := stream.DefaultBatchWindow
	flag.DurationVar(&batchWindow, "batch-window", batchWindow, "records arriving within this window are printed together")
	timeout := stream.DefaultTimeout
	flag.DurationVar(&timeout, "timeout", timeout, "give up if the run has not finished after this long")
	save := ""
	flag.StringVar(&save, "save", save, "if set, export the last captured layer to this path or gs:// object")

	klog.InitFlags(nil)
	flag.Parse()

	if input == "" {
		return fmt.Errorf("must specify --input")
	}

	c, err := client.New(serverURL, nil)
	if err != nil {
		return err
	}

	if model != "" {
		summary, err := c.LoadModel(ctx, model)
		if err != nil {
			return fmt.Errorf("loading model: %w", err)
		}
		klog.Infof("loaded %s model %q with %d operations and %d parameters", summary.ModelType, summary.Path, len(summary.Nodes), summary.TotalParams)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s, err := c.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	// The run blocks until it finishes, so records are consumed concurrently.
	type consumed struct {
		result *stream.Result
		err    error
	}
	done := make(chan consumed, 1)
	consumer := &stream.Consumer{Source: s, BatchWindow: batchWindow, Timeout: timeout}
	go func() {
		result, err := consumer.Consume(ctx, printBatch)
		done <- consumed{result, err}
	}()

	start := time.Now()
	run, runErr := c.RunInference(ctx, input, modelgraph.Hint(hint))
	if run == nil && runErr != nil {
		return fmt.Errorf("running inference: %w", runErr)
	}
	klog.Infof("run %s captured %d layers in %v", run.RunID, len(run.LayerIDs), time.Since(start))

	out := <-done
	if out.err != nil {
		return fmt.Errorf("consuming run: %w", out.err)
	}
	fmt.Printf("run %s: %d records in %d batches\n", out.result.RunID, out.result.Records, out.result.Batches)
	if runErr != nil {
		return fmt.Errorf("running inference: %w", runErr)
	}

	if save != "" && len(run.LayerIDs) > 0 {
		last := run.LayerIDs[len(run.LayerIDs)-1]
		size, err := c.EstimateSize(ctx, last)
		if err != nil {
			return err
		}
		dest, err := c.SaveTensor(ctx, last, save)
		if err != nil {
			return fmt.Errorf("saving %q: %w", last, err)
		}
		fmt.Printf("saved %s (about %s) to %s\n", last, size.HumanReadable, dest)
	}
	return nil
}

func printBatch(batch []*record.LayerRecord) {
	for _, rec := range batch {
		fmt.Printf("%-40s %-16s %v -> %v mean=%.6g std=%.6g\n",
			rec.DisplayName, rec.OperationKind, rec.InputShape, rec.OutputShape, rec.Stats.Mean, rec.Stats.Std)
	}
	fmt.Printf("-- batch of %d\n", len(batch))
}
