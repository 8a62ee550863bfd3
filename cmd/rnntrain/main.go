package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"k8s.io/examples/AI/fractal/pkg/blobs"
	"k8s.io/examples/AI/fractal/pkg/checkpoint"
	"k8s.io/examples/AI/fractal/pkg/engine/fallback"
	"k8s.io/examples/AI/fractal/pkg/optimizer"
	"k8s.io/examples/AI/fractal/pkg/rnn"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	architecture := os.Getenv("ARCHITECTURE")
	flag.StringVar(&architecture, "architecture", architecture, "path to the network architecture (JSON)")

	cacheBucket := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&cacheBucket, "cache-bucket", cacheBucket, "where to publish the checkpoint: gs://<bucketName>[/prefix] or a local directory")

	batchSize, numSteps := 16, 32
	flag.IntVar(&batchSize, "batch-size", batchSize, "sequences per batch")
	flag.IntVar(&numSteps, "num-steps", numSteps, "steps per window")

	batches, validationBatches := 100, 10
	flag.IntVar(&batches, "batches", batches, "training batches per epoch")
	flag.IntVar(&validationBatches, "validation-batches", validationBatches, "held-out batches")

	delay := 1
	scale := 1.0
	flag.IntVar(&delay, "delay", delay, "steps by which the target lags the input")
	flag.Float64Var(&scale, "scale", scale, "factor applied to the delayed input")

	options := optimizer.DefaultAutoOptions()
	rate, momentum := float64(options.Rate), float64(options.Momentum)
	flag.Float64Var(&rate, "rate", rate, "initial learning rate")
	flag.Float64Var(&momentum, "momentum", momentum, "Nesterov momentum, 0 to disable")
	flag.BoolVar(&options.Rmsprop, "rmsprop", false, "scale updates by the running RMS of the gradient")
	flag.BoolVar(&options.Adadelta, "adadelta", false, "use Adadelta updates")
	flag.IntVar(&options.MaxEpochs, "max-epochs", 100, "maximum number of epochs, 0 for no limit")

	var engineOptions fallback.Options
	flag.Int64Var(&engineOptions.Seed, "seed", 1, "seed for weights and data")
	flag.IntVar(&engineOptions.MaxStreams, "max-streams", 0, "maximum number of streams, 0 for the engine default")

	klog.InitFlags(nil)
	flag.Parse()

	options.Rate = float32(rate)
	options.Momentum = float32(momentum)

	log := klog.FromContext(ctx)

	if architecture == "" {
		return fmt.Errorf("must specify --architecture or the ARCHITECTURE env var")
	}
	a, err := rnn.LoadArchitecture(architecture)
	if err != nil {
		return err
	}

	var store blobs.Blobstore
	switch {
	case strings.HasPrefix(cacheBucket, "gs://"):
		gcs, err := blobs.ParseGCSURL(cacheBucket)
		if err != nil {
			return err
		}
		defer gcs.Close()
		store = gcs
	case cacheBucket != "":
		store = &blobs.LocalBlobstore{Dir: cacheBucket}
	default:
		return fmt.Errorf("must specify --cache-bucket or the CACHE_BUCKET env var")
	}

	e := fallback.New(engineOptions)
	defer e.Close()

	network, err := a.Build(ctx, e, rnn.Options{})
	if err != nil {
		return fmt.Errorf("building network: %w", err)
	}
	defer network.Close()

	inputSize := 0
	for _, p := range network.Inputs {
		if l, err := p.Layer(); err == nil {
			inputSize = l.Size()
		}
	}
	task := &echoTask{
		size:  inputSize,
		delay: delay,
		scale: float32(scale),
		rng:   rand.New(rand.NewSource(engineOptions.Seed)),
	}
	t, err := newTrainer(network, task, batchSize, numSteps, batches, validationBatches)
	if err != nil {
		return err
	}

	result, err := optimizer.NewAuto(options).Run(ctx, network.Rnn, t.train, t.evaluate)
	if err != nil {
		return fmt.Errorf("training: %w", err)
	}
	log.Info("finished training", "epochs", result.Epochs, "loss", result.BestLoss, "trainedEpochs", result.TrainedEpochs, "discardedEpochs", result.DiscardedEpochs, "rate", result.Rate)

	states, err := network.Rnn.SaveState(ctx)
	if err != nil {
		return err
	}
	info, err := checkpoint.Publish(ctx, store, states)
	if err != nil {
		return err
	}
	fmt.Println(info.Hash)
	return nil
}
