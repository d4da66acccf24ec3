// xception_train fine-tunes a pre-trained Xception image classifier on
// a workflow dataset, optionally data-parallel across several worker
// processes.
//
// The data folder must contain the dataset under data_wf/, with
// train/ and test/ splits of one sub-directory per class, and
// optionally the pre-trained weights next to it under
// weights/xception_imagenet.pth.
//
// To run distributed, start one process per worker with XTRAIN_RANK,
// XTRAIN_WORLD_SIZE and XTRAIN_COORDINATOR set; see package distributed.
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/xla"

	"github.com/distcv/xtrain/distributed"
	"github.com/distcv/xtrain/finetune"
	"github.com/distcv/xtrain/track"
	"github.com/distcv/xtrain/wf"
)

var (
	flagDataFolder = flag.String("data-folder", "data",
		"Data folder holding the data_wf/ dataset splits and the optional weights/ directory.")
	flagOutputDir  = flag.String("output-dir", "outputs", "Directory where per-epoch model snapshots are written.")

	flagBatchSize     = flag.Int("batch-size", 64, "Batch size per worker for training.")
	flagTestBatchSize = flag.Int("test-batch-size", 1000, "Batch size per worker for evaluation.")
	flagEpochs        = flag.Int("epochs", 10, "Number of epochs to train.")
	flagWarmupEpochs  = flag.Int("warmup-epochs", 2,
		"First epoch that trains the whole network; earlier epochs train the classifier head only.")
	flagLR       = flag.Float64("lr", 0.01, "Learning rate per worker. It is scaled by the number of workers.")
	flagMomentum = flag.Float64("momentum", 0.5, "SGD momentum.")
	flagNoCuda   = flag.Bool("no-cuda", false, "Force the CPU backend even when an accelerator is available.")
	flagSeed     = flag.Int64("seed", 42, "Dataset shuffling seed, must match across workers.")

	flagLogInterval = flag.Int("log-interval", 10, "Training steps between loss reports.")
	flagFP16        = flag.Bool("fp16-allreduce", false, "Compress gradient synchronization to float16 on the wire.")
	flagCheckData   = flag.Bool("check-data", false, "Decode every dataset image before training and fail on corrupt files.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	var backend backends.Backend
	if *flagNoCuda {
		backend = backends.NewWithConfig("xla:cpu")
	} else {
		backend = backends.New()
	}
	klog.V(1).Infof("backend %q: %s", backend.Name(), backend.Description())

	coll := must.M1(distributed.GroupFromEnv(*flagFP16))
	defer func() { _ = coll.Close() }()
	if coll.Size() > 1 {
		fmt.Printf("Worker %d of %d\n", coll.Rank(), coll.Size())
	}

	run := must.M1(track.FromEnv(*flagOutputDir, coll.Rank()))
	defer func() { _ = run.Close() }()

	if *flagCheckData {
		for _, split := range []string{wf.TrainSplit, wf.TestSplit} {
			idx := must.M1(wf.Scan(*flagDataFolder, split))
			if bad := idx.VerifyImages(distributed.IsCoordinator(coll)); len(bad) > 0 {
				klog.Fatalf("%s split has %d corrupt images, first: %s", split, len(bad), bad[0])
			}
		}
	}

	config := &finetune.Config{
		DataDir:       *flagDataFolder,
		OutputDir:     *flagOutputDir,
		BatchSize:     *flagBatchSize,
		TestBatchSize: *flagTestBatchSize,
		Epochs:        *flagEpochs,
		WarmupEpochs:  *flagWarmupEpochs,
		LearningRate:  *flagLR,
		Momentum:      *flagMomentum,
		Seed:          *flagSeed,
		LogInterval:   *flagLogInterval,
	}
	trainer := must.M1(finetune.New(config, backend, context.New(), coll, run))
	must.M(trainer.Run())
}
