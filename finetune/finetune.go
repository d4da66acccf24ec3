// Package finetune drives the two-phase, data-parallel fine-tuning of
// the Xception classifier: a warmup phase training only the classifier
// head on top of the frozen pre-trained body, followed by epochs
// training the whole network. After every epoch the model is evaluated
// on the test split and a snapshot of the weights is written.
package finetune

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/distcv/xtrain/distributed"
	"github.com/distcv/xtrain/sgdm"
	"github.com/distcv/xtrain/snapshot"
	"github.com/distcv/xtrain/track"
	"github.com/distcv/xtrain/wf"
	"github.com/distcv/xtrain/xception"
)

// PretrainedWeightsFile is where the pre-trained body weights are
// looked up, relative to the data folder.
const PretrainedWeightsFile = "weights/xception_imagenet.pth"

// Config holds the training hyperparameters and collaborators. All
// fields must be set, see the command-line flags for the usual values.
type Config struct {
	// DataDir holds the dataset under data_wf/ and optionally the
	// pre-trained weights under weights/, next to it.
	DataDir string

	// OutputDir is where per-epoch snapshots are written.
	OutputDir string

	BatchSize     int
	TestBatchSize int

	// Epochs to train, 1-based and inclusive. WarmupEpochs sets the
	// first fine-tuning epoch: epochs before it train the classifier
	// head only.
	Epochs       int
	WarmupEpochs int

	// LearningRate for a single worker. It is scaled by the number of
	// workers, since the effective batch grows with them.
	LearningRate float64
	Momentum     float64

	// Seed for the dataset shuffling. Must match across workers.
	Seed int64

	// LogInterval is the number of training steps between loss reports.
	LogInterval int
}

// Trainer owns the state of one fine-tuning session.
type Trainer struct {
	config  *Config
	backend backends.Backend
	ctx     *context.Context
	coll    distributed.Collective
	run     *track.Run

	trainIndex, testIndex *wf.Index
	trainDS, testDS       *wf.Dataset
	numClasses            int

	evalExec *context.Exec
}

// New validates the config and prepares a Trainer. The context must be
// fresh: variables are created on the first graph build, initialized
// from the pre-trained weights when available.
func New(config *Config, backend backends.Backend, ctx *context.Context,
	coll distributed.Collective, run *track.Run) (*Trainer, error) {
	if config.BatchSize <= 0 || config.TestBatchSize <= 0 {
		return nil, errors.Errorf("batch sizes must be > 0, got train=%d test=%d",
			config.BatchSize, config.TestBatchSize)
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be > 0, got %d", config.Epochs)
	}

	trainIndex, err := wf.Scan(config.DataDir, wf.TrainSplit)
	if err != nil {
		return nil, err
	}
	testIndex, err := wf.Scan(config.DataDir, wf.TestSplit)
	if err != nil {
		return nil, err
	}
	if testIndex.NumClasses() != trainIndex.NumClasses() {
		return nil, errors.Errorf("train split has %d classes but test split has %d",
			trainIndex.NumClasses(), testIndex.NumClasses())
	}

	t := &Trainer{
		config:     config,
		backend:    backend,
		ctx:        ctx,
		coll:       coll,
		run:        run,
		trainIndex: trainIndex,
		testIndex:  testIndex,
		numClasses: trainIndex.NumClasses(),
	}
	t.trainDS = wf.NewDataset("train", trainIndex, trainIndex.ClassWeights(),
		config.BatchSize, xception.InputImageSize, xception.InputImageSize,
		true, coll.Rank(), coll.Size(), config.Seed, dtypes.Float32)
	t.testDS = wf.NewDataset("test", testIndex, trainIndex.ClassWeights(),
		config.TestBatchSize, xception.InputImageSize, xception.InputImageSize,
		false, coll.Rank(), coll.Size(), config.Seed, dtypes.Float32)

	if err = t.loadPretrainedWeights(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trainer) loadPretrainedWeights() error {
	weightsPath := path.Join(t.config.DataDir, PretrainedWeightsFile)
	if _, err := os.Stat(weightsPath); err != nil {
		klog.Warningf("no pre-trained weights at %q, training from random initialization", weightsPath)
		return nil
	}
	loader, err := snapshot.NewLoader(weightsPath)
	if err != nil {
		return err
	}
	loader.Attach(t.ctx)
	klog.Infof("pre-trained weights will be loaded from %q", weightsPath)
	return nil
}

// modelFn implements train.ModelFn.
func (t *Trainer) modelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return []*Node{xception.BuildGraph(ctx, inputs[0], t.numClasses)}
}

// Run trains for the configured number of epochs, evaluating and
// snapshotting after each one. It blocks until training finishes.
func (t *Trainer) Run() error {
	cfg := t.config

	// Worker count scales the effective batch size, so scale the
	// learning rate with it.
	learningRate := cfg.LearningRate * float64(t.coll.Size())
	if t.coll.Size() > 1 {
		klog.Infof("training with %d workers, learning rate scaled to %g", t.coll.Size(), learningRate)
	}

	if err := t.materializeVariables(); err != nil {
		return err
	}
	if err := t.coll.BroadcastVariables(t.ctx); err != nil {
		return errors.WithMessage(err, "failed to broadcast initial variables")
	}

	newTrainer := func() *train.Trainer {
		optimizer := sgdm.New().
			WithLearningRate(learningRate).
			WithMomentum(cfg.Momentum).
			Done()
		return train.NewTrainer(t.backend, t.ctx, t.modelFn,
			losses.SparseCategoricalCrossEntropyLogits,
			optimizer,
			nil, // trainMetrics: the trainer always reports the loss.
			[]metrics.Interface{metrics.NewSparseCategoricalAccuracy("accuracy", "#acc")})
	}

	var trainer *train.Trainer
	for _, step := range planEpochs(cfg.WarmupEpochs, cfg.Epochs) {
		if step.SwitchPhase {
			changed := xception.SetFeaturesTrainable(t.ctx, step.Phase != PhaseWarmup)
			klog.Infof("epoch %d starts the %s phase (%d body variables switched)",
				step.Epoch, step.Phase, changed)
			trainer = newTrainer()
		}
		if err := t.trainEpoch(trainer, step.Epoch); err != nil {
			return errors.WithMessagef(err, "training failed at epoch %d", step.Epoch)
		}
		if err := t.evaluate(); err != nil {
			return errors.WithMessagef(err, "evaluation failed after epoch %d", step.Epoch)
		}
		if err := t.saveSnapshot(); err != nil {
			return errors.WithMessagef(err, "snapshot failed after epoch %d", step.Epoch)
		}
	}
	return nil
}

// materializeVariables runs one forward pass on a zero batch so every
// model variable exists before training starts. This makes the
// pre-trained weights load, lets the initial broadcast cover the whole
// model and allows freezing the body before the first optimizer step.
func (t *Trainer) materializeVariables() error {
	warmup := context.NewExec(t.backend, t.ctx, func(ctx *context.Context, images *Node) *Node {
		ctx.SetTraining(images.Graph(), false)
		return xception.BuildGraph(ctx, images, t.numClasses)
	})
	zeros := tensors.FromShape(imageBatchShape(1))
	return exceptions.TryCatch[error](func() {
		warmup.Call(zeros)
	})
}

func (t *Trainer) trainEpoch(trainer *train.Trainer, epoch int) error {
	cfg := t.config
	t.trainDS.SetEpoch(epoch)
	shardSize := t.trainDS.ShardSize()

	loop := train.NewLoop(trainer)
	if distributed.IsCoordinator(t.coll) {
		commandline.AttachProgressBar(loop)
	}
	distributed.AttachStepSync(loop, t.coll, t.ctx)
	if cfg.LogInterval > 0 {
		train.EveryNSteps(loop, cfg.LogInterval, "report training loss", 100,
			func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
				loss := float64(tensors.ToScalar[float32](stepMetrics[0]))
				seen := loop.LoopStep * cfg.BatchSize
				if seen > shardSize {
					seen = shardSize
				}
				klog.Infof("Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f",
					epoch, seen, shardSize, 100*float64(seen)/float64(shardSize), loss)
				t.run.Log("loss", loss)
				return nil
			})
	}
	_, err := loop.RunEpochs(t.trainDS, 1)
	return err
}

// evaluate computes the average loss and accuracy over the test split.
// Every worker evaluates its own shard, sums are divided by the shard
// size and then averaged across workers, loss first.
func (t *Trainer) evaluate() error {
	if t.evalExec == nil {
		t.evalExec = context.NewExec(t.backend, t.ctx.Reuse(), t.evalStepGraph)
	}
	t.testDS.Reset()
	var sumLoss, correct float64
	for {
		_, inputs, labels, err := t.testDS.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		var results []*tensors.Tensor
		execErr := exceptions.TryCatch[error](func() {
			results = t.evalExec.Call(inputs[0], labels[0], labels[1])
		})
		if execErr != nil {
			return execErr
		}
		sumLoss += tensors.ToScalar[float64](results[0])
		correct += tensors.ToScalar[float64](results[1])
	}

	shardSize := float64(t.testDS.ShardSize())
	avgLoss, err := t.coll.AllReduceMean("avg_loss", sumLoss/shardSize)
	if err != nil {
		return err
	}
	accuracy, err := t.coll.AllReduceMean("avg_accuracy", correct/shardSize)
	if err != nil {
		return err
	}

	t.run.Log("val_loss", avgLoss)
	t.run.Log("val_acc", accuracy)
	if distributed.IsCoordinator(t.coll) {
		fmt.Printf("Test set: Average loss: %.4f, Accuracy: %.2f%%\n", avgLoss, 100*accuracy)
	}
	return nil
}

// evalStepGraph computes the summed loss and the number of correct
// predictions of one batch.
func (t *Trainer) evalStepGraph(ctx *context.Context, images, labels, weights *Node) []*Node {
	g := images.Graph()
	ctx.SetTraining(g, false)
	logits := xception.BuildGraph(ctx, images, t.numClasses)
	lossPerExample := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{labels, weights}, []*Node{logits})
	sumLoss := ConvertDType(ReduceAllSum(lossPerExample), dtypes.Float64)
	choices := ArgMax(logits, -1, dtypes.Int32)
	hits := Equal(choices, Reshape(labels, labels.Shape().Dimensions[0]))
	correct := ReduceAllSum(ConvertDType(hits, dtypes.Float64))
	return []*Node{sumLoss, correct}
}

// saveSnapshot writes the model weights under the output directory.
// Only the coordinator writes. The step synchronization averages the
// trainable variables, so ranks differ only in non-trainable state;
// the snapshot carries the coordinator's batch-norm moving statistics.
func (t *Trainer) saveSnapshot() error {
	if !distributed.IsCoordinator(t.coll) {
		return nil
	}
	if err := os.MkdirAll(t.config.OutputDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", t.config.OutputDir)
	}
	filePath := path.Join(t.config.OutputDir, snapshot.FileName(time.Now()))
	if err := snapshot.Write(t.ctx, filePath); err != nil {
		return err
	}
	klog.Infof("saved snapshot to %s", filePath)
	return nil
}

func imageBatchShape(batchSize int) shapes.Shape {
	return shapes.Make(dtypes.Float32, batchSize,
		xception.InputImageSize, xception.InputImageSize, 3)
}
