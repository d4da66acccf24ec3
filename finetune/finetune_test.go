package finetune

import (
	"image"
	"image/png"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distcv/xtrain/distributed"
	"github.com/distcv/xtrain/track"
	"github.com/distcv/xtrain/wf"
)

func TestPhaseOfEpoch(t *testing.T) {
	// Default schedule: 2 warmup epochs means only epoch 1 is frozen.
	assert.Equal(t, PhaseWarmup, PhaseOfEpoch(1, 2))
	for epoch := 2; epoch <= 10; epoch++ {
		assert.Equal(t, PhaseFineTune, PhaseOfEpoch(epoch, 2))
	}

	// No warmup at all.
	assert.Equal(t, PhaseFineTune, PhaseOfEpoch(1, 0))
	assert.Equal(t, PhaseFineTune, PhaseOfEpoch(1, 1))

	assert.Equal(t, "warmup", PhaseWarmup.String())
	assert.Equal(t, "fine-tune", PhaseFineTune.String())
}

func TestPlanEpochs(t *testing.T) {
	// Default schedule: warmup epoch 1, fine-tune 2..4, one switch per
	// phase, each at its first epoch.
	plan := planEpochs(2, 4)
	require.Len(t, plan, 4)
	assert.Equal(t, epochStep{Epoch: 1, Phase: PhaseWarmup, SwitchPhase: true}, plan[0])
	assert.Equal(t, epochStep{Epoch: 2, Phase: PhaseFineTune, SwitchPhase: true}, plan[1])
	for _, step := range plan[2:] {
		assert.Equal(t, PhaseFineTune, step.Phase)
		assert.False(t, step.SwitchPhase)
	}

	// Two total epochs with boundary 2: warmup trains {1}, fine-tune
	// visits exactly {2}.
	plan = planEpochs(2, 2)
	require.Len(t, plan, 2)
	assert.Equal(t, epochStep{Epoch: 1, Phase: PhaseWarmup, SwitchPhase: true}, plan[0])
	assert.Equal(t, epochStep{Epoch: 2, Phase: PhaseFineTune, SwitchPhase: true}, plan[1])

	plan = planEpochs(0, 3)
	switches := 0
	for _, step := range plan {
		assert.Equal(t, PhaseFineTune, step.Phase)
		if step.SwitchPhase {
			switches++
		}
	}
	assert.Equal(t, 1, switches)
}

// writeDataset creates a minimal data_wf/ train/test tree with 2
// classes and returns the data folder.
func writeDataset(t *testing.T) string {
	dataDir := t.TempDir()
	for _, split := range []string{wf.TrainSplit, wf.TestSplit} {
		for _, className := range []string{"bend", "fold"} {
			classDir := path.Join(dataDir, wf.DatasetDir, split, className)
			require.NoError(t, os.MkdirAll(classDir, 0755))
			f, err := os.Create(path.Join(classDir, "a.png"))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
			require.NoError(t, f.Close())
		}
	}
	return dataDir
}

func newTestRun(t *testing.T) *track.Run {
	run, err := track.New("test-run", t.TempDir(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = run.Close() })
	return run
}

func TestNewValidation(t *testing.T) {
	dataDir := writeDataset(t)
	run := newTestRun(t)
	coll := distributed.NewLocal()

	config := &Config{
		DataDir:       dataDir,
		OutputDir:     t.TempDir(),
		BatchSize:     2,
		TestBatchSize: 2,
		Epochs:        1,
		WarmupEpochs:  2,
		LearningRate:  0.01,
		Momentum:      0.5,
		LogInterval:   10,
	}
	trainer, err := New(config, nil, context.New(), coll, run)
	require.NoError(t, err)
	assert.Equal(t, 2, trainer.numClasses)
	assert.Equal(t, 2, trainer.trainDS.ShardSize())

	bad := *config
	bad.BatchSize = 0
	_, err = New(&bad, nil, context.New(), coll, run)
	require.Error(t, err)

	bad = *config
	bad.Epochs = 0
	_, err = New(&bad, nil, context.New(), coll, run)
	require.Error(t, err)

	bad = *config
	bad.DataDir = t.TempDir()
	_, err = New(&bad, nil, context.New(), coll, run)
	require.Error(t, err)
}

func TestNewFindsWeightsNextToDataset(t *testing.T) {
	dataDir := writeDataset(t)
	config := &Config{
		DataDir: dataDir, OutputDir: t.TempDir(),
		BatchSize: 1, TestBatchSize: 1, Epochs: 1,
	}

	// Weights nested inside data_wf/ are not part of the layout and
	// must be ignored.
	misplaced := path.Join(dataDir, wf.DatasetDir, PretrainedWeightsFile)
	require.NoError(t, os.MkdirAll(path.Dir(misplaced), 0755))
	require.NoError(t, os.WriteFile(misplaced, []byte("not a weights bundle"), 0644))
	_, err := New(config, nil, context.New(), distributed.NewLocal(), newTestRun(t))
	require.NoError(t, err)

	// A file at the real location, next to data_wf/, is picked up:
	// this garbage one must fail the load.
	weightsPath := path.Join(dataDir, PretrainedWeightsFile)
	require.NoError(t, os.MkdirAll(path.Dir(weightsPath), 0755))
	require.NoError(t, os.WriteFile(weightsPath, []byte("not a weights bundle"), 0644))
	_, err = New(config, nil, context.New(), distributed.NewLocal(), newTestRun(t))
	require.Error(t, err)
}

func TestNewRejectsMismatchedSplits(t *testing.T) {
	dataDir := writeDataset(t)
	extraDir := path.Join(dataDir, wf.DatasetDir, wf.TestSplit, "weld")
	require.NoError(t, os.MkdirAll(extraDir, 0755))
	f, err := os.Create(path.Join(extraDir, "a.png"))
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewNRGBA(image.Rect(0, 0, 4, 4))))
	require.NoError(t, f.Close())

	_, err = New(&Config{
		DataDir: dataDir, OutputDir: t.TempDir(),
		BatchSize: 1, TestBatchSize: 1, Epochs: 1,
	}, nil, context.New(), distributed.NewLocal(), newTestRun(t))
	require.Error(t, err)
}
