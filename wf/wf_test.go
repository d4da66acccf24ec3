package wf

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestSplit writes a tiny dataset split under <dir>/data_wf/ and
// returns the data folder.
func buildTestSplit(t *testing.T, split string, countsPerClass map[string]int) string {
	baseDir := t.TempDir()
	for className, count := range countsPerClass {
		classDir := path.Join(baseDir, DatasetDir, split, className)
		require.NoError(t, os.MkdirAll(classDir, 0755))
		for i := 0; i < count; i++ {
			img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
			img.Set(i%8, i%8, color.NRGBA{R: 255, A: 255})
			f, err := os.Create(path.Join(classDir, "img_"+string(rune('a'+i))+".png"))
			require.NoError(t, err)
			require.NoError(t, png.Encode(f, img))
			require.NoError(t, f.Close())
		}
	}
	return baseDir
}

func TestScan(t *testing.T) {
	baseDir := buildTestSplit(t, TrainSplit, map[string]int{
		"fold": 4, "bend": 2, "weld": 2,
	})
	idx, err := Scan(baseDir, TrainSplit)
	require.NoError(t, err)

	// Classes must come out sorted, independent of scanning order.
	assert.Equal(t, []string{"bend", "fold", "weld"}, idx.Classes)
	assert.Equal(t, []int{2, 4, 2}, idx.Counts)
	assert.Equal(t, 8, idx.NumExamples())
	assert.Equal(t, 3, idx.NumClasses())

	for _, example := range idx.Examples {
		assert.Equal(t, idx.Classes[example.Label], path.Base(path.Dir(example.Path)))
	}
}

func TestScanErrors(t *testing.T) {
	_, err := Scan(t.TempDir(), TrainSplit)
	require.Error(t, err)

	// A split with class directories but no images is also an error.
	baseDir := t.TempDir()
	require.NoError(t, os.MkdirAll(path.Join(baseDir, DatasetDir, TestSplit, "fold"), 0755))
	_, err = Scan(baseDir, TestSplit)
	require.Error(t, err)
}

func TestScanLayout(t *testing.T) {
	// The splits live under <data-folder>/data_wf, never directly under
	// the data folder, so weights/ can sit next to data_wf/.
	baseDir := buildTestSplit(t, TrainSplit, map[string]int{"fold": 1})
	_, err := Scan(baseDir, TrainSplit)
	require.NoError(t, err)
	_, err = Scan(path.Join(baseDir, DatasetDir), TrainSplit)
	require.Error(t, err)
}

func TestClassWeights(t *testing.T) {
	baseDir := buildTestSplit(t, TrainSplit, map[string]int{
		"fold": 4, "bend": 2, "weld": 2,
	})
	idx, err := Scan(baseDir, TrainSplit)
	require.NoError(t, err)

	// 8 examples, 3 classes: weight[c] = 8 / (3*count[c]).
	weights := idx.ClassWeights()
	require.Len(t, weights, 3)
	assert.InDelta(t, 8.0/6.0, weights[0], 1e-6)
	assert.InDelta(t, 8.0/12.0, weights[1], 1e-6)
	assert.InDelta(t, 8.0/6.0, weights[2], 1e-6)

	weightsT := idx.ClassWeightsTensor()
	assert.Equal(t, []int{3}, weightsT.Shape().Dimensions)
}

func TestDatasetSharding(t *testing.T) {
	baseDir := buildTestSplit(t, TrainSplit, map[string]int{
		"fold": 5, "bend": 5,
	})
	idx, err := Scan(baseDir, TrainSplit)
	require.NoError(t, err)

	const worldSize = 3
	shards := make([]*Dataset, worldSize)
	for rank := 0; rank < worldSize; rank++ {
		shards[rank] = NewDataset("train", idx, nil, 2, 8, 8,
			true /* shuffle */, rank, worldSize, 42, dtypes.Float32)
	}

	// Together the shards cover every example exactly once.
	seen := make(map[int]int)
	total := 0
	for _, ds := range shards {
		ds.SetEpoch(1)
		total += ds.ShardSize()
		for _, exampleIdx := range ds.shard {
			seen[exampleIdx]++
		}
	}
	assert.Equal(t, idx.NumExamples(), total)
	require.Len(t, seen, idx.NumExamples())
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}

	// Same (seed, epoch) always generates the same shard.
	before := append([]int(nil), shards[1].shard...)
	shards[1].SetEpoch(2)
	after2 := append([]int(nil), shards[1].shard...)
	shards[1].SetEpoch(1)
	assert.Equal(t, before, shards[1].shard)
	assert.NotEqual(t, before, after2)
}

func TestDatasetYield(t *testing.T) {
	baseDir := buildTestSplit(t, TestSplit, map[string]int{
		"fold": 3, "bend": 2,
	})
	idx, err := Scan(baseDir, TestSplit)
	require.NoError(t, err)

	ds := NewDataset("test", idx, idx.ClassWeights(), 2, 8, 8,
		false /* shuffle */, 0, 1, 42, dtypes.Float32)

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	require.Len(t, labels, 2)
	assert.Equal(t, []int{2, 8, 8, 3}, inputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 1}, labels[0].Shape().Dimensions)
	assert.Equal(t, []int{2}, labels[1].Shape().Dimensions)

	_, _, _, err = ds.Yield()
	require.NoError(t, err)

	// 5 examples with batch size 2: the final partial batch is a
	// regular yield, io.EOF only comes once the shard is exhausted.
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 8, 3}, inputs[0].Shape().Dimensions)

	_, _, _, err = ds.Yield()
	require.Equal(t, io.EOF, err)

	ds.Reset()
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 8, 3}, inputs[0].Shape().Dimensions)
}

// countBatches drains the dataset the way a training loop does: a
// yield accompanied by io.EOF would be dropped, so every batch must
// arrive with a nil error.
func countBatches(t *testing.T, ds *Dataset) int {
	batches := 0
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			require.Nil(t, inputs)
			return batches
		}
		require.NoError(t, err)
		batches++
	}
}

func TestDatasetVisitsEveryBatch(t *testing.T) {
	baseDir := buildTestSplit(t, TrainSplit, map[string]int{
		"fold": 3, "bend": 2,
	})
	idx, err := Scan(baseDir, TrainSplit)
	require.NoError(t, err)

	// 5 examples, batch 2: three batches per epoch.
	ds := NewDataset("train", idx, nil, 2, 8, 8,
		true /* shuffle */, 0, 1, 42, dtypes.Float32)
	ds.SetEpoch(1)
	assert.Equal(t, 3, countBatches(t, ds))

	// An exact multiple of the batch size, including a shard no larger
	// than one batch, still trains all of its batches.
	ds = NewDataset("train", idx, nil, 5, 8, 8,
		true /* shuffle */, 0, 1, 42, dtypes.Float32)
	ds.SetEpoch(1)
	assert.Equal(t, 1, countBatches(t, ds))

	ds.Reset()
	assert.Equal(t, 1, countBatches(t, ds))
}
