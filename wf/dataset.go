package wf

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	timage "github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Dataset implements train.Dataset over an Index, yielding batches of
// images with their labels and per-example class weights.
//
// When running data-parallel, each of `size` workers sees a disjoint
// rank-strided shard of a permutation seeded identically on every
// worker, so together they cover the whole split exactly once per
// epoch. Call SetEpoch before each epoch to advance the permutation;
// all workers must pass the same epoch number.
type Dataset struct {
	name  string
	index *Index

	// Per-class weights indexed by label, applied per example.
	classWeights []float32

	batchSize     int
	width, height int
	shuffle       bool
	seed          int64
	rank, size    int

	dtype    dtypes.DType
	toTensor *timage.ToTensorConfig

	mu       sync.Mutex
	epoch    int
	shard    []int // Positions into index.Examples owned by this worker.
	position int
}

var (
	assertDataset *Dataset
	_             train.Dataset = assertDataset
)

// NewDataset creates a Dataset over the given index.
//
//   - classWeights: per-class weights (see Index.ClassWeights); nil means
//     every example weighs 1.
//   - shuffle: reshuffle the whole split on every SetEpoch. Evaluation
//     datasets should pass false to keep scanning order.
//   - rank, size: this worker's position in the group and the group size.
//     Single-process training passes 0, 1.
//   - seed: permutation seed, must be the same on every worker.
func NewDataset(name string, index *Index, classWeights []float32, batchSize, width, height int,
	shuffle bool, rank, size int, seed int64, dtype dtypes.DType) *Dataset {
	ds := &Dataset{
		name:         name,
		index:        index,
		classWeights: classWeights,
		batchSize:    batchSize,
		width:        width,
		height:       height,
		shuffle:      shuffle,
		seed:         seed,
		rank:         rank,
		size:         size,
		dtype:        dtype,
		toTensor:     timage.ToTensor(dtype),
	}
	ds.SetEpoch(0)
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// SetEpoch re-generates this worker's shard for the given epoch and
// rewinds the dataset. The permutation is a function of (seed, epoch)
// only, so workers that agree on those draw disjoint shards covering
// the whole split.
func (ds *Dataset) SetEpoch(epoch int) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.epoch = epoch
	numExamples := ds.index.NumExamples()
	var perm []int
	if ds.shuffle {
		rng := rand.New(rand.NewSource(ds.seed + int64(epoch)))
		perm = rng.Perm(numExamples)
	} else {
		perm = make([]int, numExamples)
		for i := range perm {
			perm[i] = i
		}
	}
	ds.shard = ds.shard[:0]
	for i := ds.rank; i < numExamples; i += ds.size {
		ds.shard = append(ds.shard, perm[i])
	}
	ds.position = 0
}

// ShardSize returns the number of examples this worker owns in the
// current epoch.
func (ds *Dataset) ShardSize() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.shard)
}

// Yield implements train.Dataset. It returns:
//
//   - spec: nil, unused.
//   - inputs: one tensor with the images batch, shaped
//     `[batch_size, height, width, 3]`.
//   - labels: the labels shaped `[batch_size, 1]` (int32) and the
//     per-example weights shaped `[batch_size]` (model dtype).
//
// The last batch of an epoch may be smaller. Once the shard is
// exhausted Yield returns io.EOF, until Reset or SetEpoch.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.position >= len(ds.shard) {
		return nil, nil, nil, io.EOF
	}
	start := ds.position
	end := start + ds.batchSize
	if end > len(ds.shard) {
		end = len(ds.shard)
	}
	ds.position = end

	batch := ds.shard[start:end]
	images := make([]image.Image, 0, len(batch))
	labelValues := make([][]int32, 0, len(batch))
	weightValues := make([]float32, 0, len(batch))
	for _, exampleIdx := range batch {
		example := ds.index.Examples[exampleIdx]
		img, imgErr := loadImage(example.Path, ds.width, ds.height)
		if imgErr != nil {
			return nil, nil, nil, imgErr
		}
		images = append(images, img)
		labelValues = append(labelValues, []int32{example.Label})
		weightValues = append(weightValues, ds.exampleWeight(example.Label))
	}

	inputs = []*tensors.Tensor{ds.toTensor.Batch(images)}
	labels = []*tensors.Tensor{
		tensors.FromValue(labelValues),
		tensors.FromAnyValue(shapes.CastAsDType(weightValues, ds.dtype)),
	}
	return
}

// Reset implements train.Dataset, rewinding to the start of the shard.
// The shard itself only changes on SetEpoch.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.position = 0
}

func (ds *Dataset) exampleWeight(label int32) float32 {
	if ds.classWeights == nil {
		return 1
	}
	return ds.classWeights[label]
}

// loadImage decodes one image file and scales it to width x height,
// cropping to preserve the aspect ratio.
func loadImage(filePath string, width, height int) (image.Image, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos), nil
}
