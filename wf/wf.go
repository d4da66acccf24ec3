// Package wf loads the workflow image classification dataset used to
// fine-tune the Xception model.
//
// The dataset lives in a data_wf/ directory under the data folder,
// with one sub-directory per class in each split:
//
//	<data-folder>/data_wf/train/<class_name>/*.{jpg,png}
//	<data-folder>/data_wf/test/<class_name>/*.{jpg,png}
//
// Class names are sorted alphabetically and their position defines the
// label index, so every worker derives the same labeling independently.
package wf

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DatasetDir is the dataset directory under the data folder. The
	// weights/ directory sits next to it, not inside.
	DatasetDir = "data_wf"

	// TrainSplit and TestSplit are the sub-directories scanned under DatasetDir.
	TrainSplit = "train"
	TestSplit  = "test"
)

// Example is one image file and its class label.
type Example struct {
	Path  string
	Label int32
}

// Index holds the scanned contents of one dataset split.
type Index struct {
	// Classes sorted alphabetically. The position is the label index.
	Classes []string

	// Examples in scanning order (per class, file names sorted).
	Examples []Example

	// Counts of examples per class, indexed like Classes.
	Counts []int
}

// Scan reads the directory tree of one split ("train" or "test") under
// dataFolder/data_wf and returns its index. Hidden files and unknown
// extensions are skipped.
func Scan(dataFolder, split string) (*Index, error) {
	splitDir := path.Join(dataFolder, DatasetDir, split)
	dirEntries, err := os.ReadDir(splitDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan dataset split in %q", splitDir)
	}
	idx := &Index{}
	for _, entry := range dirEntries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			idx.Classes = append(idx.Classes, entry.Name())
		}
	}
	if len(idx.Classes) == 0 {
		return nil, errors.Errorf("no class sub-directories found in %q", splitDir)
	}
	sort.Strings(idx.Classes)

	idx.Counts = make([]int, len(idx.Classes))
	for label, className := range idx.Classes {
		classDir := path.Join(splitDir, className)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class directory %q", classDir)
		}
		for _, file := range files {
			if file.IsDir() || !isImageFile(file.Name()) {
				continue
			}
			idx.Examples = append(idx.Examples, Example{
				Path:  path.Join(classDir, file.Name()),
				Label: int32(label),
			})
			idx.Counts[label]++
		}
		if idx.Counts[label] == 0 {
			klog.Warningf("class %q has no images in %q", className, classDir)
		}
	}
	if len(idx.Examples) == 0 {
		return nil, errors.Errorf("no images found under %q", splitDir)
	}
	return idx, nil
}

// NumExamples returns the total number of images in the split.
func (idx *Index) NumExamples() int { return len(idx.Examples) }

// NumClasses returns the number of classes in the split.
func (idx *Index) NumClasses() int { return len(idx.Classes) }

// ClassWeights returns the inverse-frequency weight of each class,
// normalized so a perfectly balanced dataset yields all ones:
//
//	weight[c] = numExamples / (numClasses * count[c])
//
// Classes with no examples get weight 0.
func (idx *Index) ClassWeights() []float32 {
	weights := make([]float32, len(idx.Classes))
	total := float64(idx.NumExamples())
	numClasses := float64(len(idx.Classes))
	for label, count := range idx.Counts {
		if count > 0 {
			weights[label] = float32(total / (numClasses * float64(count)))
		}
	}
	return weights
}

// ClassWeightsTensor returns ClassWeights as a tensor shaped [numClasses].
func (idx *Index) ClassWeightsTensor() *tensors.Tensor {
	return tensors.FromValue(idx.ClassWeights())
}

func isImageFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
