// Package snapshot saves and restores model weights as a single file
// holding a gob stream of named tensors. It is used both for the
// pre-trained weights the fine-tuning starts from and for the
// checkpoint written at the end of every training epoch.
package snapshot

import (
	"encoding/gob"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Extension of snapshot files.
const Extension = ".pth"

// header identifies and versions the file format.
type header struct {
	Magic   string
	Version int
}

const (
	magic         = "xtrain-snapshot"
	formatVersion = 1
)

// entry is one named tensor in the stream. The tensor value follows it,
// serialized with tensors.GobSerialize.
type entry struct {
	Scope, Name string
}

// Write saves every variable of the context to filePath. It writes to a
// temporary file first and renames it into place, so a crash never
// leaves a partial snapshot behind.
func Write(ctx *context.Context, filePath string) error {
	tmpFile, err := os.CreateTemp(path.Dir(filePath), path.Base(filePath)+".tmp")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file for snapshot %q", filePath)
	}
	tmpPath := tmpFile.Name()
	enc := gob.NewEncoder(tmpFile)
	if err = enc.Encode(header{Magic: magic, Version: formatVersion}); err != nil {
		err = errors.Wrap(err, "failed to encode snapshot header")
	}
	if err == nil {
		ctx.EnumerateVariables(func(v *context.Variable) {
			if err != nil {
				return
			}
			if err = enc.Encode(entry{Scope: v.Scope(), Name: v.Name()}); err != nil {
				err = errors.Wrapf(err, "failed to encode snapshot entry for variable %q/%q", v.Scope(), v.Name())
				return
			}
			if err = v.Value().GobSerialize(enc); err != nil {
				err = errors.Wrapf(err, "failed to serialize variable %q/%q", v.Scope(), v.Name())
			}
		})
	}
	if closeErr := tmpFile.Close(); closeErr != nil && err == nil {
		err = errors.Wrapf(closeErr, "failed to close temporary snapshot %q", tmpPath)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to move snapshot into place at %q", filePath)
	}
	if stat, statErr := os.Stat(filePath); statErr == nil {
		klog.V(1).Infof("wrote snapshot %s (%s)", filePath, humanize.Bytes(uint64(stat.Size())))
	}
	return nil
}

// Read loads a snapshot file into a map keyed by "scope/name".
func Read(filePath string) (map[string]*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open snapshot %q", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var head header
	if err = dec.Decode(&head); err != nil {
		return nil, errors.Wrapf(err, "failed to read snapshot header from %q", filePath)
	}
	if head.Magic != magic {
		return nil, errors.Errorf("%q is not a snapshot file", filePath)
	}
	if head.Version != formatVersion {
		return nil, errors.Errorf("snapshot %q has unsupported version %d", filePath, head.Version)
	}
	values := make(map[string]*tensors.Tensor)
	for {
		var e entry
		if err = dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrapf(err, "failed to read snapshot entry from %q", filePath)
		}
		var value *tensors.Tensor
		value, err = tensors.GobDeserialize(dec)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to deserialize variable %q/%q from %q", e.Scope, e.Name, filePath)
		}
		values[variableKey(e.Scope, e.Name)] = value
	}
	if klog.V(2).Enabled() {
		names := maps.Keys(values)
		sort.Strings(names)
		klog.Infof("snapshot %s holds %d tensors: %v", filePath, len(names), names)
	}
	return values, nil
}

// Loader feeds snapshot values to context variables as they are
// created, implementing context.Loader. Attach it with Attach before
// the first graph build.
type Loader struct {
	filePath string
	values   map[string]*tensors.Tensor
	previous context.Loader
}

var _ context.Loader = (*Loader)(nil)

// NewLoader reads the snapshot at filePath and returns a Loader over
// its values.
func NewLoader(filePath string) (*Loader, error) {
	values, err := Read(filePath)
	if err != nil {
		return nil, err
	}
	return &Loader{filePath: filePath, values: values}, nil
}

// Attach registers the loader in the context, chaining to any loader
// already set.
func (l *Loader) Attach(ctx *context.Context) {
	l.previous = ctx.Loader()
	ctx.SetLoader(l)
}

// LoadVariable implements context.Loader.
func (l *Loader) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if l.previous != nil {
		value, found = l.previous.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	value, found = l.values[variableKey(scope, name)]
	if found {
		// Ownership is transferred to the context.
		delete(l.values, variableKey(scope, name))
	}
	return
}

// NumValues returns how many snapshot values were not yet consumed.
func (l *Loader) NumValues() int { return len(l.values) }

// FileName returns the name a training snapshot gets for the given
// time, e.g. "xception_train_2026-08-30_13-05.pth".
func FileName(t time.Time) string {
	return "xception_train_" + t.Format("2006-01-02_15-04") + Extension
}

func variableKey(scope, name string) string {
	return scope + context.ScopeSeparator + name
}
