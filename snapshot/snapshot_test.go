package snapshot

import (
	"os"
	"path"
	"testing"
	"time"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRead(t *testing.T) {
	ctx := context.New()
	ctx.In("features").In("stem_1").VariableWithValue("weights", []float32{1, 2, 3})
	ctx.In("classifier").VariableWithValue("biases", []float32{-1, 1})

	filePath := path.Join(t.TempDir(), FileName(time.Now()))
	require.NoError(t, Write(ctx, filePath))

	values, err := Read(filePath)
	require.NoError(t, err)
	require.Len(t, values, 2)

	weights := values["/features/stem_1"+context.ScopeSeparator+"weights"]
	require.NotNil(t, weights)
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](weights))
}

func TestReadRejectsForeignFiles(t *testing.T) {
	filePath := path.Join(t.TempDir(), "junk"+Extension)
	require.NoError(t, os.WriteFile(filePath, []byte("not a snapshot"), 0644))
	_, err := Read(filePath)
	require.Error(t, err)
}

func TestLoader(t *testing.T) {
	ctx := context.New()
	ctx.In("features").VariableWithValue("kernel", []float32{4, 5, 6})
	ctx.In("classifier").VariableWithValue("biases", []float32{-1, 1})
	filePath := path.Join(t.TempDir(), FileName(time.Now()))
	require.NoError(t, Write(ctx, filePath))

	loader, err := NewLoader(filePath)
	require.NoError(t, err)
	require.Equal(t, 2, loader.NumValues())

	// Variables created after Attach pick up the snapshot values in
	// place of their defaults.
	restored := context.New()
	loader.Attach(restored)
	v := restored.In("features").VariableWithValue("kernel", []float32{0, 0, 0})
	assert.Equal(t, []float32{4, 5, 6}, tensors.CopyFlatData[float32](v.Value()))
	assert.Equal(t, 1, loader.NumValues())

	// Variables absent from the snapshot keep their initial value.
	fresh := restored.In("classifier").VariableWithValue("weights", []float32{9})
	assert.Equal(t, []float32{9}, tensors.CopyFlatData[float32](fresh.Value()))
}

func TestFileName(t *testing.T) {
	at := time.Date(2026, 8, 30, 13, 5, 59, 0, time.UTC)
	assert.Equal(t, "xception_train_2026-08-30_13-05.pth", FileName(at))
}
