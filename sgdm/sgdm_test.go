package sgdm

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// TestUpdateGraph checks the classical momentum recurrence on the
// quadratic loss 0.5*|w|^2, whose gradient is w itself:
//
//	v_t = momentum*v_{t-1} + w_{t-1}
//	w_t = w_{t-1} - lr*v_t
func TestUpdateGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	optimizer := New().WithLearningRate(0.1).WithMomentum(0.5).Done()

	stepExec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		w := ctx.VariableWithValue("w", []float32{1, 2})
		wNode := w.ValueGraph(g)
		loss := MulScalar(ReduceAllSum(Mul(wNode, wNode)), 0.5)
		optimizer.UpdateGraph(ctx, g, loss)
		return loss
	})

	wValue := func() []float32 {
		v := ctx.InspectVariable(context.RootScope, "w")
		require.NotNil(t, v)
		return tensors.CopyFlatData[float32](v.Value())
	}

	// First step has no momentum yet: w = 0.9*w0.
	stepExec.Call()
	assert.InDeltaSlice(t, []float32{0.9, 1.8}, wValue(), 1e-5)

	// Second step: v = 0.5*[1,2] + [0.9,1.8], w = [0.9,1.8] - 0.1*v.
	stepExec.Call()
	assert.InDeltaSlice(t, []float32{0.76, 1.52}, wValue(), 1e-5)

	// Velocity slots are non-trainable and live in their own scope.
	numVelocity := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == "w_velocity" {
			numVelocity++
			assert.False(t, v.Trainable)
		}
	})
	assert.Equal(t, 1, numVelocity)

	// The global step advances with every update.
	assert.EqualValues(t, 2, optimizers.GetGlobalStep(ctx))

	// Clear keeps the slots.
	optimizer.Clear(ctx)
	assert.Equal(t, 1, func() int {
		n := 0
		ctx.EnumerateVariables(func(v *context.Variable) {
			if v.Name() == "w_velocity" {
				n++
			}
		})
		return n
	}())
}
