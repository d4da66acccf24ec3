// Package distributed provides the collective-communication runtime for
// data-parallel training: process identity (rank/size), parameter
// broadcast at startup, per-step averaging of model variables, and a
// scalar metric-averaging primitive.
//
// The collectives are synchronization points: every worker must invoke
// the same operation, with the same name, in the same order. The
// coordinator detects name mismatches and fails fast, but the ordering
// contract itself is the caller's to uphold.
package distributed

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// Collective is the runtime injected into the training loop. It is
// implemented by Local (single process, also used as the in-process fake
// in tests) and by TCP (a coordinator star over the network).
type Collective interface {
	// Rank is this worker's identity within the group, in [0, Size).
	Rank() int

	// Size is the number of participating workers.
	Size() int

	// BroadcastVariables distributes rank 0's variable values to every
	// worker, overwriting local values. All workers block until done.
	BroadcastVariables(ctx *context.Context) error

	// AllReduceMean returns the arithmetic mean of value across all
	// workers. The name identifies the collective for matching; all
	// workers must call with the same name in the same order.
	AllReduceMean(name string, value float64) (float64, error)

	// AllReduceTensors replaces each tensor, in place, with its
	// element-wise mean across all workers. The slice must have the same
	// length, order, shapes and dtypes on every worker.
	AllReduceTensors(name string, ts []*tensors.Tensor) error

	// Close releases network resources. The group is unusable afterwards.
	Close() error
}

// IsCoordinator reports whether this worker prints human-readable
// summaries (rank zero).
func IsCoordinator(coll Collective) bool { return coll.Rank() == 0 }

// trainableValues collects the values of the trainable variables of ctx,
// in the deterministic order of EnumerateVariables, together with the
// variables themselves so the averaged values can be written back.
func trainableValues(ctx *context.Context) (vars []*context.Variable, ts []*tensors.Tensor) {
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable {
			return
		}
		vars = append(vars, v)
		ts = append(ts, v.Value())
	})
	return
}

// SyncTrainables averages the trainable variables of ctx across all
// workers, in place. With parameters broadcast at startup and every
// worker applying the same learning rate, calling this after each
// optimizer step yields the same trajectory as averaging gradients
// before the step.
func SyncTrainables(coll Collective, ctx *context.Context) error {
	if coll.Size() == 1 {
		return nil
	}
	_, ts := trainableValues(ctx)
	return coll.AllReduceTensors("sync_trainables", ts)
}

// AttachStepSync registers SyncTrainables to run after every training
// step of the loop.
func AttachStepSync(loop *train.Loop, coll Collective, ctx *context.Context) {
	if coll.Size() == 1 {
		return
	}
	loop.OnStep("distributed.sync", 50, func(loop *train.Loop, _ []*tensors.Tensor) error {
		return SyncTrainables(coll, ctx)
	})
}
