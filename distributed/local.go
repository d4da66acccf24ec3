package distributed

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
)

// Local is the single-process Collective: rank 0 of a group of one.
// Every reduction is the identity and the broadcast is a no-op. It is
// the default runtime when no group is configured, and doubles as the
// fake implementation for tests.
type Local struct{}

var _ Collective = Local{}

// NewLocal returns the single-process group.
func NewLocal() Local { return Local{} }

// Rank implements Collective.
func (Local) Rank() int { return 0 }

// Size implements Collective.
func (Local) Size() int { return 1 }

// BroadcastVariables implements Collective. With a single worker the
// values are already authoritative.
func (Local) BroadcastVariables(ctx *context.Context) error { return nil }

// AllReduceMean implements Collective: the mean over one worker is the
// value itself.
func (Local) AllReduceMean(name string, value float64) (float64, error) {
	return value, nil
}

// AllReduceTensors implements Collective as a no-op.
func (Local) AllReduceTensors(name string, ts []*tensors.Tensor) error { return nil }

// Close implements Collective.
func (Local) Close() error { return nil }
