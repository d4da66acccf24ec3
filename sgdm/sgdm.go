// Package sgdm implements stochastic gradient descent with classical
// momentum as a GoMLX optimizers.Interface. GoMLX's built-in SGD carries
// no momentum term, and the fine-tuning recipe this trainer reproduces
// depends on one.
package sgdm

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
)

// ParamMomentum is the context parameter with the momentum coefficient.
const ParamMomentum = "momentum"

// DefaultMomentum is used when ParamMomentum is not set.
const DefaultMomentum = 0.5

// Scope under the optimizers scope where velocity variables live.
const Scope = "sgdm"

// Config builds an SGD-with-momentum optimizer. Use New and optionally
// override the hyperparameters before Done.
type Config struct {
	learningRate float64
	momentum     float64
}

// New returns a configuration with hyperparameters taken from the
// context at graph-building time.
func New() *Config {
	return &Config{learningRate: -1, momentum: -1}
}

// WithLearningRate overrides the context's learning rate.
func (c *Config) WithLearningRate(lr float64) *Config {
	c.learningRate = lr
	return c
}

// WithMomentum overrides the context's momentum coefficient.
func (c *Config) WithMomentum(momentum float64) *Config {
	c.momentum = momentum
	return c
}

// Done builds the optimizer.
func (c *Config) Done() optimizers.Interface {
	return &sgdMomentum{config: c}
}

type sgdMomentum struct {
	config *Config
}

// UpdateGraph implements optimizers.Interface. For each trainable
// variable w with gradient g it keeps a velocity slot v and applies
//
//	v = momentum*v + g
//	w = w - learning_rate*v
func (o *sgdMomentum) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("sgdm requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	dtype := loss.DType()

	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, optimizers.ParamLearningRate, optimizers.SgdDefaultLearningRate)
	}
	lrVar := optimizers.LearningRateVarWithValue(ctx, dtype, lrValue)
	learningRate := lrVar.ValueGraph(g)

	momentumValue := o.config.momentum
	if momentumValue < 0 {
		momentumValue = context.GetParamOr(ctx, ParamMomentum, DefaultMomentum)
	}
	momentum := Scalar(g, dtype, momentumValue)

	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	numTrainable := len(grads)
	if numTrainable == 0 {
		Panicf("sgdm: no trainable variables found, nothing to optimize")
	}
	varIdx := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !v.Trainable || !v.InUseByGraph(g) {
			return
		}
		if varIdx < numTrainable {
			o.applyStep(ctx, g, v, grads[varIdx], learningRate, momentum)
		}
		varIdx++
	})
	if varIdx != numTrainable {
		Panicf("sgdm: gradients for %d variables but %d trainable variables enumerated -- did the set of "+
			"trainable variables change during graph building?", numTrainable, varIdx)
	}
}

func (o *sgdMomentum) applyStep(ctx *context.Context, g *Graph, v *context.Variable, grad, learningRate, momentum *Node) {
	velVar := o.velocityVariable(ctx, v)
	velocity := velVar.ValueGraph(g)
	velocity = Add(Mul(momentum, velocity), grad)
	velVar.SetValueGraph(velocity)

	lrCast := learningRate
	if lrCast.DType() != grad.DType() {
		lrCast = ConvertDType(learningRate, grad.DType())
	}
	step := Mul(lrCast, velocity)
	step = optimizers.ClipStepByValue(ctx, step)
	v.SetValueGraph(Sub(v.ValueGraph(g), step))
}

// velocityVariable returns (creating if needed) the velocity slot of the
// given trainable variable. Slots are non-trainable, zero-initialized
// and shaped like the variable, stored under a scope mirroring the
// variable's own, following the slot-variable layout of GoMLX's Adam.
func (o *sgdMomentum) velocityVariable(ctx *context.Context, trainable *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, Scope, trainable.Scope())
	name := fmt.Sprintf("%s_velocity", trainable.Name())
	return ctx.InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(name, trainable.Shape()).
		SetTrainable(false)
}

// Clear implements optimizers.Interface. Velocity slots only carry
// meaning mid-training; they are left in place like GoMLX's SGD does.
func (o *sgdMomentum) Clear(_ *context.Context) {}
