// Package xception implements the Xception convolutional network for
// image classification, following F. Chollet's "Xception: Deep Learning
// with Depthwise Separable Convolutions" (https://arxiv.org/abs/1610.02357).
//
// The network is split in two scopes: ScopeFeatures holds the
// convolutional body (the part initialized from pre-trained weights)
// and ScopeClassifier holds the final dense head, sized for the target
// number of classes. The split allows freezing the body while only the
// head is trained, see SetFeaturesTrainable.
package xception

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/layers/batchnorm"
)

const (
	// InputImageSize is the width and height the model expects. Images
	// are assumed channels-last with 3 channels.
	InputImageSize = 299

	// ScopeFeatures is the context scope with the convolutional body.
	ScopeFeatures = "features"

	// ScopeClassifier is the context scope with the dense head.
	ScopeClassifier = "classifier"

	numMiddleBlocks = 8
)

// BuildGraph builds the Xception forward graph and returns the logits,
// shaped [batchSize, numClasses]. The input images must be shaped
// [batchSize, height, width, channels] with values scaled from 0 to 1;
// see PreprocessImage for the normalization applied.
//
// Variables are created (or reused) in the given context, so calling it
// for training and evaluation graphs shares the same weights.
func BuildGraph(ctx *context.Context, images *Node, numClasses int) *Node {
	x := PreprocessImage(images)
	x = featuresGraph(ctx.In(ScopeFeatures), x)
	logits := layers.DenseWithBias(ctx.In(ScopeClassifier), x, numClasses)
	return logits
}

// featuresGraph builds the convolutional body: entry, middle and exit
// flows, ending in a global average pooling. Output is shaped
// [batchSize, 2048].
func featuresGraph(ctx *context.Context, x *Node) *Node {
	// Entry flow.
	x = convBlock(ctx.In("stem_1"), x, 32, 2)
	x = activations.Relu(x)
	x = convBlock(ctx.In("stem_2"), x, 64, 1)
	x = activations.Relu(x)
	x = reductionBlock(ctx.In("block_1"), x, 128, false)
	x = reductionBlock(ctx.In("block_2"), x, 256, true)
	x = reductionBlock(ctx.In("block_3"), x, 728, true)

	// Middle flow: 8 residual blocks that keep the 728 channels.
	for block := 0; block < numMiddleBlocks; block++ {
		blockCtx := ctx.Inf("block_%d", 4+block)
		residual := x
		for conv := 1; conv <= 3; conv++ {
			x = activations.Relu(x)
			x = sepConvBlock(blockCtx.Inf("sepconv_%d", conv), x, 728)
		}
		x = Add(x, residual)
	}

	// Exit flow.
	x = exitReductionBlock(ctx.Inf("block_%d", 4+numMiddleBlocks), x)
	tailCtx := ctx.Inf("block_%d", 5+numMiddleBlocks)
	x = sepConvBlock(tailCtx.In("sepconv_1"), x, 1536)
	x = activations.Relu(x)
	x = sepConvBlock(tailCtx.In("sepconv_2"), x, 2048)
	x = activations.Relu(x)

	// Global average pooling over the spatial axes.
	x = ReduceMean(x, 1, 2)
	return x
}

// convBlock is a plain convolution followed by batch normalization.
// Bias is dropped since batch normalization centers the output anyway.
func convBlock(ctx *context.Context, x *Node, filters, strides int) *Node {
	x = layers.Convolution(ctx, x).
		Filters(filters).KernelSize(3).Strides(strides).NoPadding().UseBias(false).Done()
	x = batchnorm.New(ctx, x, -1).Done()
	return x
}

// sepConvBlock is a depthwise-separable convolution followed by batch
// normalization.
func sepConvBlock(ctx *context.Context, x *Node, filters int) *Node {
	x = layers.SeparableConvolution(ctx, x).
		Filters(filters).KernelSize(3).PadSame().UseBias(false).Done()
	x = batchnorm.New(ctx, x, -1).Done()
	return x
}

// reductionBlock is an entry-flow residual block: two separable
// convolutions followed by a stride-2 max pooling, with a stride-2
// 1x1 convolution shortcut.
func reductionBlock(ctx *context.Context, x *Node, filters int, reluFirst bool) *Node {
	residual := layers.Convolution(ctx.In("residual"), x).
		Filters(filters).KernelSize(1).Strides(2).PadSame().UseBias(false).Done()
	residual = batchnorm.New(ctx.In("residual"), residual, -1).Done()

	if reluFirst {
		x = activations.Relu(x)
	}
	x = sepConvBlock(ctx.In("sepconv_1"), x, filters)
	x = activations.Relu(x)
	x = sepConvBlock(ctx.In("sepconv_2"), x, filters)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()
	return Add(x, residual)
}

// exitReductionBlock is the first exit-flow block, widening 728 to 1024
// channels while halving the spatial resolution.
func exitReductionBlock(ctx *context.Context, x *Node) *Node {
	residual := layers.Convolution(ctx.In("residual"), x).
		Filters(1024).KernelSize(1).Strides(2).PadSame().UseBias(false).Done()
	residual = batchnorm.New(ctx.In("residual"), residual, -1).Done()

	x = activations.Relu(x)
	x = sepConvBlock(ctx.In("sepconv_1"), x, 728)
	x = activations.Relu(x)
	x = sepConvBlock(ctx.In("sepconv_2"), x, 1024)
	x = MaxPool(x).Window(3).Strides(2).PadSame().Done()
	return Add(x, residual)
}

// SetFeaturesTrainable marks every variable of the convolutional body
// as trainable or frozen. The classifier head is left untouched. It
// only affects variables already created, so call it after the first
// graph build, and rebuild the trainer afterwards for it to take
// effect.
func SetFeaturesTrainable(ctx *context.Context, trainable bool) (numChanged int) {
	featuresScope := fmt.Sprintf("%s%s", context.ScopeSeparator, ScopeFeatures)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Scope() == featuresScope ||
			strings.HasPrefix(v.Scope(), featuresScope+context.ScopeSeparator) {
			if v.Trainable != trainable {
				v.SetTrainable(trainable)
				numChanged++
			}
		}
	})
	return
}
