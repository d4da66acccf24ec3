package xception

import (
	. "github.com/gomlx/gomlx/graph"
	timage "github.com/gomlx/gomlx/types/tensors/images"
)

// PreprocessImage normalizes a batch of images for the model: it drops
// the alpha channel if one is present and re-scales values from [0, 1]
// (the scale produced by images.ToTensor with a float dtype) to the
// [-1, 1] range the pre-trained weights were trained with.
//
// Images must be batched (rank 4) and channels-last.
func PreprocessImage(images *Node) *Node {
	channelsAxis := timage.GetChannelsAxis(images, timage.ChannelsLast)
	if images.Shape().Dimensions[channelsAxis] == 4 {
		axesRanges := make([]SliceAxisSpec, images.Rank())
		for axis := range axesRanges {
			if axis == channelsAxis {
				axesRanges[axis] = AxisRange(0, 3)
			} else {
				axesRanges[axis] = AxisRange()
			}
		}
		images = Slice(images, axesRanges...)
	}

	// [0, 1] -> [-1, 1].
	images = AddScalar(MulScalar(images, 2), -1)
	return images
}
