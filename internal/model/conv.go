package model

import "github.com/samcharles93/strata/internal/tensor"

// causalConvPrefill runs the depthwise causal convolution over a whole
// sequence for one batch element. in and out are [seqLen, convDim] row
// major; positions before the sequence start are zero padded, so out[t]
// depends only on in[0..t]. kernel is [convDim, kernelLen] with the most
// recent tap last. When state is non-nil the final kernelLen input frames
// (zero padded on the left for short sequences) are written into it,
// laid out [convDim, kernelLen], ready for single-step decoding.
//
// SiLU is applied after the convolution sum and optional bias, matching
// the step path.
func causalConvPrefill(out, in []float32, seqLen int, kernel *tensor.Mat, bias []float32, state []float32) {
	channels := kernel.R
	kernelLen := kernel.C
	for t := 0; t < seqLen; t++ {
		outRow := out[t*channels : (t+1)*channels]
		for ch := 0; ch < channels; ch++ {
			taps := kernel.Row(ch)
			var sum float32
			if bias != nil {
				sum = bias[ch]
			}
			for k := 0; k < kernelLen; k++ {
				src := t - (kernelLen - 1) + k
				if src < 0 {
					continue
				}
				sum += taps[k] * in[src*channels+ch]
			}
			outRow[ch] = tensor.Silu(sum)
		}
	}

	if state == nil {
		return
	}
	for ch := 0; ch < channels; ch++ {
		row := state[ch*kernelLen : (ch+1)*kernelLen]
		for k := 0; k < kernelLen; k++ {
			src := seqLen - kernelLen + k
			if src < 0 {
				row[k] = 0
				continue
			}
			row[k] = in[src*channels+ch]
		}
	}
}

// causalConvStep advances the convolution by exactly one frame for one
// batch element: the rolling buffer shifts left by one, the new raw frame
// lands in the last slot, and the output is a single dot product per
// channel against the kernel taps. state is [convDim, kernelLen] and is
// overwritten in place.
func causalConvStep(out, in []float32, kernel *tensor.Mat, bias []float32, state []float32) {
	channels := kernel.R
	kernelLen := kernel.C
	for ch := 0; ch < channels; ch++ {
		row := state[ch*kernelLen : (ch+1)*kernelLen]
		copy(row, row[1:])
		row[kernelLen-1] = in[ch]

		var sum float32
		if bias != nil {
			sum = bias[ch]
		}
		taps := kernel.Row(ch)
		for k := 0; k < kernelLen; k++ {
			sum += taps[k] * row[k]
		}
		out[ch] = tensor.Silu(sum)
	}
}
