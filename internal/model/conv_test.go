package model

import (
	"math"
	"testing"

	"github.com/samcharles93/strata/internal/tensor"
)

func convFixture(channels, kernelLen int) (*tensor.Mat, []float32) {
	kernel := tensor.NewMat(channels, kernelLen)
	tensor.FillRand(&kernel, 7)
	bias := make([]float32, channels)
	for ch := range bias {
		bias[ch] = float32(ch)*0.01 - 0.02
	}
	return &kernel, bias
}

func convInput(seqLen, channels int, seed int64) []float32 {
	in := make([]float32, seqLen*channels)
	tensor.FillRandSlice(in, seed)
	return in
}

// Output at position t must not change when any later input changes.
func TestConvCausality(t *testing.T) {
	const seqLen, channels, kernelLen = 8, 6, 4
	kernel, bias := convFixture(channels, kernelLen)
	in := convInput(seqLen, channels, 11)

	out := make([]float32, seqLen*channels)
	causalConvPrefill(out, in, seqLen, kernel, bias, nil)

	// Perturb the final frame and rerun.
	perturbed := append([]float32(nil), in...)
	for ch := 0; ch < channels; ch++ {
		perturbed[(seqLen-1)*channels+ch] += 5
	}
	out2 := make([]float32, seqLen*channels)
	causalConvPrefill(out2, perturbed, seqLen, kernel, bias, nil)

	for t3 := 0; t3 < seqLen-1; t3++ {
		for ch := 0; ch < channels; ch++ {
			i := t3*channels + ch
			if out[i] != out2[i] {
				t.Fatalf("position %d channel %d changed after perturbing a later frame", t3, ch)
			}
		}
	}
	var moved bool
	for ch := 0; ch < channels; ch++ {
		if out[(seqLen-1)*channels+ch] != out2[(seqLen-1)*channels+ch] {
			moved = true
		}
	}
	if !moved {
		t.Fatal("perturbed frame did not affect its own output")
	}
}

// Prefilling then stepping must agree with one longer prefill: the rolling
// buffer hands the step path exactly the frames the big convolution sees.
func TestConvPrefillStepAgree(t *testing.T) {
	const seqLen, channels, kernelLen = 9, 5, 4
	kernel, bias := convFixture(channels, kernelLen)
	in := convInput(seqLen, channels, 3)

	full := make([]float32, seqLen*channels)
	causalConvPrefill(full, in, seqLen, kernel, bias, nil)

	for _, prefix := range []int{1, 2, kernelLen, 6} {
		state := make([]float32, channels*kernelLen)
		out := make([]float32, prefix*channels)
		causalConvPrefill(out, in[:prefix*channels], prefix, kernel, bias, state)

		stepOut := make([]float32, channels)
		for t3 := prefix; t3 < seqLen; t3++ {
			causalConvStep(stepOut, in[t3*channels:(t3+1)*channels], kernel, bias, state)
			for ch := 0; ch < channels; ch++ {
				want := full[t3*channels+ch]
				if diff := math.Abs(float64(stepOut[ch] - want)); diff > 1e-6 {
					t.Fatalf("prefix %d position %d channel %d: step %v full %v",
						prefix, t3, ch, stepOut[ch], want)
				}
			}
		}
	}
}

// Sequences shorter than the kernel leave zero padding in the early
// buffer slots so the next steps still see an implicit zero history.
func TestConvShortPrefillPadsState(t *testing.T) {
	const channels, kernelLen = 3, 4
	kernel, bias := convFixture(channels, kernelLen)
	in := convInput(1, channels, 9)

	state := make([]float32, channels*kernelLen)
	out := make([]float32, channels)
	causalConvPrefill(out, in, 1, kernel, bias, state)

	for ch := 0; ch < channels; ch++ {
		row := state[ch*kernelLen : (ch+1)*kernelLen]
		for k := 0; k < kernelLen-1; k++ {
			if row[k] != 0 {
				t.Fatalf("channel %d slot %d: got %v, want zero padding", ch, k, row[k])
			}
		}
		if row[kernelLen-1] != in[ch] {
			t.Fatalf("channel %d last slot: got %v want %v", ch, row[kernelLen-1], in[ch])
		}
	}
}
