package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Scale multiplies every element of x by s.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// RMSNorm performs root mean square normalization of src into dst.
// The mean square is accumulated in float64 before the stabilised
// reciprocal square root is applied, then the result is scaled by weight.
func RMSNorm(dst, src, weight []float32, eps float32) {
	if len(src) == 0 {
		return
	}
	var sum float64
	for _, v := range src {
		sum += float64(v) * float64(v)
	}
	mean := sum / float64(len(src))
	scale := float32(1.0 / math.Sqrt(mean+float64(eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// RMSNormGated normalizes src against a sibling gate branch passed through
// SiLU. With normBeforeGate the gate multiplies the already-normalized
// activations; otherwise gating happens first and the gated product is
// normalized. The mode is a model architecture property fixed at
// construction time, never a per-call choice.
func RMSNormGated(dst, src, gate, weight []float32, eps float32, normBeforeGate bool) {
	if len(src) != len(gate) || len(src) != len(weight) {
		panic("RMSNormGated input sizes do not match")
	}
	if len(dst) < len(src) {
		panic("RMSNormGated dst too small")
	}
	if normBeforeGate {
		RMSNorm(dst, src, weight, eps)
		for i := range src {
			dst[i] *= Silu(gate[i])
		}
		return
	}
	for i := range src {
		dst[i] = src[i] * Silu(gate[i])
	}
	RMSNorm(dst, dst, weight, eps)
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Softplus computes log(1+exp(x)) in a numerically stable way.
func Softplus(x float32) float32 {
	if x > 20 {
		return x
	}
	if x < -20 {
		return float32(math.Exp(float64(x)))
	}
	return float32(math.Log1p(math.Exp(float64(x))))
}

// Argmax returns the index of the largest element of x.
func Argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
