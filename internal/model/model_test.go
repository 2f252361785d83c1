package model

import (
	"math"
	"testing"

	"github.com/samcharles93/strata/internal/tensor"
)

func toyInput(cfg *Config, batch, seqLen int, seed int64) []float32 {
	x := make([]float32, batch*seqLen*cfg.HiddenSize)
	tensor.FillRandSlice(x, seed)
	return x
}

func maxRelDiff(a, b []float32) float64 {
	var worst float64
	for i := range a {
		diff := math.Abs(float64(a[i] - b[i]))
		scale := math.Max(math.Abs(float64(a[i])), 1e-3)
		if r := diff / scale; r > worst {
			worst = r
		}
	}
	return worst
}

// Prefilling a whole sequence and decoding it token by token through a
// cache must produce the same hidden states at every position.
func TestModelPrefillStepEquivalence(t *testing.T) {
	const seqLen = 12
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{Chunked: true, Workers: 2}, 17)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}

	in := toyInput(&cfg, 1, seqLen, 23)

	full := append([]float32(nil), in...)
	fullCache, err := m.NewCache(1)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if err := m.Forward(full, 1, seqLen, fullCache); err != nil {
		t.Fatalf("full forward: %v", err)
	}

	stepCache, err := m.NewCache(1)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	hidden := cfg.HiddenSize
	step := make([]float32, hidden)
	for t3 := 0; t3 < seqLen; t3++ {
		copy(step, in[t3*hidden:(t3+1)*hidden])
		if err := m.Forward(step, 1, 1, stepCache); err != nil {
			t.Fatalf("step %d: %v", t3, err)
		}
		if rel := maxRelDiff(step, full[t3*hidden:(t3+1)*hidden]); rel > 1e-4 {
			t.Fatalf("position %d diverged: max relative diff %g", t3, rel)
		}
	}

	if fullCache.SeqlenOffset() != seqLen || stepCache.SeqlenOffset() != seqLen {
		t.Fatalf("offsets = %d/%d, want %d", fullCache.SeqlenOffset(), stepCache.SeqlenOffset(), seqLen)
	}
	for layer := 0; layer < cfg.NumLayers; layer++ {
		if rel := maxRelDiff(stepCache.SSMState(layer), fullCache.SSMState(layer)); rel > 1e-4 {
			t.Fatalf("layer %d final state diverged: max relative diff %g", layer, rel)
		}
	}
}

// Splitting a prefill into two calls must match one big prefill: the
// cache carries both the conv tail and the scan state across the seam.
func TestModelSplitPrefillEquivalence(t *testing.T) {
	const seqLen, split = 10, 4
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{Chunked: true, Workers: 2}, 31)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}
	in := toyInput(&cfg, 1, seqLen, 5)
	hidden := cfg.HiddenSize

	full := append([]float32(nil), in...)
	fullCache, _ := m.NewCache(1)
	if err := m.Forward(full, 1, seqLen, fullCache); err != nil {
		t.Fatalf("full forward: %v", err)
	}

	part := append([]float32(nil), in...)
	partCache, _ := m.NewCache(1)
	if err := m.Forward(part[:split*hidden], 1, split, partCache); err != nil {
		t.Fatalf("first part: %v", err)
	}
	// The cache offset is positive now, so the remainder must go through
	// one token at a time.
	step := make([]float32, hidden)
	for t3 := split; t3 < seqLen; t3++ {
		copy(step, in[t3*hidden:(t3+1)*hidden])
		if err := m.Forward(step, 1, 1, partCache); err != nil {
			t.Fatalf("step %d: %v", t3, err)
		}
		if rel := maxRelDiff(step, full[t3*hidden:(t3+1)*hidden]); rel > 1e-4 {
			t.Fatalf("position %d diverged: max relative diff %g", t3, rel)
		}
	}
}

// The sequential and chunked strategies must agree end to end.
func TestModelStrategyEquivalence(t *testing.T) {
	const seqLen = 11
	cfg := ToyConfig()
	seq, err := NewToy(cfg, Capabilities{Chunked: false}, 99)
	if err != nil {
		t.Fatalf("NewToy sequential: %v", err)
	}
	chk, err := NewToy(cfg, Capabilities{Chunked: true, Workers: 3}, 99)
	if err != nil {
		t.Fatalf("NewToy chunked: %v", err)
	}

	in := toyInput(&cfg, 2, seqLen, 7)
	a := append([]float32(nil), in...)
	b := append([]float32(nil), in...)
	if err := seq.Forward(a, 2, seqLen, nil); err != nil {
		t.Fatalf("sequential forward: %v", err)
	}
	if err := chk.Forward(b, 2, seqLen, nil); err != nil {
		t.Fatalf("chunked forward: %v", err)
	}
	if rel := maxRelDiff(a, b); rel > 1e-4 {
		t.Fatalf("strategies diverged: max relative diff %g", rel)
	}
}

// Batch elements must not leak into each other: a batch-2 forward equals
// two independent batch-1 forwards.
func TestModelBatchIndependence(t *testing.T) {
	const seqLen = 6
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{Chunked: true, Workers: 2}, 55)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}
	hidden := cfg.HiddenSize
	in := toyInput(&cfg, 2, seqLen, 13)

	joint := append([]float32(nil), in...)
	if err := m.Forward(joint, 2, seqLen, nil); err != nil {
		t.Fatalf("batch forward: %v", err)
	}

	for bi := 0; bi < 2; bi++ {
		solo := append([]float32(nil), in[bi*seqLen*hidden:(bi+1)*seqLen*hidden]...)
		if err := m.Forward(solo, 1, seqLen, nil); err != nil {
			t.Fatalf("solo forward %d: %v", bi, err)
		}
		if rel := maxRelDiff(solo, joint[bi*seqLen*hidden:(bi+1)*seqLen*hidden]); rel > 1e-5 {
			t.Fatalf("batch element %d leaked: max relative diff %g", bi, rel)
		}
	}
}

// Cache buffers must keep their identity and size across arbitrarily many
// decode steps: decoding memory stays constant.
func TestModelBoundedCache(t *testing.T) {
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{Chunked: true}, 3)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}
	cache, _ := m.NewCache(1)

	conv0 := cache.ConvState(0)
	ssm0 := cache.SSMState(0)
	convLen, ssmLen := len(conv0), len(ssm0)

	x := make([]float32, cfg.HiddenSize)
	for step := 0; step < 64; step++ {
		tensor.FillRandSlice(x, int64(step))
		if err := m.Forward(x, 1, 1, cache); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}

	if cache.SeqlenOffset() != 64 {
		t.Fatalf("offset = %d, want 64", cache.SeqlenOffset())
	}
	if len(cache.ConvState(0)) != convLen || len(cache.SSMState(0)) != ssmLen {
		t.Fatal("cache buffer sizes changed during decoding")
	}
	if &cache.ConvState(0)[0] != &conv0[0] || &cache.SSMState(0)[0] != &ssm0[0] {
		t.Fatal("cache buffers were reallocated during decoding")
	}
}

func TestModelForwardErrors(t *testing.T) {
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{}, 1)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}

	if err := m.Forward(nil, 0, 1, nil); err == nil {
		t.Error("expected error for empty batch")
	}
	if err := m.Forward(make([]float32, 4), 1, 1, nil); err == nil {
		t.Error("expected error for short buffer")
	}

	// A cache past its prefill only accepts single-token calls.
	cache, _ := m.NewCache(1)
	x := toyInput(&cfg, 1, 3, 2)
	if err := m.Forward(x, 1, 3, cache); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	if err := m.Forward(x, 1, 3, cache); err == nil {
		t.Error("expected error for multi-token call on an advanced cache")
	}

	// Batch mismatch against the cache geometry.
	wide := toyInput(&cfg, 2, 1, 2)
	if err := m.Forward(wide, 2, 1, cache); err == nil {
		t.Error("expected error for batch mismatch")
	}
}

func TestModelForwardTokens(t *testing.T) {
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{Chunked: true}, 7)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}

	cache, _ := m.NewCache(1)
	logits, err := m.ForwardTokens([]int{3, 1, 4, 1, 5}, cache)
	if err != nil {
		t.Fatalf("ForwardTokens: %v", err)
	}
	if len(logits) != cfg.VocabSize {
		t.Fatalf("logits len = %d, want %d", len(logits), cfg.VocabSize)
	}
	for i, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logits[%d] = %v", i, v)
		}
	}

	if _, err := m.ForwardTokens([]int{cfg.VocabSize}, cache); err == nil {
		t.Error("expected error for out-of-range token")
	}
	if _, err := m.ForwardTokens(nil, cache); err == nil {
		t.Error("expected error for empty sequence")
	}
}

// The logits from a full prefill must match prefilling all but the last
// token and then stepping it: greedy decoding does not depend on how the
// prompt was fed.
func TestModelTokenStepEquivalence(t *testing.T) {
	cfg := ToyConfig()
	m, err := NewToy(cfg, Capabilities{Chunked: true, Workers: 2}, 41)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}
	ids := []int{10, 20, 30, 40, 50, 60}

	full, _ := m.NewCache(1)
	a, err := m.ForwardTokens(ids, full)
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	aCopy := append([]float32(nil), a...)

	inc, _ := m.NewCache(1)
	if _, err := m.ForwardTokens(ids[:len(ids)-1], inc); err != nil {
		t.Fatalf("prefill: %v", err)
	}
	b, err := m.ForwardTokens(ids[len(ids)-1:], inc)
	if err != nil {
		t.Fatalf("step: %v", err)
	}

	if rel := maxRelDiff(aCopy, b); rel > 1e-4 {
		t.Fatalf("logits diverged: max relative diff %g", rel)
	}
	if tensor.Argmax(aCopy) != tensor.Argmax(b) {
		t.Fatal("argmax diverged between prefill and step paths")
	}
}

// A model carrying the legacy pass-through channels only accepts
// single-token calls.
func TestModelPassThroughSingleTokenOnly(t *testing.T) {
	cfg := ToyConfig()
	cfg.PassThroughDim = 8
	m, err := NewToy(cfg, Capabilities{}, 9)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}

	x := toyInput(&cfg, 1, 1, 1)
	if err := m.Forward(x, 1, 1, nil); err != nil {
		t.Fatalf("single token: %v", err)
	}

	multi := toyInput(&cfg, 1, 4, 1)
	if err := m.Forward(multi, 1, 4, nil); err == nil {
		t.Fatal("expected error for multi-token call with pass-through channels")
	}
}

func BenchmarkModelPrefill(b *testing.B) {
	cfg := ToyConfig()
	m, err := NewToy(cfg, DetectCapabilities(), 1)
	if err != nil {
		b.Fatalf("NewToy: %v", err)
	}
	in := toyInput(&cfg, 1, 64, 1)
	x := make([]float32, len(in))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(x, in)
		if err := m.Forward(x, 1, 64, nil); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkModelDecodeStep(b *testing.B) {
	cfg := ToyConfig()
	m, err := NewToy(cfg, DetectCapabilities(), 1)
	if err != nil {
		b.Fatalf("NewToy: %v", err)
	}
	cache, _ := m.NewCache(1)
	x := toyInput(&cfg, 1, 1, 1)
	buf := make([]float32, len(x))
	if err := m.Forward(append([]float32(nil), x...), 1, 1, cache); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		copy(buf, x)
		if err := m.Forward(buf, 1, 1, cache); err != nil {
			b.Fatal(err)
		}
	}
}
