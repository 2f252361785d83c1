package model

import (
	"strings"
	"testing"
)

func TestCacheLifecycle(t *testing.T) {
	cfg := ToyConfig()
	c, err := NewCache(&cfg, 2)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if c.Batch() != 2 {
		t.Fatalf("Batch = %d, want 2", c.Batch())
	}
	if c.SeqlenOffset() != 0 {
		t.Fatalf("fresh cache offset = %d, want 0", c.SeqlenOffset())
	}

	c.Advance(5)
	c.Advance(1)
	if c.SeqlenOffset() != 6 {
		t.Fatalf("offset after advances = %d, want 6", c.SeqlenOffset())
	}

	conv := c.ConvState(0)
	conv[0] = 3.5
	ssm := c.SSMState(1)
	ssm[7] = -1.25

	c.Reset()
	if c.SeqlenOffset() != 0 {
		t.Fatalf("offset after reset = %d, want 0", c.SeqlenOffset())
	}
	if conv[0] != 0 || ssm[7] != 0 {
		t.Fatal("reset did not zero layer state")
	}
}

func TestCacheShapes(t *testing.T) {
	cfg := ToyConfig()
	c, err := NewCache(&cfg, 3)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	wantConv := 3 * cfg.ConvDim() * cfg.ConvKernel
	wantSSM := 3 * cfg.NumHeads * cfg.HeadDim * cfg.StateSize
	for layer := 0; layer < cfg.NumLayers; layer++ {
		if got := len(c.ConvState(layer)); got != wantConv {
			t.Fatalf("layer %d conv state len = %d, want %d", layer, got, wantConv)
		}
		if got := len(c.SSMState(layer)); got != wantSSM {
			t.Fatalf("layer %d ssm state len = %d, want %d", layer, got, wantSSM)
		}
	}
}

func TestCacheRejectsBadBatch(t *testing.T) {
	cfg := ToyConfig()
	if _, err := NewCache(&cfg, 0); err == nil {
		t.Fatal("expected error for batch 0")
	}
	if _, err := NewCache(&cfg, -2); err == nil {
		t.Fatal("expected error for negative batch")
	}
}

func TestCacheCheckMismatch(t *testing.T) {
	cfg := ToyConfig()
	c, err := NewCache(&cfg, 1)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	if err := c.check(&cfg, 2); err == nil || !strings.Contains(err.Error(), "batch") {
		t.Fatalf("batch mismatch: got %v", err)
	}

	other := cfg
	other.StateSize *= 2
	if err := c.check(&other, 1); err == nil || !strings.Contains(err.Error(), "geometry") {
		t.Fatalf("geometry mismatch: got %v", err)
	}

	layers := cfg
	layers.NumLayers++
	if err := c.check(&layers, 1); err == nil || !strings.Contains(err.Error(), "layer count") {
		t.Fatalf("layer count mismatch: got %v", err)
	}
}
