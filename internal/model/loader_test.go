package model

import (
	"path/filepath"
	"testing"

	"github.com/samcharles93/strata/pkg/scf"
)

// Matches ToyConfig so a saved toy model can be reloaded through the
// regular config path.
const toyConfigJSON = `{
	"model_type": "mamba2",
	"hidden_size": 64,
	"num_hidden_layers": 2,
	"vocab_size": 128,
	"num_heads": 4,
	"head_dim": 16,
	"state_size": 16,
	"n_groups": 2,
	"conv_kernel": 4,
	"chunk_size": 8,
	"layer_norm_epsilon": 1e-5,
	"hidden_act": "silu",
	"max_position_embeddings": 512
}`

func TestCheckpointRoundTrip(t *testing.T) {
	caps := Capabilities{Chunked: true, Workers: 2}
	src, err := NewToy(ToyConfig(), caps, 77)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}

	path := filepath.Join(t.TempDir(), "toy.scf")
	if err := SaveCheckpoint(src, path, scf.DTypeF32); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	loaded, err := LoadCheckpoint(path, []byte(toyConfigJSON), caps)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	ids := []int{1, 2, 3, 5, 8, 13}
	srcCache, _ := src.NewCache(1)
	wantLogits, err := src.ForwardTokens(ids, srcCache)
	if err != nil {
		t.Fatalf("source forward: %v", err)
	}
	want := append([]float32(nil), wantLogits...)

	gotCache, _ := loaded.NewCache(1)
	got, err := loaded.ForwardTokens(ids, gotCache)
	if err != nil {
		t.Fatalf("loaded forward: %v", err)
	}

	// F32 round trip preserves bits, so outputs must match exactly.
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("logits[%d]: loaded %v source %v", i, got[i], want[i])
		}
	}
}

func TestCheckpointF16LossyButClose(t *testing.T) {
	caps := Capabilities{Chunked: true}
	src, err := NewToy(ToyConfig(), caps, 12)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}

	path := filepath.Join(t.TempDir(), "toy16.scf")
	if err := SaveCheckpoint(src, path, scf.DTypeF16); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	loaded, err := LoadCheckpoint(path, []byte(toyConfigJSON), caps)
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}

	ids := []int{4, 9, 16, 25}
	srcCache, _ := src.NewCache(1)
	wantLogits, err := src.ForwardTokens(ids, srcCache)
	if err != nil {
		t.Fatalf("source forward: %v", err)
	}
	want := append([]float32(nil), wantLogits...)

	gotCache, _ := loaded.NewCache(1)
	got, err := loaded.ForwardTokens(ids, gotCache)
	if err != nil {
		t.Fatalf("loaded forward: %v", err)
	}
	if rel := maxRelDiff(want, got); rel > 0.05 {
		t.Fatalf("half-precision logits drifted too far: max relative diff %g", rel)
	}
}

func TestLoadCheckpointMissingTensor(t *testing.T) {
	w := scf.NewWriter()
	if err := w.Add("embeddings.weight", scf.DTypeF32, []int{128, 64}, make([]float32, 128*64)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	path := filepath.Join(t.TempDir(), "partial.scf")
	if err := w.WriteFile(path); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadCheckpoint(path, []byte(toyConfigJSON), Capabilities{}); err == nil {
		t.Fatal("expected error for checkpoint missing layer tensors")
	}
}

func TestLoadCheckpointShapeMismatch(t *testing.T) {
	src, err := NewToy(ToyConfig(), Capabilities{}, 1)
	if err != nil {
		t.Fatalf("NewToy: %v", err)
	}
	path := filepath.Join(t.TempDir(), "toy.scf")
	if err := SaveCheckpoint(src, path, scf.DTypeF32); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	// A config with a different hidden size must be rejected against the
	// stored tensor shapes.
	bad := `{
		"model_type": "mamba2",
		"hidden_size": 32,
		"num_hidden_layers": 2,
		"vocab_size": 128,
		"num_heads": 4,
		"head_dim": 16,
		"state_size": 16,
		"n_groups": 2,
		"conv_kernel": 4,
		"chunk_size": 8
	}`
	if _, err := LoadCheckpoint(path, []byte(bad), Capabilities{}); err == nil {
		t.Fatal("expected error for mismatched config")
	}
}
