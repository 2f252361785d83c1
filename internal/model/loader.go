package model

import (
	"fmt"
	"os"

	"github.com/samcharles93/strata/internal/tensor"
	"github.com/samcharles93/strata/pkg/scf"
)

// Checkpoint tensor names. Weight matrices are stored row-major matching
// the Mat shapes they load into.
const (
	tensorEmbeddings = "embeddings.weight"
	tensorFinalNorm  = "norm_f.weight"
	tensorLMHead     = "lm_head.weight"
)

func layerTensor(layer int, suffix string) string {
	return fmt.Sprintf("layers.%d.%s", layer, suffix)
}

// LoadCheckpoint opens an scf checkpoint, builds a model from the supplied
// config JSON, and fills in every weight. Missing or mis-shaped tensors
// are load errors; the lm_head tensor is optional and defaults to tied
// embeddings.
func LoadCheckpoint(path string, cfgJSON []byte, caps Capabilities) (*Model, error) {
	cfg, err := ParseConfigJSON(cfgJSON)
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, caps)
	if err != nil {
		return nil, err
	}

	f, err := scf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	if err := loadInto(f, tensorEmbeddings, m.Embeddings.Data); err != nil {
		return nil, err
	}
	if err := loadInto(f, tensorFinalNorm, m.FinalNorm); err != nil {
		return nil, err
	}
	if t := f.Lookup(tensorLMHead); t != nil {
		head := tensor.NewMat(cfg.VocabSize, cfg.HiddenSize)
		if err := loadInto(f, tensorLMHead, head.Data); err != nil {
			return nil, err
		}
		m.LMHead = &head
	}

	type tensorSlot struct {
		name string
		dst  []float32
	}
	for i := range m.Layers {
		lw := &m.Layers[i]
		slots := []tensorSlot{
			{layerTensor(i, "norm.weight"), lw.Norm},
			{layerTensor(i, "mixer.in_proj.weight"), lw.Mixer.InProj.Data},
			{layerTensor(i, "mixer.out_proj.weight"), lw.Mixer.OutProj.Data},
			{layerTensor(i, "mixer.conv1d.weight"), lw.Mixer.ConvKernel.Data},
			{layerTensor(i, "mixer.dt_bias"), lw.Mixer.DtBias},
			{layerTensor(i, "mixer.a_log"), lw.Mixer.ALog},
			{layerTensor(i, "mixer.d"), lw.Mixer.D},
		}
		if cfg.UseBias {
			slots = append(slots,
				tensorSlot{layerTensor(i, "mixer.in_proj.bias"), lw.Mixer.InBias},
				tensorSlot{layerTensor(i, "mixer.out_proj.bias"), lw.Mixer.OutBias})
		}
		if cfg.UseConvBias {
			slots = append(slots, tensorSlot{layerTensor(i, "mixer.conv1d.bias"), lw.Mixer.ConvBias})
		}
		if cfg.RMSNormGated {
			slots = append(slots, tensorSlot{layerTensor(i, "mixer.norm.weight"), lw.Mixer.NormWeight})
		}
		for _, p := range slots {
			if err := loadInto(f, p.name, p.dst); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// LoadCheckpointFiles is the file-path convenience wrapper around
// LoadCheckpoint: the config JSON sits next to the checkpoint.
func LoadCheckpointFiles(checkpointPath, configPath string, caps Capabilities) (*Model, error) {
	cfgJSON, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("model: read config: %w", err)
	}
	return LoadCheckpoint(checkpointPath, cfgJSON, caps)
}

func loadInto(f *scf.File, name string, dst []float32) error {
	t := f.Lookup(name)
	if t == nil {
		return fmt.Errorf("model: checkpoint missing tensor %q", name)
	}
	if t.Elems() != len(dst) {
		return fmt.Errorf("model: tensor %q has %d elements, want %d", name, t.Elems(), len(dst))
	}
	copy(dst, t.Float32())
	return nil
}

// SaveCheckpoint serializes the model's weights as an scf checkpoint in
// the given dtype.
func SaveCheckpoint(m *Model, path string, dtype scf.TensorDType) error {
	cfg := m.Config()
	w := scf.NewWriter()

	add := func(name string, shape []int, data []float32) error {
		return w.Add(name, dtype, shape, data)
	}

	if err := add(tensorEmbeddings, []int{cfg.VocabSize, cfg.HiddenSize}, m.Embeddings.Data); err != nil {
		return err
	}
	if err := add(tensorFinalNorm, []int{cfg.HiddenSize}, m.FinalNorm); err != nil {
		return err
	}
	if m.LMHead != nil {
		if err := add(tensorLMHead, []int{cfg.VocabSize, cfg.HiddenSize}, m.LMHead.Data); err != nil {
			return err
		}
	}
	for i := range m.Layers {
		lw := &m.Layers[i]
		if err := add(layerTensor(i, "norm.weight"), []int{cfg.HiddenSize}, lw.Norm); err != nil {
			return err
		}
		if err := add(layerTensor(i, "mixer.in_proj.weight"), []int{cfg.InProjDim(), cfg.HiddenSize}, lw.Mixer.InProj.Data); err != nil {
			return err
		}
		if err := add(layerTensor(i, "mixer.out_proj.weight"), []int{cfg.HiddenSize, cfg.OutProjInDim()}, lw.Mixer.OutProj.Data); err != nil {
			return err
		}
		if err := add(layerTensor(i, "mixer.conv1d.weight"), []int{cfg.ConvDim(), cfg.ConvKernel}, lw.Mixer.ConvKernel.Data); err != nil {
			return err
		}
		if err := add(layerTensor(i, "mixer.dt_bias"), []int{cfg.NumHeads}, lw.Mixer.DtBias); err != nil {
			return err
		}
		if err := add(layerTensor(i, "mixer.a_log"), []int{cfg.NumHeads}, lw.Mixer.ALog); err != nil {
			return err
		}
		if err := add(layerTensor(i, "mixer.d"), []int{cfg.NumHeads}, lw.Mixer.D); err != nil {
			return err
		}
		if cfg.UseBias {
			if err := add(layerTensor(i, "mixer.in_proj.bias"), []int{cfg.InProjDim()}, lw.Mixer.InBias); err != nil {
				return err
			}
			if err := add(layerTensor(i, "mixer.out_proj.bias"), []int{cfg.HiddenSize}, lw.Mixer.OutBias); err != nil {
				return err
			}
		}
		if cfg.UseConvBias {
			if err := add(layerTensor(i, "mixer.conv1d.bias"), []int{cfg.ConvDim()}, lw.Mixer.ConvBias); err != nil {
				return err
			}
		}
		if cfg.RMSNormGated {
			if err := add(layerTensor(i, "mixer.norm.weight"), []int{cfg.Intermediate()}, lw.Mixer.NormWeight); err != nil {
				return err
			}
		}
	}
	return w.WriteFile(path)
}
