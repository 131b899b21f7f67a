package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"photorestore/modelruntime"
)

// ModelEntry describes one heavy model in the manifest. Zero fields fall
// back to environment configuration.
type ModelEntry struct {
	Name        string `yaml:"name"`
	Address     string `yaml:"address,omitempty"`
	InputSize   int    `yaml:"input_size,omitempty"`
	OutputName  string `yaml:"output_name,omitempty"`
	WeightsPath string `yaml:"weights_path,omitempty"`
	SHA256      string `yaml:"sha256,omitempty"`
}

// Manifest lists the models used by the restoration pipeline.
//
//	models:
//	  - name: encoder
//	    address: 127.0.0.1:50071
//	    input_size: 224
//	    output_name: embedding
//	    weights_path: /models/context-encoder.onnx
//	    sha256: 9f86d0...
//	  - name: denoiser
//	    weights_path: /models/denoiser.onnx
type Manifest struct {
	Models []ModelEntry `yaml:"models"`
}

// LoadManifest reads and validates a YAML manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrManifestMissing(path, err)
		}
		return nil, ErrManifestInvalid(path, "unreadable", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, ErrManifestInvalid(path, "not valid YAML", err)
	}
	if err := m.Validate(); err != nil {
		return nil, ErrManifestInvalid(path, err.Error(), err)
	}
	return &m, nil
}

// Validate checks model names, sizes and checksums.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Models))
	for _, e := range m.Models {
		switch modelruntime.Kind(e.Name) {
		case modelruntime.KindEncoder, modelruntime.KindDenoiser:
		default:
			return fmt.Errorf("unknown model %q", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("model %q listed twice", e.Name)
		}
		seen[e.Name] = true

		if e.InputSize != 0 && (e.InputSize < modelruntime.MinEncoderInputSize || e.InputSize > modelruntime.MaxEncoderInputSize) {
			return fmt.Errorf("%s input_size %d outside %d-%d", e.Name, e.InputSize,
				modelruntime.MinEncoderInputSize, modelruntime.MaxEncoderInputSize)
		}
		if e.SHA256 != "" {
			if b, err := hex.DecodeString(e.SHA256); err != nil || len(b) != 32 {
				return fmt.Errorf("%s sha256 is not a 64-character hex digest", e.Name)
			}
		}
	}
	return nil
}

// Model returns the entry for kind.
func (m *Manifest) Model(kind modelruntime.Kind) (ModelEntry, bool) {
	if m == nil {
		return ModelEntry{}, false
	}
	for _, e := range m.Models {
		if e.Name == string(kind) {
			return e, true
		}
	}
	return ModelEntry{}, false
}

// VerifyWeights checks every entry with a weights_path. Entries without
// one are served entirely by the host and skipped.
func (m *Manifest) VerifyWeights() error {
	if m == nil {
		return nil
	}
	for _, e := range m.Models {
		if e.WeightsPath == "" {
			continue
		}
		err := modelruntime.VerifyWeights(e.WeightsPath, e.SHA256)
		switch {
		case err == nil:
		case modelruntime.IsModelNotFound(err):
			return ErrWeightsMissing(e.Name, e.WeightsPath, err)
		case modelruntime.IsModelCorrupted(err):
			return ErrWeightsCorrupted(e.Name, e.WeightsPath, err)
		default:
			return err
		}
	}
	return nil
}
