package modelclient

import (
	"errors"
	"testing"

	"photorestore/modelruntime"
	"photorestore/tensor"
)

func TestDenoiseRequestFrame(t *testing.T) {
	noisy, _ := tensor.New(3, 2)
	lq, _ := tensor.New(3, 2)
	for i := range noisy.Data {
		noisy.Data[i] = float32(i) * 0.1
		lq.Data[i] = -float32(i)
	}
	req := modelruntime.DenoiseRequest{
		Noisy:              noisy,
		LQ:                 lq,
		Timestep:           99,
		ImageContext:       []float32{1, 2, 3},
		DegradationContext: []float32{4, 5},
	}

	got, err := UnmarshalDenoiseRequest(MarshalDenoiseRequest(req))
	if err != nil {
		t.Fatalf("UnmarshalDenoiseRequest() error: %v", err)
	}
	if got.Timestep != 99 {
		t.Errorf("Timestep = %d, want 99", got.Timestep)
	}
	if got.Noisy.Width != 3 || got.Noisy.Height != 2 {
		t.Errorf("Noisy = %dx%d, want 3x2", got.Noisy.Width, got.Noisy.Height)
	}
	if got.LQ.Data[5] != -5 {
		t.Errorf("LQ.Data[5] = %v, want -5", got.LQ.Data[5])
	}
	if len(got.ImageContext) != 3 || len(got.DegradationContext) != 2 {
		t.Errorf("context lengths = %d/%d, want 3/2", len(got.ImageContext), len(got.DegradationContext))
	}
}

func TestMarshalEmbeddings_Deterministic(t *testing.T) {
	m := map[string][]float32{"b": {1}, "a": {2, 3}, "c": nil}
	first := MarshalEmbeddings(m)
	for i := 0; i < 10; i++ {
		if string(MarshalEmbeddings(m)) != string(first) {
			t.Fatal("MarshalEmbeddings() output depends on map iteration order")
		}
	}

	back, err := UnmarshalEmbeddings(first)
	if err != nil {
		t.Fatalf("UnmarshalEmbeddings() error: %v", err)
	}
	if len(back) != 3 || len(back["a"]) != 2 || back["b"][0] != 1 {
		t.Errorf("UnmarshalEmbeddings() = %v", back)
	}
}

func TestUnmarshal_Malformed(t *testing.T) {
	valid := MarshalTensor(func() *tensor.Image { img, _ := tensor.New(2, 2); return img }())

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"truncated header", valid[:6]},
		{"truncated data", valid[:len(valid)-1]},
		{"trailing bytes", append(append([]byte{}, valid...), 0)},
		{"zero width", []byte{0, 0, 0, 0, 1, 0, 0, 0}},
		{"huge dimensions", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalTensor(tt.frame); !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("UnmarshalTensor() error = %v, want ErrMalformedFrame", err)
			}
		})
	}

	if _, err := UnmarshalEmbeddings([]byte{0xff, 0xff, 0, 0}); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("UnmarshalEmbeddings(too many entries) error = %v, want ErrMalformedFrame", err)
	}
}
