package swapper

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dudu/faceswap/internal/detector"
)

func identityEmapBytes(scale float32) []byte {
	data := make([]byte, emapDim*emapDim*4)
	for i := 0; i < emapDim; i++ {
		offset := (i*emapDim + i) * 4
		binary.LittleEndian.PutUint32(data[offset:], math.Float32bits(scale))
	}
	return data
}

func TestParseEmapSizeMismatch(t *testing.T) {
	if _, err := ParseEmap(make([]byte, 1024)); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestLoadEmap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emap.bin")
	if err := os.WriteFile(path, identityEmapBytes(2), 0o644); err != nil {
		t.Fatal(err)
	}

	emap, err := LoadEmap(path)
	if err != nil {
		t.Fatalf("LoadEmap failed: %v", err)
	}
	if emap[3][3] != 2 || emap[3][4] != 0 {
		t.Errorf("unexpected entries: [3][3]=%v [3][4]=%v", emap[3][3], emap[3][4])
	}

	if _, err := LoadEmap(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestTransformEmbedding(t *testing.T) {
	var e detector.Embedding
	e[0], e[1] = 3, 4

	emap, err := ParseEmap(identityEmapBytes(5))
	if err != nil {
		t.Fatal(err)
	}

	latent := emap.TransformEmbedding(&e)
	if math.Abs(float64(latent[0])-0.6) > 1e-5 || math.Abs(float64(latent[1])-0.8) > 1e-5 {
		t.Errorf("expected (0.6, 0.8), got (%v, %v)", latent[0], latent[1])
	}
	if e[0] != 3 {
		t.Error("TransformEmbedding modified its input")
	}
}

// floatTensor encodes a TensorProto; floats go to float_data when raw is nil.
func floatTensor(name string, dims []uint64, raw []byte, floats []float32) []byte {
	var b []byte
	var packedDims []byte
	for _, d := range dims {
		packedDims = protowire.AppendVarint(packedDims, d)
	}
	b = protowire.AppendTag(b, tensorDimsField, protowire.BytesType)
	b = protowire.AppendBytes(b, packedDims)
	b = protowire.AppendTag(b, tensorDataTypeField, protowire.VarintType)
	b = protowire.AppendVarint(b, tensorTypeFloat)
	b = protowire.AppendTag(b, 8, protowire.BytesType)
	b = protowire.AppendString(b, name)
	if raw != nil {
		b = protowire.AppendTag(b, tensorRawDataField, protowire.BytesType)
		return protowire.AppendBytes(b, raw)
	}
	var packed []byte
	for _, f := range floats {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	b = protowire.AppendTag(b, tensorFloatDataField, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// onnxModel encodes a ModelProto whose graph carries the given initializers
// between a node and a graph input, as exporters lay them out.
func onnxModel(initializers ...[]byte) []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, 1, protowire.BytesType)
	graph = protowire.AppendBytes(graph, []byte("node"))
	graph = protowire.AppendTag(graph, 2, protowire.BytesType)
	graph = protowire.AppendString(graph, "inswapper")
	for _, tensor := range initializers {
		graph = protowire.AppendTag(graph, graphInitializerField, protowire.BytesType)
		graph = protowire.AppendBytes(graph, tensor)
	}
	graph = protowire.AppendTag(graph, 11, protowire.BytesType)
	graph = protowire.AppendBytes(graph, []byte("target"))

	var model []byte
	model = protowire.AppendTag(model, 1, protowire.VarintType)
	model = protowire.AppendVarint(model, 8)
	model = protowire.AppendTag(model, 2, protowire.BytesType)
	model = protowire.AppendString(model, "onnx")
	model = protowire.AppendTag(model, modelGraphField, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)
	model = protowire.AppendTag(model, 8, protowire.BytesType)
	model = protowire.AppendBytes(model, []byte{0x10, 0x0b})
	return model
}

func writeModel(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inswapper_128.onnx")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEmapFromModel(t *testing.T) {
	bias := floatTensor("bias", []uint64{2}, nil, []float32{1, 2})
	emapTensor := floatTensor("emap", []uint64{emapDim, emapDim}, identityEmapBytes(3), nil)

	emap, err := LoadEmapFromModel(writeModel(t, onnxModel(bias, emapTensor)))
	if err != nil {
		t.Fatalf("LoadEmapFromModel failed: %v", err)
	}
	if emap[5][5] != 3 || emap[5][6] != 0 {
		t.Errorf("unexpected entries: [5][5]=%v [5][6]=%v", emap[5][5], emap[5][6])
	}
}

func TestLoadEmapFromModelErrors(t *testing.T) {
	emapTensor := floatTensor("emap", []uint64{emapDim, emapDim}, identityEmapBytes(1), nil)
	valid := onnxModel(emapTensor)

	var noGraph []byte
	noGraph = protowire.AppendTag(noGraph, 1, protowire.VarintType)
	noGraph = protowire.AppendVarint(noGraph, 8)

	tests := []struct {
		name string
		data []byte
	}{
		{"no graph", noGraph},
		{"no initializers", onnxModel()},
		{"emap not last", onnxModel(emapTensor, floatTensor("bias", []uint64{2}, nil, []float32{1, 2}))},
		{"truncated", valid[:len(valid)-1000]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadEmapFromModel(writeModel(t, tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := LoadEmapFromModel(filepath.Join(t.TempDir(), "missing.onnx")); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestParseEmapTensorFloatData(t *testing.T) {
	floats := make([]float32, emapDim*emapDim)
	for i := 0; i < emapDim; i++ {
		floats[i*emapDim+i] = 4
	}
	floats[1] = -1

	emap, err := parseEmapTensor(floatTensor("emap", []uint64{emapDim, emapDim}, nil, floats))
	if err != nil {
		t.Fatalf("parseEmapTensor failed: %v", err)
	}
	if emap[7][7] != 4 || emap[0][1] != -1 {
		t.Errorf("unexpected entries: [7][7]=%v [0][1]=%v", emap[7][7], emap[0][1])
	}

	if _, err := parseEmapTensor(floatTensor("emap", []uint64{emapDim, emapDim}, nil, floats[:10])); err == nil {
		t.Error("expected error for short float_data")
	}
}
