package swapper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dudu/faceswap/internal/detector"
)

const emapDim = detector.EmbeddingSize

// Emap is the 512x512 matrix inswapper uses to project an ArcFace identity
// into its latent space.
type Emap [emapDim][emapDim]float32

// LoadEmap loads the emap matrix from a raw little-endian float32 file
func LoadEmap(path string) (*Emap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read emap file: %w", err)
	}
	return ParseEmap(data)
}

// ParseEmap decodes a row-major 512x512 little-endian float32 matrix.
func ParseEmap(data []byte) (*Emap, error) {
	expectedSize := emapDim * emapDim * 4
	if len(data) != expectedSize {
		return nil, fmt.Errorf("emap size mismatch: expected %d bytes, got %d", expectedSize, len(data))
	}

	var emap Emap
	for i := 0; i < emapDim; i++ {
		for j := 0; j < emapDim; j++ {
			offset := (i*emapDim + j) * 4
			emap[i][j] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
		}
	}

	return &emap, nil
}

// onnx.proto field numbers
const (
	modelGraphField       protowire.Number = 7
	graphInitializerField protowire.Number = 5
	tensorDimsField       protowire.Number = 1
	tensorDataTypeField   protowire.Number = 2
	tensorFloatDataField  protowire.Number = 4
	tensorRawDataField    protowire.Number = 9

	tensorTypeFloat = 1
)

// LoadEmapFromModel reads the emap stored as the last graph initializer of
// an inswapper ONNX file. Only the graph and that initializer are read into
// memory.
func LoadEmapFromModel(path string) (*Emap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap model: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat swap model: %w", err)
	}

	graph, ok, err := lastField(f, 0, info.Size(), modelGraphField)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s has no graph", path)
	}

	initializer, ok, err := lastField(f, graph.off, graph.n, graphInitializerField)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s graph: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s graph has no initializers", path)
	}

	buf := make([]byte, initializer.n)
	if _, err := f.ReadAt(buf, initializer.off); err != nil {
		return nil, fmt.Errorf("failed to read emap initializer: %w", err)
	}
	emap, err := parseEmapTensor(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return emap, nil
}

type span struct{ off, n int64 }

// lastField scans the message stored at r[off:off+n] and returns the span of
// the last length-delimited field numbered num. Field payloads are skipped,
// not read.
func lastField(r io.ReaderAt, off, n int64, num protowire.Number) (span, bool, error) {
	var (
		found span
		ok    bool
		head  [2 * binary.MaxVarintLen64]byte
	)
	end := off + n
	for off < end {
		k, err := r.ReadAt(head[:min(int64(len(head)), end-off)], off)
		if k == 0 {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return span{}, false, err
		}
		b := head[:k]

		fieldNum, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return span{}, false, protowire.ParseError(tn)
		}
		b = b[tn:]

		if typ != protowire.BytesType {
			vn := protowire.ConsumeFieldValue(fieldNum, typ, b)
			if vn < 0 {
				return span{}, false, protowire.ParseError(vn)
			}
			off += int64(tn + vn)
			continue
		}

		length, ln := protowire.ConsumeVarint(b)
		if ln < 0 {
			return span{}, false, protowire.ParseError(ln)
		}
		start := off + int64(tn+ln)
		if length > uint64(end-start) {
			return span{}, false, io.ErrUnexpectedEOF
		}
		if fieldNum == num {
			found, ok = span{off: start, n: int64(length)}, true
		}
		off = start + int64(length)
	}
	return found, ok, nil
}

// parseEmapTensor decodes a TensorProto holding a 512x512 float matrix,
// stored either as raw_data or as packed float_data.
func parseEmapTensor(b []byte) (*Emap, error) {
	var (
		dims     []uint64
		dataType uint64
		raw      []byte
		floats   []float32
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == tensorDimsField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dims = append(dims, v)
			b = b[n:]
		case num == tensorDimsField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, protowire.ParseError(m)
				}
				dims = append(dims, v)
				packed = packed[m:]
			}
			b = b[n:]
		case num == tensorDataTypeField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			dataType = v
			b = b[n:]
		case num == tensorFloatDataField && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			for len(packed) >= 4 {
				v, m := protowire.ConsumeFixed32(packed)
				floats = append(floats, math.Float32frombits(v))
				packed = packed[m:]
			}
			b = b[n:]
		case num == tensorRawDataField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			raw = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}

	if dataType != tensorTypeFloat {
		return nil, fmt.Errorf("emap initializer has data type %d, want float", dataType)
	}
	if len(dims) != 2 || dims[0] != emapDim || dims[1] != emapDim {
		return nil, fmt.Errorf("emap initializer has shape %v, want [%d %d]", dims, emapDim, emapDim)
	}

	switch {
	case raw != nil:
		return ParseEmap(raw)
	case len(floats) == emapDim*emapDim:
		var emap Emap
		for i := range emap {
			copy(emap[i][:], floats[i*emapDim:(i+1)*emapDim])
		}
		return &emap, nil
	default:
		return nil, errors.New("emap initializer has no inline data")
	}
}

// TransformEmbedding computes latent = normalize(embedding @ emap).
func (e *Emap) TransformEmbedding(embedding *detector.Embedding) *detector.Embedding {
	var latent detector.Embedding
	for j := 0; j < emapDim; j++ {
		var sum float32
		for i := 0; i < emapDim; i++ {
			sum += embedding[i] * e[i][j]
		}
		latent[j] = sum
	}

	return latent.Normalized()
}
