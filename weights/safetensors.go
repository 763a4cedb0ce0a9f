// Package weights adapts checkpoint weight tables on disk to the layout the
// pipeline loader expects. Its single job is the fused-attention remap for
// quantized multi-part models, backed by a minimal safetensors codec.
package weights

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
)

// Tensor is one entry of a safetensors weight table. Data is the raw
// row-major payload slice; the codec never interprets element values.
type Tensor struct {
	Name  string
	DType string
	Shape []int64
	Data  []byte
}

// Table is an in-memory safetensors file: named tensors plus the optional
// string metadata block.
type Table struct {
	Tensors  []Tensor
	Metadata map[string]string
}

// maxHeaderBytes bounds the JSON header read so a corrupt length prefix
// cannot drive an allocation of the whole address space.
const maxHeaderBytes = 100 << 20

const metadataKey = "__metadata__"

type headerEntry struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadTable parses a safetensors file: an 8-byte little-endian header
// length, a JSON table of {name: {dtype, shape, data_offsets}}, then the
// concatenated tensor payload.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("weights: open %s: %w", path, err)
	}
	defer f.Close()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("weights: read header length of %s: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderBytes {
		return nil, fmt.Errorf("weights: implausible header length %d in %s", headerLen, path)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerJSON); err != nil {
		return nil, fmt.Errorf("weights: read header of %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("weights: parse header of %s: %w", path, err)
	}

	payload, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("weights: read payload of %s: %w", path, err)
	}

	table := &Table{}
	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &table.Metadata); err != nil {
				return nil, fmt.Errorf("weights: parse metadata of %s: %w", path, err)
			}
			continue
		}
		var entry headerEntry
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("weights: parse entry %q of %s: %w", name, path, err)
		}
		start, end := entry.DataOffsets[0], entry.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, fmt.Errorf("weights: entry %q of %s has offsets [%d, %d) outside payload of %d bytes",
				name, path, start, end, len(payload))
		}
		table.Tensors = append(table.Tensors, Tensor{
			Name:  name,
			DType: entry.DType,
			Shape: entry.Shape,
			Data:  payload[start:end],
		})
	}

	// JSON map iteration is unordered; fix a stable order by name
	sort.Slice(table.Tensors, func(i, j int) bool {
		return table.Tensors[i].Name < table.Tensors[j].Name
	})
	return table, nil
}

// WriteTable serializes the table to w with tensors ordered by name, so the
// same table always produces identical bytes.
func WriteTable(w io.Writer, table *Table) error {
	tensors := make([]Tensor, len(table.Tensors))
	copy(tensors, table.Tensors)
	sort.Slice(tensors, func(i, j int) bool { return tensors[i].Name < tensors[j].Name })

	header := make(map[string]any, len(tensors)+1)
	if len(table.Metadata) > 0 {
		header[metadataKey] = table.Metadata
	}
	offset := int64(0)
	for _, t := range tensors {
		end := offset + int64(len(t.Data))
		header[t.Name] = headerEntry{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: [2]int64{offset, end},
		}
		offset = end
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("weights: marshal header: %w", err)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerJSON)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("weights: write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("weights: write header: %w", err)
	}
	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return fmt.Errorf("weights: write tensor %q: %w", t.Name, err)
		}
	}
	return nil
}

// Lookup returns the tensor with the given name, if present.
func (t *Table) Lookup(name string) (Tensor, bool) {
	for _, tensor := range t.Tensors {
		if tensor.Name == name {
			return tensor, true
		}
	}
	return Tensor{}, false
}
