// Package embedding implements the token-embedding collaborator: a
// [vocab, hidden] lookup table turning token-id tensors into embedding
// tensors for executors that take inputs_embeds instead of raw ids.
package embedding

import (
	"github.com/pkg/errors"

	"github.com/unixsysdev/nano-go-genai/internal/tensor"
	"github.com/unixsysdev/nano-go-genai/pkg/safetensors"
)

// Model holds the embedding table.
type Model struct {
	table  []float32
	vocab  int
	hidden int
}

// NewFromTable wraps an in-memory [vocab, hidden] row-major table.
func NewFromTable(table []float32, vocab, hidden int) (*Model, error) {
	if len(table) != vocab*hidden {
		return nil, errors.Errorf("embedding: table has %d values, want %d", len(table), vocab*hidden)
	}
	return &Model{table: table, vocab: vocab, hidden: hidden}, nil
}

// LoadSafetensors reads the named 2D tensor from a safetensors file.
func LoadSafetensors(path, name string) (*Model, error) {
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, err
	}
	table, info, err := f.ReadFloat32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 {
		return nil, errors.Errorf("embedding: tensor %s has shape %v, want 2D", name, info.Shape)
	}
	return NewFromTable(table, int(info.Shape[0]), int(info.Shape[1]))
}

// Vocab returns the vocabulary size.
func (m *Model) Vocab() int {
	return m.vocab
}

// Hidden returns the embedding width.
func (m *Model) Hidden() int {
	return m.hidden
}

// Embed gathers table rows for an int64 id tensor of shape [rows, cols] and
// returns a [rows, cols, hidden] float32 tensor.
func (m *Model) Embed(inputIDs *tensor.Tensor) (*tensor.Tensor, error) {
	if inputIDs.Rank() != 2 {
		return nil, errors.Errorf("embedding: input ids must be 2D, got shape %v", inputIDs.Shape())
	}
	rows, cols := inputIDs.Dim(0), inputIDs.Dim(1)
	ids := inputIDs.Int64s()

	out := tensor.New(tensor.Float32, rows, cols, m.hidden)
	dst := out.Float32s()
	for i, id := range ids {
		if id < 0 || id >= int64(m.vocab) {
			return nil, errors.Errorf("embedding: token id %d out of range for vocab %d", id, m.vocab)
		}
		copy(dst[i*m.hidden:(i+1)*m.hidden], m.table[id*int64(m.hidden):(id+1)*int64(m.hidden)])
	}
	return out, nil
}

// Row returns the embedding vector of a single token id.
func (m *Model) Row(id int64) ([]float32, error) {
	if id < 0 || id >= int64(m.vocab) {
		return nil, errors.Errorf("embedding: token id %d out of range for vocab %d", id, m.vocab)
	}
	return m.table[id*int64(m.hidden) : (id+1)*int64(m.hidden)], nil
}
