package document

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Block is one node in the ordered content sequence of a document.
type Block struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Content is the materialized form of a document: the full ordered block
// sequence. It is what snapshots store and what the editing surface renders.
type Content struct {
	Blocks []Block `json:"blocks"`
}

func (c Content) Empty() bool {
	return len(c.Blocks) == 0
}

// Encode returns the canonical JSON encoding of the content. Two contents
// encode identically iff they are structurally equal, so the encoding doubles
// as the equality key for autosave skip checks.
func (c Content) Encode() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	return b, nil
}

func Decode(raw []byte) (Content, error) {
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, fmt.Errorf("failed to decode content: %w", err)
	}
	return c, nil
}

// Equal reports structural equality by comparing canonical encodings.
func Equal(a, b Content) bool {
	ab, err := a.Encode()
	if err != nil {
		return false
	}
	bb, err := b.Encode()
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
