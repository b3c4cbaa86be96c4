package engine

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/docrelay/docrelay/pkg/document"
)

// Edit is one local mutation of the block sequence, supplied by the editing
// surface.
type Edit interface {
	apply(doc *automerge.Doc) error
}

// InsertBlock inserts a block at Index, or appends when Index is past the
// end.
type InsertBlock struct {
	Index int
	Block document.Block
}

func (e InsertBlock) apply(doc *automerge.Doc) error {
	list := doc.Path(blocksKey).List()
	if e.Index >= list.Len() {
		return list.Append(blockValue(e.Block))
	}
	if e.Index < 0 {
		return fmt.Errorf("failed to insert block: negative index %d", e.Index)
	}
	return list.Insert(e.Index, blockValue(e.Block))
}

// DeleteBlock removes the block at Index. Deleting past the end is a no-op:
// a concurrent remote delete may already have removed it.
type DeleteBlock struct {
	Index int
}

func (e DeleteBlock) apply(doc *automerge.Doc) error {
	list := doc.Path(blocksKey).List()
	if e.Index < 0 || e.Index >= list.Len() {
		return nil
	}
	return list.Delete(e.Index)
}

// SetBlockText replaces the text of the block at Index.
type SetBlockText struct {
	Index int
	Text  string
}

func (e SetBlockText) apply(doc *automerge.Doc) error {
	list := doc.Path(blocksKey).List()
	if e.Index < 0 || e.Index >= list.Len() {
		return fmt.Errorf("failed to set block text: index %d out of range", e.Index)
	}
	return doc.Path(blocksKey, e.Index, "text").Set(e.Text)
}
