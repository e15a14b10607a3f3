package btree

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// Iterator is a forward cursor over the leaf chain. It pins and
// read-latches one leaf at a time; Close releases whatever is held. An
// iterator is not restartable.
type Iterator struct {
	tree *BPlusTree
	pg   *page.Page
	view leafPage
	idx  int
}

// Begin positions an iterator on the first entry of the tree.
func (t *BPlusTree) Begin() (*Iterator, error) {
	return t.begin(nil, true)
}

// BeginAt positions an iterator on the first entry whose key is >= key.
func (t *BPlusTree) BeginAt(key []byte) (*Iterator, error) {
	if len(key) != t.keySize {
		return nil, ErrInvalidKeySize
	}
	return t.begin(key, false)
}

func (t *BPlusTree) begin(key []byte, leftMost bool) (*Iterator, error) {
	ctx := &opContext{op: opRead}
	leaf, err := t.findLeafPage(key, leftMost, ctx)
	if err != nil {
		return nil, err
	}
	it := &Iterator{tree: t}
	if leaf == nil {
		return it, nil
	}
	it.pg = leaf
	it.view = asLeafPage(leaf, t.keySize)
	if !leftMost {
		it.idx = it.view.keyIndex(key, t.comparator)
	}
	if it.idx >= it.view.size() {
		if err := it.advanceLeaf(); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// IsEnd reports whether the cursor ran off the tail of the leaf chain.
func (it *Iterator) IsEnd() bool { return it.pg == nil }

// Entry returns the (key, RID) pair under the cursor. The key is a copy
// and stays valid after the iterator moves on.
func (it *Iterator) Entry() ([]byte, RID) {
	if it.pg == nil {
		panic("btree: dereferencing an exhausted iterator")
	}
	return copyBytes(it.view.keyAt(it.idx)), it.view.ridAt(it.idx)
}

// Next advances the cursor, crossing to the sibling leaf when the current
// one is exhausted.
func (it *Iterator) Next() error {
	if it.pg == nil {
		return nil
	}
	it.idx++
	if it.idx < it.view.size() {
		return nil
	}
	return it.advanceLeaf()
}

// Close releases the currently held leaf. Safe to call more than once.
func (it *Iterator) Close() {
	if it.pg == nil {
		return
	}
	it.releaseCurrent()
}

func (it *Iterator) releaseCurrent() {
	pid := it.pg.GetPageID()
	it.pg.RUnlock()
	if err := it.tree.bpm.UnpinPage(pid, false); err != nil {
		it.tree.logger.Error("iterator unpin failed",
			zap.Int64("page_id", int64(pid)), zap.Error(err))
	}
	it.pg = nil
}

// advanceLeaf follows next_page_id, releasing the current leaf before
// latching its successor.
func (it *Iterator) advanceLeaf() error {
	next := it.view.nextPageID()
	it.releaseCurrent()
	for next != page.InvalidPageID {
		pg, err := it.tree.bpm.FetchPage(next)
		if err != nil {
			return fmt.Errorf("failed to fetch next leaf %d: %w", next, err)
		}
		pg.RLock()
		it.pg = pg
		it.view = asLeafPage(pg, it.tree.keySize)
		it.idx = 0
		if it.view.size() > 0 {
			return nil
		}
		next = it.view.nextPageID()
		it.releaseCurrent()
	}
	return nil
}
