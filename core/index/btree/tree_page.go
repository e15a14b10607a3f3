// Package btree implements a concurrent, disk-resident B+Tree index on
// top of the buffer pool. Tree nodes are typed views that operate in
// place on a frame's byte buffer; nothing in the tree owns frames — all
// ownership flows through the buffer pool manager.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// Comparator defines a total order over index keys.
type Comparator func(a, b []byte) int

// DefaultComparator orders keys bytewise.
func DefaultComparator(a, b []byte) int { return bytes.Compare(a, b) }

// RID is a record identifier: the tuple's page and slot.
type RID struct {
	PageID page.PageID
	Slot   uint32
}

type indexPageType uint16

const (
	pageTypeInvalid indexPageType = iota
	pageTypeLeaf
	pageTypeInternal
)

type opType int

const (
	opRead opType = iota
	opInsert
	opDelete
)

// Shared page header layout. The header occupies the first bytes of the
// raw frame; the rest of the frame is a packed entry array.
const (
	offsetPageType = 0  // uint16
	offsetSize     = 4  // int32
	offsetMaxSize  = 8  // int32
	offsetParent   = 12 // int64
	offsetSelf     = 20 // int64
	offsetLSN      = 28 // uint64

	treePageHeaderSize = 36

	offsetNextPage = 36 // int64, leaf pages only
	leafHeaderSize = 44

	ridSize   = 12 // page id (int64) + slot (uint32)
	childSize = 8  // page id (int64)
)

// treePage is the typed view shared by leaf and internal pages.
type treePage struct {
	data []byte
}

func asTreePage(p *page.Page) treePage { return treePage{data: p.GetData()} }

func (tp treePage) pageType() indexPageType {
	return indexPageType(binary.LittleEndian.Uint16(tp.data[offsetPageType:]))
}

func (tp treePage) setPageType(t indexPageType) {
	binary.LittleEndian.PutUint16(tp.data[offsetPageType:], uint16(t))
}

func (tp treePage) isLeaf() bool { return tp.pageType() == pageTypeLeaf }

func (tp treePage) isRoot() bool { return tp.parentPageID() == page.InvalidPageID }

func (tp treePage) size() int {
	return int(int32(binary.LittleEndian.Uint32(tp.data[offsetSize:])))
}

func (tp treePage) setSize(n int) {
	binary.LittleEndian.PutUint32(tp.data[offsetSize:], uint32(int32(n)))
}

func (tp treePage) increaseSize(delta int) { tp.setSize(tp.size() + delta) }

func (tp treePage) maxSize() int {
	return int(int32(binary.LittleEndian.Uint32(tp.data[offsetMaxSize:])))
}

func (tp treePage) setMaxSize(n int) {
	binary.LittleEndian.PutUint32(tp.data[offsetMaxSize:], uint32(int32(n)))
}

func (tp treePage) parentPageID() page.PageID {
	return page.PageID(int64(binary.LittleEndian.Uint64(tp.data[offsetParent:])))
}

func (tp treePage) setParentPageID(id page.PageID) {
	binary.LittleEndian.PutUint64(tp.data[offsetParent:], uint64(int64(id)))
}

func (tp treePage) pageID() page.PageID {
	return page.PageID(int64(binary.LittleEndian.Uint64(tp.data[offsetSelf:])))
}

func (tp treePage) setPageID(id page.PageID) {
	binary.LittleEndian.PutUint64(tp.data[offsetSelf:], uint64(int64(id)))
}

func (tp treePage) lsn() page.LSN {
	return page.LSN(binary.LittleEndian.Uint64(tp.data[offsetLSN:]))
}

func (tp treePage) setLSN(lsn page.LSN) {
	binary.LittleEndian.PutUint64(tp.data[offsetLSN:], uint64(lsn))
}

// minSize is the merge threshold. The root is exempt from the usual
// half-full rule: a root leaf may hold a single entry and a root internal
// page needs two children to be meaningful.
func (tp treePage) minSize() int {
	if tp.isRoot() {
		if tp.isLeaf() {
			return 1
		}
		return 2
	}
	return tp.maxSize() / 2
}

// isSafe reports whether the pending operation cannot propagate a
// structural change above this node, which lets the crabbing descent
// release every ancestor latch.
func (tp treePage) isSafe(op opType) bool {
	switch op {
	case opRead:
		return true
	case opInsert:
		return tp.size() < tp.maxSize()
	case opDelete:
		min := tp.minSize() + 1
		if tp.isLeaf() {
			return tp.size() >= min
		}
		return tp.size() > min
	}
	panic("btree: unknown operation type")
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
