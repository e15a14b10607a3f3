package btree

import (
	"encoding/binary"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// leafPage views a frame as a sorted run of (key, RID) entries. Keys are
// fixed width and strictly ascending. The page carries the forward
// sibling pointer that forms the leaf chain.
type leafPage struct {
	treePage
	keySize int
}

func asLeafPage(p *page.Page, keySize int) leafPage {
	return leafPage{treePage: asTreePage(p), keySize: keySize}
}

func (lp leafPage) entrySize() int { return lp.keySize + ridSize }

// init formats the page. maxSize <= 0 derives the capacity from the page
// size, reserving the final slot as overflow workspace during insertion.
func (lp leafPage) init(id, parentID page.PageID, maxSize int) {
	if maxSize <= 0 {
		maxSize = (len(lp.data)-leafHeaderSize)/lp.entrySize() - 1
	}
	lp.setPageType(pageTypeLeaf)
	lp.setSize(0)
	lp.setMaxSize(maxSize)
	lp.setPageID(id)
	lp.setParentPageID(parentID)
	lp.setLSN(page.InvalidLSN)
	lp.setNextPageID(page.InvalidPageID)
}

func (lp leafPage) nextPageID() page.PageID {
	return page.PageID(int64(binary.LittleEndian.Uint64(lp.data[offsetNextPage:])))
}

func (lp leafPage) setNextPageID(id page.PageID) {
	binary.LittleEndian.PutUint64(lp.data[offsetNextPage:], uint64(int64(id)))
}

func (lp leafPage) entryOffset(index int) int {
	return leafHeaderSize + index*lp.entrySize()
}

// keyAt returns a view into the page buffer; callers that hold the key
// across page mutations must copy it.
func (lp leafPage) keyAt(index int) []byte {
	off := lp.entryOffset(index)
	return lp.data[off : off+lp.keySize]
}

func (lp leafPage) ridAt(index int) RID {
	off := lp.entryOffset(index) + lp.keySize
	return RID{
		PageID: page.PageID(int64(binary.LittleEndian.Uint64(lp.data[off:]))),
		Slot:   binary.LittleEndian.Uint32(lp.data[off+8:]),
	}
}

func (lp leafPage) setEntry(index int, key []byte, rid RID) {
	off := lp.entryOffset(index)
	copy(lp.data[off:off+lp.keySize], key)
	binary.LittleEndian.PutUint64(lp.data[off+lp.keySize:], uint64(int64(rid.PageID)))
	binary.LittleEndian.PutUint32(lp.data[off+lp.keySize+8:], rid.Slot)
}

// keyIndex returns the first index whose key is >= key.
func (lp leafPage) keyIndex(key []byte, cmp Comparator) int {
	lo, hi := 0, lp.size()-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if cmp(lp.keyAt(mid), key) >= 0 {
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return hi + 1
}

// lookup returns the RID stored under key, if present.
func (lp leafPage) lookup(key []byte, cmp Comparator) (RID, bool) {
	idx := lp.keyIndex(key, cmp)
	if idx < lp.size() && cmp(lp.keyAt(idx), key) == 0 {
		return lp.ridAt(idx), true
	}
	return RID{}, false
}

// insert places (key, rid) in sorted position and returns the new size.
// The caller checks for duplicates first.
func (lp leafPage) insert(key []byte, rid RID, cmp Comparator) int {
	idx := lp.keyIndex(key, cmp)
	size := lp.size()
	copy(lp.data[lp.entryOffset(idx+1):lp.entryOffset(size+1)],
		lp.data[lp.entryOffset(idx):lp.entryOffset(size)])
	lp.setEntry(idx, key, rid)
	lp.setSize(size + 1)
	return size + 1
}

// removeRecord deletes key if present and returns the size afterwards.
func (lp leafPage) removeRecord(key []byte, cmp Comparator) int {
	size := lp.size()
	idx := lp.keyIndex(key, cmp)
	if idx >= size || cmp(lp.keyAt(idx), key) != 0 {
		return size
	}
	copy(lp.data[lp.entryOffset(idx):lp.entryOffset(size-1)],
		lp.data[lp.entryOffset(idx+1):lp.entryOffset(size)])
	lp.setSize(size - 1)
	return size - 1
}

// moveHalfTo ships the upper half of this page to recipient and splices
// recipient into the leaf chain right after this page.
func (lp leafPage) moveHalfTo(recipient leafPage) {
	size := lp.size()
	splitIdx := size / 2
	copy(recipient.data[recipient.entryOffset(0):recipient.entryOffset(size-splitIdx)],
		lp.data[lp.entryOffset(splitIdx):lp.entryOffset(size)])
	recipient.setNextPageID(lp.nextPageID())
	lp.setNextPageID(recipient.pageID())
	recipient.setSize(size - splitIdx)
	lp.setSize(splitIdx)
}

// moveAllTo appends every entry to recipient (the left sibling) and hands
// over the forward pointer. Used by merge.
func (lp leafPage) moveAllTo(recipient leafPage) {
	size := lp.size()
	start := recipient.size()
	copy(recipient.data[recipient.entryOffset(start):recipient.entryOffset(start+size)],
		lp.data[lp.entryOffset(0):lp.entryOffset(size)])
	recipient.setNextPageID(lp.nextPageID())
	recipient.increaseSize(size)
	lp.setSize(0)
}

// moveFirstToEndOf shifts this page's first entry onto recipient's tail.
// The caller fixes the separator key in the parent.
func (lp leafPage) moveFirstToEndOf(recipient leafPage) {
	key := copyBytes(lp.keyAt(0))
	rid := lp.ridAt(0)
	size := lp.size()
	copy(lp.data[lp.entryOffset(0):lp.entryOffset(size-1)],
		lp.data[lp.entryOffset(1):lp.entryOffset(size)])
	lp.setSize(size - 1)

	recipient.setEntry(recipient.size(), key, rid)
	recipient.increaseSize(1)
}

// moveLastToFrontOf shifts this page's last entry onto recipient's head.
// The caller fixes the separator key in the parent.
func (lp leafPage) moveLastToFrontOf(recipient leafPage) {
	last := lp.size() - 1
	key := copyBytes(lp.keyAt(last))
	rid := lp.ridAt(last)
	lp.setSize(last)

	rsize := recipient.size()
	copy(recipient.data[recipient.entryOffset(1):recipient.entryOffset(rsize+1)],
		recipient.data[recipient.entryOffset(0):recipient.entryOffset(rsize)])
	recipient.setEntry(0, key, rid)
	recipient.setSize(rsize + 1)
}
