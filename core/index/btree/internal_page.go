package btree

import (
	"encoding/binary"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// internalPage views a frame as a run of (key, child page id) entries.
// Slot 0's key is unused; for i >= 1 the key at slot i is the smallest
// key reachable through child i.
type internalPage struct {
	treePage
	keySize int
}

func asInternalPage(p *page.Page, keySize int) internalPage {
	return internalPage{treePage: asTreePage(p), keySize: keySize}
}

func (ip internalPage) entrySize() int { return ip.keySize + childSize }

// init formats the page. maxSize <= 0 derives the fan-out from the page
// size, reserving the final slot as overflow workspace.
func (ip internalPage) init(id, parentID page.PageID, maxSize int) {
	if maxSize <= 0 {
		maxSize = (len(ip.data)-treePageHeaderSize)/ip.entrySize() - 1
	}
	ip.setPageType(pageTypeInternal)
	ip.setSize(0)
	ip.setMaxSize(maxSize)
	ip.setPageID(id)
	ip.setParentPageID(parentID)
	ip.setLSN(page.InvalidLSN)
}

func (ip internalPage) entryOffset(index int) int {
	return treePageHeaderSize + index*ip.entrySize()
}

// keyAt returns a view into the page buffer.
func (ip internalPage) keyAt(index int) []byte {
	off := ip.entryOffset(index)
	return ip.data[off : off+ip.keySize]
}

func (ip internalPage) setKeyAt(index int, key []byte) {
	off := ip.entryOffset(index)
	copy(ip.data[off:off+ip.keySize], key)
}

func (ip internalPage) childAt(index int) page.PageID {
	off := ip.entryOffset(index) + ip.keySize
	return page.PageID(int64(binary.LittleEndian.Uint64(ip.data[off:])))
}

func (ip internalPage) setChildAt(index int, id page.PageID) {
	off := ip.entryOffset(index) + ip.keySize
	binary.LittleEndian.PutUint64(ip.data[off:], uint64(int64(id)))
}

// valueIndex returns the slot whose child equals id, or -1.
func (ip internalPage) valueIndex(id page.PageID) int {
	for i := 0; i < ip.size(); i++ {
		if ip.childAt(i) == id {
			return i
		}
	}
	return -1
}

// lookup returns the child to descend into for key: the child of the last
// separator <= key. The search starts from slot 1, slot 0's key being the
// minus-infinity sentinel.
func (ip internalPage) lookup(key []byte, cmp Comparator) page.PageID {
	lo, hi := 1, ip.size()-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		if cmp(ip.keyAt(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return ip.childAt(lo - 1)
}

// populateNewRoot fills a fresh root after the old root split.
func (ip internalPage) populateNewRoot(oldChild page.PageID, key []byte, newChild page.PageID) {
	ip.setChildAt(0, oldChild)
	ip.setKeyAt(1, key)
	ip.setChildAt(1, newChild)
	ip.setSize(2)
}

// insertNodeAfter places (key, newChild) immediately after oldChild's
// slot and returns the new size.
func (ip internalPage) insertNodeAfter(oldChild page.PageID, key []byte, newChild page.PageID) int {
	idx := ip.valueIndex(oldChild) + 1
	if idx <= 0 {
		panic("btree: old child not found in parent during split")
	}
	size := ip.size()
	copy(ip.data[ip.entryOffset(idx+1):ip.entryOffset(size+1)],
		ip.data[ip.entryOffset(idx):ip.entryOffset(size)])
	ip.setKeyAt(idx, key)
	ip.setChildAt(idx, newChild)
	ip.setSize(size + 1)
	return size + 1
}

// remove drops the entry at index, keeping the array packed.
func (ip internalPage) remove(index int) {
	size := ip.size()
	copy(ip.data[ip.entryOffset(index):ip.entryOffset(size-1)],
		ip.data[ip.entryOffset(index+1):ip.entryOffset(size)])
	ip.setSize(size - 1)
}

// removeAndReturnOnlyChild collapses a single-child root and returns the
// surviving child. Only called from adjust-root.
func (ip internalPage) removeAndReturnOnlyChild() page.PageID {
	child := ip.childAt(0)
	ip.setSize(0)
	return child
}

// moveHalfTo ships the upper half of the entries to recipient and returns
// the moved child ids so the caller can rewrite their parent pointers.
func (ip internalPage) moveHalfTo(recipient internalPage) []page.PageID {
	size := ip.size()
	mid := size / 2
	copy(recipient.data[recipient.entryOffset(0):recipient.entryOffset(size-mid)],
		ip.data[ip.entryOffset(mid):ip.entryOffset(size)])
	recipient.setSize(size - mid)
	ip.setSize(mid)

	moved := make([]page.PageID, 0, size-mid)
	for i := 0; i < recipient.size(); i++ {
		moved = append(moved, recipient.childAt(i))
	}
	return moved
}

// moveAllTo appends every entry to recipient (the left sibling), pulling
// the parent's separator key down into this page's slot 0 first so the
// merged page keeps a full separator run. Returns the moved child ids.
func (ip internalPage) moveAllTo(recipient internalPage, middleKey []byte) []page.PageID {
	ip.setKeyAt(0, middleKey)
	size := ip.size()
	start := recipient.size()
	copy(recipient.data[recipient.entryOffset(start):recipient.entryOffset(start+size)],
		ip.data[ip.entryOffset(0):ip.entryOffset(size)])
	recipient.increaseSize(size)
	ip.setSize(0)

	moved := make([]page.PageID, 0, size)
	for i := start; i < recipient.size(); i++ {
		moved = append(moved, recipient.childAt(i))
	}
	return moved
}

// appendEntry adds (key, child) at the tail. Used when borrowing from the
// right sibling: key is the parent separator coming down.
func (ip internalPage) appendEntry(key []byte, child page.PageID) {
	size := ip.size()
	ip.setKeyAt(size, key)
	ip.setChildAt(size, child)
	ip.setSize(size + 1)
}

// prependEntry adds child at the head. Used when borrowing from the left
// sibling: sepKey is the parent separator coming down, which becomes the
// separator of the previously-first child.
func (ip internalPage) prependEntry(child page.PageID, sepKey []byte) {
	size := ip.size()
	copy(ip.data[ip.entryOffset(1):ip.entryOffset(size+1)],
		ip.data[ip.entryOffset(0):ip.entryOffset(size)])
	ip.setChildAt(0, child)
	ip.setKeyAt(1, sepKey)
	ip.setSize(size + 1)
}

// removeFirst drops the head entry.
func (ip internalPage) removeFirst() {
	ip.remove(0)
}

// removeLast drops the tail entry.
func (ip internalPage) removeLast() {
	ip.setSize(ip.size() - 1)
}
