// Package buffer implements the fixed-size buffer pool: a pool of page
// frames indexed by an extendible hash page table, with an LRU replacer
// and a free list for victim selection.
package buffer

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/disk"
	"github.com/sushant-115/megumidb/core/storage/hash"
	"github.com/sushant-115/megumidb/core/storage/page"
	"github.com/sushant-115/megumidb/core/storage/wal"
)

// BucketSize is the bucket capacity of the page table's hash directory.
const BucketSize = 32

var (
	ErrPageNotFound   = errors.New("page not found in buffer pool")
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned     = errors.New("page is pinned")
	ErrPageNotPinned  = errors.New("page is not pinned")
)

// BufferPoolManager owns the page frames and coordinates the page table,
// the LRU replacer, the free list and the disk manager. A single latch
// serializes all metadata operations, including the disk I/O they issue.
type BufferPoolManager struct {
	mu        sync.Mutex
	poolSize  int
	pageSize  int
	frames    []*page.Page
	pageTable *hash.ExtendibleHashTable[page.PageID, *page.Page]
	replacer  *LRUReplacer[*page.Page]
	freeList  *list.List
	disk      *disk.DiskManager
	logMgr    *wal.LogManager
	logger    *zap.Logger
}

// NewBufferPoolManager creates a pool of poolSize frames over the given
// disk manager. logMgr may be nil, which disables write-ahead logging.
func NewBufferPoolManager(poolSize int, dm *disk.DiskManager, logMgr *wal.LogManager, logger *zap.Logger) *BufferPoolManager {
	if dm == nil {
		panic("buffer: NewBufferPoolManager requires a disk manager")
	}
	if poolSize < 1 {
		poolSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		poolSize:  poolSize,
		pageSize:  dm.GetPageSize(),
		frames:    make([]*page.Page, poolSize),
		pageTable: hash.NewExtendibleHashTable[page.PageID, *page.Page](BucketSize, hash.PageIDHasher),
		replacer:  NewLRUReplacer[*page.Page](),
		freeList:  list.New(),
		disk:      dm,
		logMgr:    logMgr,
		logger:    logger,
	}
	for i := 0; i < poolSize; i++ {
		frame := page.NewPage(page.InvalidPageID, bpm.pageSize)
		bpm.frames[i] = frame
		bpm.freeList.PushBack(frame)
	}
	logger.Info("buffer pool initialized",
		zap.Int("pool_size", poolSize),
		zap.Int("page_size", bpm.pageSize),
		zap.Bool("logging", logMgr != nil))
	return bpm
}

// GetPageSize returns the pool's page size.
func (bpm *BufferPoolManager) GetPageSize() int { return bpm.pageSize }

// FetchPage returns the frame holding pageID, pinned. A page already in
// the pool is pinned in place and withdrawn from the replacer; otherwise a
// victim frame is reclaimed (written back first if dirty) and the page is
// read from disk. Returns ErrBufferPoolFull when every frame is pinned.
func (bpm *BufferPoolManager) FetchPage(pageID page.PageID) (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if target, ok := bpm.pageTable.Find(pageID); ok {
		target.Pin()
		bpm.replacer.Erase(target)
		fetchHits.Inc()
		return target, nil
	}
	fetchMisses.Inc()

	target, err := bpm.getVictimPage()
	if err != nil {
		return nil, err
	}
	if err := bpm.evict(target); err != nil {
		bpm.returnVictim(target)
		return nil, err
	}

	if err := bpm.disk.ReadPage(pageID, target.GetData()); err != nil {
		bpm.requeueVictim(target)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}
	target.SetPageID(pageID)
	target.SetPinCount(1)
	target.SetDirty(false)
	target.SetLSN(page.InvalidLSN)
	bpm.pageTable.Insert(pageID, target)
	return target, nil
}

// UnpinPage gives back one pin credit for pageID, or-ing in the dirty
// flag. When the pin count drops to zero the frame becomes a replacement
// candidate. Unpinning a page that is not pinned is a soft failure.
func (bpm *BufferPoolManager) UnpinPage(pageID page.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	target, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", ErrPageNotFound, pageID)
	}
	// Soft failure: a spent pin credit must not dirty the frame or touch
	// the log.
	if target.GetPinCount() <= 0 {
		bpm.logger.Warn("unpin of page with zero pin count", zap.Int64("page_id", int64(pageID)))
		return fmt.Errorf("%w: page %d", ErrPageNotPinned, pageID)
	}
	if isDirty {
		target.SetDirty(true)
		if bpm.logMgr != nil {
			lsn, err := bpm.logMgr.AppendRecord(&wal.LogRecord{
				Type:   wal.LogRecordTypeUpdate,
				PageID: pageID,
				Data:   target.GetData(),
			})
			if err != nil {
				return fmt.Errorf("failed to append log record for page %d: %w", pageID, err)
			}
			target.SetLSN(lsn)
		}
	}
	target.Unpin()
	if target.GetPinCount() == 0 {
		bpm.replacer.Insert(target)
	}
	return nil
}

// FlushPage writes pageID back to disk if dirty and clears the dirty flag.
func (bpm *BufferPoolManager) FlushPage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if pageID == page.InvalidPageID {
		return fmt.Errorf("%w: cannot flush the invalid page id", ErrPageNotFound)
	}
	target, ok := bpm.pageTable.Find(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", ErrPageNotFound, pageID)
	}
	if !target.IsDirty() {
		return nil
	}
	if err := bpm.flushLogFor(target); err != nil {
		return err
	}
	if err := bpm.disk.WritePage(pageID, target.GetData()); err != nil {
		return err
	}
	target.SetDirty(false)
	return nil
}

// FlushAllPages writes every dirty page back to disk, then syncs the
// underlying file. The first error encountered is returned after the
// sweep completes.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	if bpm.logMgr != nil {
		firstErr = bpm.logMgr.Sync()
	}
	for _, frame := range bpm.frames {
		if frame.GetPageID() == page.InvalidPageID || !frame.IsDirty() {
			continue
		}
		if err := bpm.disk.WritePage(frame.GetPageID(), frame.GetData()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("failed to flush page",
				zap.Int64("page_id", int64(frame.GetPageID())), zap.Error(err))
			continue
		}
		frame.SetDirty(false)
	}
	if err := bpm.disk.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// DeletePage drops pageID from the pool and deallocates it on disk. Fails
// with ErrPagePinned if the page is still pinned; deleting a page that is
// not resident only deallocates the disk page.
func (bpm *BufferPoolManager) DeletePage(pageID page.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if target, ok := bpm.pageTable.Find(pageID); ok {
		if target.GetPinCount() > 0 {
			return fmt.Errorf("%w: cannot delete page %d", ErrPagePinned, pageID)
		}
		bpm.replacer.Erase(target)
		bpm.pageTable.Remove(pageID)
		target.Reset()
		bpm.freeList.PushBack(target)
	}
	if bpm.logMgr != nil {
		if _, err := bpm.logMgr.AppendRecord(&wal.LogRecord{
			Type:   wal.LogRecordTypeFreePage,
			PageID: pageID,
		}); err != nil {
			return fmt.Errorf("failed to append free-page log record for %d: %w", pageID, err)
		}
	}
	return bpm.disk.DeallocatePage(pageID)
}

// NewPage allocates a fresh disk page and pins it into a victim frame.
// The frame is zeroed and clean; the caller dirties it on unpin.
func (bpm *BufferPoolManager) NewPage() (*page.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	target, err := bpm.getVictimPage()
	if err != nil {
		return nil, err
	}
	if err := bpm.evict(target); err != nil {
		bpm.returnVictim(target)
		return nil, err
	}

	pageID, err := bpm.disk.AllocatePage()
	if err != nil {
		bpm.requeueVictim(target)
		return nil, fmt.Errorf("failed to allocate new page on disk: %w", err)
	}
	target.Reset()
	target.SetPageID(pageID)
	target.SetPinCount(1)
	bpm.pageTable.Insert(pageID, target)

	if bpm.logMgr != nil {
		lsn, err := bpm.logMgr.AppendRecord(&wal.LogRecord{
			Type:   wal.LogRecordTypeNewPage,
			PageID: pageID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to append new-page log record for %d: %w", pageID, err)
		}
		target.SetLSN(lsn)
	}
	return target, nil
}

// CheckAllUnpinned reports whether every frame has a zero pin count. Test
// and debug helper.
func (bpm *BufferPoolManager) CheckAllUnpinned() bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	ok := true
	for _, frame := range bpm.frames {
		if frame.GetPinCount() != 0 {
			ok = false
			bpm.logger.Warn("page still pinned",
				zap.Int64("page_id", int64(frame.GetPageID())),
				zap.Int32("pin_count", frame.GetPinCount()))
		}
	}
	return ok
}

// getVictimPage prefers the free list, then the LRU tail. A frame on
// either list has a zero pin count; a free-list frame also has an invalid
// page id.
func (bpm *BufferPoolManager) getVictimPage() (*page.Page, error) {
	if front := bpm.freeList.Front(); front != nil {
		bpm.freeList.Remove(front)
		target := front.Value.(*page.Page)
		if target.GetPageID() != page.InvalidPageID {
			panic("buffer: free-list frame holds a valid page")
		}
		return target, nil
	}
	target, ok := bpm.replacer.Victim()
	if !ok {
		return nil, ErrBufferPoolFull
	}
	if target.GetPinCount() != 0 {
		panic("buffer: victim frame is pinned")
	}
	evictions.Inc()
	return target, nil
}

// evict writes the victim's old content back if dirty and drops its page
// table entry. WAL rule: the log is flushed up to the page's LSN before
// the page itself is written.
func (bpm *BufferPoolManager) evict(target *page.Page) error {
	if target.GetPageID() == page.InvalidPageID {
		return nil
	}
	if target.IsDirty() {
		if err := bpm.flushLogFor(target); err != nil {
			return err
		}
		if err := bpm.disk.WritePage(target.GetPageID(), target.GetData()); err != nil {
			return fmt.Errorf("failed to flush dirty victim page %d: %w", target.GetPageID(), err)
		}
		dirtyWritebacks.Inc()
		target.SetDirty(false)
	}
	bpm.pageTable.Remove(target.GetPageID())
	bpm.logger.Debug("evicted page", zap.Int64("page_id", int64(target.GetPageID())))
	return nil
}

func (bpm *BufferPoolManager) flushLogFor(target *page.Page) error {
	if bpm.logMgr == nil || target.GetLSN() == page.InvalidLSN {
		return nil
	}
	if err := bpm.logMgr.FlushTo(target.GetLSN()); err != nil {
		return fmt.Errorf("failed to flush log for page %d: %w", target.GetPageID(), err)
	}
	return nil
}

// requeueVictim returns a clean, unmapped victim frame to the free list
// after a failed read or allocation.
func (bpm *BufferPoolManager) requeueVictim(target *page.Page) {
	target.Reset()
	bpm.freeList.PushBack(target)
}

// returnVictim puts a victim back where it came from after eviction
// failed. A frame still holding a (possibly dirty) page stays mapped and
// goes back to the replacer; a fresh frame goes back to the free list.
func (bpm *BufferPoolManager) returnVictim(target *page.Page) {
	if target.GetPageID() == page.InvalidPageID {
		bpm.freeList.PushBack(target)
		return
	}
	bpm.replacer.Insert(target)
}
