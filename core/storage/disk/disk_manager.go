// Package disk implements the file-backed disk manager. It hands out page
// ids and performs raw page I/O; everything above it goes through the
// buffer pool.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// DefaultPageSize is the page size used when the caller does not override it.
const DefaultPageSize = 4096

const maxFilenameSize = 255

var (
	ErrIO          = errors.New("i/o error")
	ErrFileNotOpen = errors.New("database file not open")
	ErrBadPageSize = errors.New("page buffer size does not match disk manager page size")
	ErrInvalidPage = errors.New("invalid page id")
	ErrShortRead   = errors.New("short page read")
	ErrPathTooLong = errors.New("file path too long")
)

// DiskManager performs direct I/O against the database file. Page ids are
// allocated monotonically; page 0 is reserved for the header page and is
// allocated when the file is created.
type DiskManager struct {
	mu         sync.Mutex
	filePath   string
	file       *os.File
	pageSize   int
	nextPageID page.PageID
	logger     *zap.Logger
}

// NewDiskManager opens or creates the database file at filePath. A freshly
// created file is extended to hold the header page so that page 0 is always
// readable.
func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if len(filePath) > maxFilenameSize {
		return nil, fmt.Errorf("%w: %s", ErrPathTooLong, filePath)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}

	dm := &DiskManager{
		filePath: filePath,
		file:     file,
		pageSize: pageSize,
		logger:   logger,
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrIO, filePath, err)
	}
	numPages := fi.Size() / int64(pageSize)
	if numPages == 0 {
		// Fresh file: materialize the header page.
		zeroPage := make([]byte, pageSize)
		if _, err := file.WriteAt(zeroPage, 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: initializing header page: %v", ErrIO, err)
		}
		numPages = 1
	}
	dm.nextPageID = page.PageID(numPages)

	dm.logger.Info("disk manager opened",
		zap.String("file", filePath),
		zap.Int("page_size", pageSize),
		zap.Int64("pages", numPages))
	return dm, nil
}

// GetPageSize returns the fixed page size for this file.
func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

// AllocatePage extends the file by one page and returns the new page id.
// Ids are monotonically increasing; deallocated ids are never reissued.
func (dm *DiskManager) AllocatePage() (page.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return page.InvalidPageID, ErrFileNotOpen
	}

	newPageID := dm.nextPageID
	emptyPage := make([]byte, dm.pageSize)
	offset := int64(newPageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(emptyPage, offset); err != nil {
		return page.InvalidPageID, fmt.Errorf("%w: extending file for page %d: %v", ErrIO, newPageID, err)
	}
	dm.nextPageID++
	return newPageID, nil
}

// DeallocatePage releases a page id. Logically idempotent; the file is not
// shrunk and freed ids are not reused.
func (dm *DiskManager) DeallocatePage(pageID page.PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if pageID <= page.HeaderPageID || pageID >= dm.nextPageID {
		return fmt.Errorf("%w: %d", ErrInvalidPage, pageID)
	}
	dm.logger.Debug("deallocated page", zap.Int64("page_id", int64(pageID)))
	return nil
}

// ReadPage reads the page content into pageData, which must be exactly one
// page long.
func (dm *DiskManager) ReadPage(pageID page.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadPageSize, len(pageData), dm.pageSize)
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPage, pageID)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF && bytesRead < dm.pageSize {
			return fmt.Errorf("%w: page %d", ErrShortRead, pageID)
		}
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// WritePage writes the page content from pageData, which must be exactly
// one page long. Durability is handled by Sync or the WAL, not here.
func (dm *DiskManager) WritePage(pageID page.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("%w: got %d, want %d", ErrBadPageSize, len(pageData), dm.pageSize)
	}
	if pageID < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidPage, pageID)
	}

	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	return nil
}

// Sync flushes the file to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	return dm.file.Sync()
}

// Close syncs and closes the database file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("sync on close failed", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
