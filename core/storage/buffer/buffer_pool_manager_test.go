package buffer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/disk"
	"github.com/sushant-115/megumidb/core/storage/page"
	"github.com/sushant-115/megumidb/core/storage/wal"
)

func newTestPool(t *testing.T, poolSize int) (*BufferPoolManager, *disk.DiskManager) {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	dm, err := disk.NewDiskManager(filepath.Join(dir, "test.db"), disk.DefaultPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	return NewBufferPoolManager(poolSize, dm, nil, logger), dm
}

func TestBufferPool_EvictionWritesBackDirtyPage(t *testing.T) {
	bpm, dm := newTestPool(t, 1)

	p1, err := bpm.NewPage()
	require.NoError(t, err)
	id1 := p1.GetPageID()
	copy(p1.GetData(), []byte("megumi"))
	require.NoError(t, bpm.UnpinPage(id1, true))

	// The only frame is reclaimed for a second page, forcing a writeback
	// of the dirty victim.
	p2, err := bpm.NewPage()
	require.NoError(t, err)
	id2 := p2.GetPageID()
	require.NotEqual(t, id1, id2)

	onDisk := make([]byte, dm.GetPageSize())
	require.NoError(t, dm.ReadPage(id1, onDisk))
	require.Equal(t, []byte("megumi"), onDisk[:6])

	require.NoError(t, bpm.UnpinPage(id2, false))

	// Fetching page 1 back evicts page 2; clean victims are not written.
	p1again, err := bpm.FetchPage(id1)
	require.NoError(t, err)
	require.Equal(t, []byte("megumi"), p1again.GetData()[:6])
	require.NoError(t, bpm.UnpinPage(id1, false))
}

func TestBufferPool_AllPinnedFails(t *testing.T) {
	bpm, _ := newTestPool(t, 2)

	p1, err := bpm.NewPage()
	require.NoError(t, err)
	p2, err := bpm.NewPage()
	require.NoError(t, err)

	_, err = bpm.NewPage()
	require.ErrorIs(t, err, ErrBufferPoolFull)
	_, err = bpm.FetchPage(page.HeaderPageID)
	require.ErrorIs(t, err, ErrBufferPoolFull)

	require.NoError(t, bpm.UnpinPage(p1.GetPageID(), false))
	require.NoError(t, bpm.UnpinPage(p2.GetPageID(), false))

	_, err = bpm.FetchPage(page.HeaderPageID)
	require.NoError(t, err)
	require.NoError(t, bpm.UnpinPage(page.HeaderPageID, false))
}

func TestBufferPool_UnpinSemantics(t *testing.T) {
	bpm, _ := newTestPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()

	require.NoError(t, bpm.UnpinPage(id, false))
	// The pin credit is spent; a second unpin is a soft failure and must
	// leave the frame untouched, dirty flag included.
	require.ErrorIs(t, bpm.UnpinPage(id, true), ErrPageNotPinned)
	require.False(t, p.IsDirty())

	require.ErrorIs(t, bpm.UnpinPage(page.PageID(9999), false), ErrPageNotFound)
}

func TestBufferPool_DirtyFlagIsSticky(t *testing.T) {
	bpm, _ := newTestPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()
	_, err = bpm.FetchPage(id)
	require.NoError(t, err)

	require.NoError(t, bpm.UnpinPage(id, true))
	// A later clean unpin must not clear the dirty flag.
	require.NoError(t, bpm.UnpinPage(id, false))
	require.True(t, p.IsDirty())
}

func TestBufferPool_DeletePage(t *testing.T) {
	bpm, _ := newTestPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()

	require.ErrorIs(t, bpm.DeletePage(id), ErrPagePinned)

	require.NoError(t, bpm.UnpinPage(id, false))
	require.NoError(t, bpm.DeletePage(id))

	// The frame went back to the free list with its identity cleared.
	require.Equal(t, page.InvalidPageID, p.GetPageID())
	require.True(t, bpm.CheckAllUnpinned())
}

func TestBufferPool_FlushPage(t *testing.T) {
	bpm, dm := newTestPool(t, 4)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()
	copy(p.GetData(), []byte("flushed"))
	require.NoError(t, bpm.UnpinPage(id, true))

	require.NoError(t, bpm.FlushPage(id))
	require.False(t, p.IsDirty())

	onDisk := make([]byte, dm.GetPageSize())
	require.NoError(t, dm.ReadPage(id, onDisk))
	require.Equal(t, []byte("flushed"), onDisk[:7])

	require.ErrorIs(t, bpm.FlushPage(page.PageID(9999)), ErrPageNotFound)
	require.ErrorIs(t, bpm.FlushPage(page.InvalidPageID), ErrPageNotFound)
}

func TestBufferPool_WALFlushedBeforeWriteback(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	dm, err := disk.NewDiskManager(filepath.Join(dir, "test.db"), disk.DefaultPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	lm, err := wal.NewLogManager(filepath.Join(dir, "test.wal"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	bpm := NewBufferPoolManager(1, dm, lm, logger)

	p, err := bpm.NewPage()
	require.NoError(t, err)
	id := p.GetPageID()
	copy(p.GetData(), []byte("logged"))
	require.NoError(t, bpm.UnpinPage(id, true))
	lsn := p.GetLSN()
	require.NotEqual(t, page.InvalidLSN, lsn)
	require.Less(t, lm.FlushedLSN(), lsn)

	// Evicting the dirty page must first make its log records durable.
	p2, err := bpm.NewPage()
	require.NoError(t, err)
	require.GreaterOrEqual(t, lm.FlushedLSN(), lsn)
	require.NoError(t, bpm.UnpinPage(p2.GetPageID(), false))

	require.True(t, bpm.CheckAllUnpinned())
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	bpm, dm := newTestPool(t, 4)

	var ids []page.PageID
	for i := 0; i < 3; i++ {
		p, err := bpm.NewPage()
		require.NoError(t, err)
		p.GetData()[0] = byte('a' + i)
		ids = append(ids, p.GetPageID())
		require.NoError(t, bpm.UnpinPage(p.GetPageID(), true))
	}
	require.NoError(t, bpm.FlushAllPages())

	buf := make([]byte, dm.GetPageSize())
	for i, id := range ids {
		require.NoError(t, dm.ReadPage(id, buf))
		require.Equal(t, byte('a'+i), buf[0])
	}
}
