package btree

import (
	"encoding/binary"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/buffer"
	"github.com/sushant-115/megumidb/core/storage/disk"
	"github.com/sushant-115/megumidb/core/storage/page"
	"github.com/sushant-115/megumidb/core/transaction"
)

const testKeySize = 8

func newTestTree(t *testing.T, poolSize int, opts ...Option) (*BPlusTree, *buffer.BufferPoolManager) {
	t.Helper()
	logger := zap.NewNop()
	dm, err := disk.NewDiskManager(filepath.Join(t.TempDir(), "index.db"), disk.DefaultPageSize, logger)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm := buffer.NewBufferPoolManager(poolSize, dm, nil, logger)
	tree, err := NewBPlusTree("test_index", bpm, testKeySize, opts...)
	require.NoError(t, err)
	return tree, bpm
}

// testKey encodes i big-endian so the bytewise order matches the numeric
// order.
func testKey(i int) []byte {
	k := make([]byte, testKeySize)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func testRID(i int) RID {
	return RID{PageID: page.PageID(i), Slot: uint32(i)}
}

// checkTree walks the whole tree and asserts the structural invariants:
// strict key order, size bounds, parent back-pointers, separator bounds,
// uniform leaf depth and a complete, ordered leaf chain. Returns the
// height (0 for a root leaf).
func checkTree(t *testing.T, tree *BPlusTree, bpm *buffer.BufferPoolManager) int {
	t.Helper()
	rootID := tree.loadRoot()
	if rootID == page.InvalidPageID {
		require.True(t, bpm.CheckAllUnpinned(), "pins leaked on empty tree")
		return -1
	}
	var leaves []page.PageID
	height := checkNode(t, tree, bpm, rootID, page.InvalidPageID, nil, nil, &leaves)
	checkLeafChain(t, tree, bpm, leaves)
	require.True(t, bpm.CheckAllUnpinned(), "pins leaked after check")
	return height
}

func checkNode(t *testing.T, tree *BPlusTree, bpm *buffer.BufferPoolManager,
	id, parent page.PageID, lower, upper []byte, leaves *[]page.PageID) int {
	t.Helper()
	pg, err := bpm.FetchPage(id)
	require.NoError(t, err)
	defer func() { require.NoError(t, bpm.UnpinPage(id, false)) }()

	view := asTreePage(pg)
	require.Equal(t, parent, view.parentPageID(), "parent pointer of page %d", id)
	require.Equal(t, id, view.pageID(), "self id of page %d", id)
	size := view.size()
	require.LessOrEqual(t, size, view.maxSize())

	if view.isLeaf() {
		leaf := asLeafPage(pg, tree.keySize)
		if parent != page.InvalidPageID {
			require.GreaterOrEqual(t, size, view.minSize(), "leaf %d underflow", id)
		}
		for i := 0; i < size; i++ {
			k := leaf.keyAt(i)
			if i > 0 {
				require.Negative(t, tree.comparator(leaf.keyAt(i-1), k), "leaf %d keys not ascending", id)
			}
			if lower != nil {
				require.GreaterOrEqual(t, tree.comparator(k, lower), 0, "leaf %d key below bound", id)
			}
			if upper != nil {
				require.Negative(t, tree.comparator(k, upper), "leaf %d key above bound", id)
			}
		}
		*leaves = append(*leaves, id)
		return 0
	}

	internal := asInternalPage(pg, tree.keySize)
	if parent == page.InvalidPageID {
		require.GreaterOrEqual(t, size, 2, "root internal %d must have two children", id)
	} else {
		require.GreaterOrEqual(t, size, view.minSize(), "internal %d underflow", id)
	}
	for i := 2; i < size; i++ {
		require.Negative(t, tree.comparator(internal.keyAt(i-1), internal.keyAt(i)),
			"internal %d separators not ascending", id)
	}
	height := -1
	for i := 0; i < size; i++ {
		childLower := lower
		if i > 0 {
			childLower = copyBytes(internal.keyAt(i))
		}
		childUpper := upper
		if i < size-1 {
			childUpper = copyBytes(internal.keyAt(i + 1))
		}
		h := checkNode(t, tree, bpm, internal.childAt(i), id, childLower, childUpper, leaves)
		if height == -1 {
			height = h
		}
		require.Equal(t, height, h, "leaves at unequal depth under internal %d", id)
	}
	return height + 1
}

// checkLeafChain walks next pointers from the leftmost leaf and asserts
// the chain visits exactly the leaves of the tree, in order, with keys
// globally ascending.
func checkLeafChain(t *testing.T, tree *BPlusTree, bpm *buffer.BufferPoolManager, leaves []page.PageID) {
	t.Helper()
	require.NotEmpty(t, leaves)
	var walked []page.PageID
	var prevKey []byte
	id := leaves[0]
	for id != page.InvalidPageID {
		pg, err := bpm.FetchPage(id)
		require.NoError(t, err)
		leaf := asLeafPage(pg, tree.keySize)
		for i := 0; i < leaf.size(); i++ {
			k := leaf.keyAt(i)
			if prevKey != nil {
				require.Negative(t, tree.comparator(prevKey, k), "leaf chain out of order")
			}
			prevKey = copyBytes(k)
		}
		walked = append(walked, id)
		next := leaf.nextPageID()
		require.NoError(t, bpm.UnpinPage(id, false))
		id = next
	}
	require.Equal(t, leaves, walked, "leaf chain does not match tree leaves")
}

func TestBTree_SequentialInsert(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(3), WithInternalMaxSize(3))
	txn := transaction.New()

	for i := 1; i <= 10; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), txn))
		checkTree(t, tree, bpm)
	}
	height := checkTree(t, tree, bpm)
	require.GreaterOrEqual(t, height, 2)

	for i := 1; i <= 10; i++ {
		rid, err := tree.GetValue(testKey(i))
		require.NoError(t, err)
		require.Equal(t, testRID(i), rid)
	}
	_, err := tree.GetValue(testKey(11))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBTree_DuplicateInsertRejected(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(3), WithInternalMaxSize(3))

	require.NoError(t, tree.Insert(testKey(1), testRID(1), nil))
	err := tree.Insert(testKey(1), testRID(99), nil)
	require.ErrorIs(t, err, ErrKeyAlreadyExists)

	// The original binding survives.
	rid, err := tree.GetValue(testKey(1))
	require.NoError(t, err)
	require.Equal(t, testRID(1), rid)
	checkTree(t, tree, bpm)
}

func TestBTree_DeleteEvensThenScan(t *testing.T) {
	tree, bpm := newTestTree(t, 32, WithLeafMaxSize(3), WithInternalMaxSize(4))

	for i := 1; i <= 100; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), nil))
	}
	checkTree(t, tree, bpm)

	for i := 2; i <= 100; i += 2 {
		require.NoError(t, tree.Remove(testKey(i), nil))
		checkTree(t, tree, bpm)
	}

	it, err := tree.Begin()
	require.NoError(t, err)
	want := 1
	for !it.IsEnd() {
		k, rid := it.Entry()
		require.Equal(t, testKey(want), k)
		require.Equal(t, testRID(want), rid)
		want += 2
		require.NoError(t, it.Next())
	}
	it.Close()
	require.Equal(t, 101, want)
	require.True(t, bpm.CheckAllUnpinned())
}

func TestBTree_RedistributeBorrowsFromRicherSibling(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(4), WithInternalMaxSize(4))

	// Two leaves: {1,2} and {3,4,5,6}.
	for i := 1; i <= 6; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), nil))
	}
	require.Equal(t, 2, countLeaves(t, tree, bpm))

	// {2} underflows; the sibling holds more than min_size, so an entry
	// moves over and no page is reclaimed.
	require.NoError(t, tree.Remove(testKey(1), nil))
	require.Equal(t, 2, countLeaves(t, tree, bpm))
	checkTree(t, tree, bpm)

	for _, i := range []int{2, 3, 4, 5, 6} {
		_, err := tree.GetValue(testKey(i))
		require.NoError(t, err, "key %d", i)
	}
}

func TestBTree_MergeCollapsesRoot(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(4), WithInternalMaxSize(4))

	// Two leaves: {1,2} and {3,4,5}.
	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), nil))
	}
	require.Equal(t, 2, countLeaves(t, tree, bpm))

	// {2} underflows and the combined size fits one page: merge, the
	// right page is reclaimed and the root collapses back to a leaf.
	require.NoError(t, tree.Remove(testKey(1), nil))
	require.Equal(t, 1, countLeaves(t, tree, bpm))
	require.Equal(t, 0, checkTree(t, tree, bpm))

	for _, i := range []int{2, 3, 4, 5} {
		_, err := tree.GetValue(testKey(i))
		require.NoError(t, err, "key %d", i)
	}
}

func TestBTree_DeleteAllThenReinsert(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(3), WithInternalMaxSize(3))

	for i := 1; i <= 20; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), nil))
	}
	for i := 1; i <= 20; i++ {
		require.NoError(t, tree.Remove(testKey(i), nil))
		checkTree(t, tree, bpm)
	}
	require.True(t, tree.IsEmpty())
	_, err := tree.GetValue(testKey(1))
	require.ErrorIs(t, err, ErrKeyNotFound)

	// Removal is idempotent on an empty tree.
	require.NoError(t, tree.Remove(testKey(1), nil))

	require.NoError(t, tree.Insert(testKey(7), testRID(7), nil))
	rid, err := tree.GetValue(testKey(7))
	require.NoError(t, err)
	require.Equal(t, testRID(7), rid)
	checkTree(t, tree, bpm)
}

func TestBTree_EmptyTree(t *testing.T) {
	tree, bpm := newTestTree(t, 8)

	require.True(t, tree.IsEmpty())
	_, err := tree.GetValue(testKey(1))
	require.ErrorIs(t, err, ErrKeyNotFound)
	require.NoError(t, tree.Remove(testKey(1), nil))

	it, err := tree.Begin()
	require.NoError(t, err)
	require.True(t, it.IsEnd())
	it.Close()
	require.True(t, bpm.CheckAllUnpinned())
}

func TestBTree_IteratorBeginAt(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(3), WithInternalMaxSize(3))

	for i := 1; i <= 10; i++ {
		require.NoError(t, tree.Insert(testKey(i*10), testRID(i*10), nil))
	}

	// 55 is absent: the scan starts at the next larger key.
	it, err := tree.BeginAt(testKey(55))
	require.NoError(t, err)
	want := 60
	for !it.IsEnd() {
		k, _ := it.Entry()
		require.Equal(t, testKey(want), k)
		want += 10
		require.NoError(t, it.Next())
	}
	it.Close()
	require.Equal(t, 110, want)

	// Starting beyond the largest key yields an exhausted iterator.
	it, err = tree.BeginAt(testKey(500))
	require.NoError(t, err)
	require.True(t, it.IsEnd())
	it.Close()
	require.True(t, bpm.CheckAllUnpinned())
}

func TestBTree_RootPersistsInHeaderPage(t *testing.T) {
	tree, bpm := newTestTree(t, 16, WithLeafMaxSize(3), WithInternalMaxSize(3))

	for i := 1; i <= 9; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), nil))
	}

	// A second handle on the same index resolves the root through the
	// header page.
	reopened, err := NewBPlusTree("test_index", bpm, testKeySize,
		WithLeafMaxSize(3), WithInternalMaxSize(3))
	require.NoError(t, err)
	require.Equal(t, tree.loadRoot(), reopened.loadRoot())
	for i := 1; i <= 9; i++ {
		rid, err := reopened.GetValue(testKey(i))
		require.NoError(t, err)
		require.Equal(t, testRID(i), rid)
	}
}

func TestBTree_ConcurrentInsertsAndReads(t *testing.T) {
	tree, bpm := newTestTree(t, 64)

	const (
		workers   = 4
		perWorker = 250
	)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			txn := transaction.New()
			for i := 0; i < perWorker; i++ {
				k := base*perWorker + i
				if err := tree.Insert(testKey(k), testRID(k), txn); err != nil {
					t.Errorf("insert %d: %v", k, err)
					return
				}
				if _, err := tree.GetValue(testKey(k)); err != nil {
					t.Errorf("read-back %d: %v", k, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	checkTree(t, tree, bpm)

	// Concurrent point reads and a full scan over the settled tree.
	wg.Add(2)
	go func() {
		defer wg.Done()
		for k := 0; k < workers*perWorker; k++ {
			if _, err := tree.GetValue(testKey(k)); err != nil {
				t.Errorf("concurrent read %d: %v", k, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		it, err := tree.Begin()
		if err != nil {
			t.Errorf("begin: %v", err)
			return
		}
		defer it.Close()
		count := 0
		for !it.IsEnd() {
			count++
			if err := it.Next(); err != nil {
				t.Errorf("scan: %v", err)
				return
			}
		}
		if count != workers*perWorker {
			t.Errorf("scan saw %d entries, want %d", count, workers*perWorker)
		}
	}()
	wg.Wait()
	require.True(t, bpm.CheckAllUnpinned())
}

func TestBTree_ConcurrentDeletes(t *testing.T) {
	tree, bpm := newTestTree(t, 64)

	const total = 600
	for i := 0; i < total; i++ {
		require.NoError(t, tree.Insert(testKey(i), testRID(i), nil))
	}

	const workers = 3
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			txn := transaction.New()
			// Each worker deletes a disjoint residue class.
			for k := offset; k < total; k += workers * 2 {
				if err := tree.Remove(testKey(k), txn); err != nil {
					t.Errorf("remove %d: %v", k, err)
					return
				}
			}
		}(w * 2)
	}
	wg.Wait()
	checkTree(t, tree, bpm)

	// The workers' residue classes cover exactly the even keys.
	for k := 0; k < total; k++ {
		_, err := tree.GetValue(testKey(k))
		if k%2 == 0 {
			require.ErrorIs(t, err, ErrKeyNotFound, "key %d should be gone", k)
		} else {
			require.NoError(t, err, "key %d should survive", k)
		}
	}
	require.True(t, bpm.CheckAllUnpinned())
}

func countLeaves(t *testing.T, tree *BPlusTree, bpm *buffer.BufferPoolManager) int {
	t.Helper()
	var leaves []page.PageID
	rootID := tree.loadRoot()
	require.NotEqual(t, page.InvalidPageID, rootID)
	checkNode(t, tree, bpm, rootID, page.InvalidPageID, nil, nil, &leaves)
	return len(leaves)
}
