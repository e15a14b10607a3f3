package btree

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/buffer"
	"github.com/sushant-115/megumidb/core/storage/page"
	"github.com/sushant-115/megumidb/core/transaction"
)

var (
	ErrKeyNotFound      = errors.New("key not found")
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrInvalidKeySize   = errors.New("key size does not match index key width")
	ErrBadConfig        = errors.New("invalid btree configuration")
)

// BPlusTree is a concurrent, unique-key B+Tree index. All page access
// goes through the buffer pool; concurrency is coordinated with per-page
// reader/writer latches using latch crabbing, plus a dedicated latch on
// the root page id slot.
type BPlusTree struct {
	name            string
	keySize         int
	leafMaxSize     int // 0 derives from the page size
	internalMaxSize int
	comparator      Comparator
	bpm             *buffer.BufferPoolManager
	logger          *zap.Logger

	// rootPageID transitions are guarded by rootLatch; the atomic load
	// lets a descent that lost the race detect the move and restart.
	rootPageID atomic.Int64
	rootLatch  sync.RWMutex
}

// Option configures a BPlusTree.
type Option func(*BPlusTree)

// WithLeafMaxSize overrides the derived leaf capacity. Intended for tests
// that need small fan-outs.
func WithLeafMaxSize(n int) Option { return func(t *BPlusTree) { t.leafMaxSize = n } }

// WithInternalMaxSize overrides the derived internal fan-out.
func WithInternalMaxSize(n int) Option { return func(t *BPlusTree) { t.internalMaxSize = n } }

// WithComparator overrides the bytewise key order.
func WithComparator(cmp Comparator) Option { return func(t *BPlusTree) { t.comparator = cmp } }

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option { return func(t *BPlusTree) { t.logger = l } }

// NewBPlusTree opens the index called name, resuming from the root
// recorded in the header page if one exists.
func NewBPlusTree(name string, bpm *buffer.BufferPoolManager, keySize int, opts ...Option) (*BPlusTree, error) {
	if bpm == nil {
		return nil, fmt.Errorf("%w: buffer pool manager is required", ErrBadConfig)
	}
	if keySize < 1 {
		return nil, fmt.Errorf("%w: key size must be positive", ErrBadConfig)
	}
	if len(name) == 0 || len(name) > MaxIndexNameLength {
		return nil, fmt.Errorf("%w: index name must be 1..%d bytes", ErrBadConfig, MaxIndexNameLength)
	}
	t := &BPlusTree{
		name:       name,
		keySize:    keySize,
		comparator: DefaultComparator,
		bpm:        bpm,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	pageSize := bpm.GetPageSize()
	maxLeaf := (pageSize-leafHeaderSize)/(keySize+ridSize) - 1
	maxInternal := (pageSize-treePageHeaderSize)/(keySize+childSize) - 1
	if maxLeaf < 2 || maxInternal < 3 {
		return nil, fmt.Errorf("%w: key size %d too large for page size %d", ErrBadConfig, keySize, pageSize)
	}
	if t.leafMaxSize > maxLeaf || t.internalMaxSize > maxInternal {
		return nil, fmt.Errorf("%w: configured max size exceeds page capacity", ErrBadConfig)
	}
	if (t.leafMaxSize != 0 && t.leafMaxSize < 2) || (t.internalMaxSize != 0 && t.internalMaxSize < 3) {
		return nil, fmt.Errorf("%w: configured max size too small", ErrBadConfig)
	}

	rootID, err := t.readRootRecord()
	if err != nil {
		return nil, err
	}
	t.rootPageID.Store(int64(rootID))
	return t, nil
}

// IsEmpty reports whether the tree has no root.
func (t *BPlusTree) IsEmpty() bool { return t.loadRoot() == page.InvalidPageID }

func (t *BPlusTree) loadRoot() page.PageID { return page.PageID(t.rootPageID.Load()) }

func (t *BPlusTree) storeRoot(id page.PageID) { t.rootPageID.Store(int64(id)) }

// opContext tracks one operation's kind, its transaction bookkeeping and
// whether the root-id latch is still held.
type opContext struct {
	op          opType
	txn         *transaction.Transaction
	rootLatched bool
}

func (t *BPlusTree) lockRoot(ctx *opContext) {
	if ctx.op == opRead {
		t.rootLatch.RLock()
	} else {
		t.rootLatch.Lock()
	}
	ctx.rootLatched = true
}

func (t *BPlusTree) unlockRoot(ctx *opContext) {
	if !ctx.rootLatched {
		return
	}
	if ctx.op == opRead {
		t.rootLatch.RUnlock()
	} else {
		t.rootLatch.Unlock()
	}
	ctx.rootLatched = false
}

// GetValue returns the RID stored under key.
func (t *BPlusTree) GetValue(key []byte) (RID, error) {
	if len(key) != t.keySize {
		return RID{}, ErrInvalidKeySize
	}
	ctx := &opContext{op: opRead}
	leaf, err := t.findLeafPage(key, false, ctx)
	if err != nil {
		return RID{}, err
	}
	if leaf == nil {
		return RID{}, ErrKeyNotFound
	}
	view := asLeafPage(leaf, t.keySize)
	rid, ok := view.lookup(key, t.comparator)
	t.freePages(ctx, leaf)
	if !ok {
		return RID{}, ErrKeyNotFound
	}
	return rid, nil
}

// Insert adds (key, rid). Duplicate keys are rejected with
// ErrKeyAlreadyExists and leave the tree unchanged.
func (t *BPlusTree) Insert(key []byte, rid RID, txn *transaction.Transaction) error {
	if len(key) != t.keySize {
		return ErrInvalidKeySize
	}
	if txn == nil {
		txn = transaction.New()
	}
	for {
		t.rootLatch.Lock()
		if t.loadRoot() == page.InvalidPageID {
			err := t.startNewTree(key, rid)
			t.rootLatch.Unlock()
			return err
		}
		t.rootLatch.Unlock()

		ctx := &opContext{op: opInsert, txn: txn}
		leaf, err := t.findLeafPage(key, false, ctx)
		if err != nil {
			return err
		}
		if leaf == nil {
			// The tree was emptied between the root check and the
			// descent; take the start-new-tree path again.
			continue
		}
		view := asLeafPage(leaf, t.keySize)
		if _, ok := view.lookup(key, t.comparator); ok {
			t.freePages(ctx, nil)
			return ErrKeyAlreadyExists
		}
		view.insert(key, rid, t.comparator)
		if view.size() > view.maxSize() {
			newPg, err := t.split(leaf, ctx)
			if err != nil {
				t.freePages(ctx, nil)
				return err
			}
			sep := copyBytes(asLeafPage(newPg, t.keySize).keyAt(0))
			if err := t.insertIntoParent(leaf, sep, newPg, ctx); err != nil {
				t.freePages(ctx, nil)
				return err
			}
		}
		t.freePages(ctx, nil)
		return nil
	}
}

// Remove deletes key if present. Removal of an absent key is a no-op.
func (t *BPlusTree) Remove(key []byte, txn *transaction.Transaction) error {
	if len(key) != t.keySize {
		return ErrInvalidKeySize
	}
	if txn == nil {
		txn = transaction.New()
	}
	ctx := &opContext{op: opDelete, txn: txn}
	leaf, err := t.findLeafPage(key, false, ctx)
	if err != nil {
		return err
	}
	if leaf == nil {
		return nil
	}
	view := asLeafPage(leaf, t.keySize)
	newSize := view.removeRecord(key, t.comparator)
	if newSize < view.minSize() {
		if _, err := t.coalesceOrRedistribute(leaf, ctx); err != nil {
			t.freePages(ctx, nil)
			return err
		}
	}
	t.freePages(ctx, nil)
	return nil
}

// startNewTree seeds an empty tree with a root leaf holding (key, rid).
// Caller holds the root-id latch exclusively.
func (t *BPlusTree) startNewTree(key []byte, rid RID) error {
	rootPg, err := t.bpm.NewPage()
	if err != nil {
		return fmt.Errorf("failed to create root page: %w", err)
	}
	rootID := rootPg.GetPageID()
	view := asLeafPage(rootPg, t.keySize)
	view.init(rootID, page.InvalidPageID, t.leafMaxSize)
	view.insert(key, rid, t.comparator)
	t.storeRoot(rootID)
	if err := t.updateRootRecord(); err != nil {
		t.bpm.UnpinPage(rootID, true)
		return err
	}
	t.logger.Debug("started new tree",
		zap.String("index", t.name), zap.Int64("root", int64(rootID)))
	return t.bpm.UnpinPage(rootID, true)
}

// findLeafPage descends from the root to the leaf owning key (or the
// leftmost leaf), latching with the crabbing protocol. Returns nil when
// the tree is empty. A descent that observes a root transition restarts.
func (t *BPlusTree) findLeafPage(key []byte, leftMost bool, ctx *opContext) (*page.Page, error) {
	for {
		t.lockRoot(ctx)
		rootID := t.loadRoot()
		if rootID == page.InvalidPageID {
			t.unlockRoot(ctx)
			return nil, nil
		}
		cur, err := t.crabbingFetch(rootID, ctx, nil)
		if err != nil {
			t.unlockRoot(ctx)
			return nil, err
		}
		if t.loadRoot() != rootID {
			// The root moved while this descent waited on its latch;
			// drop everything and start over.
			t.freePages(ctx, cur)
			continue
		}
		// The root page is latched and verified current: the root-id
		// latch has done its job and is released here, before the
		// descent continues. Root transitions from this point on are
		// covered by the page latches plus the restart check above.
		t.unlockRoot(ctx)
		for {
			view := asTreePage(cur)
			if view.isLeaf() {
				return cur, nil
			}
			iview := asInternalPage(cur, t.keySize)
			var next page.PageID
			if leftMost {
				next = iview.childAt(0)
			} else {
				next = iview.lookup(key, t.comparator)
			}
			child, err := t.crabbingFetch(next, ctx, cur)
			if err != nil {
				t.freePages(ctx, cur)
				return nil, err
			}
			cur = child
		}
	}
}

// crabbingFetch pins and latches the target page. When the newly latched
// page is safe for the pending operation (always, for reads), every
// ancestor latch acquired so far is released. prev is nil when fetching
// the root or a sibling, which must not release anything.
func (t *BPlusTree) crabbingFetch(pageID page.PageID, ctx *opContext, prev *page.Page) (*page.Page, error) {
	fp, err := t.bpm.FetchPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page %d: %w", pageID, err)
	}
	exclusive := ctx.op != opRead
	if exclusive {
		fp.Lock()
	} else {
		fp.RLock()
	}
	if prev != nil && (!exclusive || asTreePage(fp).isSafe(ctx.op)) {
		t.freePages(ctx, prev)
	}
	if ctx.txn != nil {
		ctx.txn.AddIntoPageSet(fp)
	}
	return fp, nil
}

// freePages releases the root-id latch (if still held) and every page
// held by the operation: unlatch, unpin (dirty for writes), and delete
// pages scheduled in the transaction's deleted set. Without a
// transaction, only cur is released.
func (t *BPlusTree) freePages(ctx *opContext, cur *page.Page) {
	t.unlockRoot(ctx)
	exclusive := ctx.op != opRead
	if ctx.txn == nil {
		if cur != nil {
			pid := cur.GetPageID()
			if exclusive {
				cur.Unlock()
			} else {
				cur.RUnlock()
			}
			if err := t.bpm.UnpinPage(pid, false); err != nil {
				t.logger.Error("unpin failed", zap.Int64("page_id", int64(pid)), zap.Error(err))
			}
		}
		return
	}
	for _, p := range ctx.txn.PageSet() {
		pid := p.GetPageID()
		if exclusive {
			p.Unlock()
		} else {
			p.RUnlock()
		}
		if err := t.bpm.UnpinPage(pid, exclusive); err != nil {
			t.logger.Error("unpin failed", zap.Int64("page_id", int64(pid)), zap.Error(err))
		}
		if ctx.txn.InDeletedPageSet(pid) {
			if err := t.bpm.DeletePage(pid); err != nil {
				t.logger.Error("delete page failed", zap.Int64("page_id", int64(pid)), zap.Error(err))
			}
			ctx.txn.RemoveFromDeletedPageSet(pid)
		}
	}
	ctx.txn.ClearPageSet()
}

// split allocates a sibling of the same type and moves the upper half of
// pg into it. The new page joins the transaction's page set, latched
// exclusively.
func (t *BPlusTree) split(pg *page.Page, ctx *opContext) (*page.Page, error) {
	newPg, err := t.bpm.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate page for split: %w", err)
	}
	newPg.Lock()
	ctx.txn.AddIntoPageSet(newPg)

	old := asTreePage(pg)
	if old.isLeaf() {
		oldView := asLeafPage(pg, t.keySize)
		newView := asLeafPage(newPg, t.keySize)
		newView.init(newPg.GetPageID(), old.parentPageID(), oldView.maxSize())
		oldView.moveHalfTo(newView)
	} else {
		oldView := asInternalPage(pg, t.keySize)
		newView := asInternalPage(newPg, t.keySize)
		newView.init(newPg.GetPageID(), old.parentPageID(), oldView.maxSize())
		moved := oldView.moveHalfTo(newView)
		for _, childID := range moved {
			if err := t.reparent(childID, newPg.GetPageID()); err != nil {
				return nil, err
			}
		}
	}
	return newPg, nil
}

// insertIntoParent hooks a freshly split page into the tree: either a new
// root is minted above the old one, or (key, new) is inserted after old's
// slot in the parent, splitting the parent recursively on overflow. The
// parent is already exclusively latched by the descent.
func (t *BPlusTree) insertIntoParent(old *page.Page, key []byte, newPg *page.Page, ctx *opContext) error {
	oldView := asTreePage(old)
	if oldView.parentPageID() == page.InvalidPageID {
		rootPg, err := t.bpm.NewPage()
		if err != nil {
			return fmt.Errorf("failed to allocate new root: %w", err)
		}
		rootID := rootPg.GetPageID()
		rootView := asInternalPage(rootPg, t.keySize)
		rootView.init(rootID, page.InvalidPageID, t.internalMaxSize)
		rootView.populateNewRoot(old.GetPageID(), key, newPg.GetPageID())
		oldView.setParentPageID(rootID)
		asTreePage(newPg).setParentPageID(rootID)
		// The old root is exclusively latched for the whole structural
		// modification, so publishing the new root without the root-id
		// latch is tolerated: latecomers re-read the id and restart.
		t.storeRoot(rootID)
		if err := t.updateRootRecord(); err != nil {
			t.bpm.UnpinPage(rootID, true)
			return err
		}
		return t.bpm.UnpinPage(rootID, true)
	}

	parentID := oldView.parentPageID()
	parentPg, err := t.bpm.FetchPage(parentID)
	if err != nil {
		return fmt.Errorf("failed to fetch parent page %d: %w", parentID, err)
	}
	parentView := asInternalPage(parentPg, t.keySize)
	asTreePage(newPg).setParentPageID(parentID)
	parentView.insertNodeAfter(old.GetPageID(), key, newPg.GetPageID())
	if parentView.size() > parentView.maxSize() {
		newParent, err := t.split(parentPg, ctx)
		if err != nil {
			t.bpm.UnpinPage(parentID, true)
			return err
		}
		sep := copyBytes(asInternalPage(newParent, t.keySize).keyAt(0))
		if err := t.insertIntoParent(parentPg, sep, newParent, ctx); err != nil {
			t.bpm.UnpinPage(parentID, true)
			return err
		}
	}
	return t.bpm.UnpinPage(parentID, true)
}

// coalesceOrRedistribute rebalances an underflowing node by borrowing
// from or merging with a sibling. Returns true when a page was scheduled
// for deletion: the right page of a merged pair (the sibling, when the
// node is the leftmost child) or a reclaimed root.
func (t *BPlusTree) coalesceOrRedistribute(n *page.Page, ctx *opContext) (bool, error) {
	view := asTreePage(n)
	if view.parentPageID() == page.InvalidPageID {
		deleted, err := t.adjustRoot(n)
		if err != nil {
			return false, err
		}
		if deleted {
			ctx.txn.AddIntoDeletedPageSet(n.GetPageID())
		}
		return deleted, nil
	}

	parentID := view.parentPageID()
	parentPg, err := t.bpm.FetchPage(parentID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch parent page %d: %w", parentID, err)
	}
	parentView := asInternalPage(parentPg, t.keySize)
	idx := parentView.valueIndex(n.GetPageID())
	if idx < 0 {
		t.bpm.UnpinPage(parentID, false)
		panic("btree: node missing from its parent during rebalance")
	}
	// Prefer the left sibling; only the leftmost child reaches right.
	sibIdx := idx - 1
	if idx == 0 {
		sibIdx = 1
	}
	sibPg, err := t.crabbingFetch(parentView.childAt(sibIdx), ctx, nil)
	if err != nil {
		t.bpm.UnpinPage(parentID, false)
		return false, err
	}

	nodeSize := view.size()
	sibSize := asTreePage(sibPg).size()
	if nodeSize+sibSize <= view.maxSize() {
		// Merge. The surviving page is always the left one.
		leftPg, rightPg := sibPg, n
		if idx == 0 {
			leftPg, rightPg = n, sibPg
		}
		removeIdx := parentView.valueIndex(rightPg.GetPageID())
		if view.isLeaf() {
			asLeafPage(rightPg, t.keySize).moveAllTo(asLeafPage(leftPg, t.keySize))
		} else {
			sep := copyBytes(parentView.keyAt(removeIdx))
			moved := asInternalPage(rightPg, t.keySize).moveAllTo(asInternalPage(leftPg, t.keySize), sep)
			for _, childID := range moved {
				if err := t.reparent(childID, leftPg.GetPageID()); err != nil {
					t.bpm.UnpinPage(parentID, true)
					return false, err
				}
			}
		}
		ctx.txn.AddIntoDeletedPageSet(rightPg.GetPageID())
		parentView.remove(removeIdx)

		var recurseErr error
		if parentView.size() <= parentView.minSize() {
			_, recurseErr = t.coalesceOrRedistribute(parentPg, ctx)
		}
		if err := t.bpm.UnpinPage(parentID, true); err != nil && recurseErr == nil {
			recurseErr = err
		}
		return true, recurseErr
	}

	// Redistribute one entry through the parent.
	if view.isLeaf() {
		node := asLeafPage(n, t.keySize)
		sib := asLeafPage(sibPg, t.keySize)
		if idx == 0 {
			sib.moveFirstToEndOf(node)
			parentView.setKeyAt(sibIdx, sib.keyAt(0))
		} else {
			sib.moveLastToFrontOf(node)
			parentView.setKeyAt(idx, node.keyAt(0))
		}
	} else {
		node := asInternalPage(n, t.keySize)
		sib := asInternalPage(sibPg, t.keySize)
		if idx == 0 {
			// Borrow the right sibling's first child: the parent
			// separator comes down, the sibling's first real key goes up.
			sep := copyBytes(parentView.keyAt(sibIdx))
			moved := sib.childAt(0)
			node.appendEntry(sep, moved)
			parentView.setKeyAt(sibIdx, sib.keyAt(1))
			sib.removeFirst()
			if err := t.reparent(moved, n.GetPageID()); err != nil {
				t.bpm.UnpinPage(parentID, true)
				return false, err
			}
		} else {
			sep := copyBytes(parentView.keyAt(idx))
			moved := sib.childAt(sib.size() - 1)
			movedKey := copyBytes(sib.keyAt(sib.size() - 1))
			node.prependEntry(moved, sep)
			parentView.setKeyAt(idx, movedKey)
			sib.removeLast()
			if err := t.reparent(moved, n.GetPageID()); err != nil {
				t.bpm.UnpinPage(parentID, true)
				return false, err
			}
		}
	}
	return false, t.bpm.UnpinPage(parentID, true)
}

// adjustRoot handles underflow at the root: a root leaf that emptied out
// ends the tree; a root internal page with a single child promotes that
// child. Returns true when the old root should be reclaimed.
func (t *BPlusTree) adjustRoot(old *page.Page) (bool, error) {
	view := asTreePage(old)
	if view.isLeaf() {
		if view.size() > 0 {
			return false, nil
		}
		t.storeRoot(page.InvalidPageID)
		if err := t.updateRootRecord(); err != nil {
			return false, err
		}
		t.logger.Debug("tree emptied", zap.String("index", t.name))
		return true, nil
	}
	if view.size() != 1 {
		return false, nil
	}
	newRootID := asInternalPage(old, t.keySize).removeAndReturnOnlyChild()
	t.storeRoot(newRootID)
	if err := t.updateRootRecord(); err != nil {
		return false, err
	}
	childPg, err := t.bpm.FetchPage(newRootID)
	if err != nil {
		return false, fmt.Errorf("failed to fetch promoted root %d: %w", newRootID, err)
	}
	asTreePage(childPg).setParentPageID(page.InvalidPageID)
	if err := t.bpm.UnpinPage(newRootID, true); err != nil {
		return false, err
	}
	t.logger.Debug("root collapsed",
		zap.String("index", t.name), zap.Int64("root", int64(newRootID)))
	return true, nil
}

// reparent rewrites a moved child's parent pointer. The child is not
// latched: its old and new parents are both exclusively latched for the
// duration of the structural modification.
func (t *BPlusTree) reparent(childID, parentID page.PageID) error {
	childPg, err := t.bpm.FetchPage(childID)
	if err != nil {
		return fmt.Errorf("failed to fetch child page %d: %w", childID, err)
	}
	asTreePage(childPg).setParentPageID(parentID)
	return t.bpm.UnpinPage(childID, true)
}

// readRootRecord loads the root page id recorded for this index in the
// header page, if any.
func (t *BPlusTree) readRootRecord() (page.PageID, error) {
	headerPg, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return page.InvalidPageID, fmt.Errorf("failed to fetch header page: %w", err)
	}
	headerPg.RLock()
	rootID, ok := AsHeaderPage(headerPg).GetRootID(t.name)
	headerPg.RUnlock()
	if err := t.bpm.UnpinPage(page.HeaderPageID, false); err != nil {
		return page.InvalidPageID, err
	}
	if !ok {
		return page.InvalidPageID, nil
	}
	return rootID, nil
}

// updateRootRecord records the current root page id in the header page.
// Called on every root transition.
func (t *BPlusTree) updateRootRecord() error {
	headerPg, err := t.bpm.FetchPage(page.HeaderPageID)
	if err != nil {
		return fmt.Errorf("failed to fetch header page: %w", err)
	}
	headerPg.Lock()
	header := AsHeaderPage(headerPg)
	err = header.UpdateRecord(t.name, t.loadRoot())
	if errors.Is(err, ErrRecordNotFound) {
		err = header.InsertRecord(t.name, t.loadRoot())
	}
	headerPg.Unlock()
	if unpinErr := t.bpm.UnpinPage(page.HeaderPageID, true); err == nil {
		err = unpinErr
	}
	return err
}
