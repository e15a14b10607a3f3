// Package transaction provides the per-operation bookkeeping handle used
// by the index layer: the set of pages latched during the current tree
// operation, in acquisition order, and the set of pages scheduled for
// deletion when the operation completes.
package transaction

import (
	"github.com/google/uuid"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// Transaction is the bookkeeping context for a single tree operation. It
// is not safe for concurrent use; each operation owns its own instance.
type Transaction struct {
	id             uuid.UUID
	pageSet        []*page.Page
	deletedPageSet map[page.PageID]struct{}
}

// New creates an empty transaction context.
func New() *Transaction {
	return &Transaction{
		id:             uuid.New(),
		deletedPageSet: make(map[page.PageID]struct{}),
	}
}

// ID returns the transaction's identifier, used for logging and tracing.
func (t *Transaction) ID() uuid.UUID { return t.id }

// AddIntoPageSet records a latched page. Pages are kept in acquisition
// order so release can walk them root to leaf.
func (t *Transaction) AddIntoPageSet(p *page.Page) {
	t.pageSet = append(t.pageSet, p)
}

// PageSet returns the latched pages in acquisition order.
func (t *Transaction) PageSet() []*page.Page { return t.pageSet }

// ClearPageSet empties the latched page set.
func (t *Transaction) ClearPageSet() { t.pageSet = t.pageSet[:0] }

// AddIntoDeletedPageSet schedules a page for deletion at release time.
func (t *Transaction) AddIntoDeletedPageSet(id page.PageID) {
	t.deletedPageSet[id] = struct{}{}
}

// InDeletedPageSet reports whether id is scheduled for deletion.
func (t *Transaction) InDeletedPageSet(id page.PageID) bool {
	_, ok := t.deletedPageSet[id]
	return ok
}

// RemoveFromDeletedPageSet unschedules id after it has been deleted.
func (t *Transaction) RemoveFromDeletedPageSet(id page.PageID) {
	delete(t.deletedPageSet, id)
}

// DeletedPageSetEmpty reports whether every scheduled deletion has been
// carried out.
func (t *Transaction) DeletedPageSetEmpty() bool {
	return len(t.deletedPageSet) == 0
}
