package btree

import (
	"encoding/binary"
	"errors"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// The header page (page 0) is the catalog: a packed table of
// (index name, root page id) records consulted whenever a tree's root
// moves.

const (
	headerCountOffset   = 0 // int32
	headerRecordsOffset = 4

	// MaxIndexNameLength bounds index names stored in the header page.
	MaxIndexNameLength = 32

	headerRecordSize = MaxIndexNameLength + 8
)

var (
	ErrIndexNameTooLong = errors.New("index name too long for header page record")
	ErrRecordExists     = errors.New("header page record already exists")
	ErrRecordNotFound   = errors.New("header page record not found")
	ErrHeaderFull       = errors.New("header page is full")
)

// HeaderPage is a typed view over the raw catalog page.
type HeaderPage struct {
	data []byte
}

// AsHeaderPage wraps the frame holding page 0.
func AsHeaderPage(p *page.Page) HeaderPage { return HeaderPage{data: p.GetData()} }

// NumRecords returns the number of catalog records.
func (hp HeaderPage) NumRecords() int {
	return int(int32(binary.LittleEndian.Uint32(hp.data[headerCountOffset:])))
}

func (hp HeaderPage) setNumRecords(n int) {
	binary.LittleEndian.PutUint32(hp.data[headerCountOffset:], uint32(int32(n)))
}

func (hp HeaderPage) maxRecords() int {
	return (len(hp.data) - headerRecordsOffset) / headerRecordSize
}

func (hp HeaderPage) recordOffset(index int) int {
	return headerRecordsOffset + index*headerRecordSize
}

func (hp HeaderPage) recordName(index int) string {
	off := hp.recordOffset(index)
	name := hp.data[off : off+MaxIndexNameLength]
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	return string(name[:end])
}

func (hp HeaderPage) recordRootID(index int) page.PageID {
	off := hp.recordOffset(index) + MaxIndexNameLength
	return page.PageID(int64(binary.LittleEndian.Uint64(hp.data[off:])))
}

func (hp HeaderPage) setRecord(index int, name string, rootID page.PageID) {
	off := hp.recordOffset(index)
	nameField := hp.data[off : off+MaxIndexNameLength]
	for i := range nameField {
		nameField[i] = 0
	}
	copy(nameField, name)
	binary.LittleEndian.PutUint64(hp.data[off+MaxIndexNameLength:], uint64(int64(rootID)))
}

func (hp HeaderPage) findRecord(name string) int {
	for i := 0; i < hp.NumRecords(); i++ {
		if hp.recordName(i) == name {
			return i
		}
	}
	return -1
}

// InsertRecord adds a new (name, rootID) record.
func (hp HeaderPage) InsertRecord(name string, rootID page.PageID) error {
	if len(name) > MaxIndexNameLength {
		return ErrIndexNameTooLong
	}
	if hp.findRecord(name) >= 0 {
		return ErrRecordExists
	}
	n := hp.NumRecords()
	if n >= hp.maxRecords() {
		return ErrHeaderFull
	}
	hp.setRecord(n, name, rootID)
	hp.setNumRecords(n + 1)
	return nil
}

// UpdateRecord rewrites the root page id stored for name.
func (hp HeaderPage) UpdateRecord(name string, rootID page.PageID) error {
	idx := hp.findRecord(name)
	if idx < 0 {
		return ErrRecordNotFound
	}
	off := hp.recordOffset(idx) + MaxIndexNameLength
	binary.LittleEndian.PutUint64(hp.data[off:], uint64(int64(rootID)))
	return nil
}

// DeleteRecord removes the record for name, keeping the table packed.
func (hp HeaderPage) DeleteRecord(name string) error {
	idx := hp.findRecord(name)
	if idx < 0 {
		return ErrRecordNotFound
	}
	n := hp.NumRecords()
	copy(hp.data[hp.recordOffset(idx):hp.recordOffset(n-1)],
		hp.data[hp.recordOffset(idx+1):hp.recordOffset(n)])
	hp.setNumRecords(n - 1)
	return nil
}

// GetRootID looks up the root page id recorded for name.
func (hp HeaderPage) GetRootID(name string) (page.PageID, bool) {
	idx := hp.findRecord(name)
	if idx < 0 {
		return page.InvalidPageID, false
	}
	return hp.recordRootID(idx), true
}
