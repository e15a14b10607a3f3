// Package wal implements the write-ahead log manager. The buffer pool
// appends a record for every page mutation and flushes the log up to a
// page's LSN before writing the page itself back to disk.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/storage/page"
)

// LogRecordType defines the kind of operation logged.
type LogRecordType uint8

const (
	LogRecordTypeUpdate LogRecordType = iota + 1
	LogRecordTypeNewPage
	LogRecordTypeFreePage
)

var (
	ErrLogClosed       = errors.New("log manager is closed")
	ErrRecordCorrupted = errors.New("log record checksum mismatch")
)

// LogRecord is a single WAL entry. LSN is assigned by AppendRecord.
type LogRecord struct {
	LSN    page.LSN
	Type   LogRecordType
	TxnID  uint64
	PageID page.PageID
	Data   []byte
}

// recordHeaderSize covers length (u32) and checksum (u32).
const recordHeaderSize = 8

// payloadFixedSize covers lsn (u64), type (u8), txn id (u64), page id
// (i64) and the data length (u32).
const payloadFixedSize = 8 + 1 + 8 + 8 + 4

// LogManager appends records to a single log file and tracks the highest
// LSN known to be durable.
type LogManager struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	nextLSN    page.LSN
	flushedLSN page.LSN
	logger     *zap.Logger
}

// NewLogManager opens (or creates) the log file at logPath for appending.
func NewLogManager(logPath string, logger *zap.Logger) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}
	lm := &LogManager{
		file:       file,
		writer:     bufio.NewWriter(file),
		nextLSN:    1,
		flushedLSN: page.InvalidLSN,
		logger:     logger,
	}
	logger.Info("log manager opened", zap.String("file", logPath))
	return lm, nil
}

// AppendRecord assigns the next LSN to record, encodes it and buffers the
// bytes. The record is not durable until FlushTo or Sync.
func (lm *LogManager) AppendRecord(record *LogRecord) (page.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return page.InvalidLSN, ErrLogClosed
	}

	record.LSN = lm.nextLSN
	encoded := EncodeLogRecord(record)
	if _, err := lm.writer.Write(encoded); err != nil {
		return page.InvalidLSN, fmt.Errorf("failed to append log record %d: %w", record.LSN, err)
	}
	lm.nextLSN++
	return record.LSN, nil
}

// FlushTo makes every record with an LSN up to lsn durable. A no-op when
// those records are already on disk.
func (lm *LogManager) FlushTo(lsn page.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return ErrLogClosed
	}
	if lsn <= lm.flushedLSN {
		return nil
	}
	return lm.flushLocked()
}

// Sync makes every appended record durable.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return ErrLogClosed
	}
	return lm.flushLocked()
}

// FlushedLSN returns the highest durable LSN.
func (lm *LogManager) FlushedLSN() page.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// Close flushes and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.file == nil {
		return nil
	}
	flushErr := lm.flushLocked()
	closeErr := lm.file.Close()
	lm.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

func (lm *LogManager) flushLocked() error {
	if err := lm.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	lm.flushedLSN = lm.nextLSN - 1
	return nil
}

// EncodeLogRecord frames record as [length][crc32][payload].
func EncodeLogRecord(record *LogRecord) []byte {
	payloadLen := payloadFixedSize + len(record.Data)
	buf := make([]byte, recordHeaderSize+payloadLen)

	payload := buf[recordHeaderSize:]
	binary.LittleEndian.PutUint64(payload[0:8], uint64(record.LSN))
	payload[8] = byte(record.Type)
	binary.LittleEndian.PutUint64(payload[9:17], record.TxnID)
	binary.LittleEndian.PutUint64(payload[17:25], uint64(record.PageID))
	binary.LittleEndian.PutUint32(payload[25:29], uint32(len(record.Data)))
	copy(payload[29:], record.Data)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(payloadLen))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	return buf
}

// DecodeLogRecord parses one framed record from the head of data and
// returns it along with the number of bytes consumed.
func DecodeLogRecord(data []byte) (*LogRecord, int, error) {
	if len(data) < recordHeaderSize {
		return nil, 0, io.ErrUnexpectedEOF
	}
	payloadLen := int(binary.LittleEndian.Uint32(data[0:4]))
	checksum := binary.LittleEndian.Uint32(data[4:8])
	if payloadLen < payloadFixedSize || len(data) < recordHeaderSize+payloadLen {
		return nil, 0, io.ErrUnexpectedEOF
	}
	payload := data[recordHeaderSize : recordHeaderSize+payloadLen]
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, 0, ErrRecordCorrupted
	}

	record := &LogRecord{
		LSN:    page.LSN(binary.LittleEndian.Uint64(payload[0:8])),
		Type:   LogRecordType(payload[8]),
		TxnID:  binary.LittleEndian.Uint64(payload[9:17]),
		PageID: page.PageID(binary.LittleEndian.Uint64(payload[17:25])),
	}
	dataLen := int(binary.LittleEndian.Uint32(payload[25:29]))
	if dataLen != payloadLen-payloadFixedSize {
		return nil, 0, fmt.Errorf("%w: inconsistent data length", ErrRecordCorrupted)
	}
	if dataLen > 0 {
		record.Data = make([]byte, dataLen)
		copy(record.Data, payload[29:])
	}
	return record, recordHeaderSize + payloadLen, nil
}
