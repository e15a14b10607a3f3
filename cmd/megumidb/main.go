// megumidb demo: builds a B+Tree index over the storage core, loads a
// batch of keys, runs a point lookup and a range scan, then tears down.
package main

import (
	"encoding/binary"
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/sushant-115/megumidb/core/index/btree"
	"github.com/sushant-115/megumidb/core/storage/buffer"
	"github.com/sushant-115/megumidb/core/storage/disk"
	"github.com/sushant-115/megumidb/core/storage/page"
	"github.com/sushant-115/megumidb/core/storage/wal"
	"github.com/sushant-115/megumidb/core/transaction"
	"github.com/sushant-115/megumidb/pkg/logger"
)

const keyWidth = 8

func encodeKey(i int) []byte {
	k := make([]byte, keyWidth)
	binary.BigEndian.PutUint64(k, uint64(i))
	return k
}

func main() {
	var (
		dataDir   = flag.String("data-dir", ".", "directory for the database and WAL files")
		poolSize  = flag.Int("pool-size", 128, "buffer pool frames")
		numKeys   = flag.Int("keys", 1000, "number of keys to load")
		logLevel  = flag.String("log-level", "info", "log level")
		logFormat = flag.String("log-format", "console", "log format (console or json)")
	)
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: *logFormat, OutputFile: "stderr"})
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	dm, err := disk.NewDiskManager(filepath.Join(*dataDir, "megumi.db"), disk.DefaultPageSize, log)
	if err != nil {
		log.Fatal("failed to open database file", zap.Error(err))
	}
	defer dm.Close()

	lm, err := wal.NewLogManager(filepath.Join(*dataDir, "megumi.wal"), log)
	if err != nil {
		log.Fatal("failed to open WAL", zap.Error(err))
	}
	defer lm.Close()

	bpm := buffer.NewBufferPoolManager(*poolSize, dm, lm, log)
	tree, err := btree.NewBPlusTree("demo_index", bpm, keyWidth, btree.WithLogger(log))
	if err != nil {
		log.Fatal("failed to open index", zap.Error(err))
	}

	txn := transaction.New()
	for i := 1; i <= *numKeys; i++ {
		rid := btree.RID{PageID: page.PageID(i), Slot: uint32(i % 16)}
		if err := tree.Insert(encodeKey(i), rid, txn); err != nil {
			log.Fatal("insert failed", zap.Int("key", i), zap.Error(err))
		}
	}
	log.Info("loaded keys", zap.Int("count", *numKeys))

	probe := *numKeys / 2
	rid, err := tree.GetValue(encodeKey(probe))
	if err != nil {
		log.Fatal("point lookup failed", zap.Int("key", probe), zap.Error(err))
	}
	log.Info("point lookup",
		zap.Int("key", probe),
		zap.Int64("rid_page", int64(rid.PageID)),
		zap.Uint32("rid_slot", rid.Slot))

	it, err := tree.BeginAt(encodeKey(*numKeys - 10))
	if err != nil {
		log.Fatal("range scan failed", zap.Error(err))
	}
	scanned := 0
	for !it.IsEnd() {
		scanned++
		if err := it.Next(); err != nil {
			log.Fatal("scan aborted", zap.Error(err))
		}
	}
	it.Close()
	log.Info("range scan", zap.Int("tail_entries", scanned))

	if err := bpm.FlushAllPages(); err != nil {
		log.Fatal("flush failed", zap.Error(err))
	}
	log.Info("flushed all pages, shutting down")
}
