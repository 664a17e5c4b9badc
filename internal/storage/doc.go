// Package storage provides the core storage engine components for pagekv:
// a disk-backed, copy-on-write B+tree page store with redo logging, undo
// logging, checkpoints, and crash recovery.
//
// # Overview
//
// pagekv is an embedded, transactional, single-process key-value engine.
// It provides:
//
//   - ACID transactions with configurable durability (internal/txn)
//   - Redo logging for recovery and undo logging for rollback
//   - Multiple named B+tree indexes over a shared page file (internal/storage/btree)
//   - Large values transparently fragmented across pages (internal/storage/fragment)
//   - Per-key shared/upgradable/exclusive locking with deadlock detection (internal/locking)
//   - Periodic checkpoints producing crash-consistent on-disk state
//
// # Opening a database
//
//	db, err := pagekv.Open(pagekv.DefaultOptions().WithBaseFilePath("/var/lib/pagekv/data"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
// # Page file format
//
// Two fixed headers live at offsets 0 and PageSize; the active header
// alternates between them on every commit (see header.go). Pages are
// addressed by a 48-bit page id and indexed from 2 upward.
package storage
