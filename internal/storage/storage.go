// Package storage provides the durable stores behind the review queue and
// the fingerprint registry.
//
// Two backends are available:
//   - Bolt: a single-file embedded store for one ingestor process. Pair it
//     with locking.Local.
//   - SQLite: shared by every worker pointed at the same database file. It
//     also implements locking.Locker with lease rows, so locks survive a
//     crashed holder through lease expiry.
//
// Example usage:
//
//	store, err := storage.OpenSQLite("ingestor.db", log)
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	q, err := queue.New(queue.DefaultConfig(), store, store, log)
package storage

import (
	stderrors "errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record matches the key
	ErrNotFound = stderrors.New("record not found")
	// ErrExists is returned when inserting a queue item whose fingerprint is already queued
	ErrExists = stderrors.New("record already exists")
	// ErrVersionMismatch is returned by CompareAndSwap when the stored version moved on
	ErrVersionMismatch = stderrors.New("version mismatch")
)

// RegistryState is the processing state recorded for an email fingerprint
type RegistryState string

const (
	// StateCreating marks a ledger write that was started but not confirmed
	StateCreating RegistryState = "creating"
	// StateCreated marks a confirmed ledger transaction
	StateCreated RegistryState = "created"
	// StateMerged marks an email folded into an existing transaction
	StateMerged RegistryState = "merged"
	// StateFailed marks a ledger write that failed; the email may be reprocessed
	StateFailed RegistryState = "failed"
)

// IsValid checks if the state is known
func (s RegistryState) IsValid() bool {
	switch s {
	case StateCreating, StateCreated, StateMerged, StateFailed:
		return true
	}
	return false
}

// IsProcessed reports whether the email needs no further work
func (s RegistryState) IsProcessed() bool {
	return s == StateCreated || s == StateMerged
}

// RegistryEntry records what happened to one email fingerprint
type RegistryEntry struct {
	Fingerprint   string        `json:"fingerprint"`
	State         RegistryState `json:"state"`
	TransactionID string        `json:"transaction_id,omitempty"`
	PortfolioID   string        `json:"portfolio_id,omitempty"`
	ReviewItemID  string        `json:"review_item_id,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Ref returns the transaction or review item the entry points at
func (e *RegistryEntry) Ref() string {
	if e.TransactionID != "" {
		return e.TransactionID
	}
	return e.ReviewItemID
}

// Validate performs basic validation on the entry
func (e *RegistryEntry) Validate() error {
	if e.Fingerprint == "" {
		return fmt.Errorf("registry entry fingerprint cannot be empty")
	}
	if !e.State.IsValid() {
		return fmt.Errorf("invalid registry state '%s'", e.State)
	}
	if e.State == StateCreated && e.TransactionID == "" {
		return fmt.Errorf("created registry entry requires a transaction id")
	}
	return nil
}
