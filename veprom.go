// Package veprom emulates a byte-addressable persistent memory device, a
// "virtual EPROM", on top of a named fixed-size record held by a Backend.
//
// A Device allocates stores, remembers which one is active across process
// restarts, and performs bounds-checked raw reads and writes against it. The
// catalog package layers a named-blob directory on the raw byte space.
package veprom

import "errors"

// Backend persists fixed-size stores and the active-context record.
type Backend interface {
	// New creates an empty store. It returns an error wrapping
	// ErrStoreExists if id is already taken.
	New(id string) (Handle, error)

	// Open returns a handle to an existing store. It returns an error
	// wrapping fs.ErrNotExist if there is no such store.
	Open(id string) (Handle, error)

	// List returns the ids of every existing store, in no particular order.
	List() ([]string, error)

	// LoadContext returns the raw content of the context record. It returns
	// an error wrapping fs.ErrNotExist if none has been saved yet.
	LoadContext() ([]byte, error)

	// SaveContext replaces the context record with p.
	SaveContext(p []byte) error
}

// Handle is an open store. ReadAt and WriteAt either transfer all of p or
// return an error.
type Handle interface {
	Close() error
	ReadAt(p []byte, offset uint64) error
	WriteAt(p []byte, offset uint64) error

	Size() (uint64, error)
}

// Replacer is implemented by backends that can swap a store's whole content
// in one step.
type Replacer interface {
	Replace(id string, p []byte) error
}

var (
	ErrStoreExists        = errors.New("store already exists")
	ErrNamespaceExhausted = errors.New("no free store name")
	ErrAllocation         = errors.New("unable to allocate buffer")
	ErrPersist            = errors.New("short write to store")
	ErrStoreNotFound      = errors.New("store not found")
	ErrNoActiveContext    = errors.New("no active store")
	ErrContextPersist     = errors.New("unable to persist context")
	ErrSizeQuery          = errors.New("unable to query store size")
	ErrOutOfBounds        = errors.New("range out of bounds")
	ErrOpen               = errors.New("unable to access store")
)
