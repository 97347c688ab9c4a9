// Package memory is an in-process Backend. Each Backend is an isolated set
// of stores plus its own context record, which lets tests run several
// independent devices side by side without touching the filesystem.
package memory

import (
	"fmt"
	"io"
	"io/fs"
	"sync"

	"github.com/kochman/veprom"
)

type Backend struct {
	mu      sync.Mutex
	stores  map[string][]byte
	context []byte
}

func NewBackend() *Backend {
	return &Backend{
		stores: map[string][]byte{},
	}
}

func (b *Backend) New(id string) (veprom.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.stores[id]; ok {
		return nil, fmt.Errorf("unable to create %s: %w", id, veprom.ErrStoreExists)
	}
	b.stores[id] = []byte{}
	return &Handle{b: b, id: id}, nil
}

func (b *Backend) Open(id string) (veprom.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.stores[id]; !ok {
		return nil, fmt.Errorf("unable to open %s: %w", id, fs.ErrNotExist)
	}
	return &Handle{b: b, id: id}, nil
}

func (b *Backend) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.stores))
	for id := range b.stores {
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) LoadContext() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.context == nil {
		return nil, fmt.Errorf("no context: %w", fs.ErrNotExist)
	}
	p := make([]byte, len(b.context))
	copy(p, b.context)
	return p, nil
}

func (b *Backend) SaveContext(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.context = make([]byte, len(p))
	copy(b.context, p)
	return nil
}

func (b *Backend) Replace(id string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := make([]byte, len(p))
	copy(c, p)
	b.stores[id] = c
	return nil
}

// Handle reads and writes the backend's map directly, so it always sees
// the latest content of its store.
type Handle struct {
	b      *Backend
	id     string
	closed bool
}

func (h *Handle) data() ([]byte, error) {
	if h.closed {
		return nil, fs.ErrClosed
	}
	d, ok := h.b.stores[h.id]
	if !ok {
		return nil, fmt.Errorf("store %s: %w", h.id, fs.ErrNotExist)
	}
	return d, nil
}

func (h *Handle) Close() error {
	h.closed = true
	return nil
}

func (h *Handle) ReadAt(p []byte, offset uint64) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	d, err := h.data()
	if err != nil {
		return err
	}
	if offset > uint64(len(d)) || uint64(len(p)) > uint64(len(d))-offset {
		return fmt.Errorf("read past end of %s: %w", h.id, io.ErrUnexpectedEOF)
	}
	copy(p, d[offset:])
	return nil
}

// WriteAt grows the store as needed, zero filling any gap, the same way a
// file does.
func (h *Handle) WriteAt(p []byte, offset uint64) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	d, err := h.data()
	if err != nil {
		return err
	}
	end := offset + uint64(len(p))
	if end > uint64(len(d)) {
		grown := make([]byte, end)
		copy(grown, d)
		d = grown
	}
	copy(d[offset:], p)
	h.b.stores[h.id] = d
	return nil
}

func (h *Handle) Size() (uint64, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	d, err := h.data()
	if err != nil {
		return 0, err
	}
	return uint64(len(d)), nil
}
