package veprom

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strconv"
	"strings"
)

const (
	DefaultNamePrefix = "veprom_"
	DefaultMaxStores  = 256
	DefaultMaxAlloc   = 1 << 30

	// maxContextLen bounds how much of the context record is read back.
	maxContextLen = 255
)

// Option configures a Device.
type Option func(*Device)

// WithNamePrefix sets the prefix of generated store names.
func WithNamePrefix(prefix string) Option {
	return func(d *Device) {
		d.prefix = prefix
	}
}

// WithMaxStores sets how many store names Create may hand out.
func WithMaxStores(n int) Option {
	return func(d *Device) {
		d.maxStores = n
	}
}

// WithMaxAlloc caps the size of any single working buffer, and so the
// capacity of stores this Device can create or rewrite.
func WithMaxAlloc(n uint64) Option {
	return func(d *Device) {
		d.maxAlloc = n
	}
}

// WithAtomicWrites makes WriteRaw replace the whole store in one step when
// the backend implements Replacer.
func WithAtomicWrites() Option {
	return func(d *Device) {
		d.atomic = true
	}
}

// Device is one active context: a backend plus the store selected on it.
// It performs no locking and expects a single caller.
type Device struct {
	b Backend

	prefix    string
	maxStores int
	maxAlloc  uint64
	atomic    bool
}

func NewDevice(b Backend, opts ...Option) *Device {
	d := &Device{
		b:         b,
		prefix:    DefaultNamePrefix,
		maxStores: DefaultMaxStores,
		maxAlloc:  DefaultMaxAlloc,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// StoreName returns the name of the i'th slot in the namespace.
func (d *Device) StoreName(i int) string {
	return d.prefix + strconv.Itoa(i)
}

func (d *Device) storeIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, d.prefix) {
		return 0, false
	}
	s := name[len(d.prefix):]
	i, err := strconv.Atoi(s)
	if err != nil || i < 0 || i >= d.maxStores || strconv.Itoa(i) != s {
		return 0, false
	}
	return i, true
}

func (d *Device) allocate(n uint64) ([]byte, error) {
	if n > d.maxAlloc || n > math.MaxInt {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrAllocation, n, d.maxAlloc)
	}
	return make([]byte, n), nil
}

// Create claims the first free name in the namespace and persists a store
// filled with capacity zero bytes under it.
func (d *Device) Create(capacity uint64) (string, error) {
	zeros, err := d.allocate(capacity)
	if err != nil {
		return "", err
	}

	for i := 0; i < d.maxStores; i++ {
		name := d.StoreName(i)
		h, err := d.b.New(name)
		if errors.Is(err, ErrStoreExists) {
			continue
		} else if err != nil {
			return "", fmt.Errorf("%w: unable to create %s: %w", ErrPersist, name, err)
		}

		err = fill(h, zeros)
		if err != nil {
			return "", fmt.Errorf("%w: unable to fill %s: %w", ErrPersist, name, err)
		}
		return name, nil
	}
	return "", ErrNamespaceExhausted
}

func fill(h Handle, p []byte) error {
	err := func() error {
		if len(p) > 0 {
			err := h.WriteAt(p, 0)
			if err != nil {
				return err
			}
		}
		size, err := h.Size()
		if err != nil {
			return err
		}
		if size != uint64(len(p)) {
			return fmt.Errorf("wrote %d of %d bytes", size, len(p))
		}
		return nil
	}()
	cerr := h.Close()
	if err != nil {
		return err
	}
	return cerr
}

// Stores lists the existing stores of this Device's namespace in index
// order.
func (d *Device) Stores() ([]string, error) {
	ids, err := d.b.List()
	if err != nil {
		return nil, fmt.Errorf("unable to list stores: %w", err)
	}

	type slot struct {
		i    int
		name string
	}
	slots := []slot{}
	for _, id := range ids {
		if i, ok := d.storeIndex(id); ok {
			slots = append(slots, slot{i: i, name: id})
		}
	}
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].i < slots[j].i
	})

	names := make([]string, 0, len(slots))
	for _, s := range slots {
		names = append(names, s.name)
	}
	return names, nil
}

// Select records name as the active store. The store must exist.
func (d *Device) Select(name string) error {
	if name == "" || len(name) > maxContextLen || strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %q", ErrStoreNotFound, name)
	}

	h, err := d.b.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrStoreNotFound, name)
	} else if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}
	h.Close()

	err = d.b.SaveContext([]byte(name))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContextPersist, err)
	}
	return nil
}

// Current returns the active store's name, or false if none has been
// selected or the record cannot be read.
func (d *Device) Current() (string, bool) {
	p, err := d.b.LoadContext()
	if err != nil {
		return "", false
	}
	if len(p) > maxContextLen {
		p = p[:maxContextLen]
	}
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	if len(p) == 0 {
		return "", false
	}
	return string(p), true
}

// active opens the current store. The caller must close the handle.
func (d *Device) active() (string, Handle, error) {
	name, ok := d.Current()
	if !ok {
		return "", nil, ErrNoActiveContext
	}
	h, err := d.b.Open(name)
	if err != nil {
		return name, nil, err
	}
	return name, h, nil
}

// Size returns the byte length of the active store.
func (d *Device) Size() (uint64, error) {
	name, h, err := d.active()
	if errors.Is(err, ErrNoActiveContext) {
		return 0, err
	} else if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSizeQuery, name, err)
	}
	defer h.Close()

	size, err := h.Size()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrSizeQuery, name, err)
	}
	return size, nil
}

func checkBounds(addr, length, size uint64) error {
	if length > size || addr > size-length {
		return fmt.Errorf("%w: [%d, %d+%d) in store of %d bytes", ErrOutOfBounds, addr, addr, length, size)
	}
	return nil
}

// ReadRaw returns the length bytes at addr. The whole range must lie inside
// the active store.
func (d *Device) ReadRaw(addr, length uint64) ([]byte, error) {
	name, h, err := d.active()
	if errors.Is(err, ErrNoActiveContext) {
		return nil, err
	} else if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}
	defer h.Close()

	size, err := h.Size()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSizeQuery, name, err)
	}
	err = checkBounds(addr, length, size)
	if err != nil {
		return nil, err
	}

	p, err := d.allocate(length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return p, nil
	}
	err = h.ReadAt(p, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read %s: %w", ErrOpen, name, err)
	}
	return p, nil
}

// WriteRaw overwrites the bytes at addr with p by reading the whole store,
// patching it and writing it back. The update is not atomic unless the
// Device was built WithAtomicWrites over a Replacer.
func (d *Device) WriteRaw(addr uint64, p []byte) error {
	name, h, err := d.active()
	if errors.Is(err, ErrNoActiveContext) {
		return err
	} else if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOpen, name, err)
	}
	defer h.Close()

	size, err := h.Size()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSizeQuery, name, err)
	}
	err = checkBounds(addr, uint64(len(p)), size)
	if err != nil {
		return err
	}

	buf, err := d.allocate(size)
	if err != nil {
		return err
	}
	if size > 0 {
		err = h.ReadAt(buf, 0)
		if err != nil {
			return fmt.Errorf("%w: unable to read %s: %w", ErrOpen, name, err)
		}
	}
	copy(buf[addr:], p)

	if r, ok := d.b.(Replacer); ok && d.atomic {
		// release our handle before the store is swapped out from under it
		h.Close()
		err = r.Replace(name, buf)
	} else {
		err = h.WriteAt(buf, 0)
	}
	if err != nil {
		return fmt.Errorf("%w: unable to write %s: %w", ErrPersist, name, err)
	}
	return nil
}
