package catalog

import (
	"github.com/kochman/veprom"
	"github.com/pkg/errors"
)

// Cursor walks the catalog's headers from offset 0.
type Cursor struct {
	dev       RawDevice
	next      uint64
	off       uint64
	hdr       Header
	done      bool
	exhausted bool
	err       error
}

// Next advances to the next blob.
//
// It returns false at the end of the catalog, which is one of: an empty
// header (Offset is then the free position), a header that would extend
// past the end of the store (Exhausted), or a failed read (Err).
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}

	p, err := c.dev.ReadRaw(c.next, HeaderSize)
	if errors.Is(err, veprom.ErrOutOfBounds) {
		c.done = true
		c.exhausted = true
		return false
	}
	if err != nil {
		c.done = true
		c.err = errors.Wrapf(err, "read header at %d", c.next)
		return false
	}

	var h Header
	err = h.UnmarshalBinary(p)
	if err != nil {
		c.done = true
		c.err = err
		return false
	}

	c.off = c.next
	if h.Name == "" {
		c.done = true
		return false
	}

	c.hdr = h
	c.next = c.off + HeaderSize + uint64(h.Length)
	return true
}

// Offset returns the offset of the current header. After a clean end it is
// the offset of the empty header.
func (c *Cursor) Offset() uint64 {
	return c.off
}

// Header returns the current header.
func (c *Cursor) Header() Header {
	return c.hdr
}

// DataOffset returns where the current blob's data starts.
func (c *Cursor) DataOffset() uint64 {
	return c.off + HeaderSize
}

// Exhausted reports whether the scan ran off the end of the store before
// finding an empty header.
func (c *Cursor) Exhausted() bool {
	return c.exhausted
}

// Err gives the error that caused Next() to return false, if any.
func (c *Cursor) Err() error {
	return c.err
}
