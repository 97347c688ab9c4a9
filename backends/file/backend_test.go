package file

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/go-test/deep"
	"github.com/kochman/veprom"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	f, err := NewBackend(t.TempDir())
	if err != nil {
		t.Fatalf("unable to create file backend: %v", err)
	}
	return f
}

func TestMissingDir(t *testing.T) {
	_, err := NewBackend(filepath.Join(t.TempDir(), "nope"))
	if err == nil {
		t.Fatalf("expected error for missing dir")
	}
}

func TestWriteRead(t *testing.T) {
	f := newTestBackend(t)

	// make sure we conform to the interfaces
	var _ veprom.Backend = f
	var _ veprom.Replacer = f

	fh, err := f.New("test-write-read")
	if err != nil {
		t.Fatalf("unable to create handle: %v", err)
	}
	defer fh.Close()

	err = fh.WriteAt(make([]byte, 100), 0)
	if err != nil {
		t.Fatalf("unable to write zeros: %v", err)
	}

	// simple write at the beginning
	err = fh.WriteAt([]byte("hello"), 0)
	if err != nil {
		t.Errorf("unable to write: %v", err)
	}
	p := make([]byte, 5)
	err = fh.ReadAt(p, 0)
	if err != nil {
		t.Errorf("unable to read: %v", err)
	}
	expected := []byte("hello")
	if !bytes.Equal(p, expected) {
		t.Errorf("expected %v, got %v", expected, p)
	}

	// write with offset. zeroes should be filled in on either side
	err = fh.WriteAt([]byte("hello"), 50)
	if err != nil {
		t.Errorf("unable to write: %v", err)
	}
	p = make([]byte, 7)
	err = fh.ReadAt(p, 49)
	if err != nil {
		t.Errorf("unable to read: %v", err)
	}
	expected = append(append([]byte{0}, []byte("hello")...), byte(0))
	if !bytes.Equal(p, expected) {
		t.Errorf("expected %v, got %v", expected, p)
	}

	// read the last byte exactly
	p = make([]byte, 1)
	err = fh.ReadAt(p, 99)
	if err != nil {
		t.Errorf("unable to read last byte: %v", err)
	}

	size, err := fh.Size()
	if err != nil {
		t.Fatalf("unable to get size: %v", err)
	}
	if size != 100 {
		t.Errorf("expected size 100, got %d", size)
	}
}

func TestShortRead(t *testing.T) {
	f := newTestBackend(t)

	fh, err := f.New("short")
	if err != nil {
		t.Fatalf("unable to create handle: %v", err)
	}
	defer fh.Close()

	err = fh.WriteAt([]byte("abc"), 0)
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	p := make([]byte, 5)
	err = fh.ReadAt(p, 0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}

func TestNewExisting(t *testing.T) {
	f := newTestBackend(t)

	fh, err := f.New("taken")
	if err != nil {
		t.Fatalf("unable to create handle: %v", err)
	}
	fh.Close()

	_, err = f.New("taken")
	if !errors.Is(err, veprom.ErrStoreExists) {
		t.Errorf("expected ErrStoreExists, got %v", err)
	}
}

func TestOpenMissing(t *testing.T) {
	f := newTestBackend(t)

	_, err := f.Open("missing")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not exist, got %v", err)
	}

	for _, id := range []string{"", "..", "a/b"} {
		_, err = f.Open(id)
		if !errors.Is(err, fs.ErrInvalid) {
			t.Errorf("expected invalid for %q, got %v", id, err)
		}
	}
}

func TestList(t *testing.T) {
	f := newTestBackend(t)

	for _, id := range []string{"veprom_1", "veprom_0", "other"} {
		fh, err := f.New(id)
		if err != nil {
			t.Fatalf("unable to create %s: %v", id, err)
		}
		fh.Close()
	}
	err := f.SaveContext([]byte("veprom_0"))
	if err != nil {
		t.Fatalf("unable to save context: %v", err)
	}
	err = os.WriteFile(filepath.Join(f.dir, "unrelated.txt"), nil, 0644)
	if err != nil {
		t.Fatalf("unable to write unrelated file: %v", err)
	}

	ids, err := f.List()
	if err != nil {
		t.Fatalf("unable to list: %v", err)
	}
	sort.Strings(ids)
	if diff := deep.Equal(ids, []string{"other", "veprom_0", "veprom_1"}); diff != nil {
		t.Error(diff)
	}
}

func TestContext(t *testing.T) {
	f := newTestBackend(t)

	_, err := f.LoadContext()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not exist before any save, got %v", err)
	}

	err = f.SaveContext([]byte("a-much-longer-name"))
	if err != nil {
		t.Fatalf("unable to save context: %v", err)
	}
	err = f.SaveContext([]byte("short"))
	if err != nil {
		t.Fatalf("unable to save context: %v", err)
	}

	p, err := f.LoadContext()
	if err != nil {
		t.Fatalf("unable to load context: %v", err)
	}
	if string(p) != "short" {
		t.Errorf("expected %q, got %q", "short", p)
	}
}

func TestReplace(t *testing.T) {
	f := newTestBackend(t)

	fh, err := f.New("swap")
	if err != nil {
		t.Fatalf("unable to create handle: %v", err)
	}
	err = fh.WriteAt([]byte("old!"), 0)
	if err != nil {
		t.Fatalf("unable to write: %v", err)
	}
	fh.Close()

	err = f.Replace("swap", []byte("new!"))
	if err != nil {
		t.Fatalf("unable to replace: %v", err)
	}

	fh, err = f.Open("swap")
	if err != nil {
		t.Fatalf("unable to open: %v", err)
	}
	defer fh.Close()
	p := make([]byte, 4)
	err = fh.ReadAt(p, 0)
	if err != nil {
		t.Fatalf("unable to read: %v", err)
	}
	if string(p) != "new!" {
		t.Errorf("expected %q, got %q", "new!", p)
	}

	// no temp files left behind
	ids, err := f.List()
	if err != nil {
		t.Fatalf("unable to list: %v", err)
	}
	if diff := deep.Equal(ids, []string{"swap"}); diff != nil {
		t.Error(diff)
	}
}
