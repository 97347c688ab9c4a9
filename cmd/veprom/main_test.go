package main

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kochman/veprom"
	"github.com/kochman/veprom/catalog"
	"github.com/stretchr/testify/require"
)

type session struct {
	t   *testing.T
	dir string
}

func (s session) run(args ...string) (string, error) {
	var out bytes.Buffer
	err := run(append([]string{"-backend", "file", "-dir", s.dir}, args...), &out)
	return out.String(), err
}

func (s session) ok(args ...string) string {
	s.t.Helper()

	out, err := s.run(args...)
	require.NoError(s.t, err, strings.Join(args, " "))
	return out
}

func TestRun_Workflow(t *testing.T) {
	s := session{t: t, dir: t.TempDir()}

	require.Equal(t, "none\n", s.ok("current"))

	require.Equal(t, "veprom_0\n", s.ok("create", "64"))
	require.Equal(t, "veprom_1\n", s.ok("create", "0x20"))
	require.Equal(t, "veprom_0\nveprom_1\n", s.ok("stores"))

	_, err := s.run("size")
	require.ErrorIs(t, err, veprom.ErrNoActiveContext)

	s.ok("load", "veprom_0")
	require.Equal(t, "veprom_0\n", s.ok("current"))
	require.Equal(t, "64\n", s.ok("size"))

	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0644))
	s.ok("write", src)

	require.Equal(t, "a.txt\n", s.ok("list"))
	require.Equal(t, "00000000 3 a.txt\n", s.ok("list", "-l"))
	require.Equal(t, "abc", s.ok("read", "a.txt"))

	out := filepath.Join(t.TempDir(), "out")
	s.ok("read", "a.txt", out)
	p, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "abc", string(p))

	// the catalog is just bytes at the start of the store
	require.Equal(t, hex.Dump([]byte("a.txt\x00\x00\x00\x03\x00\x00\x00abc")), s.ok("read_raw", "0", "15"))

	s.ok("load", "veprom_1")
	require.Equal(t, "32\n", s.ok("size"))
	s.ok("write_raw", "30", "hi")
	require.Equal(t, hex.Dump([]byte("hi")), s.ok("read_raw", "30", "2"))
	require.Equal(t, "", s.ok("list"))

	_, err = s.run("write_raw", "31", "hi")
	require.ErrorIs(t, err, veprom.ErrOutOfBounds)

	_, err = s.run("read", "a.txt")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRun_Errors(t *testing.T) {
	s := session{t: t, dir: t.TempDir()}

	for _, args := range [][]string{
		{},
		{"bogus"},
		{"create"},
		{"create", "many"},
		{"load"},
		{"read_raw", "0"},
		{"list", "-x"},
	} {
		_, err := s.run(args...)
		require.ErrorIs(t, err, errUsage, "%v", args)
	}

	_, err := s.run("load", "veprom_5")
	require.ErrorIs(t, err, veprom.ErrStoreNotFound)

	var out bytes.Buffer
	err = run([]string{"-backend", "floppy", "current"}, &out)
	require.ErrorIs(t, err, errUsage)

	err = run([]string{"-backend", "gcs", "-bucket", "", "current"}, &out)
	require.ErrorIs(t, err, errUsage)

	err = run([]string{"-dir", filepath.Join(t.TempDir(), "missing"), "current"}, &out)
	require.Error(t, err)
}

func TestRun_Atomic(t *testing.T) {
	s := session{t: t, dir: t.TempDir()}

	s.ok("create", "16")
	s.ok("load", "veprom_0")
	s.ok("-atomic", "write_raw", "0", "xyz")
	require.Equal(t, hex.Dump([]byte("xyz\x00")), s.ok("read_raw", "0", "4"))
	require.Equal(t, "16\n", s.ok("size"))
}
