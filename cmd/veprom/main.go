package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kochman/veprom"
	"github.com/kochman/veprom/backends/file"
	"github.com/kochman/veprom/backends/gcs"
	"github.com/kochman/veprom/catalog"
	"github.com/kochman/veprom/nbd"
)

const usage = `Usage:
veprom [flags] create SIZE
veprom [flags] load NAME
veprom [flags] current
veprom [flags] size
veprom [flags] stores
veprom [flags] write_raw ADDR STRING
veprom [flags] read_raw ADDR LENGTH
veprom [flags] write PATH
veprom [flags] read NAME [OUT]
veprom [flags] list [-l]
veprom [flags] serve ADDR
`

var errUsage = errors.New("bad usage")

func main() {
	err := run(os.Args[1:], os.Stdout)
	if errors.Is(err, errUsage) {
		log.Printf("%v\n%s", err, usage)
		os.Exit(2)
	} else if err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}
}

type config struct {
	backend     string
	dir         string
	bucket      string
	prefix      string
	credentials string
	endpoint    string
	atomic      bool
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func parseFlags(args []string) (config, []string, error) {
	fs := flag.NewFlagSet("veprom", flag.ContinueOnError)
	cfg := config{}
	fs.StringVar(&cfg.backend, "backend", envOr("VEPROM_BACKEND", "file"), "store backend: file or gcs")
	fs.StringVar(&cfg.dir, "dir", envOr("VEPROM_DIR", "."), "directory for the file backend")
	fs.StringVar(&cfg.bucket, "bucket", os.Getenv("VEPROM_GCS_BUCKET"), "bucket for the gcs backend")
	fs.StringVar(&cfg.prefix, "prefix", envOr("VEPROM_GCS_PREFIX", "veprom"), "object prefix for the gcs backend")
	fs.StringVar(&cfg.credentials, "credentials", os.Getenv("VEPROM_GCS_CREDENTIALS"), "gcs credentials file")
	fs.StringVar(&cfg.endpoint, "endpoint", os.Getenv("VEPROM_GCS_ENDPOINT"), "gcs endpoint override, for emulators")
	fs.BoolVar(&cfg.atomic, "atomic", false, "replace stores atomically on raw writes")
	err := fs.Parse(args)
	if err != nil {
		return cfg, nil, fmt.Errorf("%w: %v", errUsage, err)
	}
	return cfg, fs.Args(), nil
}

func openBackend(cfg config) (veprom.Backend, error) {
	switch cfg.backend {
	case "file":
		return file.NewBackend(cfg.dir)
	case "gcs":
		if cfg.bucket == "" {
			return nil, fmt.Errorf("%w: -bucket is required for the gcs backend", errUsage)
		}
		return gcs.NewBackend(cfg.bucket, cfg.prefix, gcs.ClientOptions(cfg.credentials, cfg.endpoint)...)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", errUsage, cfg.backend)
	}
}

func parseUint(s, what string) (uint64, error) {
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: unable to parse %s %q", errUsage, what, s)
	}
	return n, nil
}

func needArgs(args []string, min, max int) error {
	if len(args) < min || len(args) > max {
		return fmt.Errorf("%w: %s takes %d to %d arguments", errUsage, args[0], min-1, max-1)
	}
	return nil
}

func run(args []string, stdout io.Writer) error {
	cfg, args, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", errUsage)
	}

	b, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("unable to open backend: %w", err)
	}
	opts := []veprom.Option{}
	if cfg.atomic {
		opts = append(opts, veprom.WithAtomicWrites())
	}
	d := veprom.NewDevice(b, opts...)
	cat := catalog.New(d)

	switch args[0] {
	case "create":
		if err := needArgs(args, 2, 2); err != nil {
			return err
		}
		size, err := parseUint(args[1], "size")
		if err != nil {
			return err
		}
		name, err := d.Create(size)
		if err != nil {
			return fmt.Errorf("unable to create store: %w", err)
		}
		fmt.Fprintln(stdout, name)

	case "load":
		if err := needArgs(args, 2, 2); err != nil {
			return err
		}
		err := d.Select(args[1])
		if err != nil {
			return fmt.Errorf("unable to load %s: %w", args[1], err)
		}

	case "current":
		if err := needArgs(args, 1, 1); err != nil {
			return err
		}
		name, ok := d.Current()
		if !ok {
			name = "none"
		}
		fmt.Fprintln(stdout, name)

	case "size":
		if err := needArgs(args, 1, 1); err != nil {
			return err
		}
		size, err := d.Size()
		if err != nil {
			return fmt.Errorf("unable to get size: %w", err)
		}
		fmt.Fprintln(stdout, size)

	case "stores":
		if err := needArgs(args, 1, 1); err != nil {
			return err
		}
		names, err := d.Stores()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(stdout, name)
		}

	case "write_raw":
		if err := needArgs(args, 3, 3); err != nil {
			return err
		}
		addr, err := parseUint(args[1], "address")
		if err != nil {
			return err
		}
		err = d.WriteRaw(addr, []byte(args[2]))
		if err != nil {
			return fmt.Errorf("unable to write: %w", err)
		}

	case "read_raw":
		if err := needArgs(args, 3, 3); err != nil {
			return err
		}
		addr, err := parseUint(args[1], "address")
		if err != nil {
			return err
		}
		length, err := parseUint(args[2], "length")
		if err != nil {
			return err
		}
		p, err := d.ReadRaw(addr, length)
		if err != nil {
			return fmt.Errorf("unable to read: %w", err)
		}
		fmt.Fprint(stdout, hex.Dump(p))

	case "write":
		if err := needArgs(args, 2, 2); err != nil {
			return err
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("unable to read %s: %w", args[1], err)
		}
		err = cat.Put(filepath.Base(args[1]), data)
		if err != nil {
			return fmt.Errorf("unable to store %s: %w", args[1], err)
		}

	case "read":
		if err := needArgs(args, 2, 3); err != nil {
			return err
		}
		data, err := cat.Get(args[1])
		if err != nil {
			return fmt.Errorf("unable to read %s: %w", args[1], err)
		}
		if len(args) == 3 {
			return os.WriteFile(args[2], data, 0644)
		}
		_, err = stdout.Write(data)
		return err

	case "list":
		if err := needArgs(args, 1, 2); err != nil {
			return err
		}
		long := len(args) == 2 && args[1] == "-l"
		if len(args) == 2 && !long {
			return fmt.Errorf("%w: unknown list flag %q", errUsage, args[1])
		}
		entries, err := cat.Entries()
		if err != nil {
			return fmt.Errorf("unable to list: %w", err)
		}
		for _, e := range entries {
			if long {
				fmt.Fprintf(stdout, "%08x %d %s\n", e.Offset, e.Length, e.Name)
			} else {
				fmt.Fprintln(stdout, e.Name)
			}
		}

	case "serve":
		if err := needArgs(args, 2, 2); err != nil {
			return err
		}
		log.Printf("serving active store on %s", args[1])
		return nbd.NewServer(d).ListenAndServe(args[1])

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	return nil
}
