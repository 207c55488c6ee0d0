// Package main provides the txkv CLI tool for inspecting and editing txkv
// stores.
//
// Usage:
//
//	txkv --db=<path> [flags] <command> [args]
//
// Commands:
//
//	get <key>           Print the value stored under a key
//	put <key> <value>   Store a value
//	delete <key>        Delete a key
//	drop                Remove every key of a database
//	stat                Print store and database statistics
//	copy <dest>         Write a consistent copy of the store
//	version             Print the txkv version
//
// Values pass through the same coder chain an application would use, so
// --value-coder, --compression and --checksum must match how the data was
// written.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	"github.com/aalhour/txkv"
	"github.com/aalhour/txkv/coder"
	"github.com/aalhour/txkv/internal/compression"
)

type cli struct {
	DB          string `name:"db" required:"" help:"Path to the store: a file for bolt, a directory for pebble."`
	Backend     string `enum:",bolt,pebble" default:"" help:"Storage engine (bolt or pebble). Overrides --config."`
	Config      string `type:"existingfile" help:"YAML options file."`
	Name        string `help:"Database name. Empty selects the default database."`
	Hex         bool   `help:"Read keys and values as hex and print them as hex."`
	ValueCoder  string `name:"value-coder" enum:"bytes,string,json" default:"bytes" help:"Value coder: bytes, string or json."`
	Compression string `enum:"none,snappy,zlib,lz4,lz4hc,zstd" default:"none" help:"Compression stage applied to values."`
	Checksum    string `enum:"none,xxh3,crc32c" default:"none" help:"Checksum stage applied to values: none, xxh3 or crc32c."`
	Verbose     bool   `short:"v" help:"Log engine activity to stderr."`

	Get     getCmd     `cmd:"" help:"Print the value stored under a key."`
	Put     putCmd     `cmd:"" help:"Store a value under a key."`
	Delete  deleteCmd  `cmd:"" help:"Delete a key."`
	Drop    dropCmd    `cmd:"" help:"Remove every key of the database."`
	Stat    statCmd    `cmd:"" help:"Print store and database statistics."`
	Copy    copyCmd    `cmd:"" help:"Write a consistent copy of the store to a new path."`
	Version versionCmd `cmd:"" help:"Print the txkv version."`
}

// app carries what every command needs.
type app struct {
	cli    *cli
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

type exitCode int

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run parses args, executes the selected command and returns the process
// exit code.
func run(args []string, stdout, stderr io.Writer) (code int) {
	var c cli
	parser, err := kong.New(&c,
		kong.Name("txkv"),
		kong.Description("Inspect and edit txkv stores."),
		kong.Writers(stdout, stderr),
		kong.Exit(func(code int) { panic(exitCode(code)) }),
	)
	if err != nil {
		fmt.Fprintf(stderr, "txkv: %v\n", err)
		return 2
	}
	defer func() {
		if r := recover(); r != nil {
			ec, ok := r.(exitCode)
			if !ok {
				panic(r)
			}
			code = int(ec)
		}
	}()

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.Errorf("%s", err)
		return 2
	}
	a := &app{cli: &c, ctx: context.Background(), stdout: stdout, stderr: stderr}
	if err := kctx.Run(a); err != nil {
		fmt.Fprintf(stderr, "txkv: error: %v\n", err)
		return 1
	}
	return 0
}

// options builds Options from --config and the flags.
func (a *app) options(readOnly bool) (*txkv.Options, error) {
	opts := txkv.DefaultOptions()
	if a.cli.Config != "" {
		var err error
		if opts, err = txkv.LoadOptionsFile(a.cli.Config); err != nil {
			return nil, err
		}
	}
	if a.cli.Backend != "" {
		opts.Backend = txkv.Backend(a.cli.Backend)
	}
	opts.ReadOnly = opts.ReadOnly || readOnly
	if a.cli.Verbose {
		opts.Logger = txkv.NewLogger(a.stderr, txkv.LogLevelDebug)
	} else if opts.Logger == nil {
		opts.Logger = txkv.NewLogger(a.stderr, txkv.LogLevelError)
	}
	return opts, nil
}

// open opens the store and the selected database. The caller closes env.
func (a *app) open(readOnly bool) (*txkv.Env, *txkv.Database[[]byte, []byte], error) {
	opts, err := a.options(readOnly)
	if err != nil {
		return nil, nil, err
	}
	vc, err := a.valueCoder()
	if err != nil {
		return nil, nil, err
	}
	env, err := txkv.Open(a.cli.DB, opts)
	if err != nil {
		return nil, nil, err
	}
	db, err := txkv.OpenDB(a.ctx, env, a.cli.Name, coder.Identity, vc)
	if err != nil {
		_ = env.Close()
		return nil, nil, err
	}
	return env, db, nil
}

// valueCoder assembles the coder chain selected by the flags.
func (a *app) valueCoder() (coder.Coder[[]byte], error) {
	var base coder.Coder[[]byte]
	switch a.cli.ValueCoder {
	case "string":
		base = coder.Funcs("string",
			func(b []byte) ([]byte, error) { return coder.String.Encode(string(b)) },
			func(b []byte) ([]byte, error) {
				s, err := coder.String.Decode(b)
				return []byte(s), err
			})
	case "json":
		jc := coder.JSON[json.RawMessage]()
		base = coder.Funcs("json",
			func(b []byte) ([]byte, error) { return jc.Encode(json.RawMessage(b)) },
			func(b []byte) ([]byte, error) {
				m, err := jc.Decode(b)
				return []byte(m), err
			})
	default:
		base = coder.Identity
	}

	var stages []coder.Stage
	if a.cli.Compression != "none" {
		t, err := compression.ParseType(a.cli.Compression)
		if err != nil {
			return nil, err
		}
		stages = append(stages, coder.Compression(t, compression.DefaultLevel))
	}
	switch a.cli.Checksum {
	case "xxh3":
		stages = append(stages, coder.Checksum())
	case "crc32c":
		stages = append(stages, coder.CRC32C())
	}
	if len(stages) == 0 {
		return base, nil
	}
	return coder.Compose(base, stages...), nil
}

func (a *app) decodeArg(s string) ([]byte, error) {
	if !a.cli.Hex {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex %q: %w", s, err)
	}
	return b, nil
}

func (a *app) format(b []byte) string {
	if a.cli.Hex {
		return hex.EncodeToString(b)
	}
	return string(b)
}

type getCmd struct {
	Key string `arg:"" help:"Key to look up."`
}

func (c *getCmd) Run(a *app) error {
	key, err := a.decodeArg(c.Key)
	if err != nil {
		return err
	}
	env, db, err := a.open(true)
	if err != nil {
		return err
	}
	defer env.Close()

	v, err := db.Get(a.ctx, key)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, a.format(v))
	return nil
}

type putCmd struct {
	Key   string `arg:"" help:"Key to store under."`
	Value string `arg:"" help:"Value to store."`
}

func (c *putCmd) Run(a *app) error {
	key, err := a.decodeArg(c.Key)
	if err != nil {
		return err
	}
	val, err := a.decodeArg(c.Value)
	if err != nil {
		return err
	}
	env, db, err := a.open(false)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := db.Put(a.ctx, key, val); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "OK")
	return nil
}

type deleteCmd struct {
	Key string `arg:"" help:"Key to delete."`
}

func (c *deleteCmd) Run(a *app) error {
	key, err := a.decodeArg(c.Key)
	if err != nil {
		return err
	}
	env, db, err := a.open(false)
	if err != nil {
		return err
	}
	defer env.Close()

	ok, err := db.Delete(a.ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", a.format(key), txkv.ErrKeyNotFound)
	}
	fmt.Fprintln(a.stdout, "OK")
	return nil
}

type dropCmd struct{}

func (c *dropCmd) Run(a *app) error {
	env, db, err := a.open(false)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := db.Drop(a.ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "OK")
	return nil
}

type statCmd struct{}

func (c *statCmd) Run(a *app) error {
	env, db, err := a.open(true)
	if err != nil {
		return err
	}
	defer env.Close()

	es, err := env.Stat(a.ctx)
	if err != nil {
		return err
	}
	ds, err := db.Stat(a.ctx)
	if err != nil {
		return err
	}
	names, err := env.Databases(a.ctx)
	if err != nil {
		return err
	}

	w := a.stdout
	fmt.Fprintf(w, "Backend:   %s\n", es.Backend)
	fmt.Fprintf(w, "Path:      %s\n", es.Path)
	fmt.Fprintf(w, "Size:      %d bytes\n", es.Size)
	if es.PageSize > 0 {
		fmt.Fprintf(w, "Page size: %d\n", es.PageSize)
	}
	fmt.Fprintf(w, "Databases: %d\n", es.Databases)
	for _, n := range names {
		fmt.Fprintf(w, "  %s\n", n)
	}
	name := ds.Name
	if name == "" {
		name = "(default)"
	}
	fmt.Fprintf(w, "\nDatabase %s:\n", name)
	fmt.Fprintf(w, "  Entries: %d\n", ds.Entries)
	if ds.Depth > 0 {
		fmt.Fprintf(w, "  Depth:   %d\n", ds.Depth)
		fmt.Fprintf(w, "  Pages:   %d branch, %d leaf, %d overflow\n", ds.BranchPages, ds.LeafPages, ds.OverflowPages)
	}
	return nil
}

type copyCmd struct {
	Dest string `arg:"" help:"Destination path. Must not exist."`
}

func (c *copyCmd) Run(a *app) error {
	if _, err := os.Stat(c.Dest); err == nil {
		return fmt.Errorf("%s already exists", c.Dest)
	}
	env, _, err := a.open(true)
	if err != nil {
		return err
	}
	defer env.Close()

	if err := env.Copy(a.ctx, c.Dest); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Copied %s to %s\n", a.cli.DB, c.Dest)
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run(a *app) error {
	fmt.Fprintf(a.stdout, "txkv %s\n", txkv.Version())
	return nil
}
