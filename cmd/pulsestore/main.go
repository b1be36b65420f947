// Command pulsestore serves and edits the shared configuration store.
//
//	pulsestore serve [--host localhost] [--port 6379] [--backing sqlite] [--path pulsepipe.db]
//	pulsestore get   [store flags] [key]
//	pulsestore set   [store flags] key field=value...
//	pulsestore reset [store flags] [key]
//
// get, set and reset talk to a running server by default (--store remote)
// or open the database directly (--store sqlite).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"

	"pulsepipe/internal/cli"
	"pulsepipe/pkg/azimuthal"
	"pulsepipe/pkg/config"
	"pulsepipe/pkg/edges"
	"pulsepipe/pkg/store"
)

// errUsage marks command line mistakes.
var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "serve":
		err = serve(ctx, args[1:], stderr)
	case "get":
		err = withStore(ctx, "get", args[1:], stderr, func(st store.Store, rest []string) error {
			return get(ctx, st, rest, stdout)
		})
	case "set":
		err = withStore(ctx, "set", args[1:], stderr, func(st store.Store, rest []string) error {
			return set(ctx, st, rest, stdout)
		})
	case "reset":
		err = withStore(ctx, "reset", args[1:], stderr, func(st store.Store, rest []string) error {
			return reset(ctx, st, rest, stdout)
		})
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		err = fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		usage(stderr)
		return 2
	default:
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: pulsestore serve|get|set|reset [flags] [args]")
}

func serve(ctx context.Context, args []string, stderr io.Writer) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	host := fs.String("host", "localhost", "Listen host (loopback only)")
	port := fs.Int("port", 6379, "Listen port")
	backing := fs.String("backing", config.StoreSQLite, "Backing store: sqlite or memory")
	path := fs.String("path", "pulsepipe.db", "SQLite database file")
	logLevel := fs.String("log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	logger, err := cli.NewLogger(stderr, *logLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *backing == config.StoreRemote {
		return fmt.Errorf("%w: a server cannot be backed by another server", errUsage)
	}

	st, err := cli.OpenStore(ctx, cli.StoreSettings{Kind: *backing, Host: *host, Path: *path})
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("serving config store", "host", *host, "port", *port, "backing", *backing, "path", *path)
	return store.NewServer(st, logger).ListenAndServe(ctx, *host, *port)
}

// withStore parses the common store flags, opens the store and calls fn
// with the remaining arguments.
func withStore(ctx context.Context, name string, args []string, stderr io.Writer, fn func(store.Store, []string) error) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	kind := fs.String("store", config.StoreRemote, "Store: remote or sqlite")
	host := fs.String("host", "localhost", "Store server host (loopback only)")
	port := fs.Int("port", 6379, "Store server port")
	path := fs.String("path", "pulsepipe.db", "SQLite database file for --store sqlite")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *kind == config.StoreMemory {
		return fmt.Errorf("%w: a memory store only exists inside a running process", errUsage)
	}

	st, err := cli.OpenStore(ctx, cli.StoreSettings{Kind: *kind, Host: *host, Port: *port, Path: *path})
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st, fs.Args())
}

func get(ctx context.Context, st store.Store, args []string, stdout io.Writer) error {
	key := azimuthal.RecordKey
	switch len(args) {
	case 0:
	case 1:
		key = args[0]
	default:
		return fmt.Errorf("%w: get takes at most one key", errUsage)
	}

	fields, err := st.GetFields(ctx, key)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(stdout, "%s=%s\n", name, fields[name])
	}
	return nil
}

// set merges field=value pairs into key. Known records are validated as
// they would be applied, and nothing is written if validation fails.
func set(ctx context.Context, st store.Store, args []string, stdout io.Writer) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: set needs a key and at least one field=value", errUsage)
	}
	key := args[0]
	update := make(map[string]string, len(args)-1)
	for _, kv := range args[1:] {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			return fmt.Errorf("%w: %q is not field=value", errUsage, kv)
		}
		update[name] = value
	}

	current, err := st.GetFields(ctx, key)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(current)+len(update))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	if err := validate(key, merged); err != nil {
		return err
	}

	if err := st.SetFields(ctx, key, update); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d field(s) set\n", key, len(update))
	return nil
}

// validate checks a record the way the pipeline would apply it. Unknown
// keys are written as given.
func validate(key string, fields map[string]string) error {
	switch key {
	case azimuthal.RecordKey:
		_, fieldErrs, err := azimuthal.Parse(fields, azimuthal.DefaultParams())
		if len(fieldErrs) > 0 {
			errs := make([]error, len(fieldErrs))
			for i, fe := range fieldErrs {
				errs[i] = fe
			}
			return errors.Join(errs...)
		}
		return err
	case edges.RecordKey:
		_, err := edges.ParseFields(fields, edges.DefaultConfig())
		return err
	}
	return nil
}

func reset(ctx context.Context, st store.Store, args []string, stdout io.Writer) error {
	key := azimuthal.RecordKey
	switch len(args) {
	case 0:
	case 1:
		key = args[0]
	default:
		return fmt.Errorf("%w: reset takes at most one key", errUsage)
	}
	if err := st.Delete(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: reset\n", key)
	return nil
}
