package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/marmos91/sharefs/pkg/config"
	"github.com/marmos91/sharefs/pkg/connection"
	"github.com/marmos91/sharefs/pkg/storage"
)

var errUsage = errors.New("invalid arguments")

type cli struct {
	cfg    *config.Config
	client storage.Client
	out    io.Writer
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "check":
		return c.check(ctx, args)
	case "ls":
		return c.ls(ctx, args)
	case "stat":
		return c.stat(ctx, args)
	case "get":
		return c.get(ctx, args)
	case "put":
		return c.put(ctx, args)
	case "mkdir":
		return c.mkdir(ctx, args)
	case "rm":
		return c.rm(ctx, args)
	case "mv":
		return c.transfer(ctx, args, c.client.MoveFile)
	case "cp":
		return c.transfer(ctx, args, c.client.CopyFile)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

// target resolves "<connection>:<path>". A bare connection name targets
// the root directory.
func (c *cli) target(arg string) (connection.Connection, error) {
	name, p, found := strings.Cut(arg, ":")
	if name == "" {
		return connection.Connection{}, fmt.Errorf("%w: missing connection name in %q", errUsage, arg)
	}
	conn, err := c.cfg.Connection(name)
	if err != nil {
		return connection.Connection{}, err
	}
	if !found || p == "" {
		return conn, nil
	}
	return conn.WithPath(p), nil
}

func (c *cli) check(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	conn, err := c.target(args[0])
	if err != nil {
		return err
	}

	res := c.client.CheckConnection(ctx, conn)
	fmt.Fprintf(c.out, "%s: %s\n", args[0], res)
	if res.Kind == storage.ResultFailure {
		return res.Cause
	}
	return nil
}

func (c *cli) ls(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	conn, err := c.target(args[0])
	if err != nil {
		return err
	}
	if !conn.IsDirectory() {
		conn = conn.WithPath(conn.Path() + "/")
	}

	entries, err := c.client.GetChildren(ctx, conn, false)
	if err != nil {
		return err
	}
	if entries == nil {
		return fmt.Errorf("cannot open %s", conn)
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		printEntry(w, e)
	}
	return w.Flush()
}

func (c *cli) stat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	conn, err := c.target(args[0])
	if err != nil {
		return err
	}

	entry, err := c.client.GetFile(ctx, conn, false)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("cannot open %s", conn)
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	printEntry(w, *entry)
	return w.Flush()
}

func printEntry(w io.Writer, e storage.FileEntity) {
	kind := "-"
	name := e.Name
	if e.IsDirectory {
		kind = "d"
		name += "/"
	}
	fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", kind, e.Size, e.LastModified.Format(time.RFC3339), name)
}

func (c *cli) get(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	conn, err := c.target(args[0])
	if err != nil {
		return err
	}

	h, err := c.client.GetFileDescriptor(ctx, conn, connection.ModeRead, nil)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("cannot open %s", conn)
	}
	defer func() { _ = h.Release() }()

	size, err := h.Size()
	if err != nil {
		return err
	}

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	n, err := io.Copy(out, io.NewSectionReader(h, 0, size))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%d bytes written to %s\n", n, args[1])
	return nil
}

func (c *cli) put(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	conn, err := c.target(args[1])
	if err != nil {
		return err
	}

	in, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	h, err := c.client.GetFileDescriptor(ctx, conn, connection.ModeWrite, nil)
	if err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("cannot open %s", conn)
	}

	n, err := upload(h, in)
	if rerr := h.Release(); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%d bytes uploaded to %s\n", n, conn)
	return nil
}

func upload(h storage.Handle, r io.Reader) (int64, error) {
	if err := h.Truncate(0); err != nil {
		return 0, err
	}
	n, err := io.Copy(io.NewOffsetWriter(h, 0), r)
	if err != nil {
		return n, err
	}
	return n, h.Flush()
}

func (c *cli) mkdir(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	conn, err := c.target(args[0])
	if err != nil {
		return err
	}
	if !conn.IsDirectory() {
		conn = conn.WithPath(conn.Path() + "/")
	}

	entry, err := c.client.CreateFile(ctx, conn, "")
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("cannot open %s", conn)
	}
	return nil
}

func (c *cli) rm(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	conn, err := c.target(args[0])
	if err != nil {
		return err
	}

	ok, err := c.client.DeleteFile(ctx, conn)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cannot delete %s", conn)
	}
	return nil
}

type transferFunc func(ctx context.Context, source, target connection.Connection) (*storage.FileEntity, error)

func (c *cli) transfer(ctx context.Context, args []string, fn transferFunc) error {
	if len(args) != 2 {
		return errUsage
	}
	source, err := c.target(args[0])
	if err != nil {
		return err
	}
	target, err := c.target(args[1])
	if err != nil {
		return err
	}

	entry, err := fn(ctx, source, target)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("cannot open %s", source)
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	printEntry(w, *entry)
	return w.Flush()
}
