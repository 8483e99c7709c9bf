package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/sharefs/pkg/config"
)

func newTestCLI(t *testing.T) (*cli, *bytes.Buffer) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	m := config.CreateManager(cfg, nil)
	t.Cleanup(func() { _ = m.Close() })

	out := &bytes.Buffer{}
	return &cli{cfg: cfg, client: m, out: out}, out
}

func TestTarget(t *testing.T) {
	c, _ := newTestCLI(t)

	conn, err := c.target("scratch")
	require.NoError(t, err)
	assert.Equal(t, "/", conn.Path())

	conn, err = c.target("scratch:/docs/")
	require.NoError(t, err)
	assert.True(t, conn.IsDirectory())
	assert.Equal(t, "/scratch/docs/", conn.RemotePath())

	_, err = c.target(":/docs")
	assert.ErrorIs(t, err, errUsage)

	_, err = c.target("unknown:/x")
	assert.Error(t, err)
}

func TestCommandsRoundTrip(t *testing.T) {
	c, out := newTestCLI(t)
	ctx := context.Background()
	dir := t.TempDir()

	local := filepath.Join(dir, "in.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello share"), 0o644))

	require.NoError(t, c.run(ctx, "check", []string{"scratch"}))
	assert.Contains(t, out.String(), "scratch:")

	require.NoError(t, c.run(ctx, "mkdir", []string{"scratch:/docs"}))
	require.NoError(t, c.run(ctx, "put", []string{local, "scratch:/docs/a.txt"}))

	out.Reset()
	require.NoError(t, c.run(ctx, "ls", []string{"scratch:/docs"}))
	assert.Contains(t, out.String(), "a.txt")
	assert.Contains(t, out.String(), "11")

	require.NoError(t, c.run(ctx, "cp", []string{"scratch:/docs/a.txt", "scratch:/docs/b.txt"}))
	require.NoError(t, c.run(ctx, "mv", []string{"scratch:/docs/b.txt", "scratch:/c.txt"}))

	fetched := filepath.Join(dir, "out.txt")
	require.NoError(t, c.run(ctx, "get", []string{"scratch:/c.txt", fetched}))
	data, err := os.ReadFile(fetched)
	require.NoError(t, err)
	assert.Equal(t, "hello share", string(data))

	out.Reset()
	require.NoError(t, c.run(ctx, "stat", []string{"scratch:/docs/"}))
	assert.Contains(t, out.String(), "docs/")

	require.NoError(t, c.run(ctx, "rm", []string{"scratch:/docs/"}))
	assert.Error(t, c.run(ctx, "stat", []string{"scratch:/docs/a.txt"}))
}

func TestRunUsageErrors(t *testing.T) {
	c, _ := newTestCLI(t)
	ctx := context.Background()

	err := c.run(ctx, "frobnicate", nil)
	assert.True(t, errors.Is(err, errUsage))

	assert.ErrorIs(t, c.run(ctx, "get", []string{"scratch:/a"}), errUsage)
	assert.ErrorIs(t, c.run(ctx, "mv", []string{"scratch:/a"}), errUsage)
}
