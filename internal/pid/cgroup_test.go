package pid

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCgroupDiscovery_EmptyPathReturnsNil(t *testing.T) {
	d := newCgroupDiscovery(discardLogger(), "")

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, pids)
}

func TestCgroupDiscovery_ReadsPidsFromCgroupProcs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "cgroup.procs"),
		[]byte("101\n\n202\nnot-a-pid\n303\n"),
		0o600,
	))

	d := newCgroupDiscovery(discardLogger(), dir)

	pids, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint32{101, 202, 303}, pids)
}

func TestCgroupDiscovery_MissingFileErrors(t *testing.T) {
	d := newCgroupDiscovery(discardLogger(), filepath.Join(t.TempDir(), "does-not-exist"))

	_, err := d.Discover(context.Background())
	assert.Error(t, err)
}

func TestCgroupDiscovery_CanceledContextStopsEarly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "cgroup.procs"),
		[]byte("1\n2\n3\n"),
		0o600,
	))

	d := newCgroupDiscovery(discardLogger(), dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
