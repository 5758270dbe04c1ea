package source

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPU_Prepare_MissingDirFails(t *testing.T) {
	g := NewGPU(discardLogger(), filepath.Join(t.TempDir(), "does-not-exist"), time.Millisecond)
	assert.False(t, g.Prepare())
}

func TestGPU_Prepare_EmptyDirConfiguredFails(t *testing.T) {
	g := NewGPU(discardLogger(), "", time.Millisecond)
	assert.False(t, g.Prepare())
}

func TestGPU_Prepare_ExistingDirSucceeds(t *testing.T) {
	g := NewGPU(discardLogger(), t.TempDir(), time.Millisecond)
	assert.True(t, g.Prepare())
}

func TestGPU_PollsCounterFilesAndWritesSamples(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shader_busy"), []byte("123\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "texture_busy"), []byte("456\n"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o700))

	g := NewGPU(discardLogger(), dir, 2*time.Millisecond)
	require.True(t, g.Prepare())

	g.Start()

	snd := &fakeSender{}

	require.Eventually(t, func() bool {
		g.Write(snd)

		return len(snd.written()) > 0
	}, time.Second, 2*time.Millisecond)

	var samples []GPUSample
	require.NoError(t, json.Unmarshal(snd.written()[0], &samples))
	require.Len(t, samples, 2)

	byName := map[string]uint64{}
	for _, s := range samples {
		byName[s.Name] = s.Value
	}

	assert.Equal(t, uint64(123), byName["shader_busy"])
	assert.Equal(t, uint64(456), byName["texture_busy"])

	g.Interrupt()
	g.Join()
	assert.True(t, g.IsDone())
}

func TestGPU_UnreadableCounterFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage"), []byte("not-a-number\n"), 0o600))

	g := NewGPU(discardLogger(), dir, 2*time.Millisecond)
	require.True(t, g.Prepare())

	samples, err := g.poll()
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestReadCounterFile_EmptyFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := readCounterFile(path)
	assert.Error(t, err)
}
