package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveSessionXMLExchanger_AlwaysProceedsOnConfigAlone(t *testing.T) {
	data, err := NewLiveSessionXMLExchanger().Exchange()

	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLocalSessionXMLExchanger_MissingFileIsNotAnError(t *testing.T) {
	ex := NewLocalSessionXMLExchanger(filepath.Join(t.TempDir(), "missing-session.xml"))

	data, err := ex.Exchange()

	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLocalSessionXMLExchanger_ReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.xml")

	require.NoError(t, os.WriteFile(path, []byte("<session/>"), 0o644))

	data, err := NewLocalSessionXMLExchanger(path).Exchange()

	require.NoError(t, err)
	assert.Equal(t, "<session/>", string(data))
}

func TestLocalSessionXMLExchanger_UnreadableFileIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.xml")

	require.NoError(t, os.Mkdir(path, 0o755))

	_, err := NewLocalSessionXMLExchanger(path).Exchange()

	assert.Error(t, err)
}
