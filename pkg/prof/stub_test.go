//go:build !profile

package prof

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub_NoFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")

	s, err := Start(Config{CPU: path})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
	assert.NoFileExists(t, path)
}
