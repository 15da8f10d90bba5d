package topology

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/raftbench/internal/model"
)

func writeTopology(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeTopology(t, "10.0.0.103:9000  \n10.0.0.101:9000\r\n10.0.0.102:9001\n\n")

	topo, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, topo.Path)
	require.Len(t, topo.Servers, 3)
	assert.Equal(t, "10.0.0.103:9000", topo.Servers[0].Address)
	assert.Equal(t, "10.0.0.101:9000", topo.Servers[1].Address)
	assert.Equal(t, "9001", topo.Servers[2].Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestLoadEmptyFile(t *testing.T) {
	_, err := Load(writeTopology(t, "\n  \n"))
	assert.ErrorIs(t, err, model.ErrConfig)
}

func TestLoadMalformedLine(t *testing.T) {
	_, err := Load(writeTopology(t, "10.0.0.101:9000\n10.0.0.102\n"))
	assert.ErrorIs(t, err, model.ErrFormat)
	assert.Contains(t, err.Error(), "line 2")
}

func TestLoadInteriorBlankLine(t *testing.T) {
	tests := []struct {
		name    string
		content string
		line    string
	}{
		{"between servers", "10.0.0.101:9000\n\n10.0.0.102:9000\n", "line 2"},
		{"whitespace only", "10.0.0.101:9000\n10.0.0.102:9000\n \t\n10.0.0.103:9000\n", "line 3"},
		{"leading", "\n10.0.0.101:9000\n", "line 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTopology(t, tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrFormat)
			assert.Contains(t, err.Error(), tt.line)
		})
	}
}

func TestLoadTrailingBlankLines(t *testing.T) {
	topo, err := Load(writeTopology(t, "10.0.0.101:9000\n10.0.0.102:9000\n\n  \n\n"))
	require.NoError(t, err)
	require.Len(t, topo.Servers, 2)
	assert.Equal(t, "10.0.0.102:9000", topo.Servers[1].Address)
}
