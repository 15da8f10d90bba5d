package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/raftbench/internal/model"
)

func TestMachineID(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
	}{
		{"10.0.0.101:9000", 1},
		{"192.168.1.120:8000", 20},
		{"10.0.0.201:5000", 101},
		{"10.0.0.100:1", 0},
		{"10.0.0.42:1", -58},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			id, err := MachineID(tt.endpoint)
			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestMachineIDRejectsMalformedHosts(t *testing.T) {
	for _, endpoint := range []string{
		"localhost:9000",
		"10.0.0:9000",
		"10.0.0.x1:9000",
		"10.0.0.1.5:9000",
		"10.0.0.300:9000",
		":9000",
	} {
		t.Run(endpoint, func(t *testing.T) {
			_, err := MachineID(endpoint)
			assert.ErrorIs(t, err, model.ErrFormat)
		})
	}
}

func TestMachineIDWithOffset(t *testing.T) {
	id, err := MachineIDWithOffset("10.1.2.17:80", 10)
	require.NoError(t, err)
	assert.Equal(t, 7, id)
}

func TestPortOf(t *testing.T) {
	port, err := PortOf("10.0.0.101: 9000 ")
	require.NoError(t, err)
	assert.Equal(t, "9000", port)

	_, err = PortOf("10.0.0.101")
	assert.ErrorIs(t, err, model.ErrFormat)

	_, err = PortOf("10.0.0.101:")
	assert.ErrorIs(t, err, model.ErrFormat)
}

func TestParseEndpoint(t *testing.T) {
	endpoint, err := ParseEndpoint("10.0.0.101:9000\n")
	require.NoError(t, err)
	assert.Equal(t, model.Endpoint{Address: "10.0.0.101:9000", Host: "10.0.0.101", Port: "9000"}, endpoint)

	for _, raw := range []string{"10.0.0.101", "a:b:c", ":9000", "10.0.0.1:"} {
		_, err := ParseEndpoint(raw)
		assert.ErrorIs(t, err, model.ErrFormat, raw)
	}
}

func TestTargetName(t *testing.T) {
	assert.Equal(t, "rc3", TargetName("rc", 3))
}
