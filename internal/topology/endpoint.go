package topology

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/t77yq/raftbench/internal/model"
)

// DefaultMachineOffset is subtracted from the last address octet to form a machine id
const DefaultMachineOffset = 100

// ParseEndpoint splits a host:port string. Exactly one ':' must be present
// and neither side may be empty.
func ParseEndpoint(raw string) (model.Endpoint, error) {
	address := strings.TrimSpace(raw)
	if strings.Count(address, ":") != 1 {
		return model.Endpoint{}, fmt.Errorf("%w: %q must contain exactly one ':'", model.ErrFormat, raw)
	}

	host, port, _ := strings.Cut(address, ":")
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	if host == "" || port == "" {
		return model.Endpoint{}, fmt.Errorf("%w: %q has an empty host or port", model.ErrFormat, raw)
	}

	return model.Endpoint{
		Address: address,
		Host:    host,
		Port:    port,
	}, nil
}

// PortOf returns the trimmed text after ':' in endpoint
func PortOf(endpoint string) (string, error) {
	_, port, ok := strings.Cut(endpoint, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no port separator", model.ErrFormat, endpoint)
	}
	port = strings.TrimSpace(port)
	if port == "" {
		return "", fmt.Errorf("%w: %q has an empty port", model.ErrFormat, endpoint)
	}
	return port, nil
}

// MachineID derives the machine id of endpoint using DefaultMachineOffset
func MachineID(endpoint string) (int, error) {
	return MachineIDWithOffset(endpoint, DefaultMachineOffset)
}

// MachineIDWithOffset returns the fourth octet of the endpoint's IPv4 host minus offset.
// A host that is not a dotted IPv4 address is rejected.
func MachineIDWithOffset(endpoint string, offset int) (int, error) {
	host, _, _ := strings.Cut(strings.TrimSpace(endpoint), ":")

	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%w: host %q is not a dotted IPv4 address", model.ErrFormat, host)
	}

	octet, err := strconv.Atoi(parts[3])
	if err != nil {
		return 0, fmt.Errorf("%w: fourth component of %q is not numeric: %v", model.ErrFormat, host, err)
	}

	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return 0, fmt.Errorf("%w: host %q is not a valid IPv4 address", model.ErrFormat, host)
	}

	return octet - offset, nil
}

// TargetName names the remote execution target of a machine, e.g. rc3
func TargetName(prefix string, machineID int) string {
	return fmt.Sprintf("%s%d", prefix, machineID)
}
