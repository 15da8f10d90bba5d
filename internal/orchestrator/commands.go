package orchestrator

import "fmt"

// ServerCommand builds the command line of replica index of the topology at topologyPath
func ServerCommand(base, topologyPath string, index int) string {
	return fmt.Sprintf("%s -config=%s -i=%d", base, topologyPath, index)
}

// ClientCommand builds the command line of a load-generating client bound to address
func ClientCommand(base, topologyPath, address string, commutativePercent, requests int, parallel bool, threads int) string {
	return fmt.Sprintf("%s -config=%s -addr=%s -comm=%d -n=%d -parallel=%t -t=%d",
		base, topologyPath, address, commutativePercent, requests, parallel, threads)
}
