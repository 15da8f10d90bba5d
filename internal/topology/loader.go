package topology

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/t77yq/raftbench/internal/model"
)

// Load reads a line-oriented topology file, one host:port per line.
// Line order is preserved since it assigns server indexes: the server binary
// reads its own address from the line matching its index, so only trailing
// blank lines are allowed.
func Load(path string) (*model.Topology, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open topology %s: %v", model.ErrConfig, path, err)
	}
	defer file.Close()

	topo := &model.Topology{Path: path}

	scanner := bufio.NewScanner(file)
	lineNo := 0
	blankLine := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRightFunc(scanner.Text(), isSpace)
		if strings.TrimSpace(line) == "" {
			if blankLine == 0 {
				blankLine = lineNo
			}
			continue
		}
		if blankLine != 0 {
			return nil, fmt.Errorf("%w: topology %s line %d: blank line before server entry on line %d",
				model.ErrFormat, path, blankLine, lineNo)
		}

		endpoint, err := ParseEndpoint(line)
		if err != nil {
			return nil, fmt.Errorf("topology %s line %d: %w", path, lineNo, err)
		}
		topo.Servers = append(topo.Servers, endpoint)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read topology %s: %v", model.ErrConfig, path, err)
	}

	if len(topo.Servers) == 0 {
		return nil, fmt.Errorf("%w: topology %s is empty", model.ErrConfig, path)
	}

	return topo, nil
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}
