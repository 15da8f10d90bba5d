package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/t77yq/raftbench/internal/launcher"
	"github.com/t77yq/raftbench/internal/model"
)

// FakeHandle is an in-memory launcher.Handle that counts terminations
type FakeHandle struct {
	id          string
	TargetName  string
	Port        string
	CommandLine string

	reader *io.PipeReader
	writer *io.PipeWriter
	done   chan struct{}
	once   sync.Once

	terminations atomic.Int32
	terminateErr error
}

func newFakeHandle(id, target, port, commandLine string) *FakeHandle {
	reader, writer := io.Pipe()
	return &FakeHandle{
		id:          id,
		TargetName:  target,
		Port:        port,
		CommandLine: commandLine,
		reader:      reader,
		writer:      writer,
		done:        make(chan struct{}),
	}
}

func (h *FakeHandle) ID() string            { return h.id }
func (h *FakeHandle) Target() string        { return h.TargetName }
func (h *FakeHandle) Output() io.Reader     { return h.reader }
func (h *FakeHandle) Done() <-chan struct{} { return h.done }

// Terminate records the call and closes the output stream
func (h *FakeHandle) Terminate() error {
	h.terminations.Add(1)
	h.exit(launcher.ErrTerminated)
	return h.terminateErr
}

// Terminations returns how many times Terminate was called
func (h *FakeHandle) Terminations() int {
	return int(h.terminations.Load())
}

// Exit closes the output stream as if the process ended normally
func (h *FakeHandle) Exit() {
	h.exit(nil)
}

func (h *FakeHandle) exit(err error) {
	h.once.Do(func() {
		h.writer.CloseWithError(err)
		close(h.done)
	})
}

// FakeLauncher records launches and serves scripted output
type FakeLauncher struct {
	// Output returns the full output of the launched process. Processes
	// without output run until terminated.
	Output func(target, port, commandLine string) (string, bool)

	// Fail makes a launch fail when it returns a non-nil error
	Fail func(target, port, commandLine string) error

	// TerminateErr is returned by every Terminate call of the launched handle
	TerminateErr func(target, port, commandLine string) error

	mu      sync.Mutex
	handles []*FakeHandle
}

// Launch implements launcher.Launcher
func (l *FakeLauncher) Launch(ctx context.Context, target, port, commandLine string) (launcher.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrLaunch, err)
	}
	if l.Fail != nil {
		if err := l.Fail(target, port, commandLine); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrLaunch, err)
		}
	}

	l.mu.Lock()
	h := newFakeHandle(fmt.Sprintf("fake-%d", len(l.handles)), target, port, commandLine)
	if l.TerminateErr != nil {
		h.terminateErr = l.TerminateErr(target, port, commandLine)
	}
	l.handles = append(l.handles, h)
	l.mu.Unlock()

	if l.Output != nil {
		if output, ok := l.Output(target, port, commandLine); ok {
			go func() {
				io.Copy(h.writer, strings.NewReader(output))
				h.Exit()
			}()
		}
	}

	return h, nil
}

// Handles returns every handle in launch order
func (l *FakeLauncher) Handles() []*FakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeHandle(nil), l.handles...)
}

// HandlesMatching returns the handles whose command line contains substr
func (l *FakeLauncher) HandlesMatching(substr string) []*FakeHandle {
	var matched []*FakeHandle
	for _, h := range l.Handles() {
		if strings.Contains(h.CommandLine, substr) {
			matched = append(matched, h)
		}
	}
	return matched
}
