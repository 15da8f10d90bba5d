package launcher

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/raftbench/internal/model"
)

const stderrTailSize = 4096

// CommandFunc builds the local command that runs script on target. The
// command must be created with exec.CommandContext(ctx, ...).
type CommandFunc func(ctx context.Context, target, script string) *exec.Cmd

// RemoteShellConfig defines how remote commands are issued
type RemoteShellConfig struct {
	Binary         string        // remote shell client, e.g. ssh
	Options        []string      // options passed before the target
	FreePort       string        // printf template run with the port before launch and on terminate
	KillGrace      time.Duration // delay between SIGTERM and SIGKILL of the local client
	ReleaseTimeout time.Duration // bound on the remote port release issued by Terminate
}

// RemoteShellLauncher launches processes through a remote shell client
type RemoteShellLauncher struct {
	logger   *zap.Logger
	config   RemoteShellConfig
	registry *Registry
	command  CommandFunc
}

// NewRemoteShellLauncher creates a launcher that tracks its handles in registry.
// A nil command uses config.Binary with config.Options.
func NewRemoteShellLauncher(config RemoteShellConfig, registry *Registry, command CommandFunc, logger *zap.Logger) *RemoteShellLauncher {
	l := &RemoteShellLauncher{
		logger:   logger.Named("launcher"),
		config:   config,
		registry: registry,
		command:  command,
	}
	if l.command == nil {
		l.command = l.remoteShellCommand
	}
	if l.config.ReleaseTimeout <= 0 {
		l.config.ReleaseTimeout = 10 * time.Second
	}
	return l
}

func (l *RemoteShellLauncher) remoteShellCommand(ctx context.Context, target, script string) *exec.Cmd {
	args := make([]string, 0, len(l.config.Options)+2)
	args = append(args, l.config.Options...)
	args = append(args, target, script)
	return exec.CommandContext(ctx, l.config.Binary, args...)
}

// Script returns the remote script that frees port and then runs commandLine
func (l *RemoteShellLauncher) Script(port, commandLine string) string {
	if l.config.FreePort == "" {
		return commandLine
	}
	return l.releaseScript(port) + "; " + commandLine
}

func (l *RemoteShellLauncher) releaseScript(port string) string {
	return fmt.Sprintf(l.config.FreePort, port)
}

// Launch implements Launcher
func (l *RemoteShellLauncher) Launch(ctx context.Context, target, port, commandLine string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s on %s: %w", model.ErrLaunch, commandLine, target, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := l.command(procCtx, target, l.Script(port, commandLine))
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.config.KillGrace

	reader, writer := io.Pipe()
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stdout = writer
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		writer.Close()
		return nil, fmt.Errorf("%w: %s on %s: %v", model.ErrLaunch, commandLine, target, err)
	}

	h := &processHandle{
		id:       uuid.New().String(),
		target:   target,
		port:     port,
		launcher: l,
		cmd:      cmd,
		cancel:   cancel,
		output:   reader,
		writer:   writer,
		stderr:   stderr,
		done:     make(chan struct{}),
	}
	l.registry.Add(h)

	l.logger.Info("Process launched",
		zap.String("process_id", h.id),
		zap.String("target", target),
		zap.String("port", port),
		zap.String("command", commandLine),
		zap.Int("pid", cmd.Process.Pid))

	go h.wait()

	return h, nil
}

// processHandle owns one local remote-shell client process
type processHandle struct {
	id       string
	target   string
	port     string
	launcher *RemoteShellLauncher
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	output   *io.PipeReader
	writer   *io.PipeWriter
	stderr   *tailBuffer

	once    sync.Once
	termErr error

	done    chan struct{}
	exitErr error
}

func (h *processHandle) ID() string            { return h.id }
func (h *processHandle) Target() string        { return h.target }
func (h *processHandle) Output() io.Reader     { return h.output }
func (h *processHandle) Done() <-chan struct{} { return h.done }

// ExitErr returns the wait error once Done is closed
func (h *processHandle) ExitErr() error {
	<-h.done
	return h.exitErr
}

func (h *processHandle) wait() {
	err := h.cmd.Wait()
	h.exitErr = err
	h.writer.Close()
	h.cancel()
	close(h.done)

	h.launcher.registry.Remove(h.id)

	logger := h.launcher.logger
	if err != nil {
		logger.Debug("Process exited with error",
			zap.String("process_id", h.id),
			zap.String("target", h.target),
			zap.String("stderr", h.stderr.String()),
			zap.Error(err))
		return
	}
	logger.Debug("Process exited",
		zap.String("process_id", h.id),
		zap.String("target", h.target))
}

func (h *processHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Terminate stops the local client and releases the port on the target.
// The release also runs when the local client already exited, since a lost
// connection leaves the remote command running.
func (h *processHandle) Terminate() error {
	h.once.Do(func() {
		if !h.exited() {
			h.launcher.logger.Info("Terminating process",
				zap.String("process_id", h.id),
				zap.String("target", h.target),
				zap.String("port", h.port))

			h.cancel()
			h.writer.CloseWithError(ErrTerminated)
		}

		if h.launcher.config.FreePort == "" {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), h.launcher.config.ReleaseTimeout)
		defer cancel()

		release := h.launcher.command(ctx, h.target, h.launcher.releaseScript(h.port))
		if out, err := release.CombinedOutput(); err != nil {
			h.termErr = fmt.Errorf("failed to release port %s on %s: %w: %s",
				h.port, h.target, err, strings.TrimSpace(string(out)))
		}
	})
	return h.termErr
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
