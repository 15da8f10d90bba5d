// Package logs captures the output streams of launched servers into files.
package logs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxLineSize = 1 << 20

// LogEntry is one captured output line
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
}

// LogConfig defines configuration for output capture
type LogConfig struct {
	Dir           string        // Directory holding one sub-directory per run
	FlushInterval time.Duration // Interval to flush buffered lines to disk
}

// Collector drains process output streams into JSON-lines files
type Collector struct {
	logger  *zap.Logger
	config  LogConfig
	mu      sync.Mutex
	files   map[string]*os.File
	buffers map[string][]LogEntry
	streams map[string]*sync.WaitGroup
	stop    chan struct{}
	once    sync.Once
}

// NewCollector creates a collector writing below config.Dir
func NewCollector(config LogConfig, logger *zap.Logger) (*Collector, error) {
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	return &Collector{
		logger:  logger.Named("log-collector"),
		config:  config,
		files:   make(map[string]*os.File),
		buffers: make(map[string][]LogEntry),
		streams: make(map[string]*sync.WaitGroup),
		stop:    make(chan struct{}),
	}, nil
}

// Start starts periodic flushing
func (c *Collector) Start(ctx context.Context) error {
	c.logger.Info("Starting log collector", zap.String("dir", c.config.Dir))
	go c.flushLoop(ctx)
	return nil
}

// Stop flushes pending lines and closes all files
func (c *Collector) Stop() {
	c.once.Do(func() {
		c.logger.Info("Stopping log collector")
		close(c.stop)
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushLocked()
	for key, file := range c.files {
		file.Close()
		delete(c.files, key)
	}
}

// Path returns the file that captures source for runID
func (c *Collector) Path(runID, source string) string {
	return filepath.Join(c.config.Dir, runID, source+".log")
}

// Collect drains r in the background until end-of-stream
func (c *Collector) Collect(runID, source string, r io.Reader) {
	c.mu.Lock()
	wg, ok := c.streams[runID]
	if !ok {
		wg = &sync.WaitGroup{}
		c.streams[runID] = wg
	}
	wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer wg.Done()
		c.stream(runID, source, r)
	}()
}

// Release waits for every stream of runID to end, then flushes and closes its files
func (c *Collector) Release(runID string) {
	c.mu.Lock()
	wg, ok := c.streams[runID]
	c.mu.Unlock()
	if !ok {
		return
	}

	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.streams, runID)
	c.flushLocked()

	prefix := runID + string(filepath.Separator)
	for key, file := range c.files {
		if strings.HasPrefix(key, prefix) {
			file.Close()
			delete(c.files, key)
		}
	}
}

// GetLogs reads back the captured lines of source within [start, end]
func (c *Collector) GetLogs(runID, source string, start, end time.Time) ([]LogEntry, error) {
	file, err := os.Open(c.Path(runID, source))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []LogEntry
	decoder := json.NewDecoder(file)

	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}

		if !entry.Timestamp.Before(start) && !entry.Timestamp.After(end) {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

func (c *Collector) stream(runID, source string, r io.Reader) {
	key := filepath.Join(runID, source)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	for scanner.Scan() {
		entry := LogEntry{
			Timestamp: time.Now(),
			RunID:     runID,
			Source:    source,
			Message:   scanner.Text(),
		}

		c.mu.Lock()
		c.buffers[key] = append(c.buffers[key], entry)
		c.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug("Output stream closed",
			zap.String("run_id", runID),
			zap.String("source", source),
			zap.Error(err))
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Collector) flushLocked() {
	for key, entries := range c.buffers {
		if len(entries) == 0 {
			continue
		}

		file, ok := c.files[key]
		if !ok {
			var err error
			file, err = c.createLogFile(key)
			if err != nil {
				c.logger.Error("Failed to create log file",
					zap.String("key", key),
					zap.Error(err))
				continue
			}
			c.files[key] = file
		}

		encoder := json.NewEncoder(file)
		for _, entry := range entries {
			if err := encoder.Encode(entry); err != nil {
				c.logger.Error("Failed to write log entry",
					zap.String("key", key),
					zap.Error(err))
			}
		}

		delete(c.buffers, key)
	}
}

func (c *Collector) createLogFile(key string) (*os.File, error) {
	path := filepath.Join(c.config.Dir, key+".log")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	return file, nil
}
