package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	doneFile      = ".gather-done"
	completedFile = ".gather-completed"
)

// progressTracker records which symbols a gather run has already fetched so
// an interrupted run resumes where it stopped, and which run key last
// finished so a repeated run is a no-op.
type progressTracker struct {
	mu     sync.Mutex
	done   map[string]struct{}
	writer *bufio.Writer
	file   *os.File
	dir    string
}

// newProgressTracker creates a tracker rooted at dir and loads any symbols
// already marked done.
func newProgressTracker(dir string) (*progressTracker, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	pt := &progressTracker{
		done: make(map[string]struct{}),
		dir:  dir,
	}

	path := filepath.Join(dir, doneFile)
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				pt.done[sym] = struct{}{}
			}
		}
	}

	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) open() error {
	f, err := os.OpenFile(filepath.Join(p.dir, doneFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", doneFile, err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// IsDone reports whether symbol was already fetched in this run.
func (p *progressTracker) IsDone(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.done[symbol]
	return ok
}

// MarkDone records a batch of fetched symbols.
func (p *progressTracker) MarkDone(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, sym := range symbols {
		if _, ok := p.done[sym]; ok {
			continue
		}
		p.done[sym] = struct{}{}
		if _, err := p.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", doneFile, err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted records key as the last fully finished run.
func (p *progressTracker) MarkCompleted(key string) error {
	return os.WriteFile(filepath.Join(p.dir, completedFile), []byte(key), 0o644)
}

// IsCompleted reports whether key is the last fully finished run.
func (p *progressTracker) IsCompleted(key string) bool {
	return p.LastCompleted() == key
}

// LastCompleted returns the key of the last finished run, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(filepath.Join(p.dir, completedFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset forgets every done symbol.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.file != nil {
		p.file.Close()
	}
	p.done = make(map[string]struct{})
	os.Remove(filepath.Join(p.dir, doneFile))
	return p.open()
}

// Close flushes and closes the done file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}
