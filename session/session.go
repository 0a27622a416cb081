// Package session keeps per-agent conversation transcripts.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrInvalidAgent is returned by FileFactory for agent names that would not
// map to a single file inside its directory.
var ErrInvalidAgent = errors.New("agent name is not a valid file name")

// Entry is one turn of a transcript.
type Entry struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// Transcript is an append-only conversation log.
type Transcript interface {
	Append(role, content string) error
	// LastN returns up to n recent entries, oldest first. The window never
	// opens on an assistant turn, so it always starts with the prompt that
	// produced the reply.
	LastN(n int) ([]Entry, error)
}

// Factory opens the transcript for an agent.
type Factory interface {
	Open(agent string) (Transcript, error)
}

// Memory is an in-process Transcript.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory returns an empty Memory transcript.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Role: role, Content: content, Time: time.Now().UTC()})
	return nil
}

func (m *Memory) LastN(n int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return window(m.entries, n), nil
}

func window(entries []Entry, n int) []Entry {
	if n <= 0 || n > len(entries) {
		n = len(entries)
	}
	tail := entries[len(entries)-n:]
	for len(tail) > 0 && tail[0].Role == "assistant" {
		tail = tail[1:]
	}
	out := make([]Entry, len(tail))
	copy(out, tail)
	return out
}

// File is a Transcript persisted as JSON lines.
type File struct {
	mu      sync.Mutex
	path    string
	entries []Entry
}

// OpenFile loads the transcript at path, creating parent directories.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	f := &File{path: path}
	data, err := os.Open(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", path, err)
	}
	defer data.Close()

	sc := bufio.NewScanner(data)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("parse session %s: %w", path, err)
		}
		f.entries = append(f.entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read session %s: %w", path, err)
	}
	return f, nil
}

func (f *File) Append(role, content string) error {
	e := Entry{Role: role, Content: content, Time: time.Now().UTC()}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode session entry: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	out, err := os.OpenFile(f.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session %s: %w", f.path, err)
	}
	if _, err := out.Write(append(line, '\n')); err != nil {
		out.Close()
		return fmt.Errorf("write session %s: %w", f.path, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *File) LastN(n int) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return window(f.entries, n), nil
}

// MemoryFactory opens a fresh Memory transcript per agent.
type MemoryFactory struct{}

func (MemoryFactory) Open(string) (Transcript, error) { return NewMemory(), nil }

// FileFactory opens transcripts at <Dir>/<ServerID>/<agent>.jsonl.
type FileFactory struct {
	Dir      string
	ServerID string
}

func (ff FileFactory) Open(agent string) (Transcript, error) {
	name := agent + ".jsonl"
	if agent == "" || strings.ContainsAny(agent, `/\`) || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("open session %q: %w", agent, ErrInvalidAgent)
	}
	dir := ff.Dir
	if ff.ServerID != "" {
		dir = filepath.Join(dir, ff.ServerID)
	}
	return OpenFile(filepath.Join(dir, name))
}
