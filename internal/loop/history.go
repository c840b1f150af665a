package loop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/emesal/chibi-sub000/internal/model"
	"github.com/emesal/chibi-sub000/internal/vfs"
)

// History persists the message log of each context between turns.
type History interface {
	Load(ctx context.Context, contextName string) ([]model.Message, error)
	Append(ctx context.Context, contextName string, msgs ...model.Message) error
	Clear(ctx context.Context, contextName string) error
}

// MemoryHistory keeps logs in process. The zero value is ready to use.
type MemoryHistory struct {
	mu   sync.Mutex
	logs map[string][]model.Message
}

func (h *MemoryHistory) Load(_ context.Context, name string) ([]model.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]model.Message(nil), h.logs[name]...), nil
}

func (h *MemoryHistory) Append(_ context.Context, name string, msgs ...model.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.logs == nil {
		h.logs = make(map[string][]model.Message)
	}
	h.logs[name] = append(h.logs[name], msgs...)
	return nil
}

func (h *MemoryHistory) Clear(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.logs, name)
	return nil
}

// TranscriptName is the file a context's log lives in.
const TranscriptName = "transcript.jsonl"

var contextsRoot = vfs.MustPath("/sys/contexts")

// VFSHistory stores each context as JSON lines under
// /sys/contexts/<name>/transcript.jsonl, written as the system caller.
type VFSHistory struct {
	fs *vfs.VFS
}

func NewVFSHistory(fs *vfs.VFS) *VFSHistory {
	return &VFSHistory{fs: fs}
}

// TranscriptPath returns where name's log is stored.
func TranscriptPath(name string) (vfs.Path, error) {
	dir, err := contextsRoot.Join(name)
	if err != nil {
		return vfs.Path{}, fmt.Errorf("context name %q: %w", name, err)
	}
	return dir.Join(TranscriptName)
}

func (h *VFSHistory) Load(ctx context.Context, name string) ([]model.Message, error) {
	p, err := TranscriptPath(name)
	if err != nil {
		return nil, err
	}
	data, err := h.fs.Read(ctx, vfs.SystemCaller, p)
	if errors.Is(err, vfs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}

	var msgs []model.Message
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var m model.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("decode transcript line: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

func (h *VFSHistory) Append(ctx context.Context, name string, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	p, err := TranscriptPath(name)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
	}
	return h.fs.Append(ctx, vfs.SystemCaller, p, buf.Bytes())
}

func (h *VFSHistory) Clear(ctx context.Context, name string) error {
	p, err := TranscriptPath(name)
	if err != nil {
		return err
	}
	err = h.fs.Delete(ctx, vfs.SystemCaller, p)
	if errors.Is(err, vfs.ErrNotFound) {
		return nil
	}
	return err
}
