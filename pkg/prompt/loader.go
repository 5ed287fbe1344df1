package prompt

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const DefaultPath = "Prompts/SystemPrompt.md"

// Source supplies the system instruction for a turn.
type Source interface {
	Load(ctx context.Context) (string, error)
}

// Loader reads a Markdown file once and caches its plain-text rendering.
type Loader struct {
	path string

	mu     sync.RWMutex
	cached string
	loaded bool
	gen    uint64

	group singleflight.Group
}

// NewLoader creates a loader for path. An empty path uses DefaultPath.
func NewLoader(path string) *Loader {
	if path == "" {
		path = DefaultPath
	}
	return &Loader{path: path}
}

// Path returns the file the loader reads
func (l *Loader) Path() string {
	return l.path
}

// Load returns the cached prompt, reading and converting the file on first use
// or after Invalidate.
func (l *Loader) Load(ctx context.Context) (string, error) {
	l.mu.RLock()
	if l.loaded {
		text := l.cached
		l.mu.RUnlock()
		return text, nil
	}
	gen := l.gen
	l.mu.RUnlock()

	ch := l.group.DoChan(l.path, func() (interface{}, error) {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read system prompt %s: %w", l.path, err)
		}
		text := ToPlainText(raw)

		l.mu.Lock()
		// an Invalidate during the read means this content may be stale
		if l.gen == gen {
			l.cached = text
			l.loaded = true
		}
		l.mu.Unlock()

		log.Debug().Str("path", l.path).Int("chars", len(text)).Msg("System prompt loaded")
		return text, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached prompt so the next Load rereads the file
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cached = ""
	l.loaded = false
	l.gen++
	l.mu.Unlock()

	l.group.Forget(l.path)
	log.Debug().Str("path", l.path).Msg("System prompt cache invalidated")
}
