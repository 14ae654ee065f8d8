package orchestrator

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PromptCache serves the system prompt from a file, re-reading only when
// the file's modification time changes. An absent or unreadable file falls
// back to Default.
type PromptCache struct {
	Path    string
	Default string

	mu     sync.Mutex
	mtime  time.Time
	text   string
	loaded bool
}

// Load returns the current system prompt. The mutex serialises readers and
// covers the re-verification step: if the mtime moved between the stat and
// the read, the file is read again so a mid-write snapshot is never cached.
func (p *PromptCache) Load() string {
	if p == nil {
		return ""
	}
	if strings.TrimSpace(p.Path) == "" {
		return p.Default
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fi, err := os.Stat(p.Path)
	if err != nil {
		log.Debug().Str("path", p.Path).Err(err).Msg("system prompt not readable, using default")
		return p.Default
	}
	if p.loaded && fi.ModTime().Equal(p.mtime) {
		if p.text == "" {
			return p.Default
		}
		return p.text
	}

	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return p.Default
	}
	if fi2, err := os.Stat(p.Path); err == nil && !fi2.ModTime().Equal(fi.ModTime()) {
		if raw2, err := os.ReadFile(p.Path); err == nil {
			raw = raw2
			fi = fi2
		}
	}

	text := strings.TrimSpace(string(raw))
	p.mtime = fi.ModTime()
	p.loaded = true
	p.text = text
	if text == "" {
		return p.Default
	}
	return text
}
