package index

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// contextPromptTemplate asks the chat model for a situating sentence or
// two that travels with the chunk into embedding and lexical matching.
const contextPromptTemplate = `Here is a section from the documentation page "%s":

<section>
%s
</section>

Here is one chunk taken from that section:

<chunk>
%s
</chunk>

Write one or two short sentences situating this chunk within the section, so the chunk can be understood on its own. Answer with only those sentences.`

// progressInterval is how many enriched chunks pass between persisted
// checkpoints.
const progressInterval = 50

// Contextualizer annotates child chunks with a model-written context
// prefix. The pass is resumable: done chunk IDs are checkpointed so a
// restart picks up where it stopped.
type Contextualizer struct {
	Index *Index
	// Chat produces a completion for an enrichment prompt.
	Chat func(ctx context.Context, prompt string) (string, error)

	done map[string]bool
}

type contextProgress struct {
	Done []string `json:"done"`
}

func (c *Contextualizer) progressPath() string {
	return filepath.Join(c.Index.dir, "contextual_progress.json")
}

func (c *Contextualizer) loadProgress() {
	c.done = map[string]bool{}
	var p contextProgress
	if err := readJSON(c.progressPath(), &p); err != nil {
		return
	}
	for _, id := range p.Done {
		c.done[id] = true
	}
}

func (c *Contextualizer) saveProgress() {
	p := contextProgress{Done: make([]string, 0, len(c.done))}
	for id := range c.done {
		p.Done = append(p.Done, id)
	}
	if err := writeJSONAtomic(c.progressPath(), p); err != nil {
		log.Warn().Err(err).Msg("enrichment progress not saved")
	}
}

// Run enriches every chunk that does not yet carry a context prefix,
// then re-embeds so the prefixes take part in retrieval. Between
// chunks the pass yields to in-flight chat requests the same way the
// updater does. Cancellation checkpoints and returns; completed work
// is never redone.
func (c *Contextualizer) Run(ctx context.Context) error {
	c.loadProgress()

	type job struct {
		pos    int
		id     string
		prompt string
	}
	var jobs []job
	ix := c.Index
	ix.mu.RLock()
	for i := range ix.children {
		ch := &ix.children[i]
		if ch.Tombstoned || ch.Context != "" || c.done[ch.ID] {
			continue
		}
		parentText := ch.Text
		if parent, ok := ix.parents[ch.ParentID]; ok {
			parentText = parent.Text
		}
		prompt := fmt.Sprintf(contextPromptTemplate, ch.Meta.URL, parentText, ch.Text)
		jobs = append(jobs, job{pos: i, id: ch.ID, prompt: prompt})
	}
	ix.mu.RUnlock()

	if len(jobs) == 0 {
		return nil
	}
	log.Info().Int("chunks", len(jobs)).Msg("contextual enrichment starting")

	enriched := 0
	for _, j := range jobs {
		if err := c.waitUnpaused(ctx); err != nil {
			c.saveProgress()
			return err
		}
		answer, err := c.Chat(ctx, j.prompt)
		if err != nil {
			log.Warn().Str("chunk", j.id).Err(err).Msg("enrichment call failed, chunk left plain")
			continue
		}
		answer = strings.TrimSpace(answer)
		if answer == "" {
			continue
		}
		ix.mu.Lock()
		if j.pos < len(ix.children) && ix.children[j.pos].ID == j.id {
			ix.children[j.pos].Context = answer
		}
		ix.mu.Unlock()
		c.done[j.id] = true
		enriched++
		if enriched%progressInterval == 0 {
			c.saveProgress()
			log.Info().Int("enriched", enriched).Int("total", len(jobs)).Msg("enrichment progress")
		}
	}
	c.saveProgress()
	if enriched == 0 {
		return nil
	}
	log.Info().Int("enriched", enriched).Msg("contextual enrichment complete, re-embedding")
	return ix.Reembed(ctx)
}

// waitUnpaused polls until no chat request holds the pause, or the
// context ends.
func (c *Contextualizer) waitUnpaused(ctx context.Context) error {
	for c.Index.Paused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return ctx.Err()
}
