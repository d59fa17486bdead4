// Package chainer injects the outputs of finished tasks into the prompts of
// the tasks that depend on them.
package chainer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/pkg/models"
)

// DefaultMaxChars bounds one injected output.
const DefaultMaxChars = 4000

// ContextHeading introduces dependencies the template does not reference.
const ContextHeading = "Context from prior research:"

var placeholderRe = regexp.MustCompile(`\{\{\s*(?:dep:([A-Za-z0-9_.\-]+)|context)\s*\}\}`)

// Dependency is one finished prerequisite of a task.
type Dependency struct {
	TaskID string
	JobID  uuid.UUID
	// Status is the terminal status of the dependency's job. Only completed
	// dependencies carry output.
	Status string
	Output string
}

type Chainer struct {
	maxChars int
}

func New(maxChars int) *Chainer {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Chainer{maxChars: maxChars}
}

// MaxChars is the most output injected per dependency.
func (c *Chainer) MaxChars() int { return c.maxChars }

// References returns the task ids named by {{dep:<id>}} placeholders, in
// order of first appearance.
func References(template string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if id := m[1]; id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Render substitutes dependency outputs into template. deps must be in the
// task's declared order. The result depends only on the arguments.
func (c *Chainer) Render(template string, deps []Dependency) string {
	byID := make(map[string]Dependency, len(deps))
	for _, d := range deps {
		byID[d.TaskID] = d
	}

	used := make(map[string]bool)
	out := placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		m := placeholderRe.FindStringSubmatch(match)
		if id := m[1]; id != "" {
			d, ok := byID[id]
			if !ok {
				return match
			}
			used[id] = true
			return c.block(d)
		}
		blocks := make([]string, 0, len(deps))
		for _, d := range deps {
			used[d.TaskID] = true
			blocks = append(blocks, c.block(d))
		}
		return strings.Join(blocks, "\n\n")
	})

	var rest []string
	for _, d := range deps {
		if !used[d.TaskID] {
			rest = append(rest, c.block(d))
		}
	}
	if len(rest) == 0 {
		return out
	}
	return strings.TrimRight(out, "\n") + "\n\n" + ContextHeading + "\n\n" + strings.Join(rest, "\n\n")
}

func (c *Chainer) block(d Dependency) string {
	if d.Status != models.JobStatusCompleted {
		return fmt.Sprintf("[source: task %s ended %s; no output]", d.TaskID, d.Status)
	}
	return fmt.Sprintf("[source: task %s, job %s]\n%s", d.TaskID, d.JobID, c.body(d))
}

func (c *Chainer) body(d Dependency) string {
	if len(d.Output) <= c.maxChars {
		return d.Output
	}
	// Cut on a rune boundary.
	cut := c.maxChars
	for cut > 0 && !utf8.RuneStart(d.Output[cut]) {
		cut--
	}
	kept := d.Output[:cut]
	sum := sha256.Sum256([]byte(d.Output))
	return fmt.Sprintf("%s\n[truncated: kept %d of %d bytes; full output at %s sha256:%s]",
		kept, len(kept), len(d.Output), models.OutputRefFor(d.JobID), hex.EncodeToString(sum[:])[:16])
}
