// Package prompt holds the per-dimension system prompts, embedded at build
// time so workers carry no external prompt files.
package prompt

import (
	"embed"
	"fmt"
	"strings"

	"github.com/fairyhunter13/vision-to-tag/internal/domain"
)

//go:embed prompts/*.txt
var promptFS embed.FS

// Store implements domain.PromptStore over the embedded prompt files.
type Store struct {
	prompts map[string]string
}

// NewStore loads every embedded prompt. It fails when a configured dimension
// has no prompt file, so a missing prompt is caught at startup rather than
// mid-task.
func NewStore() (*Store, error) {
	s := &Store{prompts: make(map[string]string, len(domain.DefaultDimensions))}
	for _, dim := range domain.DefaultDimensions {
		b, err := promptFS.ReadFile("prompts/" + dim + ".txt")
		if err != nil {
			return nil, fmt.Errorf("op=prompt.load: dimension=%s: %w", dim, err)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			return nil, fmt.Errorf("op=prompt.load: dimension=%s: empty prompt", dim)
		}
		s.prompts[dim] = text
	}
	return s, nil
}

// SystemPrompt returns the system prompt for a dimension.
func (s *Store) SystemPrompt(dimension string) (string, error) {
	p, ok := s.prompts[dimension]
	if !ok {
		return "", fmt.Errorf("%w: unknown dimension %q", domain.ErrInvalidArgument, dimension)
	}
	return p, nil
}
