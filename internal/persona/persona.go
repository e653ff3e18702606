// Package persona renders the read-only persona snapshot that every
// generation call receives as its system prompt.
package persona

import (
	"fmt"
	"strings"

	"github.com/basket/ontoti/internal/config"
)

// Snapshot is an immutable view of persona settings taken at the start of a
// request. Later config reloads do not affect a snapshot already taken.
type Snapshot struct {
	Name         string
	Tone         string
	LanguageHint string
	Skills       []string
	Soul         string
}

// FromConfig copies the persona section and SOUL.md content out of cfg.
func FromConfig(cfg config.Config) Snapshot {
	skills := make([]string, 0, len(cfg.Persona.Skills))
	for _, s := range cfg.Persona.Skills {
		if s = strings.TrimSpace(s); s != "" {
			skills = append(skills, s)
		}
	}
	return Snapshot{
		Name:         strings.TrimSpace(cfg.Persona.Name),
		Tone:         strings.TrimSpace(cfg.Persona.Tone),
		LanguageHint: strings.TrimSpace(cfg.Persona.LanguageHint),
		Skills:       skills,
		Soul:         strings.TrimSpace(cfg.SOUL),
	}
}

// ActiveSkills is the number of skills advertised to the model.
func (s Snapshot) ActiveSkills() int { return len(s.Skills) }

// SystemPrompt builds the system prompt. SOUL.md, when present, is appended
// verbatim after the generated preamble.
func (s Snapshot) SystemPrompt() string {
	name := s.Name
	if name == "" {
		name = "Ontoti"
	}
	tone := s.Tone
	if tone == "" {
		tone = "concise"
	}
	lang := s.LanguageHint
	if lang == "" {
		lang = "en"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s with tone: %s. Language hint: %s. Active skills: %d.",
		name, tone, lang, len(s.Skills))
	if len(s.Skills) > 0 {
		b.WriteString(" Skills: ")
		b.WriteString(strings.Join(s.Skills, ", "))
		b.WriteString(".")
	}
	if s.Soul != "" {
		b.WriteString("\n\n")
		b.WriteString(s.Soul)
	}
	return b.String()
}
