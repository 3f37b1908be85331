package runner

import (
	"fmt"
	"strings"

	appErr "dwoj/pkg/errors"

	"github.com/google/shlex"
)

const sourcePlaceholder = "{src}"

// LanguageSpec maps a submission language tag to an interpreter command.
type LanguageSpec struct {
	ID        string   `yaml:"id"`
	Aliases   []string `yaml:"aliases"`
	Extension string   `yaml:"extension"`
	// Command is a shell-like template; {src} is replaced by the source file path.
	Command string `yaml:"command"`
}

// DefaultLanguages returns the two interpreters the judge supports out of the box.
func DefaultLanguages() []LanguageSpec {
	return []LanguageSpec{
		{ID: "python", Aliases: []string{"py", "python3"}, Extension: ".py", Command: "python3 {src}"},
		{ID: "javascript", Aliases: []string{"js", "node", "nodejs"}, Extension: ".js", Command: "node {src}"},
	}
}

// Languages resolves language tags. Unknown tags are an error, never a fallback.
type Languages struct {
	byTag map[string]LanguageSpec
	ids   []string
}

// NewLanguages validates specs and indexes them by id and alias.
func NewLanguages(specs []LanguageSpec) (*Languages, error) {
	if len(specs) == 0 {
		return nil, appErr.ValidationError("languages", "at least one language is required")
	}
	l := &Languages{byTag: make(map[string]LanguageSpec)}
	for _, spec := range specs {
		id := normalizeTag(spec.ID)
		if id == "" {
			return nil, appErr.ValidationError("languages.id", "required")
		}
		if _, err := spec.argv("x"); err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "language %s: invalid command template", id)
		}
		if spec.Extension != "" && !strings.HasPrefix(spec.Extension, ".") {
			spec.Extension = "." + spec.Extension
		}
		spec.ID = id
		for _, tag := range append([]string{id}, spec.Aliases...) {
			tag = normalizeTag(tag)
			if tag == "" {
				continue
			}
			if prev, ok := l.byTag[tag]; ok && prev.ID != id {
				return nil, appErr.ValidationError("languages", fmt.Sprintf("tag %q used by %s and %s", tag, prev.ID, id))
			}
			l.byTag[tag] = spec
		}
		l.ids = append(l.ids, id)
	}
	return l, nil
}

// Resolve returns the LanguageSpec registered for a tag or alias.
func (l *Languages) Resolve(tag string) (LanguageSpec, error) {
	spec, ok := l.byTag[normalizeTag(tag)]
	if !ok {
		return LanguageSpec{}, appErr.New(appErr.LanguageNotSupported).
			WithMessagef("configuration error: language %q is not supported", tag).
			WithDetail("language", tag)
	}
	return spec, nil
}

// IDs lists the canonical ids in configuration order.
func (l *Languages) IDs() []string {
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

func (s LanguageSpec) argv(sourcePath string) ([]string, error) {
	if strings.TrimSpace(s.Command) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(s.Command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	hasSource := false
	// substitute per token so paths with spaces stay one argument
	for i, f := range fields {
		if strings.Contains(f, sourcePlaceholder) {
			fields[i] = strings.ReplaceAll(f, sourcePlaceholder, sourcePath)
			hasSource = true
		}
	}
	if !hasSource {
		fields = append(fields, sourcePath)
	}
	return fields, nil
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}
