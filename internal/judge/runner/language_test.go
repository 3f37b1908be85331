package runner

import (
	"reflect"
	"testing"

	appErr "dwoj/pkg/errors"
)

func TestDefaultLanguagesResolveAliases(t *testing.T) {
	t.Parallel()

	langs, err := NewLanguages(DefaultLanguages())
	if err != nil {
		t.Fatalf("new languages: %v", err)
	}
	for tag, want := range map[string]string{
		"python": "python", "Py": "python", "python3": "python",
		"javascript": "javascript", "js": "javascript", " node ": "javascript",
	} {
		spec, err := langs.Resolve(tag)
		if err != nil {
			t.Fatalf("resolve %q: %v", tag, err)
		}
		if spec.ID != want {
			t.Fatalf("resolve %q: expected %s, got %s", tag, want, spec.ID)
		}
	}
	if got := langs.IDs(); !reflect.DeepEqual(got, []string{"python", "javascript"}) {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestResolveUnknownLanguageIsConfigurationError(t *testing.T) {
	t.Parallel()

	langs, err := NewLanguages(DefaultLanguages())
	if err != nil {
		t.Fatalf("new languages: %v", err)
	}
	_, err = langs.Resolve("ruby")
	if appErr.GetCode(err) != appErr.LanguageNotSupported {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
	if want := `configuration error: language "ruby" is not supported`; appErr.GetError(err).Message != want {
		t.Fatalf("expected %q, got %q", want, appErr.GetError(err).Message)
	}
}

func TestNewLanguagesRejectsAliasConflict(t *testing.T) {
	t.Parallel()

	_, err := NewLanguages([]LanguageSpec{
		{ID: "python", Aliases: []string{"p"}, Extension: ".py", Command: "python3 {src}"},
		{ID: "perl", Aliases: []string{"p"}, Extension: ".pl", Command: "perl {src}"},
	})
	if err == nil {
		t.Fatalf("expected alias conflict error")
	}
}

func TestArgvSubstitution(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		command string
		want    []string
	}{
		{name: "placeholder", command: "python3 -u {src}", want: []string{"python3", "-u", "/tmp/a b.py"}},
		{name: "appended", command: "node", want: []string{"node", "/tmp/a b.py"}},
		{name: "quoted", command: `sh -c 'exec python3 "$0"' {src}`, want: []string{"sh", "-c", `exec python3 "$0"`, "/tmp/a b.py"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LanguageSpec{Command: tc.command}.argv("/tmp/a b.py")
			if err != nil {
				t.Fatalf("argv: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNewLanguagesNormalizesExtension(t *testing.T) {
	t.Parallel()

	langs, err := NewLanguages([]LanguageSpec{{ID: "SH", Extension: "sh", Command: "/bin/sh {src}"}})
	if err != nil {
		t.Fatalf("new languages: %v", err)
	}
	spec, err := langs.Resolve("sh")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if spec.Extension != ".sh" || spec.ID != "sh" {
		t.Fatalf("unexpected spec %+v", spec)
	}
}
