package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gwillem/mecharm/pkg/i18n"
)

func TestDefaultPath_XDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	got, err := DefaultPath()
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "mecharm", "settings.json"); got != want {
		t.Errorf("DefaultPath() = %q, want %q", got, want)
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    i18n.Lang
	}{
		{"missing", "", i18n.English},
		{"zh", `{"language":"zh"}`, i18n.Chinese},
		{"en", `{"language":"en"}`, i18n.English},
		{"unknown", `{"language":"de"}`, i18n.English},
		{"invalid json", `{language`, i18n.English},
	}
	for _, tt := range tests {
		path := filepath.Join(t.TempDir(), "settings.json")
		if tt.content != "" {
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
		}
		m, err := NewManager(path)
		if err != nil {
			t.Fatal(err)
		}
		s, err := m.Load()
		if err != nil {
			t.Fatalf("%s: Load() error = %v", tt.name, err)
		}
		if s.Language != tt.want || m.Language() != tt.want {
			t.Errorf("%s: language = %q, want %q", tt.name, s.Language, tt.want)
		}
	}
}

func TestToggleSaves(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m, err := NewManager("")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	got, err := m.Toggle()
	if err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if got != i18n.Chinese {
		t.Errorf("Toggle() = %q, want zh", got)
	}
	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("settings not written: %v", err)
	}

	reloaded, _ := NewManager(m.Path())
	s, _ := reloaded.Load()
	if s.Language != i18n.Chinese {
		t.Errorf("reloaded language = %q, file = %s", s.Language, data)
	}
}

func TestSetLanguage_NoChangeDoesNotWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "settings.json")
	m, _ := NewManager(path)
	if err := m.SetLanguage(i18n.English); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("settings written without a change: %v", err)
	}
	if err := m.SetLanguage(i18n.Chinese); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("settings not written after change: %v", err)
	}
}
