package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/chatq/internal/config"
)

func TestDirHonoursHomeEnv(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)

	if got, want := Dir("main"), filepath.Join(base, "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
	if got := ConfigPath(); got != filepath.Join(base, "config.toml") {
		t.Errorf("ConfigPath() = %q", got)
	}
}

func TestDefaultBaseDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	if got, want := Dir("main"), filepath.Join(home, ".chatq", "profiles", "main"); got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		got, suffix string
	}{
		{SocketPath("test"), filepath.Join("profiles", "test", "daemon.sock")},
		{DBPath("test"), filepath.Join("profiles", "test", "chatq.db")},
		{LogPath("test"), filepath.Join("profiles", "test", "logs", "chatqd.log")},
	}
	for _, tt := range tests {
		if !strings.HasSuffix(tt.got, tt.suffix) {
			t.Errorf("%q does not end with %q", tt.got, tt.suffix)
		}
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	for _, name := range []string{"work", "main"} {
		if err := EnsureDir(name); err != nil {
			t.Fatalf("EnsureDir(%s) error = %v", name, err)
		}
	}
	info, err := os.Stat(LogDir("work"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("log dir permission = %o, want 0700", info.Mode().Perm())
	}

	names, err := List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "main" || names[1] != "work" {
		t.Errorf("List() = %v, want [main work]", names)
	}
}

func TestListWithoutProfiles(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())
	names, err := List()
	if err != nil || len(names) != 0 {
		t.Errorf("List() = %v, %v", names, err)
	}
}

func TestResolve(t *testing.T) {
	cfg := &config.Config{DefaultProfile: "work"}
	if got := Resolve("other", cfg); got != "other" {
		t.Errorf("flag override: got %q", got)
	}
	if got := Resolve("", cfg); got != "work" {
		t.Errorf("config default: got %q", got)
	}
	if got := Resolve("", nil); got != DefaultName {
		t.Errorf("fallback: got %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-profile", false},
		{"valid with underscore", "my_profile", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my profile", true},
		{"dot", "my.profile", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/profile", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
