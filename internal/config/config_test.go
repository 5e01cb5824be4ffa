package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := NewConfig("cHVi", "c2VjcmV0", "/home/user/.local/share/fsy")
	original.Trustees = []TrusteeConfig{
		{Name: "laptop", NodeID: "abcdef", Address: "10.0.0.2:7946"},
	}
	original.TargetGroups = []TargetGroupConfig{
		{Name: "notes", Path: "/home/user/notes.md", Targets: []TargetConfig{{Mode: "pushpull", TrusteeName: "laptop"}}},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.Local != original.Local {
		t.Errorf("Local = %+v, want %+v", got.Local, original.Local)
	}
	if len(got.Trustees) != 1 || got.Trustees[0] != original.Trustees[0] {
		t.Errorf("Trustees = %+v, want %+v", got.Trustees, original.Trustees)
	}
	if len(got.TargetGroups) != 1 {
		t.Fatalf("len(TargetGroups) = %d, want 1", len(got.TargetGroups))
	}
	if got.TargetGroups[0].Targets[0].TrusteeName != "laptop" {
		t.Errorf("Targets[0].TrusteeName = %q, want %q", got.TargetGroups[0].Targets[0].TrusteeName, "laptop")
	}
	if got.Database != original.Database {
		t.Errorf("Database = %+v, want %+v", got.Database, original.Database)
	}
	if got.Encryption.Type != "age" {
		t.Errorf("Encryption.Type = %q, want %q", got.Encryption.Type, "age")
	}
}

func TestManager_Read_Aliases(t *testing.T) {
	const doc = `
[local]
public_key = "cHVi"
secret_key = "c2VjcmV0"
push_debounce_millisecs = 2000
loop_debounce_millisecs = 50

[[trustees]]
name = "desktop"
node_id = "aaaa"

[[nodes]]
name = "phone"
id = "bbbb"
address = "phone.lan:7946"

[[target_groups]]
name = "todo"
path = "/tmp/todo.txt"

  [[target_groups.targets]]
  mode = "push"
  trustee_name = "desktop"

[[file_syncs]]
name = "shopping"
path = "/tmp/shopping.txt"

  [[file_syncs.targets]]
  mode = "pull"
  node_name = "phone"
`

	got, err := (&Manager{}).Read(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if len(got.Trustees) != 2 {
		t.Fatalf("len(Trustees) = %d, want 2", len(got.Trustees))
	}
	if got.Trustees[1].Name != "phone" || got.Trustees[1].NodeID != "bbbb" {
		t.Errorf("Trustees[1] = %+v, want phone/bbbb", got.Trustees[1])
	}
	if got.Trustees[1].Address != "phone.lan:7946" {
		t.Errorf("Trustees[1].Address = %q", got.Trustees[1].Address)
	}
	if len(got.Nodes) != 0 || len(got.FileSyncs) != 0 {
		t.Errorf("aliases not folded: nodes=%d file_syncs=%d", len(got.Nodes), len(got.FileSyncs))
	}

	if len(got.TargetGroups) != 2 {
		t.Fatalf("len(TargetGroups) = %d, want 2", len(got.TargetGroups))
	}
	shopping := got.TargetGroups[1]
	if shopping.Name != "shopping" || shopping.Targets[0].TrusteeName != "phone" {
		t.Errorf("TargetGroups[1] = %+v, want shopping pulling from phone", shopping)
	}

	if err := got.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestNormalize_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		local     LocalConfig
		wantGrace time.Duration
		wantPoll  time.Duration
	}{
		{
			name:      "all defaults",
			local:     LocalConfig{},
			wantGrace: 1300 * time.Millisecond,
			wantPoll:  5 * time.Second,
		},
		{
			name:      "derived from custom periods",
			local:     LocalConfig{PushDebounceMillisecs: 200, LoopDebounceMillisecs: 20},
			wantGrace: 260 * time.Millisecond,
			wantPoll:  time.Second,
		},
		{
			name:      "explicit values kept",
			local:     LocalConfig{LockGraceMillisecs: 5000, PullPollMillisecs: 750},
			wantGrace: 5 * time.Second,
			wantPoll:  750 * time.Millisecond,
		},
		{
			name:      "negative poll disables polling",
			local:     LocalConfig{PullPollMillisecs: -1},
			wantGrace: 1300 * time.Millisecond,
			wantPoll:  0,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Local: tt.local}
			cfg.Normalize()

			if got := cfg.Local.LockGrace(); got != tt.wantGrace {
				t.Errorf("LockGrace() = %v, want %v", got, tt.wantGrace)
			}
			if got := cfg.Local.PullInterval(); got != tt.wantPoll {
				t.Errorf("PullInterval() = %v, want %v", got, tt.wantPoll)
			}
			if cfg.Local.ListenAddress != DefaultListenAddress {
				t.Errorf("ListenAddress = %q, want %q", cfg.Local.ListenAddress, DefaultListenAddress)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := NewConfig("cHVi", "c2VjcmV0", "/data/fsy")
		cfg.Trustees = []TrusteeConfig{{Name: "peer", NodeID: "aaaa"}}
		cfg.TargetGroups = []TargetGroupConfig{{Name: "g", Path: "/data/g.txt", Targets: []TargetConfig{{Mode: "push", TrusteeName: "peer"}}}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing secret key", mutate: func(c *Config) { c.Local.SecretKey = "" }, wantErr: true},
		{name: "grace not above loop", mutate: func(c *Config) { c.Local.LockGraceMillisecs = c.Local.LoopDebounceMillisecs }, wantErr: true},
		{name: "trustee without node id", mutate: func(c *Config) { c.Trustees[0].NodeID = "" }, wantErr: true},
		{name: "conflicting node id aliases", mutate: func(c *Config) { c.Trustees[0].ID = "bbbb" }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.Local.LogLevel = "chatty" }, wantErr: true},
		{name: "group without path", mutate: func(c *Config) { c.TargetGroups[0].Path = "" }, wantErr: true},
		{name: "conflicting trustee aliases", mutate: func(c *Config) { c.TargetGroups[0].Targets[0].NodeName = "other" }, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("cHVi", "c2VjcmV0", "/data/fsy")

	if cfg.Local.PublicKey != "cHVi" {
		t.Errorf("PublicKey = %q, want %q", cfg.Local.PublicKey, "cHVi")
	}
	if cfg.Local.LogDir != "/data/fsy/log" {
		t.Errorf("LogDir = %q, want %q", cfg.Local.LogDir, "/data/fsy/log")
	}
	if cfg.Database.DataDir != "/data/fsy/db" {
		t.Errorf("Database.DataDir = %q, want %q", cfg.Database.DataDir, "/data/fsy/db")
	}
	if cfg.Local.PushDebounceMillisecs != DefaultPushDebounceMillisecs {
		t.Errorf("PushDebounceMillisecs = %d, want %d", cfg.Local.PushDebounceMillisecs, DefaultPushDebounceMillisecs)
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file owner-readable only", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("cHVi", "c2VjcmV0", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("config file not created: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("config file mode = %o, want 600", perm)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("cHVi", "c2VjcmV0", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.toml")
		cfg := NewConfig("cHVi", "read-test", dir)
		cfg.Database = DatabaseConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Local.SecretKey != "read-test" {
			t.Errorf("SecretKey = %q, want %q", got.Local.SecretKey, "read-test")
		}
		if got.Database.Type != "memory" {
			t.Errorf("Database.Type = %q, want %q", got.Database.Type, "memory")
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/config.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
