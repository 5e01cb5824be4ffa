package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Normalize when a value is left at zero.
const (
	DefaultPushDebounceMillisecs = 1000
	DefaultLoopDebounceMillisecs = 100
	DefaultListenAddress         = "0.0.0.0:7946"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid config")

// Config represents the main configuration for fsy.
//
// The file accepts two spellings for trustees ([[trustees]] or [[nodes]])
// and target groups ([[target_groups]] or [[file_syncs]]). Normalize folds
// the aliases into Trustees and TargetGroups.
type Config struct {
	Local        LocalConfig         `toml:"local"`
	Trustees     []TrusteeConfig     `toml:"trustees,omitempty"`
	Nodes        []TrusteeConfig     `toml:"nodes,omitempty"`
	TargetGroups []TargetGroupConfig `toml:"target_groups,omitempty"`
	FileSyncs    []TargetGroupConfig `toml:"file_syncs,omitempty"`
	Database     DatabaseConfig      `toml:"database"`
	Encryption   EncryptionConfig    `toml:"encryption"`
}

// LocalConfig holds the node keypair and timer periods.
type LocalConfig struct {
	PublicKey             string `toml:"public_key"`
	SecretKey             string `toml:"secret_key"`
	PushDebounceMillisecs int    `toml:"push_debounce_millisecs"`
	LoopDebounceMillisecs int    `toml:"loop_debounce_millisecs"`
	LockGraceMillisecs    int    `toml:"lock_grace_millisecs,omitempty"` // default 3*loop + push
	PullPollMillisecs     int    `toml:"pull_poll_millisecs,omitempty"`  // default 5*push, negative disables
	ListenAddress         string `toml:"listen_address"`
	LogDir                string `toml:"log_dir,omitempty"`
	LogLevel              string `toml:"log_level,omitempty"` // debug, info (default), warn or error
}

// TrusteeConfig names a remote node. ID is the alias of NodeID.
type TrusteeConfig struct {
	Name    string `toml:"name"`
	NodeID  string `toml:"node_id,omitempty"`
	ID      string `toml:"id,omitempty"`
	Address string `toml:"address,omitempty"`
}

// TargetGroupConfig is one synced file and the peers it syncs with.
type TargetGroupConfig struct {
	Name    string         `toml:"name"`
	Path    string         `toml:"path"`
	Targets []TargetConfig `toml:"targets"`
}

// TargetConfig pairs a mode with a trustee. NodeName is the alias of TrusteeName.
type TargetConfig struct {
	Mode        string `toml:"mode"`
	TrusteeName string `toml:"trustee_name,omitempty"`
	NodeName    string `toml:"node_name,omitempty"`
}

// EncryptionConfig selects the payload sealer. Keys come from [local].
type EncryptionConfig struct {
	Type string `toml:"type"` // "age" (default) or "test"
}

// DatabaseConfig represents configuration for the state database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// NewConfig creates a new Config for a freshly generated keypair, with
// default timers and state under baseDir.
func NewConfig(publicKey, secretKey, baseDir string) *Config {
	cfg := &Config{
		Local: LocalConfig{
			PublicKey: publicKey,
			SecretKey: secretKey,
			LogDir:    filepath.Join(baseDir, "log"),
		},
		Database:   DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Encryption: EncryptionConfig{Type: "age"},
	}
	cfg.Normalize()
	return cfg
}

// Normalize folds aliases into their canonical fields and fills defaults.
// It is idempotent.
func (c *Config) Normalize() {
	c.Trustees = append(c.Trustees, c.Nodes...)
	c.Nodes = nil
	for i := range c.Trustees {
		t := &c.Trustees[i]
		if t.NodeID == "" {
			t.NodeID = t.ID
		}
		if t.ID == t.NodeID {
			t.ID = ""
		}
	}

	c.TargetGroups = append(c.TargetGroups, c.FileSyncs...)
	c.FileSyncs = nil
	for i := range c.TargetGroups {
		for j := range c.TargetGroups[i].Targets {
			tg := &c.TargetGroups[i].Targets[j]
			if tg.TrusteeName == "" {
				tg.TrusteeName = tg.NodeName
			}
			if tg.NodeName == tg.TrusteeName {
				tg.NodeName = ""
			}
		}
	}

	l := &c.Local
	if l.PushDebounceMillisecs == 0 {
		l.PushDebounceMillisecs = DefaultPushDebounceMillisecs
	}
	if l.LoopDebounceMillisecs == 0 {
		l.LoopDebounceMillisecs = DefaultLoopDebounceMillisecs
	}
	if l.LockGraceMillisecs == 0 {
		l.LockGraceMillisecs = 3*l.LoopDebounceMillisecs + l.PushDebounceMillisecs
	}
	if l.PullPollMillisecs == 0 {
		l.PullPollMillisecs = 5 * l.PushDebounceMillisecs
	}
	if l.ListenAddress == "" {
		l.ListenAddress = DefaultListenAddress
	}
	if l.LogLevel == "" {
		l.LogLevel = "info"
	}
}

// Validate checks what can be checked without building the domain model.
// Trustee references and key material are checked when the trust store and
// registry are built. Call after Normalize.
func (c *Config) Validate() error {
	var errs []error
	l := c.Local
	if l.SecretKey == "" {
		errs = append(errs, fmt.Errorf("[local] secret_key is required"))
	}
	if l.PushDebounceMillisecs < 0 || l.LoopDebounceMillisecs < 0 {
		errs = append(errs, fmt.Errorf("[local] debounce periods must be positive"))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("[local] log_level: %w", err))
	}
	if l.LockGraceMillisecs <= l.LoopDebounceMillisecs {
		errs = append(errs, fmt.Errorf("[local] lock_grace_millisecs (%d) must exceed loop_debounce_millisecs (%d)", l.LockGraceMillisecs, l.LoopDebounceMillisecs))
	}
	for _, t := range c.Trustees {
		if t.ID != "" && t.NodeID != "" && t.ID != t.NodeID {
			errs = append(errs, fmt.Errorf("trustee %q: id and node_id disagree", t.Name))
		}
		if t.NodeID == "" {
			errs = append(errs, fmt.Errorf("trustee %q: node_id is required", t.Name))
		}
	}
	for _, g := range c.TargetGroups {
		if g.Path == "" {
			errs = append(errs, fmt.Errorf("target group %q: path is required", g.Name))
		}
		for _, t := range g.Targets {
			if t.NodeName != "" && t.TrusteeName != "" && t.NodeName != t.TrusteeName {
				errs = append(errs, fmt.Errorf("target group %q: node_name and trustee_name disagree", g.Name))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (l LocalConfig) PushInterval() time.Duration {
	return time.Duration(l.PushDebounceMillisecs) * time.Millisecond
}

func (l LocalConfig) LoopInterval() time.Duration {
	return time.Duration(l.LoopDebounceMillisecs) * time.Millisecond
}

func (l LocalConfig) LockGrace() time.Duration {
	return time.Duration(l.LockGraceMillisecs) * time.Millisecond
}

// Level parses LogLevel, falling back to info.
func (l LocalConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// PullInterval is zero when polling is disabled.
func (l LocalConfig) PullInterval() time.Duration {
	if l.PullPollMillisecs < 0 {
		return 0
	}
	return time.Duration(l.PullPollMillisecs) * time.Millisecond
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and normalizes it.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path. The file holds
// the secret key, so it is readable by the owner only.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
