package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Sync modes accepted in the runtime file.
const (
	ModeFullReplace = "full_replace"
	ModeUpsert      = "upsert"
	ModeIncremental = "incremental"
	ModeInsertNew   = "insert_new"
)

// DefaultLookbackDays is used when an incremental block omits lookback_days.
const DefaultLookbackDays = 7

// File is the decoded runtime file (config.yml or config.toml).
type File struct {
	App      AppConfig      `yaml:"app" toml:"app"`
	Supabase SupabaseConfig `yaml:"supabase" toml:"supabase"`

	// Tables keeps the order in which tables appear in the file.
	Tables []TableConfig `yaml:"-" toml:"-"`
}

// AppConfig holds engine-wide behaviour.
type AppConfig struct {
	DataDir               string   `yaml:"data_dir" toml:"data_dir"`
	StopOnError           bool     `yaml:"stop_on_error" toml:"stop_on_error"`
	DefaultSyncMode       string   `yaml:"default_sync_mode" toml:"default_sync_mode"`
	RejectionsDir         string   `yaml:"rejections_dir" toml:"rejections_dir"`
	RefreshTimeoutSeconds int      `yaml:"refresh_timeout_seconds" toml:"refresh_timeout_seconds"`
	RefreshPollSeconds    int      `yaml:"refresh_poll_seconds" toml:"refresh_poll_seconds"`
	RefreshCommand        []string `yaml:"refresh_command" toml:"refresh_command"`
	LogLevel              string   `yaml:"log_level" toml:"log_level"`
	RuntimeRole           string   `yaml:"runtime_role" toml:"runtime_role"`
	ScheduleInterval      string   `yaml:"schedule_interval" toml:"schedule_interval"`
	WatchDataDir          bool     `yaml:"watch_data_dir" toml:"watch_data_dir"`
}

// SupabaseConfig holds connection-level timeouts.
type SupabaseConfig struct {
	ConnectTimeoutSeconds   int `yaml:"connect_timeout_seconds" toml:"connect_timeout_seconds"`
	StatementTimeoutSeconds int `yaml:"statement_timeout_seconds" toml:"statement_timeout_seconds"`
}

// IncrementalConfig configures watermark-bounded promotion.
type IncrementalConfig struct {
	WatermarkColumn string `yaml:"watermark_column" toml:"watermark_column"`
	LookbackDays    *int   `yaml:"lookback_days" toml:"lookback_days"`
}

// Lookback returns the configured lookback window in days.
func (c *IncrementalConfig) Lookback() int {
	if c == nil || c.LookbackDays == nil {
		return DefaultLookbackDays
	}
	return *c.LookbackDays
}

// TableConfig is the per-table section of the runtime file.
type TableConfig struct {
	Name              string             `yaml:"-" toml:"-"`
	File              string             `yaml:"file" toml:"file"`
	Sheet             string             `yaml:"sheet" toml:"sheet"`
	Mode              string             `yaml:"mode" toml:"mode"`
	UniqueKeys        []string           `yaml:"unique_keys" toml:"unique_keys"`
	RequiredColumns   []string           `yaml:"required_columns" toml:"required_columns"`
	RefreshBeforeLoad bool               `yaml:"refresh_before_load" toml:"refresh_before_load"`
	Incremental       *IncrementalConfig `yaml:"incremental" toml:"incremental"`
	Types             map[string]string  `yaml:"types" toml:"types"`
	DedupeOrderBy     []string           `yaml:"dedupe_order_by" toml:"dedupe_order_by"`
}

func defaultFile() File {
	return File{
		App: AppConfig{
			DataDir:               "./DATA",
			DefaultSyncMode:       ModeFullReplace,
			RejectionsDir:         "./logs/rejections",
			RefreshTimeoutSeconds: 300,
			RefreshPollSeconds:    2,
			LogLevel:              "INFO",
			RuntimeRole:           "authenticated",
		},
		Supabase: SupabaseConfig{
			ConnectTimeoutSeconds:   15,
			StatementTimeoutSeconds: 300,
		},
	}
}

// ParseFile decodes runtime file content. The format is chosen from the
// extension of name: .toml selects TOML, anything else is read as YAML.
func ParseFile(name string, data []byte) (*File, error) {
	f := defaultFile()

	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml":
		if err := parseTOML(data, &f); err != nil {
			return nil, err
		}
	default:
		if err := parseYAML(data, &f); err != nil {
			return nil, err
		}
	}

	for i := range f.Tables {
		if f.Tables[i].Mode == "" {
			f.Tables[i].Mode = f.App.DefaultSyncMode
		}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func parseYAML(data []byte, f *File) error {
	var doc struct {
		App      *AppConfig      `yaml:"app"`
		Supabase *SupabaseConfig `yaml:"supabase"`
		Tables   yaml.Node       `yaml:"tables"`
	}
	doc.App = &f.App
	doc.Supabase = &f.Supabase

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	if doc.Tables.Kind == 0 {
		return nil
	}
	if doc.Tables.Kind != yaml.MappingNode {
		return errors.New("parse yaml: tables must be a mapping")
	}

	// Mapping node content alternates key, value in document order.
	for i := 0; i+1 < len(doc.Tables.Content); i += 2 {
		var tc TableConfig
		if err := doc.Tables.Content[i+1].Decode(&tc); err != nil {
			return fmt.Errorf("parse yaml: table %q: %w", doc.Tables.Content[i].Value, err)
		}
		tc.Name = doc.Tables.Content[i].Value
		f.Tables = append(f.Tables, tc)
	}
	return nil
}

func parseTOML(data []byte, f *File) error {
	var doc struct {
		App      *AppConfig             `toml:"app"`
		Supabase *SupabaseConfig        `toml:"supabase"`
		Tables   map[string]TableConfig `toml:"tables"`
	}
	doc.App = &f.App
	doc.Supabase = &f.Supabase

	md, err := toml.Decode(string(data), &doc)
	if err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("parse toml: unknown keys: %v", undecoded)
	}

	// md.Keys reports keys in document order; table names sit at depth two.
	for _, key := range md.Keys() {
		if len(key) != 2 || key[0] != "tables" {
			continue
		}
		tc := doc.Tables[key[1]]
		tc.Name = key[1]
		f.Tables = append(f.Tables, tc)
	}
	return nil
}

// Validate checks the runtime file and reports every problem at once.
func (f *File) Validate() error {
	var errs []string

	if !validMode(f.App.DefaultSyncMode) {
		errs = append(errs, fmt.Sprintf("app.default_sync_mode (%q) is not a sync mode", f.App.DefaultSyncMode))
	}
	if f.App.RefreshTimeoutSeconds <= 0 {
		errs = append(errs, "app.refresh_timeout_seconds must be positive")
	}
	if f.App.RefreshPollSeconds <= 0 {
		errs = append(errs, "app.refresh_poll_seconds must be positive")
	}
	if f.Supabase.ConnectTimeoutSeconds <= 0 {
		errs = append(errs, "supabase.connect_timeout_seconds must be positive")
	}
	if f.Supabase.StatementTimeoutSeconds <= 0 {
		errs = append(errs, "supabase.statement_timeout_seconds must be positive")
	}
	if len(f.Tables) == 0 {
		errs = append(errs, "tables must declare at least one table")
	}

	seen := make(map[string]bool, len(f.Tables))
	for _, t := range f.Tables {
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("table %q is declared twice", t.Name))
		}
		seen[t.Name] = true

		if t.File == "" {
			errs = append(errs, fmt.Sprintf("table %q: file is required", t.Name))
		}
		if !validMode(t.Mode) {
			errs = append(errs, fmt.Sprintf("table %q: mode %q is not a sync mode", t.Name, t.Mode))
		}
		if t.Mode == ModeIncremental && t.Incremental == nil {
			errs = append(errs, fmt.Sprintf("table %q is incremental but incremental config is missing", t.Name))
		}
		if t.Incremental != nil {
			if t.Incremental.WatermarkColumn == "" {
				errs = append(errs, fmt.Sprintf("table %q: incremental.watermark_column is required", t.Name))
			}
			if t.Incremental.Lookback() < 0 {
				errs = append(errs, fmt.Sprintf("table %q: incremental.lookback_days must be >= 0", t.Name))
			}
		}
		if t.Mode == ModeUpsert && len(t.UniqueKeys) == 0 {
			errs = append(errs, fmt.Sprintf("table %q: upsert requires unique_keys", t.Name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validMode(mode string) bool {
	switch mode {
	case ModeFullReplace, ModeUpsert, ModeIncremental, ModeInsertNew:
		return true
	}
	return false
}

// Table returns the configuration for a table by name.
func (f *File) Table(name string) (TableConfig, bool) {
	for _, t := range f.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// HashBytes returns the hex SHA-256 of data. It fingerprints runtime files
// and migration scripts.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Runtime is the fully resolved configuration of one process.
type Runtime struct {
	// ConfigPath and EnvPath are absolute.
	ConfigPath string
	EnvPath    string

	// ConfigHash is the SHA-256 of the runtime file bytes.
	ConfigHash string

	File *File
	Env  *Config
}

// LoadRuntime reads the .env file, the environment and the runtime file.
// Variables already present in the process environment win over the .env file.
func LoadRuntime(configPath, envPath string) (*Runtime, error) {
	cfgAbs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	envAbs, err := filepath.Abs(envPath)
	if err != nil {
		return nil, fmt.Errorf("resolve env path: %w", err)
	}

	if filepath.Base(envAbs) != ".env" {
		return nil, errors.New("credentials must be loaded from a .env file")
	}
	if _, err := os.Stat(envAbs); err != nil {
		return nil, fmt.Errorf(".env file not found: %s", envAbs)
	}
	if err := godotenv.Load(envAbs); err != nil {
		return nil, fmt.Errorf("read .env: %w", err)
	}

	data, err := os.ReadFile(cfgAbs)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s", cfgAbs)
	}
	file, err := ParseFile(cfgAbs, data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filepath.Base(cfgAbs), err)
	}

	env, err := Load()
	if err != nil {
		return nil, err
	}

	return &Runtime{
		ConfigPath: cfgAbs,
		EnvPath:    envAbs,
		ConfigHash: HashBytes(data),
		File:       file,
		Env:        env,
	}, nil
}

// resolve interprets p relative to the config file directory.
func (r *Runtime) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(r.ConfigPath), p)
}

// DataDir returns the absolute source data directory.
func (r *Runtime) DataDir() string { return r.resolve(r.File.App.DataDir) }

// RejectionsDir returns the absolute directory for rejection exports.
func (r *Runtime) RejectionsDir() string { return r.resolve(r.File.App.RejectionsDir) }

// SourcePath returns the absolute path of a table's source file.
func (r *Runtime) SourcePath(t TableConfig) string {
	if filepath.IsAbs(t.File) {
		return t.File
	}
	return filepath.Join(r.DataDir(), t.File)
}

// LogFile returns the rotating log file path.
func (r *Runtime) LogFile() string {
	if r.Env.Logging.File != "" {
		return r.resolve(r.Env.Logging.File)
	}
	return r.resolve(filepath.Join("logs", "app.log"))
}

// LogLevel returns LOG_LEVEL when set, otherwise app.log_level.
func (r *Runtime) LogLevel() string {
	if r.Env.Logging.Level != "" {
		return r.Env.Logging.Level
	}
	return r.File.App.LogLevel
}

// ScheduleInterval parses app.schedule_interval. Zero disables scheduling.
func (r *Runtime) ScheduleInterval() (time.Duration, error) {
	if r.File.App.ScheduleInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.File.App.ScheduleInterval)
	if err != nil {
		return 0, fmt.Errorf("app.schedule_interval: %w", err)
	}
	return d, nil
}
