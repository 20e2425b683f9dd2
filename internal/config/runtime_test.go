package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
app:
  data_dir: ./DATA
  stop_on_error: true
  schedule_interval: 15m
tables:
  rotas:
    file: rotas.xlsx
    sheet: Rotas
    refresh_before_load: true
  barras:
    file: barras.csv
    mode: upsert
    unique_keys: [barras]
    required_columns: [barras, coddv]
  vendas:
    file: /srv/exports/vendas.parquet
    mode: incremental
    unique_keys: [id]
    incremental:
      watermark_column: dt_venda
`

func TestParseFile_YAMLKeepsTableOrder(t *testing.T) {
	f, err := ParseFile("config.yml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}

	var names []string
	for _, tc := range f.Tables {
		names = append(names, tc.Name)
	}
	if got := strings.Join(names, ","); got != "rotas,barras,vendas" {
		t.Errorf("table order = %s, want rotas,barras,vendas", got)
	}

	rotas, _ := f.Table("rotas")
	if rotas.Mode != ModeFullReplace {
		t.Errorf("rotas.Mode = %q, want default %q", rotas.Mode, ModeFullReplace)
	}
	if !rotas.RefreshBeforeLoad || rotas.Sheet != "Rotas" {
		t.Errorf("rotas = %+v", rotas)
	}

	vendas, _ := f.Table("vendas")
	if vendas.Incremental.Lookback() != DefaultLookbackDays {
		t.Errorf("Lookback() = %d, want %d", vendas.Incremental.Lookback(), DefaultLookbackDays)
	}

	if !f.App.StopOnError {
		t.Error("App.StopOnError = false, want true")
	}
	if f.Supabase.StatementTimeoutSeconds != 300 {
		t.Errorf("StatementTimeoutSeconds = %d, want default 300", f.Supabase.StatementTimeoutSeconds)
	}
}

func TestParseFile_TOML(t *testing.T) {
	data := `
[app]
default_sync_mode = "upsert"

[tables.zeta]
file = "zeta.csv"
unique_keys = ["id"]

[tables.alpha]
file = "alpha.csv"
mode = "full_replace"

[tables.alpha.incremental]
watermark_column = "dt"
lookback_days = 0
`
	f, err := ParseFile("config.toml", []byte(data))
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	if len(f.Tables) != 2 || f.Tables[0].Name != "zeta" || f.Tables[1].Name != "alpha" {
		t.Fatalf("tables = %+v, want zeta then alpha", f.Tables)
	}
	if f.Tables[0].Mode != ModeUpsert {
		t.Errorf("zeta.Mode = %q, want %q", f.Tables[0].Mode, ModeUpsert)
	}
	if got := f.Tables[1].Incremental.Lookback(); got != 0 {
		t.Errorf("alpha lookback = %d, want explicit 0", got)
	}
}

func TestParseFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		data    string
		wantErr string
	}{
		{"unknown key", "config.yml", "app:\n  data_dri: x\ntables:\n  a:\n    file: a.csv\n", "data_dri"},
		{"no tables", "config.yml", "app:\n  data_dir: x\n", "at least one table"},
		{"tables not mapping", "config.yml", "tables: [a, b]\n", "must be a mapping"},
		{"bad mode", "config.yml", "tables:\n  a:\n    file: a.csv\n    mode: merge\n", `mode "merge"`},
		{"upsert without keys", "config.yml", "tables:\n  a:\n    file: a.csv\n    mode: upsert\n", "upsert requires unique_keys"},
		{"incremental without block", "config.yml", "tables:\n  a:\n    file: a.csv\n    mode: incremental\n", "incremental config is missing"},
		{"missing file", "config.yml", "tables:\n  a:\n    sheet: x\n", "file is required"},
		{"negative lookback", "config.yml", "tables:\n  a:\n    file: a.csv\n    incremental:\n      watermark_column: dt\n      lookback_days: -1\n", "lookback_days must be >= 0"},
		{"toml unknown key", "config.toml", "[tables.a]\nfile = \"a.csv\"\nfiel = \"b\"\n", "unknown keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFile(tt.file, []byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ParseFile() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRuntime(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(cfgPath, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	env := "SUPABASE_DB_HOST=envfile.host\nSUPABASE_DB_PORT=5432\nSUPABASE_DB_NAME=postgres\nSUPABASE_DB_USER=u\nSUPABASE_DB_PASSWORD=p\n"
	if err := os.WriteFile(envPath, []byte(env), 0o600); err != nil {
		t.Fatal(err)
	}
	// The process environment wins over the .env file.
	t.Setenv("SUPABASE_DB_HOST", "process.host")
	for _, name := range []string{"SUPABASE_DB_PORT", "SUPABASE_DB_NAME", "SUPABASE_DB_USER", "SUPABASE_DB_PASSWORD"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	rt, err := LoadRuntime(cfgPath, envPath)
	if err != nil {
		t.Fatalf("LoadRuntime() error = %v", err)
	}

	if rt.Env.Database.Host != "process.host" {
		t.Errorf("Host = %q, want %q", rt.Env.Database.Host, "process.host")
	}
	if rt.Env.Database.User != "u" {
		t.Errorf("User = %q, want %q from .env", rt.Env.Database.User, "u")
	}
	if rt.ConfigHash != HashBytes([]byte(sampleYAML)) {
		t.Errorf("ConfigHash = %s, want hash of file bytes", rt.ConfigHash)
	}
	if got, want := rt.DataDir(), filepath.Join(dir, "DATA"); got != want {
		t.Errorf("DataDir() = %q, want %q", got, want)
	}
	vendas, _ := rt.File.Table("vendas")
	if got := rt.SourcePath(vendas); got != "/srv/exports/vendas.parquet" {
		t.Errorf("SourcePath(vendas) = %q, want absolute path kept", got)
	}
	if got, want := rt.LogFile(), filepath.Join(dir, "logs", "app.log"); got != want {
		t.Errorf("LogFile() = %q, want %q", got, want)
	}
	if got := rt.LogLevel(); got != "INFO" {
		t.Errorf("LogLevel() = %q, want INFO", got)
	}
	if d, err := rt.ScheduleInterval(); err != nil || d != 15*time.Minute {
		t.Errorf("ScheduleInterval() = %v, %v; want 15m", d, err)
	}
}

func TestLoadRuntime_RequiresDotEnvName(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "secrets.env")
	if err := os.WriteFile(envPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadRuntime(filepath.Join(dir, "config.yml"), envPath)
	if err == nil || !strings.Contains(err.Error(), ".env file") {
		t.Errorf("LoadRuntime() error = %v, want .env name check", err)
	}
}

func TestLoadRuntime_MissingConfig(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadRuntime(filepath.Join(dir, "config.yml"), envPath)
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("LoadRuntime() error = %v, want missing config", err)
	}
}
