package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
port = 9000
body_max_bytes = 5242880

[upstream]
service_1 = "https://a.example"
service_2 = "https://b.example/"
timeout_ms = 60000
idle_connections = 50

[log]
level = "debug"
format = "text"

[admin]
enabled = true
prefix = "/ops"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 9000)
	}
	if cfg.Server.BodyMaxBytes != 5242880 {
		t.Errorf("Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 5242880)
	}
	if cfg.Upstream.Service1 != "https://a.example" {
		t.Errorf("Upstream.Service1 = %q, want %q", cfg.Upstream.Service1, "https://a.example")
	}
	if cfg.Upstream.Service2 != "https://b.example/" {
		t.Errorf("Upstream.Service2 = %q, want %q", cfg.Upstream.Service2, "https://b.example/")
	}
	if cfg.Upstream.Timeout() != 60*time.Second {
		t.Errorf("Upstream.Timeout() = %v, want %v", cfg.Upstream.Timeout(), 60*time.Second)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if !cfg.Admin.Enabled || cfg.Admin.Prefix != "/ops" {
		t.Errorf("Admin = %+v, want enabled with prefix /ops", cfg.Admin)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
[upstream]
service_1 = "https://a.example"
service_2 = "https://b.example"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != DefaultPort {
		t.Errorf("default Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
	}
	if cfg.Server.BodyMaxBytes != 6*1024*1024 {
		t.Errorf("default Server.BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, 6*1024*1024)
	}
	if cfg.Upstream.TimeoutMS != 120000 {
		t.Errorf("default Upstream.TimeoutMS = %d, want %d", cfg.Upstream.TimeoutMS, 120000)
	}
	if cfg.Upstream.IdleConnections != 100 {
		t.Errorf("default Upstream.IdleConnections = %d, want %d", cfg.Upstream.IdleConnections, 100)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("default Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("default Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Admin.Enabled {
		t.Error("expected Admin.Enabled = false by default")
	}
	if cfg.Admin.Prefix != DefaultAdminPrefix {
		t.Errorf("default Admin.Prefix = %q, want %q", cfg.Admin.Prefix, DefaultAdminPrefix)
	}
}

func TestLoad_NoFileUsesCLIOnly(t *testing.T) {
	// Run from an empty directory so configs/config.toml cannot be found.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if findConfig() != "" {
		t.Skip("a system-wide config file exists on this host")
	}

	cfg, err := Load(&CLI{
		Service1:  "http://127.0.0.1:9001",
		Service2:  "http://127.0.0.1:9002",
		TimeoutMS: 2500,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Upstream.Configured() {
		t.Error("expected upstreams to be configured from CLI")
	}
	if cfg.Upstream.Timeout() != 2500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 2.5s", cfg.Upstream.Timeout())
	}
	if cfg.filePath != "" {
		t.Errorf("filePath = %q, want empty", cfg.filePath)
	}
}

func TestLoad_MissingUpstreamsAllowed(t *testing.T) {
	path := writeConfig(t, `
[upstream]
service_1 = "https://a.example"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v; missing upstreams must be reported per request, not at startup", err)
	}
	if cfg.Upstream.Configured() {
		t.Error("Configured() = true, want false with service_2 unset")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeConfig(t, "[upstream\nservice_1 = ")

	_, err := Load(cliWithPath(path))
	if err == nil {
		t.Fatal("Load() expected parse error, got nil")
	}
	if !strings.Contains(err.Error(), "parse") {
		t.Errorf("error = %q, want mention of parse", err)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "0.0.0.0"
port = 8000

[upstream]
service_1 = "https://a.example"
service_2 = "https://b.example"
timeout_ms = 1000

[log]
level = "info"
`)

	cli := &CLI{
		Config:       path,
		Host:         "127.0.0.1",
		Port:         3000,
		Service1:     "http://override-a:8080",
		Service2:     "http://override-b:8080",
		TimeoutMS:    5000,
		BodyMaxBytes: 1024,
		LogLevel:     "debug",
		LogFormat:    "text",
	}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q (CLI override)", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want %d (CLI override)", cfg.Server.Port, 3000)
	}
	if cfg.Server.BodyMaxBytes != 1024 {
		t.Errorf("Server.BodyMaxBytes = %d, want %d (CLI override)", cfg.Server.BodyMaxBytes, 1024)
	}
	if got := cfg.Upstream.Origins(); got != [2]string{"http://override-a:8080", "http://override-b:8080"} {
		t.Errorf("Upstream.Origins() = %v (CLI override)", got)
	}
	if cfg.Upstream.TimeoutMS != 5000 {
		t.Errorf("Upstream.TimeoutMS = %d, want %d (CLI override)", cfg.Upstream.TimeoutMS, 5000)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q (CLI override)", cfg.Log.Format, "text")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{
			name:    "upstream without scheme",
			data:    "[upstream]\nservice_1 = \"a.example\"\nservice_2 = \"https://b.example\"\n",
			wantErr: "http or https",
		},
		{
			name:    "upstream with ftp scheme",
			data:    "[upstream]\nservice_1 = \"https://a.example\"\nservice_2 = \"ftp://b.example\"\n",
			wantErr: "http or https",
		},
		{
			name:    "upstream without host",
			data:    "[upstream]\nservice_1 = \"https://\"\nservice_2 = \"https://b.example\"\n",
			wantErr: "host",
		},
		{
			name:    "negative port",
			data:    "[server]\nport = -1\n",
			wantErr: "server",
		},
		{
			name:    "port out of range",
			data:    "[server]\nport = 70000\n",
			wantErr: "server",
		},
		{
			name:    "negative body_max_bytes",
			data:    "[server]\nbody_max_bytes = -1\n",
			wantErr: "server",
		},
		{
			name:    "negative timeout",
			data:    "[upstream]\ntimeout_ms = -5\n",
			wantErr: "upstream",
		},
		{
			name:    "invalid log level",
			data:    "[log]\nlevel = \"verbose\"\n",
			wantErr: "must be one of",
		},
		{
			name:    "invalid log format",
			data:    "[log]\nformat = \"xml\"\n",
			wantErr: "must be one of",
		},
		{
			name:    "rate limit enabled without rps",
			data:    "[server.rate_limit]\nenabled = true\nrequests_per_second = 0\n",
			wantErr: "requests_per_second",
		},
		{
			name:    "admin prefix without slash",
			data:    "[admin]\nprefix = \"ops\"\n",
			wantErr: "must start with '/'",
		},
		{
			name:    "admin prefix is root",
			data:    "[admin]\nprefix = \"/\"\n",
			wantErr: "must not be '/'",
		},
		{
			name:    "admin prefix trailing slash",
			data:    "[admin]\nprefix = \"/ops/\"\n",
			wantErr: "must not be '/'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_LogLevelCaseInsensitive(t *testing.T) {
	path := writeConfig(t, "[log]\nlevel = \"WARN\"\nformat = \"Text\"\n")

	if _, err := Load(cliWithPath(path)); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestLoad_RateLimitConfig_Enabled(t *testing.T) {
	path := writeConfig(t, `
[server.rate_limit]
enabled = true
requests_per_second = 50.0
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Server.RateLimit.Enabled {
		t.Error("expected RateLimit.Enabled = true")
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50.0 {
		t.Errorf("RateLimit.RequestsPerSecond = %v, want 50.0", cfg.Server.RateLimit.RequestsPerSecond)
	}
}

func TestUpstreamConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  UpstreamConfig
		want bool
	}{
		{"both set", UpstreamConfig{Service1: "http://a", Service2: "http://b"}, true},
		{"first missing", UpstreamConfig{Service2: "http://b"}, false},
		{"second missing", UpstreamConfig{Service1: "http://a"}, false},
		{"none", UpstreamConfig{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")
	if err := os.Chmod(path, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	(&Config{}).WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_Found(t *testing.T) {
	path := writeConfig(t, "")

	got := findConfigInPaths([]string{path})
	if got != path {
		t.Errorf("findConfigInPaths() = %q, want %q", got, path)
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	got := findConfigInPaths([]string{path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestServerConfig_Addr(t *testing.T) {
	sc := &ServerConfig{Host: "127.0.0.1", Port: 3000}
	want := "127.0.0.1:3000"
	if got := sc.Addr(); got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(cliWithPath("../../configs/config.example.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Upstream.Configured() {
		t.Error("example config should configure both upstreams")
	}
	if cfg.Server.BodyMaxBytes != DefaultBodyMaxBytes {
		t.Errorf("BodyMaxBytes = %d, want %d", cfg.Server.BodyMaxBytes, DefaultBodyMaxBytes)
	}
	if cfg.Upstream.TimeoutMS != DefaultTimeoutMS {
		t.Errorf("TimeoutMS = %d, want %d", cfg.Upstream.TimeoutMS, DefaultTimeoutMS)
	}
}
