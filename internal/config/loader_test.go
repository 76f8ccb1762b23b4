package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.StorePath != filepath.Join(".taskgraph", "graph.jsonl") {
					t.Errorf("store_path = %q", cfg.StorePath)
				}
				if cfg.Coordinator.MaxConcurrency != 4 {
					t.Errorf("max_concurrency = %d, want 4", cfg.Coordinator.MaxConcurrency)
				}
				if cfg.Coordinator.LivenessTimeout.Std() != 2*time.Minute {
					t.Errorf("liveness_timeout = %s, want 2m", cfg.Coordinator.LivenessTimeout.Std())
				}
			},
		},
		{
			name:         "Global only - overrides one key",
			globalConfig: `{"coordinator": {"max_concurrency": 8}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coordinator.MaxConcurrency != 8 {
					t.Errorf("max_concurrency = %d, want 8", cfg.Coordinator.MaxConcurrency)
				}
				if cfg.Coordinator.WorkerPrefix != "coord-" {
					t.Errorf("worker_prefix should keep its default, got %q", cfg.Coordinator.WorkerPrefix)
				}
			},
		},
		{
			name:          "Project overrides global - project wins",
			globalConfig:  `{"coordinator": {"liveness_timeout": "5m"}, "executor": {"command": "global-worker"}}`,
			projectConfig: `{"coordinator": {"liveness_timeout": "90s"}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coordinator.LivenessTimeout.Std() != 90*time.Second {
					t.Errorf("liveness_timeout = %s, want 90s", cfg.Coordinator.LivenessTimeout.Std())
				}
				if cfg.Executor.Command != "global-worker" {
					t.Errorf("executor.command = %q, want global-worker", cfg.Executor.Command)
				}
			},
		},
		{
			name:          "Executor env merges per key",
			globalConfig:  `{"executor": {"env": {"A": "1", "B": "2"}}}`,
			projectConfig: `{"executor": {"env": {"B": "3"}}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Executor.Env["A"] != "1" || cfg.Executor.Env["B"] != "3" {
					t.Errorf("env = %v, want A=1 B=3", cfg.Executor.Env)
				}
			},
		},
		{
			name:          "Project replaces args list",
			globalConfig:  `{"executor": {"command": "sh", "args": ["-c", "old"]}}`,
			projectConfig: `{"executor": {"args": ["-c", "new {{.Task.ID}}"]}}`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Executor.Args) != 2 || cfg.Executor.Args[1] != "new {{.Task.ID}}" {
					t.Errorf("args = %v", cfg.Executor.Args)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalConfig != "" {
				globalPath = filepath.Join(tmpDir, "global.json")
				if err := os.WriteFile(globalPath, []byte(tt.globalConfig), 0644); err != nil {
					t.Fatalf("writing global config: %v", err)
				}
			}

			projectPath := ""
			if tt.projectConfig != "" {
				projectPath = filepath.Join(tmpDir, "project.json")
				if err := os.WriteFile(projectPath, []byte(tt.projectConfig), 0644); err != nil {
					t.Fatalf("writing project config: %v", err)
				}
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "invalid json", content: "{invalid json"},
		{name: "invalid duration", content: `{"lock_timeout": "soon"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			globalPath := filepath.Join(t.TempDir(), "global.json")
			if err := os.WriteFile(globalPath, []byte(tt.content), 0644); err != nil {
				t.Fatalf("writing malformed config: %v", err)
			}

			_, err := Load(globalPath, "")
			if err == nil {
				t.Fatal("expected error for malformed config, got nil")
			}
			if !strings.Contains(err.Error(), globalPath) {
				t.Errorf("error should name the file, got %v", err)
			}
		})
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"TASKGRAPH_STORE":            "/tmp/g.jsonl",
		"TASKGRAPH_STATE":            "/tmp/s.db",
		"TASKGRAPH_MAX_CONCURRENCY":  "12",
		"TASKGRAPH_LIVENESS_TIMEOUT": "45s",
		"TASKGRAPH_LOCK_TIMEOUT":     "3s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.StorePath != "/tmp/g.jsonl" || cfg.StatePath != "/tmp/s.db" {
		t.Errorf("paths not applied: %q %q", cfg.StorePath, cfg.StatePath)
	}
	if cfg.Coordinator.MaxConcurrency != 12 {
		t.Errorf("max_concurrency = %d, want 12", cfg.Coordinator.MaxConcurrency)
	}
	if cfg.Coordinator.LivenessTimeout.Std() != 45*time.Second || cfg.LockTimeout.Std() != 3*time.Second {
		t.Errorf("durations not applied: %s %s", cfg.Coordinator.LivenessTimeout.Std(), cfg.LockTimeout.Std())
	}
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"TASKGRAPH_MAX_CONCURRENCY", "many"},
		{"TASKGRAPH_LIVENESS_TIMEOUT", "forever"},
		{"TASKGRAPH_LOCK_TIMEOUT", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				if k == tt.key {
					return tt.value, true
				}
				return "", false
			}
			err := ApplyEnv(DefaultConfig(), lookup)
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("expected error naming %s, got %v", tt.key, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no store", mutate: func(c *Config) { c.StorePath = "" }, wantErr: "store_path"},
		{name: "zero concurrency", mutate: func(c *Config) { c.Coordinator.MaxConcurrency = 0 }, wantErr: "max_concurrency"},
		{name: "zero lock timeout", mutate: func(c *Config) { c.LockTimeout = 0 }, wantErr: "lock_timeout"},
		{
			name: "heartbeat slower than liveness",
			mutate: func(c *Config) {
				c.Executor.HeartbeatInterval = Duration(5 * time.Minute)
			},
			wantErr: "heartbeat_interval",
		},
		{name: "shrinking backoff", mutate: func(c *Config) { c.Retry.Multiplier = 0.5 }, wantErr: "multiplier"},
		{name: "jitter out of range", mutate: func(c *Config) { c.Retry.RandomizationFactor = 2 }, wantErr: "randomization_factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSettingsConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executor.Command = "sh"
	cfg.Executor.Env = map[string]string{"Z": "last", "A": "first"}

	cc := cfg.CoordinatorSettings(true)
	if cc.MaxConcurrency != 4 || cc.LivenessTimeout != 2*time.Minute || !cc.ExitWhenIdle {
		t.Errorf("unexpected coordinator config: %+v", cc)
	}
	if cc.Retry.InitialInterval != 100*time.Millisecond || cc.Breaker.ConsecutiveFailures != 5 {
		t.Errorf("retry/breaker not carried: %+v", cc)
	}

	ec := cfg.ExecutorSettings()
	if ec.Command != "sh" || ec.StorePath != cfg.StorePath || ec.HeartbeatInterval != 10*time.Second {
		t.Errorf("unexpected executor config: %+v", ec)
	}
	if len(ec.Env) != 2 || ec.Env[0] != "A=first" || ec.Env[1] != "Z=last" {
		t.Errorf("env = %v, want sorted KEY=VALUE pairs", ec.Env)
	}
}
