package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"LOG_LEVEL", "DETECTION_IMGSZ",
		"THREAT_DETECTION_ENABLED", "THREAT_MODEL_PATH", "SUSPICIOUS_ONLY",
		"THREAT_ASSOC_IOU_MIN", "THREAT_ASSOC_MAX_DIST_FRAC",
		"LLM_MODEL", "LLM_AUTO_ON_THREAT",
		"LLM_COOLDOWN_SECONDS", "LLM_PER_TRACK_COOLDOWN_SECONDS",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Default()

	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8001 {
		t.Errorf("server = %s:%d, want 127.0.0.1:8001", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Detector.ImageSize != 640 || cfg.Detector.MinConf != 0.25 {
		t.Errorf("detector = %+v", cfg.Detector)
	}
	if !cfg.Threat.Enabled {
		t.Error("threat detection disabled by default")
	}
	if cfg.Threat.AssocIoUMin != 0.10 || cfg.Threat.AssocDistFrac != 0.08 {
		t.Errorf("association = %v/%v, want 0.10/0.08", cfg.Threat.AssocIoUMin, cfg.Threat.AssocDistFrac)
	}
	if cfg.LLM.Model != "gpt-4o-mini" || !cfg.LLM.AutoOnThreat {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.StreamCooldown() != 10*time.Second || cfg.TrackCooldown() != 10*time.Second {
		t.Errorf("cooldowns = %v/%v, want 10s/10s", cfg.StreamCooldown(), cfg.TrackCooldown())
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DETECTION_IMGSZ", "1280")
	t.Setenv("THREAT_MODEL_PATH", "/models/threat.onnx")
	t.Setenv("SUSPICIOUS_ONLY", "yes")
	t.Setenv("THREAT_ASSOC_IOU_MIN", "0.2")
	t.Setenv("LLM_MODEL", "gpt-4o")
	t.Setenv("LLM_COOLDOWN_SECONDS", "30")
	t.Setenv("LLM_PER_TRACK_COOLDOWN_SECONDS", "120")

	cfg := Default()

	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug (lowered)", cfg.Logging.Level)
	}
	if cfg.Detector.ImageSize != 1280 {
		t.Errorf("ImageSize = %d, want 1280", cfg.Detector.ImageSize)
	}
	if !cfg.Threat.Enabled || cfg.Threat.ModelPath != "/models/threat.onnx" {
		t.Errorf("model path must imply enabled: %+v", cfg.Threat)
	}
	if !cfg.Threat.SuspiciousOnly {
		t.Error("SuspiciousOnly not set")
	}
	if cfg.Threat.AssocIoUMin != 0.2 {
		t.Errorf("AssocIoUMin = %v, want 0.2", cfg.Threat.AssocIoUMin)
	}
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("Model = %q", cfg.LLM.Model)
	}
	if cfg.StreamCooldown() != 30*time.Second {
		t.Errorf("StreamCooldown = %v, want 30s", cfg.StreamCooldown())
	}
	if cfg.TrackCooldown() != 120*time.Second {
		t.Errorf("TrackCooldown = %v, want 120s (per-track override wins)", cfg.TrackCooldown())
	}
}

func TestThreatDetectionEnvDisable(t *testing.T) {
	clearEnv(t)

	for _, v := range []string{"0", "false", "no"} {
		t.Setenv("THREAT_DETECTION_ENABLED", v)
		if Default().Threat.Enabled {
			t.Errorf("Threat.Enabled = true with THREAT_DETECTION_ENABLED=%q", v)
		}
	}
}

func TestEnvBoolFalseValues(t *testing.T) {
	clearEnv(t)

	for _, v := range []string{"0", "false", "no", "FALSE", "No"} {
		t.Setenv("LLM_AUTO_ON_THREAT", v)
		cfg := Default()
		if cfg.LLM.AutoOnThreat {
			t.Errorf("AutoOnThreat = true with LLM_AUTO_ON_THREAT=%q", v)
		}
	}

	// Anything else non-empty means true.
	t.Setenv("LLM_AUTO_ON_THREAT", "1")
	if !Default().LLM.AutoOnThreat {
		t.Error("AutoOnThreat = false with LLM_AUTO_ON_THREAT=1")
	}
}

func TestInvalidEnvNumbersIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("DETECTION_IMGSZ", "huge")
	t.Setenv("THREAT_ASSOC_IOU_MIN", "lots")

	cfg := Default()
	if cfg.Detector.ImageSize != 640 {
		t.Errorf("ImageSize = %d, want default 640 for invalid env", cfg.Detector.ImageSize)
	}
	if cfg.Threat.AssocIoUMin != 0.10 {
		t.Errorf("AssocIoUMin = %v, want default 0.10 for invalid env", cfg.Threat.AssocIoUMin)
	}
}

func TestLoadYAMLKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9001
llm:
  auto_on_threat: false
  cooldown_seconds: 45
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9001 {
		t.Errorf("Port = %d, want 9001 from file", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want default kept for absent key", cfg.Server.Host)
	}
	if cfg.LLM.AutoOnThreat {
		t.Error("auto_on_threat: false in file was ignored")
	}
	if cfg.LLM.CooldownSeconds != 45 {
		t.Errorf("CooldownSeconds = %d, want 45", cfg.LLM.CooldownSeconds)
	}
	if cfg.TrackCooldown() != 45*time.Second {
		t.Errorf("TrackCooldown = %v, want 45s following the stream cooldown", cfg.TrackCooldown())
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want default kept", cfg.LLM.Model)
	}
}

func TestLoadYAMLTrackCooldownPinned(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
llm:
  cooldown_seconds: 45
  track_cooldown_seconds: 7
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrackCooldown() != 7*time.Second {
		t.Errorf("TrackCooldown = %v, want explicit 7s kept", cfg.TrackCooldown())
	}
}

func TestLoadYAMLThreatDisable(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("threat:\n  enabled: false\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threat.Enabled {
		t.Error("enabled: false in file was ignored")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load of missing file returned nil error")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LLM_MODEL", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != "from-env" {
		t.Errorf("Model = %q, want env to win over file", cfg.LLM.Model)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{Logging: LoggingConfig{Level: tt.level}}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}
