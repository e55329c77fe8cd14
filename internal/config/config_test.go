package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/KafClaw/SocialClaw/internal/secrets"
	"github.com/zalando/go-keyring"
)

// isolate points HOME and SOCIALCLAW_HOME at a fresh directory and clears
// overrides that would leak in from the developer's environment.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("SOCIALCLAW_HOME", tmpDir)
	t.Setenv("SOCIALCLAW_CONFIG", "")
	t.Setenv("SOCIALCLAW_ENV_FILE", "")
	for _, k := range []string{"OPENAI_API_KEY", "SOCIALCLAW_OPENAI_API_KEY", "SLACK_BOT_TOKEN", "SLACK_APP_TOKEN"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return tmpDir
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Orchestrator.Debounce != 3*time.Second {
		t.Errorf("expected debounce 3s, got %v", cfg.Orchestrator.Debounce)
	}
	if cfg.Orchestrator.MaxFollowUpPhases != 3 || !cfg.Orchestrator.FollowUpEnabled {
		t.Errorf("unexpected follow-up defaults %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.ActionTimeout != 30*time.Second {
		t.Errorf("expected action timeout 30s, got %v", cfg.Orchestrator.ActionTimeout)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.TimeWindow != 300*time.Second || cfg.Breaker.ResetTimeout != 600*time.Second {
		t.Errorf("unexpected breaker defaults %+v", cfg.Breaker)
	}
	if cfg.Policy.ExternalMaxTier != 1 {
		t.Errorf("expected external max tier 1, got %d", cfg.Policy.ExternalMaxTier)
	}
	if cfg.Channels.Slack.Enabled || cfg.Channels.WhatsApp.Enabled || cfg.Kafka.Enabled {
		t.Error("integrations must be disabled by default")
	}
}

func TestLoadDefaults(t *testing.T) {
	home := isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Model.MaxTokens != 1024 {
		t.Errorf("expected maxTokens 1024, got %d", cfg.Model.MaxTokens)
	}
	if cfg.Paths.HistoryDB != filepath.Join(home, ".socialclaw", "history.db") {
		t.Errorf("expected ~ expanded, got %s", cfg.Paths.HistoryDB)
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := isolate(t)
	configDir := filepath.Join(tmpDir, ".socialclaw")
	os.MkdirAll(configDir, 0755)
	configFile := filepath.Join(configDir, "config.json")

	configJSON := `{
		"model": {
			"name": "gpt-4o",
			"maxTokens": 4096
		},
		"channels": {
			"slack": {"enabled": true, "botToken": "${TEST_SLACK_TOKEN}"}
		},
		"kafka": {"enabled": true, "brokers": "k1:9092,k2:9092"}
	}`
	os.WriteFile(configFile, []byte(configJSON), 0600)
	t.Setenv("TEST_SLACK_TOKEN", "xoxb-from-env")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Model.Name != "gpt-4o" || cfg.Model.MaxTokens != 4096 {
		t.Errorf("unexpected model %+v", cfg.Model)
	}
	if cfg.Model.Temperature != 0.4 {
		t.Errorf("unset fields should keep defaults, got %v", cfg.Model.Temperature)
	}
	if !cfg.Channels.Slack.Enabled || cfg.Channels.Slack.BotToken != "xoxb-from-env" {
		t.Errorf("unexpected slack config %+v", cfg.Channels.Slack)
	}
	if cfg.Kafka.Brokers != "k1:9092,k2:9092" || cfg.Kafka.InboundTopic != "socialclaw.inbound" {
		t.Errorf("unexpected kafka config %+v", cfg.Kafka)
	}
}

func TestLoadResolvesKeyringReferences(t *testing.T) {
	tmpDir := isolate(t)
	keyring.MockInit()
	configDir := filepath.Join(tmpDir, ".socialclaw")
	os.MkdirAll(configDir, 0755)
	configJSON := `{
		"providers": {"openai": {"apiKey": "keyring:openai"}},
		"kafka": {"password": "keyring:kafka"}
	}`
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(configJSON), 0600)

	if _, err := Load(); !errors.Is(err, secrets.ErrNotFound) {
		t.Fatalf("expected missing secret error, got %v", err)
	}

	if err := secrets.Set("openai", "sk-from-keyring"); err != nil {
		t.Fatal(err)
	}
	if err := secrets.Set("kafka", "hunter2"); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-from-keyring" || cfg.Kafka.Password != "hunter2" {
		t.Errorf("keyring references not resolved: %+v %+v", cfg.Providers.OpenAI, cfg.Kafka)
	}
}

func TestLoadWithInclude(t *testing.T) {
	tmpDir := isolate(t)
	configDir := filepath.Join(tmpDir, ".socialclaw")
	os.MkdirAll(configDir, 0755)
	os.WriteFile(filepath.Join(configDir, "channels.json"), []byte(`{"channels":{"whatsapp":{"enabled":true,"selfChat":true}}}`), 0600)
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"$include":"channels.json","channels":{"whatsapp":{"selfChat":false}}}`), 0600)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Channels.WhatsApp.Enabled || cfg.Channels.WhatsApp.SelfChat {
		t.Errorf("expected include merged and overridden, got %+v", cfg.Channels.WhatsApp)
	}
	if cfg.Channels.WhatsApp.DBPath != filepath.Join(tmpDir, ".socialclaw", "whatsapp.db") {
		t.Errorf("unexpected db path %s", cfg.Channels.WhatsApp.DBPath)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	tmpDir := isolate(t)
	configDir := filepath.Join(tmpDir, ".socialclaw")
	os.MkdirAll(configDir, 0755)
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"$include":"config.json"}`), 0600)

	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestEnvOverride(t *testing.T) {
	isolate(t)
	t.Setenv("SOCIALCLAW_ORCHESTRATOR_DEBOUNCE", "500ms")
	t.Setenv("SOCIALCLAW_BREAKER_FAILURE_THRESHOLD", "5")
	t.Setenv("SOCIALCLAW_SLACK_INTERNAL_USERS", "U1,U2")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Orchestrator.Debounce != 500*time.Millisecond {
		t.Errorf("expected debounce 500ms from env, got %v", cfg.Orchestrator.Debounce)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected threshold 5 from env, got %d", cfg.Breaker.FailureThreshold)
	}
	if len(cfg.Channels.Slack.InternalUsers) != 2 || cfg.Channels.Slack.InternalUsers[1] != "U2" {
		t.Errorf("unexpected internal users %v", cfg.Channels.Slack.InternalUsers)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Errorf("expected OPENAI_API_KEY fallback, got %q", cfg.Providers.OpenAI.APIKey)
	}
}

func TestEnvOverrideRejectsMalformedValue(t *testing.T) {
	isolate(t)
	t.Setenv("SOCIALCLAW_SCHEDULER_MAX_CONCURRENT", "many")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed env value")
	}
}

func TestConfigPathRespectsSocialclawConfigAndHome(t *testing.T) {
	t.Setenv("SOCIALCLAW_HOME", "/srv/socialhome")
	t.Setenv("SOCIALCLAW_CONFIG", "~/.socialclaw/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/socialhome", ".socialclaw", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestLoadUsesEnvFileCandidate(t *testing.T) {
	tmpDir := isolate(t)
	envDir := filepath.Join(tmpDir, ".config", "socialclaw")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir env dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte("SOCIALCLAW_KAFKA_BROKERS=kafka:29092\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("SOCIALCLAW_KAFKA_BROKERS", "")
	os.Unsetenv("SOCIALCLAW_KAFKA_BROKERS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Kafka.Brokers != "kafka:29092" {
		t.Fatalf("expected brokers from env file, got %q", cfg.Kafka.Brokers)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := isolate(t)
	cfg := DefaultConfig()
	cfg.Channels.Slack.AllowFrom = []string{"U9"}
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(filepath.Join(tmpDir, ".socialclaw", "config.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Channels.Slack.AllowFrom) != 1 || loaded.Channels.Slack.AllowFrom[0] != "U9" {
		t.Errorf("allowFrom not persisted: %v", loaded.Channels.Slack.AllowFrom)
	}
}
