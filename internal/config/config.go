// Package config provides configuration types and loading for socialclaw.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Model        ModelConfig        `json:"model"`
	Providers    ProvidersConfig    `json:"providers"`
	Guard        GuardConfig        `json:"guard"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Breaker      BreakerConfig      `json:"breaker"`
	Bus          BusConfig          `json:"bus"`
	Policy       PolicyConfig       `json:"policy"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Channels     ChannelsConfig     `json:"channels"`
	Kafka        KafkaConfig        `json:"kafka"`
	Telemetry    TelemetryConfig    `json:"telemetry"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir   string `json:"dataDir" envconfig:"DATA_DIR"`
	HistoryDB string `json:"historyDb" envconfig:"HISTORY_DB"`
}

// ---------------------------------------------------------------------------
// Model – LLM behaviour
// ---------------------------------------------------------------------------

// ModelConfig groups LLM model settings used by the inference service.
type ModelConfig struct {
	Name        string  `json:"name" envconfig:"MODEL_NAME"`
	MaxTokens   int     `json:"maxTokens" envconfig:"MODEL_MAX_TOKENS"`
	Temperature float64 `json:"temperature" envconfig:"MODEL_TEMPERATURE"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	OpenAI ProviderConfig `json:"openai"`
}

// ProviderConfig contains settings for a single OpenAI-compatible provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"OPENAI_API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"OPENAI_API_BASE"`
}

// GuardConfig controls the middleware wrapped around every LLM call.
type GuardConfig struct {
	// Mode is applied to PII and secrets found in prompts: warn, redact or block.
	Mode         string   `json:"mode" envconfig:"GUARD_MODE"`
	Detect       []string `json:"detect" envconfig:"GUARD_DETECT"`
	DenyKeywords []string `json:"denyKeywords" envconfig:"GUARD_DENY_KEYWORDS"`
	// RedactOutputSecrets strips credentials from model output before it is
	// parsed into actions.
	RedactOutputSecrets bool `json:"redactOutputSecrets" envconfig:"GUARD_REDACT_OUTPUT_SECRETS"`
	// Prices in USD per 1k tokens, used for the cost metric.
	PromptPer1k     float64 `json:"promptPer1k" envconfig:"GUARD_PROMPT_PER_1K"`
	CompletionPer1k float64 `json:"completionPer1k" envconfig:"GUARD_COMPLETION_PER_1K"`
}

// ---------------------------------------------------------------------------
// Turn handling
// ---------------------------------------------------------------------------

// OrchestratorConfig controls batching, follow-up phases and short-term
// memory.
type OrchestratorConfig struct {
	Debounce          time.Duration `json:"debounce" envconfig:"ORCHESTRATOR_DEBOUNCE"`
	RetryDelay        time.Duration `json:"retryDelay" envconfig:"ORCHESTRATOR_RETRY_DELAY"`
	PhaseTimeout      time.Duration `json:"phaseTimeout" envconfig:"ORCHESTRATOR_PHASE_TIMEOUT"`
	ActionTimeout     time.Duration `json:"actionTimeout" envconfig:"ORCHESTRATOR_ACTION_TIMEOUT"`
	MaxFollowUpPhases int           `json:"maxFollowUpPhases" envconfig:"ORCHESTRATOR_MAX_FOLLOW_UPS"`
	FollowUpEnabled   bool          `json:"followUpEnabled" envconfig:"ORCHESTRATOR_FOLLOW_UP"`
	MemoryCapacity    int           `json:"memoryCapacity" envconfig:"ORCHESTRATOR_MEMORY_CAPACITY"`
	SummaryThreshold  int           `json:"summaryThreshold" envconfig:"ORCHESTRATOR_SUMMARY_THRESHOLD"`
}

// BreakerConfig controls the per-action circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold" envconfig:"BREAKER_FAILURE_THRESHOLD"`
	TimeWindow       time.Duration `json:"timeWindow" envconfig:"BREAKER_TIME_WINDOW"`
	ResetTimeout     time.Duration `json:"resetTimeout" envconfig:"BREAKER_RESET_TIMEOUT"`
}

// BusConfig controls request/response calls over the event bus.
type BusConfig struct {
	RequestTimeout time.Duration `json:"requestTimeout" envconfig:"BUS_REQUEST_TIMEOUT"`
}

// PolicyConfig controls which capability tiers the planner is offered.
type PolicyConfig struct {
	MaxAutoTier     int      `json:"maxAutoTier" envconfig:"POLICY_MAX_AUTO_TIER"`
	ExternalMaxTier int      `json:"externalMaxTier" envconfig:"POLICY_EXTERNAL_MAX_TIER"`
	AllowedSenders  []string `json:"allowedSenders" envconfig:"POLICY_ALLOWED_SENDERS"`
}

// SchedulerConfig controls the deferred action runner.
type SchedulerConfig struct {
	Enabled       bool          `json:"enabled" envconfig:"SCHEDULER_ENABLED"`
	TickInterval  time.Duration `json:"tickInterval" envconfig:"SCHEDULER_TICK_INTERVAL"`
	MaxConcurrent int           `json:"maxConcurrent" envconfig:"SCHEDULER_MAX_CONCURRENT"`
	BatchSize     int           `json:"batchSize" envconfig:"SCHEDULER_BATCH_SIZE"`
}

// ---------------------------------------------------------------------------
// Channels – messaging integrations
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel configurations.
type ChannelsConfig struct {
	Slack    SlackConfig    `json:"slack"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
	AppToken string `json:"appToken" envconfig:"SLACK_APP_TOKEN"`
	APIBase  string `json:"apiBase,omitempty" envconfig:"SLACK_API_BASE"`
	// AllowFrom restricts inbound senders; empty allows everyone.
	AllowFrom []string `json:"allowFrom" envconfig:"SLACK_ALLOW_FROM"`
	// InternalUsers are treated as the operator rather than third parties.
	InternalUsers []string `json:"internalUsers" envconfig:"SLACK_INTERNAL_USERS"`
}

// WhatsAppConfig configures the native WhatsApp channel.
type WhatsAppConfig struct {
	Enabled         bool     `json:"enabled" envconfig:"WHATSAPP_ENABLED"`
	DBPath          string   `json:"dbPath" envconfig:"WHATSAPP_DB_PATH"`
	QRPath          string   `json:"qrPath" envconfig:"WHATSAPP_QR_PATH"`
	AllowFrom       []string `json:"allowFrom" envconfig:"WHATSAPP_ALLOW_FROM"`
	SelfChat        bool     `json:"selfChat" envconfig:"WHATSAPP_SELF_CHAT"`
	IgnoreReactions bool     `json:"ignoreReactions" envconfig:"WHATSAPP_IGNORE_REACTIONS"`
}

// ---------------------------------------------------------------------------
// Kafka & telemetry
// ---------------------------------------------------------------------------

// KafkaConfig configures the Kafka bridge.
type KafkaConfig struct {
	Enabled      bool   `json:"enabled" envconfig:"KAFKA_ENABLED"`
	Brokers      string `json:"brokers" envconfig:"KAFKA_BROKERS"`
	GroupID      string `json:"groupId" envconfig:"KAFKA_GROUP_ID"`
	InboundTopic string `json:"inboundTopic" envconfig:"KAFKA_INBOUND_TOPIC"`
	EventsTopic  string `json:"eventsTopic" envconfig:"KAFKA_EVENTS_TOPIC"`
	// SecurityProtocol is PLAINTEXT, SSL, SASL_PLAINTEXT or SASL_SSL.
	SecurityProtocol string `json:"securityProtocol" envconfig:"KAFKA_SECURITY_PROTOCOL"`
	// SASLMechanism is PLAIN, SCRAM-SHA-256 or SCRAM-SHA-512.
	SASLMechanism string `json:"saslMechanism" envconfig:"KAFKA_SASL_MECHANISM"`
	Username      string `json:"username" envconfig:"KAFKA_USERNAME"`
	Password      string `json:"password" envconfig:"KAFKA_PASSWORD"`
	CALocation    string `json:"caLocation,omitempty" envconfig:"KAFKA_CA_LOCATION"`
}

// TelemetryConfig configures OTLP metric export. Metrics are only exported
// when Endpoint is set.
type TelemetryConfig struct {
	Endpoint       string        `json:"endpoint" envconfig:"TELEMETRY_ENDPOINT"`
	Insecure       bool          `json:"insecure" envconfig:"TELEMETRY_INSECURE"`
	ServiceName    string        `json:"serviceName" envconfig:"TELEMETRY_SERVICE_NAME"`
	ExportInterval time.Duration `json:"exportInterval" envconfig:"TELEMETRY_EXPORT_INTERVAL"`
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			DataDir:   "~/.socialclaw",
			HistoryDB: "~/.socialclaw/history.db",
		},
		Model: ModelConfig{
			Name:        "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.4,
		},
		Guard: GuardConfig{
			Mode:                "redact",
			Detect:              []string{"api_key", "bearer_token", "private_key", "password_literal"},
			RedactOutputSecrets: true,
		},
		Orchestrator: OrchestratorConfig{
			Debounce:          3 * time.Second,
			RetryDelay:        2 * time.Second,
			PhaseTimeout:      30 * time.Second,
			ActionTimeout:     30 * time.Second,
			MaxFollowUpPhases: 3,
			FollowUpEnabled:   true,
			MemoryCapacity:    20,
			SummaryThreshold:  10,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			TimeWindow:       300 * time.Second,
			ResetTimeout:     600 * time.Second,
		},
		Bus: BusConfig{
			RequestTimeout: 30 * time.Second,
		},
		Policy: PolicyConfig{
			MaxAutoTier:     2,
			ExternalMaxTier: 1,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			TickInterval:  15 * time.Second,
			MaxConcurrent: 4,
			BatchSize:     20,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				DBPath:          "~/.socialclaw/whatsapp.db",
				QRPath:          "~/.socialclaw/whatsapp-qr.png",
				IgnoreReactions: true,
			},
		},
		Kafka: KafkaConfig{
			Brokers:      "localhost:9092",
			GroupID:      "socialclaw",
			InboundTopic: "socialclaw.inbound",
			EventsTopic:  "socialclaw.events",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "socialclaw",
			ExportInterval: 30 * time.Second,
		},
	}
}
