package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

const devJWTSecret = "veda-dev-secret-change-me"

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Auth       AuthConfig
	Pipeline   PipelineConfig
	AI         AIConfig
	OpenAI     OpenAIConfig
	Ollama     OllamaConfig
	Retrieval  RetrievalConfig
	Moderation ModerationConfig
	Stream     StreamConfig
	Database   DatabaseConfig
	Log        LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig(pipeline.DevMode)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	moderation, err := loadModerationConfig()
	if err != nil {
		return nil, err
	}

	stream, err := loadStreamConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		Auth:       auth,
		Pipeline:   pipeline,
		AI:         ai,
		OpenAI:     loadOpenAIConfig(),
		Ollama:     loadOllamaConfig(),
		Retrieval:  loadRetrievalConfig(),
		Moderation: moderation,
		Stream:     stream,
		Database:   DatabaseConfig{URL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr        string
	CORSOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("CORS_ORIGINS", "*"))

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, CORSOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSOrigins: origins}, nil
}

// AuthConfig 描述访问令牌校验配置。
type AuthConfig struct {
	Secret    string
	Algorithm string
}

func loadAuthConfig(devMode bool) (AuthConfig, error) {
	secret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if secret == "" {
		if !devMode {
			return AuthConfig{}, fmt.Errorf("JWT_SECRET is required outside DEV_MODE")
		}
		secret = devJWTSecret
	}

	alg := strings.ToUpper(getEnvOrDefault("JWT_ALGORITHM", "HS256"))
	switch alg {
	case "HS256", "HS384", "HS512":
	default:
		return AuthConfig{}, fmt.Errorf("unsupported JWT_ALGORITHM %q", alg)
	}

	return AuthConfig{Secret: secret, Algorithm: alg}, nil
}

// PipelineConfig 控制消息处理流水线。
type PipelineConfig struct {
	DevMode            bool
	SummarizeThreshold int
	RAGTopK            int
	EnableRAG          bool
	EnableSummarizer   bool
	StageTimeout       time.Duration
	GenerationTimeout  time.Duration
	DefaultLanguage    string
}

// Mode reports "offline" when the deterministic collaborators are in use.
func (c PipelineConfig) Mode() string {
	if c.DevMode {
		return "offline"
	}
	return "live"
}

func loadPipelineConfig() (PipelineConfig, error) {
	devMode, err := parseBoolEnv("DEV_MODE", false)
	if err != nil {
		return PipelineConfig{}, err
	}
	enableRAG, err := parseBoolEnv("ENABLE_RAG", true)
	if err != nil {
		return PipelineConfig{}, err
	}
	enableSummarizer, err := parseBoolEnv("ENABLE_SUMMARIZER", true)
	if err != nil {
		return PipelineConfig{}, err
	}
	threshold, err := parseIntEnv("SUMMARIZE_THRESHOLD", 500)
	if err != nil {
		return PipelineConfig{}, err
	}
	topK, err := parseIntEnv("RAG_TOP_K", 5)
	if err != nil {
		return PipelineConfig{}, err
	}
	if topK < 1 {
		topK = 1
	}
	stageTimeout, err := parseDurationEnv("STAGE_TIMEOUT", 30*time.Second)
	if err != nil {
		return PipelineConfig{}, err
	}
	genTimeout, err := parseDurationEnv("GENERATION_TIMEOUT", 120*time.Second)
	if err != nil {
		return PipelineConfig{}, err
	}

	return PipelineConfig{
		DevMode:            devMode,
		SummarizeThreshold: threshold,
		RAGTopK:            topK,
		EnableRAG:          enableRAG,
		EnableSummarizer:   enableSummarizer,
		StageTimeout:       stageTimeout,
		GenerationTimeout:  genTimeout,
		DefaultLanguage:    getEnvOrDefault("DEFAULT_LANGUAGE", "en"),
	}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
	}, nil
}

// OpenAIConfig 描述语音转写与图像理解服务。
type OpenAIConfig struct {
	APIKey          string
	BaseURL         string
	TranscribeModel string
	VisionModel     string
}

func (c OpenAIConfig) Enabled() bool { return c.APIKey != "" }

func loadOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		APIKey:          strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		BaseURL:         strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		TranscribeModel: getEnvOrDefault("OPENAI_TRANSCRIBE_MODEL", "whisper-1"),
		VisionModel:     getEnvOrDefault("OPENAI_VISION_MODEL", "gpt-4o-mini"),
	}
}

// OllamaConfig 描述本地摘要模型。
type OllamaConfig struct {
	URL          string
	SummaryModel string
}

func loadOllamaConfig() OllamaConfig {
	return OllamaConfig{
		URL:          getEnvOrDefault("OLLAMA_URL", "http://localhost:11434"),
		SummaryModel: getEnvOrDefault("OLLAMA_SUMMARY_MODEL", "llama3.2"),
	}
}

// RetrievalConfig 描述向量检索后端，URL 为空时使用内置资料。
type RetrievalConfig struct {
	WeaviateURL string
	Class       string
}

func loadRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		WeaviateURL: strings.TrimSpace(os.Getenv("WEAVIATE_URL")),
		Class:       getEnvOrDefault("WEAVIATE_CLASS", "MedicalDocument"),
	}
}

// ModerationConfig 描述内容审核规则来源。
type ModerationConfig struct {
	Enabled   bool
	RulesPath string
	Watch     bool
}

func loadModerationConfig() (ModerationConfig, error) {
	enabled, err := parseBoolEnv("ENABLE_MODERATION", true)
	if err != nil {
		return ModerationConfig{}, err
	}
	watch, err := parseBoolEnv("MODERATION_WATCH", true)
	if err != nil {
		return ModerationConfig{}, err
	}
	return ModerationConfig{
		Enabled:   enabled,
		RulesPath: getEnvOrDefault("MODERATION_RULES_PATH", "configs/moderation_rules.yaml"),
		Watch:     watch,
	}, nil
}

// StreamConfig 描述 WebSocket 流式输出与断线续传。
type StreamConfig struct {
	CacheTTL          time.Duration
	SweepInterval     time.Duration
	MaxTurnDuration   time.Duration
	MessagesPerMinute int
}

func loadStreamConfig() (StreamConfig, error) {
	ttl, err := parseDurationEnv("STREAM_CACHE_TTL", 30*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}
	sweep, err := parseDurationEnv("STREAM_SWEEP_INTERVAL", 60*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}
	maxTurn, err := parseDurationEnv("MAX_TURN_DURATION", 180*time.Second)
	if err != nil {
		return StreamConfig{}, err
	}
	perMinute, err := parseIntEnv("WS_MESSAGES_PER_MINUTE", 30)
	if err != nil {
		return StreamConfig{}, err
	}
	return StreamConfig{
		CacheTTL:          ttl,
		SweepInterval:     sweep,
		MaxTurnDuration:   maxTurn,
		MessagesPerMinute: perMinute,
	}, nil
}

// DatabaseConfig 为空 URL 时使用内存仓库。
type DatabaseConfig struct {
	URL string
}

// LogConfig 描述 zerolog 输出。
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// 纯数字按秒处理
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
