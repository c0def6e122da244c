package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderLUIS    = "luis"
	ProviderOpenAI  = "openai"
	ProviderKeyword = "keyword"
)

type Config struct {
	Port          string
	AllowedOrigin string
	Environment   string
	LogLevel      string
	// Bot Framework channel credentials
	MicrosoftAppID       string
	MicrosoftAppPassword string
	BotOpenIDMetadata    string
	// Intent recognition
	NLUProvider       string
	IntentThreshold   float64
	RecognizerTimeout time.Duration
	LuisAppID         string
	LuisAPIKey        string
	LuisAPIHostName   string
	OpenAIAPIKey      string
	Model             string
	IntentCatalog     string
	// Session storage
	StorageURL string
	SessionTTL time.Duration
	// Telemetry
	AppInsightsKey string
	NATSURL        string

	// values that were set but could not be parsed
	parseErrs []error
}

func Load() Config {
	_ = godotenv.Load()
	var errs []error
	cfg := Config{
		Port:                 firstEnv([]string{"port", "PORT"}, "3978"),
		AllowedOrigin:        getEnvDefault("ALLOWED_ORIGIN", "*"),
		Environment:          getEnvDefault("APP_ENV", "production"),
		LogLevel:             getEnvDefault("LOG_LEVEL", "info"),
		MicrosoftAppID:       os.Getenv("MicrosoftAppId"),
		MicrosoftAppPassword: os.Getenv("MicrosoftAppPassword"),
		BotOpenIDMetadata:    getEnvDefault("BotOpenIdMetadata", "https://login.botframework.com/v1/.well-known/openidconfiguration"),
		NLUProvider:          strings.ToLower(os.Getenv("NLU_PROVIDER")),
		IntentThreshold:      getEnvFloatDefault("INTENT_THRESHOLD", 0.1, &errs),
		RecognizerTimeout:    getEnvDurationDefault("RECOGNIZER_TIMEOUT", 10*time.Second, &errs),
		LuisAppID:            os.Getenv("LuisAppId"),
		LuisAPIKey:           os.Getenv("LuisAPIKey"),
		LuisAPIHostName:      getEnvDefault("LuisAPIHostName", "westus.api.cognitive.microsoft.com"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		Model:                getEnvDefault("OPENAI_MODEL", "gpt-4o-mini"),
		IntentCatalog:        getEnvDefault("INTENT_CATALOG", "prompts/intents.yaml"),
		StorageURL:           firstEnv([]string{"STORAGE_URL", "AzureWebJobsStorage"}, ""),
		SessionTTL:           getEnvDurationDefault("SESSION_TTL", 0, &errs),
		AppInsightsKey:       os.Getenv("BotDevAppInsightsKey"),
		NATSURL:              os.Getenv("NATS_URL"),
	}
	cfg.parseErrs = errs
	if cfg.NLUProvider == "" {
		if cfg.LuisAppID != "" {
			cfg.NLUProvider = ProviderLUIS
		} else {
			cfg.NLUProvider = ProviderKeyword
		}
	}
	return cfg
}

// Validate reports configuration that would leave the bot unable to serve.
func (c Config) Validate() error {
	if err := errors.Join(c.parseErrs...); err != nil {
		return err
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.MicrosoftAppID != "" && c.MicrosoftAppPassword == "" {
		return fmt.Errorf("MicrosoftAppPassword is required when MicrosoftAppId is set")
	}
	if c.IntentThreshold < 0 || c.IntentThreshold > 1 {
		return fmt.Errorf("INTENT_THRESHOLD must be within [0,1], got %v", c.IntentThreshold)
	}
	switch c.NLUProvider {
	case ProviderLUIS:
		if c.LuisAppID == "" || c.LuisAPIKey == "" {
			return fmt.Errorf("LuisAppId and LuisAPIKey are required for the luis provider")
		}
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
	case ProviderKeyword:
	default:
		return fmt.Errorf("unknown NLU_PROVIDER %q", c.NLUProvider)
	}
	return nil
}

// AuthEnabled reports whether inbound webhook calls must carry a channel token.
func (c Config) AuthEnabled() bool {
	return c.MicrosoftAppID != ""
}

// LuisModelURL is the endpoint the LUIS recognizer queries.
func (c Config) LuisModelURL() string {
	return "https://" + c.LuisAPIHostName + "/luis/v2.0/apps/" + c.LuisAppID + "?subscription-key=" + c.LuisAPIKey
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvFloatDefault returns def when key is unset. A value that does not
// parse is recorded in errs and also yields def.
func getEnvFloatDefault(key string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: not a number", key, v))
		return def
	}
	return f
}

func getEnvDurationDefault(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s %q: want a duration such as 10s", key, v))
		return def
	}
	return d
}
