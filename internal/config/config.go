package config

import (
	"os"
	"strconv"
	"time"

	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/joho/godotenv"
)

const defaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	ICEServersJSON string
	AuthPassword   string
	BaseURL        string
	LogLevel       string

	DeepgramKey      string
	DeepgramTTSModel string

	TTSProvider       string // deepgram | elevenlabs
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	LLMProvider     string // gemini | cerebras
	GeminiKey       string
	GeminiModel     string
	CerebrasKey     string
	CerebrasModelID string

	BusinessProfile string

	TwilioAccountSID string
	TwilioAuthToken  string

	Turn Turn
}

// Turn holds the turn-taking tunables. Zero values fall back to the
// package defaults of the component that consumes them.
type Turn struct {
	Deadzone          time.Duration
	SilenceTimeout    time.Duration
	MaxDuration       time.Duration
	WatchdogInterval  time.Duration
	EchoWindow        time.Duration
	EchoSimilarity    float64
	MinFragments      int
	MinBytes          int
	TranscribeTimeout time.Duration
	RespondTimeout    time.Duration
	HistoryLimit      int
	GreetingDelay     time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file loaded", "error", err)
	}

	cfg := Config{
		HTTPAddress:    getEnv("HTTP_ADDRESS", ":8080"),
		ICEServersJSON: getEnv("ICE_SERVERS_JSON", defaultICEServersJSON),
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		BaseURL:        os.Getenv("BASE_URL"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),

		DeepgramKey:      os.Getenv("DEEPGRAM_API_KEY"),
		DeepgramTTSModel: getEnv("DEEPGRAM_TTS_MODEL", "aura-2-thalia-en"),

		TTSProvider:       getEnv("TTS_PROVIDER", "deepgram"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		LLMProvider:     getEnv("LLM_PROVIDER", "gemini"),
		GeminiKey:       os.Getenv("GEMINI_API_KEY"),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
		CerebrasKey:     os.Getenv("CEREBRAS_API_KEY"),
		CerebrasModelID: getEnv("CEREBRAS_MODEL_ID", "gpt-oss-120b"),

		BusinessProfile: getEnv("BUSINESS_PROFILE", "pizza"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),

		Turn: Turn{
			Deadzone:          getDuration("TURN_DEADZONE", 0),
			SilenceTimeout:    getDuration("TURN_SILENCE_TIMEOUT", 0),
			MaxDuration:       getDuration("TURN_MAX_DURATION", 0),
			WatchdogInterval:  getDuration("TURN_WATCHDOG_INTERVAL", 0),
			EchoWindow:        getDuration("ECHO_WINDOW", 0),
			EchoSimilarity:    getFloat("ECHO_SIMILARITY", 0),
			MinFragments:      getInt("CAPTURE_MIN_FRAGMENTS", 0),
			MinBytes:          getInt("CAPTURE_MIN_BYTES", 0),
			TranscribeTimeout: getDuration("TRANSCRIBE_TIMEOUT", 0),
			RespondTimeout:    getDuration("RESPOND_TIMEOUT", 0),
			HistoryLimit:      getInt("HISTORY_LIMIT", 0),
			GreetingDelay:     getDuration("GREETING_DELAY", 0),
		},
	}

	if cfg.DeepgramKey == "" {
		logger.Warn("DEEPGRAM_API_KEY not set - transcription will not work")
	}
	switch cfg.TTSProvider {
	case "elevenlabs":
		if cfg.ElevenLabsKey == "" || cfg.ElevenLabsVoiceID == "" {
			logger.Warn("ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	default:
		cfg.TTSProvider = "deepgram"
	}
	switch cfg.LLMProvider {
	case "cerebras":
		if cfg.CerebrasKey == "" {
			logger.Warn("CEREBRAS_API_KEY not set - replies will use the fallback rules")
		}
	default:
		cfg.LLMProvider = "gemini"
		if cfg.GeminiKey == "" {
			logger.Warn("GEMINI_API_KEY not set - replies will use the fallback rules")
		}
	}
	if cfg.TwilioAuthToken == "" {
		logger.Warn("TWILIO_AUTH_TOKEN not set - phone webhooks will be rejected")
	}

	logger.Info("config loaded", "http_address", cfg.HTTPAddress, "tts", cfg.TTSProvider, "llm", cfg.LLMProvider, "profile", cfg.BusinessProfile)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logger.Warn("invalid duration, using default", "key", key, "value", v)
		return def
	}
	return d
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn("invalid integer, using default", "key", key, "value", v)
		return def
	}
	return n
}

func getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Warn("invalid number, using default", "key", key, "value", v)
		return def
	}
	return f
}
