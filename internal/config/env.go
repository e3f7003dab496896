package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are skipped and variables already set are never overwritten.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// firstEnv returns the first non-empty variable among names.
func firstEnv(names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return v
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("DOCSAGE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = strings.ToLower(v)
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}

	setKey := func(provider string, names ...string) {
		v := firstEnv(names...)
		if v == "" {
			return
		}
		p := cfg.LLM.Providers[provider]
		p.APIKey = v
		cfg.LLM.Providers[provider] = p
	}
	setKey("openai", "DOCSAGE_OPENAI_API_KEY", "OPENAI_API_KEY")
	setKey("anthropic", "DOCSAGE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	setKey("google", "DOCSAGE_GOOGLE_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY")

	if v := firstEnv("DOCSAGE_OPENAI_BASE_URL"); v != "" {
		p := cfg.LLM.Providers["openai"]
		p.BaseURL = v
		cfg.LLM.Providers["openai"] = p
	}
	if v := firstEnv("DOCSAGE_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := firstEnv("DOCSAGE_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
	if v := firstEnv("DOCSAGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
