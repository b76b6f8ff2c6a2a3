package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config file, applies environment overrides and fills
// generated secrets for anything still missing. A missing file is not an
// error; defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			log.Warnf("config file %s not found, using defaults", path)
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	ensureGeneratedSecrets(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("ADMIN_USERNAME"); v != "" {
		cfg.AdminUsername = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("SYSTEM_INSTRUCTION"); v != "" {
		cfg.SystemInstruction = v
	}
	if v := os.Getenv("OFFICIAL_SYSTEM_PROMPT"); v != "" {
		cfg.OfficialSystemPrompt = v
	}
	if v := os.Getenv("IMAGE_BASE_URL"); v != "" {
		cfg.ImageBaseURL = v
	}
	if v := os.Getenv("DEBUG_DUMP_REQUEST_RESPONSE"); v != "" {
		cfg.DebugDump = parseBool(v)
	}
	// PROXY takes precedence; the standard variables are honored by the
	// transport via ProxyFromEnvironment when ProxyURL stays empty.
	for _, name := range []string{"PROXY", "HTTPS_PROXY", "HTTP_PROXY", "ALL_PROXY"} {
		if v := os.Getenv(name); v != "" && cfg.ProxyURL == "" {
			cfg.ProxyURL = v
			break
		}
	}
}

// ensureGeneratedSecrets fills in secrets that were not configured. Each
// generated value is logged exactly once so the operator can record it.
func ensureGeneratedSecrets(cfg *Config) {
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-" + randomHex(24)
		log.Warnf("API_KEY not set; generated caller key: %s", cfg.APIKey)
	}
	if cfg.AdminUsername == "" {
		cfg.AdminUsername = "admin"
		log.Warn("ADMIN_USERNAME not set; defaulting to \"admin\"")
	}
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = randomHex(12)
		log.Warnf("ADMIN_PASSWORD not set; generated password: %s", cfg.AdminPassword)
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = randomHex(32)
		log.Warn("JWT_SECRET not set; generated a random secret (sessions reset on restart)")
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing is unrecoverable for secret generation
		panic(fmt.Sprintf("random source unavailable: %v", err))
	}
	return hex.EncodeToString(b)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
