package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	EventStream string   `mapstructure:"EVENTS_STREAM"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit   string   `mapstructure:"HTTP_BODY_LIMIT"`

	AdminJWTSecret string `mapstructure:"ADMIN_JWT_SECRET"`
	AdminJWTIssuer string `mapstructure:"ADMIN_JWT_ISSUER"`

	MLLPAddr            string        `mapstructure:"MLLP_ADDR"`
	MLLPAutostart       bool          `mapstructure:"MLLP_AUTOSTART"`
	MLLPPollInterval    time.Duration `mapstructure:"MLLP_POLL_INTERVAL"`
	MLLPIdleTimeout     time.Duration `mapstructure:"MLLP_IDLE_TIMEOUT"`
	MLLPMaxMessageBytes int           `mapstructure:"MLLP_MAX_MESSAGE_BYTES"`

	HL7SendingApp      string `mapstructure:"HL7_SENDING_APP"`
	HL7SendingFacility string `mapstructure:"HL7_SENDING_FACILITY"`

	ImageWidth         int `mapstructure:"IMAGE_WIDTH"`
	ImageHeight        int `mapstructure:"IMAGE_HEIGHT"`
	ImageBytesPerPixel int `mapstructure:"IMAGE_BYTES_PER_PIXEL"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "EVENTS_STREAM", "CORS_ORIGINS", "HTTP_BODY_LIMIT",
	"ADMIN_JWT_SECRET", "ADMIN_JWT_ISSUER",
	"MLLP_ADDR", "MLLP_AUTOSTART", "MLLP_POLL_INTERVAL", "MLLP_IDLE_TIMEOUT", "MLLP_MAX_MESSAGE_BYTES",
	"HL7_SENDING_APP", "HL7_SENDING_FACILITY",
	"IMAGE_WIDTH", "IMAGE_HEIGHT", "IMAGE_BYTES_PER_PIXEL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("EVENTS_STREAM", "lis:hl7:outcomes")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HTTP_BODY_LIMIT", "1M")
	v.SetDefault("ADMIN_JWT_ISSUER", "lis")
	v.SetDefault("MLLP_ADDR", ":2575")
	v.SetDefault("MLLP_AUTOSTART", true)
	v.SetDefault("MLLP_POLL_INTERVAL", "1s")
	v.SetDefault("MLLP_IDLE_TIMEOUT", "0s")
	v.SetDefault("MLLP_MAX_MESSAGE_BYTES", 8<<20)
	v.SetDefault("HL7_SENDING_APP", "LAB")
	v.SetDefault("HL7_SENDING_FACILITY", "FAC")
	v.SetDefault("IMAGE_WIDTH", 255)
	v.SetDefault("IMAGE_HEIGHT", 255)
	v.SetDefault("IMAGE_BYTES_PER_PIXEL", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and ADMIN_JWT_SECRET for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.AdminJWTSecret != "" && len(c.AdminJWTSecret) < 16 {
		return fmt.Errorf("ADMIN_JWT_SECRET must be at least 16 characters")
	}

	if c.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
	}

	if _, err := bytes.Parse(c.BodyLimit); err != nil {
		return fmt.Errorf("HTTP_BODY_LIMIT %q is not a valid size", c.BodyLimit)
	}

	if c.MLLPAddr == "" {
		return fmt.Errorf("MLLP_ADDR is required")
	}
	if c.MLLPPollInterval <= 0 {
		return fmt.Errorf("MLLP_POLL_INTERVAL must be positive, got %s", c.MLLPPollInterval)
	}
	if c.MLLPIdleTimeout < 0 {
		return fmt.Errorf("MLLP_IDLE_TIMEOUT must not be negative, got %s", c.MLLPIdleTimeout)
	}
	if c.MLLPMaxMessageBytes < 1024 {
		return fmt.Errorf("MLLP_MAX_MESSAGE_BYTES must be at least 1024, got %d", c.MLLPMaxMessageBytes)
	}

	if c.ImageWidth <= 0 || c.ImageHeight <= 0 {
		return fmt.Errorf("IMAGE_WIDTH and IMAGE_HEIGHT must be positive, got %dx%d", c.ImageWidth, c.ImageHeight)
	}
	switch c.ImageBytesPerPixel {
	case 1, 3, 4:
	default:
		return fmt.Errorf("IMAGE_BYTES_PER_PIXEL must be 1, 3 or 4, got %d", c.ImageBytesPerPixel)
	}

	return nil
}
