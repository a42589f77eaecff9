package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type TelegramConfig struct {
	Token                string `mapstructure:"token"`
	PaymentProviderToken string `mapstructure:"payment_provider_token"`
}

type DatabaseConfig struct {
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	HistoryTurns int           `mapstructure:"history_turns"`
	Speech       bool          `mapstructure:"speech"` // allow spoken replies
}

type QuotaConfig struct {
	InitialTokens int64 `mapstructure:"initial_tokens"`
}

type ProductConfig struct {
	ID          string        `mapstructure:"id"`
	Title       string        `mapstructure:"title"`
	Description string        `mapstructure:"description"`
	Price       int64         `mapstructure:"price"`
	Currency    string        `mapstructure:"currency"`
	Period      time.Duration `mapstructure:"period"`
}

type BillingConfig struct {
	// ValidationURL is the receipt verification endpoint. Empty means
	// receipts issued by the bot itself are parsed locally.
	ValidationURL      string          `mapstructure:"validation_url"`
	SharedSecret       string          `mapstructure:"shared_secret"`
	ProductIDs         []string        `mapstructure:"product_ids"`
	Products           []ProductConfig `mapstructure:"products"`
	RevalidateSchedule string          `mapstructure:"revalidate_schedule"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	// Remove leading slash from path to get database name
	dbName := strings.TrimPrefix(u.Path, "/")

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   dbName,
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.model", "gpt-4o-2024-05-13")
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.temperature", 0.7)
	v.SetDefault("openai.timeout", "60s")
	v.SetDefault("openai.history_turns", 0)
	v.SetDefault("openai.speech", true)
	v.SetDefault("quota.initial_tokens", 100000)
	v.SetDefault("billing.product_ids", []string{"monthly_unlimited", "yearly_unlimited"})
	v.SetDefault("billing.revalidate_schedule", "@every 6h")
	v.SetDefault("billing.products", []map[string]interface{}{
		{"id": "monthly_unlimited", "title": "Monthly Unlimited", "description": "Unlimited questions for one month", "price": 499, "currency": "USD", "period": "720h"},
		{"id": "yearly_unlimited", "title": "Yearly Unlimited", "description": "Unlimited questions for one year", "price": 3999, "currency": "USD", "period": "8760h"},
	})
	v.SetDefault("metrics.addr", ":9090")
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support
	v.AutomaticEnv()

	// Read the config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	// Get other environment variables
	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}

	if token := v.GetString("TELEGRAM_PAYMENT_TOKEN"); token != "" {
		config.Telegram.PaymentProviderToken = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}

	if secret := v.GetString("RECEIPT_SHARED_SECRET"); secret != "" {
		config.Billing.SharedSecret = secret
	}

	return &config, nil
}
