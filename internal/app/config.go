package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/sessioncart"
)

// Config holds the complete application configuration, loadable from
// environment variables (STOREFRONT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (STOREFRONT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for manager API key hashing" flag:"api-key-pepper"`
	Redis        RedisConfig
	Session      SessionConfig
	Payment      PaymentConfig
	Carrier      CarrierConfig
	Export       ExportConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// RedisConfig locates the session cart store.
type RedisConfig struct {
	URL        string        `usage:"Redis URL (STOREFRONT_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	SummaryTTL time.Duration `default:"5m" usage:"Lifetime of cached cart summaries" flag:"summary-ttl"`
}

// SessionConfig controls anonymous carts and the identity headers set by the
// auth front-end.
type SessionConfig struct {
	Cart         sessioncart.Config
	Cookie       string `default:"sid" usage:"Session cookie name"`
	CookieSecure bool   `default:"true" usage:"Mark the session cookie Secure" flag:"cookie-secure"`
	UserHeader   string `default:"X-User-ID" usage:"Header carrying the authenticated user id" flag:"user-header"`
}

// PaymentConfig configures the card gateway.
type PaymentConfig struct {
	URL           string `default:"https://www.portmone.com.ua/gateway/" usage:"Gateway checkout URL"`
	PayeeID       string `usage:"Gateway payee id" flag:"payee-id"`
	Secret        string `usage:"Callback signing secret"`
	AllowUnsigned bool   `default:"false" usage:"Accept unsigned callbacks when no secret is set" flag:"allow-unsigned-callbacks"`
	Scheme        string `default:"sha256" usage:"Signature scheme: sha256 or hmac-sha256" flag:"payment-signature-scheme"`
	SuccessURL    string `usage:"Shopper return URL after payment, {order} is replaced" flag:"payment-success-url"`
	FailureURL    string `usage:"Shopper return URL after a failed payment, {order} is replaced" flag:"payment-failure-url"`
	Currency      string `default:"UAH" usage:"Payment currency"`
}

// CarrierConfig configures the Nova Poshta client and the sender used on
// waybills.
type CarrierConfig struct {
	URL              string        `default:"https://api.novaposhta.ua/v2.0/json/" usage:"Carrier API endpoint"`
	APIKey           string        `usage:"Carrier API key" flag:"carrier-api-key"`
	Timeout          time.Duration `default:"10s" usage:"Carrier call timeout"`
	FailureThreshold uint32        `default:"5" usage:"Consecutive failures that open the circuit"`
	OpenTimeout      time.Duration `default:"30s" usage:"How long the circuit stays open"`
	Description      string        `default:"Товари інтернет-магазину" usage:"Waybill cargo description"`
	TrackingInterval time.Duration `default:"30m" usage:"Tracking sync interval, 0 disables" flag:"tracking-interval"`
	TrackBatch       int           `default:"100" usage:"Parcels polled per tracking sync"`
	Sender           SenderConfig
}

// SenderConfig holds the shop's counterparty refs at the carrier.
type SenderConfig struct {
	CityRef    string
	Ref        string
	AddressRef string
	ContactRef string
	Phone      string
}

// ExportConfig controls the back-office order feed.
type ExportConfig struct {
	Dir      string        `default:"var/export" usage:"Directory for exported order files"`
	Interval time.Duration `default:"15m" usage:"Export interval, 0 disables the background run" flag:"export-interval"`
	Archive  bool          `default:"true" usage:"Keep a gzip copy of every export file"`
	Topic    string        `usage:"Kafka topic for exported orders, empty disables" flag:"export-topic"`
	Timezone string        `default:"Europe/Kyiv" usage:"Zone of exported order dates"`
}

// KafkaConfig locates the event brokers.
type KafkaConfig struct {
	Brokers      []string `usage:"Kafka brokers, empty disables publishing"`
	PaymentTopic string   `default:"storefront.payments" usage:"Topic for payment events" flag:"payment-topic"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"true" usage:"Allow credentials (session cookie)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set STOREFRONT_DATABASE_URL or DATABASE_URL")
	}
	return &cfg, nil
}

// validateServer checks the settings only the API server needs.
func (c *Config) validateServer() error {
	if c.Redis.URL == "" {
		return errors.New("redis URL is required: set STOREFRONT_REDIS_URL or REDIS_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("api key pepper is required: set STOREFRONT_API_KEY_PEPPER")
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT onto the prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if c.Redis.URL == "" {
		c.Redis.URL = os.Getenv("REDIS_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
