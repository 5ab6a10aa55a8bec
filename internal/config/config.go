package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/carmelita-app/backend/internal/models"
)

// VideoDelivery selects how generated video reaches the client.
const (
	// VideoDeliverySigned re-hosts the result and returns a short-lived presigned URL.
	VideoDeliverySigned = "signed"
	// VideoDeliveryDirect returns the provider URI with the API key appended to the
	// query string. Kept for compatibility; the URL is shareable and leaks the key.
	VideoDeliveryDirect = "direct"
)

// Config aggregates runtime configuration for the API server and supporting services.
type Config struct {
	ListenAddr string
	LogLevel   string

	MySQLDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	CreditPackages      []models.CreditPackage

	GeminiAPIKey    string
	GeminiBaseURL   string
	TextModel       string
	ImageModel      string
	VideoModel      string
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	PollMaxAttempts int

	IdentityLookupURL string
	IdentityAPIKey    string

	AdminUsername string
	AdminPassword string

	VideoDelivery string
	SignedURLTTL  time.Duration

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3Bucket       string
	S3UsePathStyle bool
	S3Prefix       string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"

	cfg := Config{
		ListenAddr:          getEnv("LISTEN_ADDR", ":8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		RedisAddr:           getEnv("REDIS_ADDR", ""),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getInt("REDIS_DB", 0),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "https://carmelita-app.web.app/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "https://carmelita-app.web.app/cancel"),
		GeminiBaseURL:       normalizeBaseURL(getEnv("GEMINI_BASE_URL", defaultGeminiBaseURL), defaultGeminiBaseURL),
		TextModel:           getEnv("GEMINI_TEXT_MODEL", "gemini-2.5-flash"),
		ImageModel:          getEnv("GEMINI_IMAGE_MODEL", "gemini-2.5-flash-image"),
		VideoModel:          getEnv("GEMINI_VIDEO_MODEL", "veo-3.0-generate-001"),
		RequestTimeout:      time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 60)),
		PollInterval:        time.Second * time.Duration(getInt("VIDEO_POLL_INTERVAL_SECONDS", 3)),
		PollMaxAttempts:     getInt("VIDEO_POLL_MAX_ATTEMPTS", 100),
		IdentityLookupURL:   getEnv("IDENTITY_LOOKUP_URL", "https://identitytoolkit.googleapis.com/v1/accounts:lookup"),
		AdminUsername:       getEnv("ADMIN_USERNAME", "admin"),
		AdminPassword:       getEnv("ADMIN_PASSWORD", "change-me"),
		VideoDelivery:       strings.ToLower(getEnv("VIDEO_DELIVERY", VideoDeliverySigned)),
		SignedURLTTL:        time.Minute * time.Duration(getInt("SIGNED_URL_TTL_MINUTES", 15)),
		S3Endpoint:          getEnv("S3_ENDPOINT", ""),
		S3Region:            os.Getenv("S3_REGION"),
		S3AccessKey:         os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("S3_SECRET_KEY"),
		S3Bucket:            os.Getenv("S3_BUCKET"),
		S3UsePathStyle:      getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:            getEnv("S3_PREFIX", "media"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")

	packages, err := ParseCreditPackages(os.Getenv("CREDIT_PACKAGES"))
	if err != nil {
		return Config{}, err
	}
	cfg.CreditPackages = packages

	if cfg.VideoDelivery != VideoDeliverySigned && cfg.VideoDelivery != VideoDeliveryDirect {
		return Config{}, fmt.Errorf("invalid VIDEO_DELIVERY %q (want %q or %q)", cfg.VideoDelivery, VideoDeliverySigned, VideoDeliveryDirect)
	}

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if cfg.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}
	if cfg.VideoDelivery == VideoDeliverySigned {
		if cfg.S3Region == "" {
			missing = append(missing, "S3_REGION")
		}
		if cfg.S3AccessKey == "" {
			missing = append(missing, "S3_ACCESS_KEY")
		}
		if cfg.S3SecretKey == "" {
			missing = append(missing, "S3_SECRET_KEY")
		}
		if cfg.S3Bucket == "" {
			missing = append(missing, "S3_BUCKET")
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// DefaultCreditPackages is the built-in payment-link → credits rule table.
// Identifiers not listed here resolve to zero credits and the webhook treats
// them as a no-op.
func DefaultCreditPackages() []models.CreditPackage {
	return []models.CreditPackage{
		{PaymentLinkID: "plink_cc_starter", Credits: 50},
		{PaymentLinkID: "plink_cc_emprendedora", Credits: 150},
		{PaymentLinkID: "plink_cc_negocio", Credits: 300},
		{PaymentLinkID: "plink_cc_imperio", Credits: 500},
	}
}

// ParseCreditPackages parses "id=credits,id=credits" pairs, keeping order.
// An empty value returns the default table.
func ParseCreditPackages(raw string) ([]models.CreditPackage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultCreditPackages(), nil
	}

	var packages []models.CreditPackage
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, value, found := strings.Cut(pair, "=")
		if !found {
			return nil, fmt.Errorf("invalid CREDIT_PACKAGES entry %q (want id=credits)", pair)
		}
		id = strings.TrimSpace(id)
		credits, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || credits <= 0 || id == "" {
			return nil, fmt.Errorf("invalid CREDIT_PACKAGES entry %q (want id=credits, credits > 0)", pair)
		}
		packages = append(packages, models.CreditPackage{PaymentLinkID: id, Credits: credits})
	}
	if len(packages) == 0 {
		return nil, errors.New("CREDIT_PACKAGES is set but contains no entries")
	}
	return packages, nil
}

func normalizeBaseURL(raw string, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		parsed.Host = parsed.Path
		parsed.Path = ""
	}
	return strings.TrimRight(parsed.String(), "/")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err == nil {
			return
		}
	}
}
