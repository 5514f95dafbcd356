// Package config loads and validates the indexer's process configuration
// from environment variables.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/ff/v3"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

func newInstanceID() string {
	return uuid.NewString()
}

// EnvPrefix is prepended to every flag name to form its environment
// variable, e.g. -rpc-url becomes INDEXER_RPC_URL.
const EnvPrefix = "INDEXER"

// Config is the fully validated process configuration. Construct it with
// Load; never populate it by hand outside tests.
type Config struct {
	RPCURLs        []string
	DatabaseURL    string
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	ConfirmDepth   uint64
	RPCTimeout     time.Duration
	MaxRetries     int
	RateTokens     int
	RateIntervalMs int
	RateBurst      int
	TokenContract  string
	StartBlock     uint64
	InstanceID     string
	HealthPort     int
	APIPort        int
	LogLevel       string
	DryRun         bool
}

const (
	maxBatchSize   = 100
	hardBatchCap   = 1000
	maxPollMs      = 60_000
	defaultRetries = 3
)

// Load parses os.Args-style arguments and the process environment into a
// Config, applying defaults and then validating every field. A malformed or
// missing required value returns a descriptive error; callers should treat
// any error here as fatal at startup.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("indexer", flag.ContinueOnError)

	rpcURL := fs.String("rpc-url", "", "comma-separated list of chain RPC endpoints")
	databaseURL := fs.String("database-url", "", "postgres connection string")
	pollIntervalMs := fs.Int("poll-interval-ms", 2000, "tail-loop sleep in milliseconds")
	batchSize := fs.Int("batch-size", 100, "fetch/commit batch width (1-100)")
	concurrency := fs.Int("concurrency", 10, "fetch parallelism")
	confirmationDepth := fs.Uint64("confirmation-depth", 12, "blocks subtracted from chain head before syncing")
	rpcTimeoutMs := fs.Int("rpc-timeout-ms", 30_000, "per-call RPC timeout in milliseconds")
	maxRetries := fs.Int("max-retries", defaultRetries, "maximum retry attempts for transient failures")
	rateTokens := fs.Int("rate-limit-tokens", 20, "token bucket refill size per interval")
	rateIntervalMs := fs.Int("rate-limit-interval-ms", 1000, "token bucket refill interval in milliseconds")
	rateBurst := fs.Int("rate-limit-burst", 20, "token bucket maximum burst")
	tokenContract := fs.String("token-contract-address", "", "ERC-20 contract address to index Transfer logs for")
	startBlock := fs.Uint64("start-block", 0, "initial sync floor")
	instanceID := fs.String("instance-id", "", "advisory-lock identity; random UUID if unset")
	healthPort := fs.Int("health-check-port", 9100, "health/metrics HTTP port")
	apiPort := fs.Int("api-port", 8080, "read API HTTP port")
	logLevel := fs.String("log-level", "info", "trace|debug|info|warn|error|fatal")
	dryRun := fs.Bool("dry-run", false, "fetch and validate but never commit")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return nil, errorf("parsing configuration: %w", err)
	}

	cfg := &Config{
		RPCURLs:        splitAndTrim(*rpcURL),
		DatabaseURL:    *databaseURL,
		PollInterval:   time.Duration(*pollIntervalMs) * time.Millisecond,
		BatchSize:      *batchSize,
		Concurrency:    *concurrency,
		ConfirmDepth:   *confirmationDepth,
		RPCTimeout:     time.Duration(*rpcTimeoutMs) * time.Millisecond,
		MaxRetries:     *maxRetries,
		RateTokens:     *rateTokens,
		RateIntervalMs: *rateIntervalMs,
		RateBurst:      *rateBurst,
		TokenContract:  strings.ToLower(strings.TrimSpace(*tokenContract)),
		StartBlock:     *startBlock,
		InstanceID:     *instanceID,
		HealthPort:     *healthPort,
		APIPort:        *apiPort,
		LogLevel:       strings.ToLower(*logLevel),
		DryRun:         *dryRun,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.RPCURLs) == 0 {
		return errorf("RPC_URL is required")
	}
	for _, u := range c.RPCURLs {
		if _, err := url.Parse(u); err != nil {
			return errorf("RPC_URL %q is not a valid URL: %w", u, err)
		}
	}
	if c.DatabaseURL == "" {
		return errorf("DATABASE_URL is required")
	}
	if c.BatchSize <= 0 || c.BatchSize > maxBatchSize {
		return errorf("BATCH_SIZE must be in [1, %d], got %d", maxBatchSize, c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return errorf("CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.PollInterval <= 0 || c.PollInterval > time.Duration(maxPollMs)*time.Millisecond {
		return errorf("POLL_INTERVAL_MS must be in (0, %d], got %s", maxPollMs, c.PollInterval)
	}
	if c.RPCTimeout <= 0 {
		return errorf("RPC_TIMEOUT_MS must be positive")
	}
	if c.MaxRetries < 0 {
		return errorf("MAX_RETRIES must be non-negative")
	}
	if c.RateTokens <= 0 || c.RateIntervalMs <= 0 {
		return errorf("RATE_LIMIT_TOKENS and RATE_LIMIT_INTERVAL_MS must be positive")
	}
	if c.RateBurst < c.RateTokens {
		return errorf("RATE_LIMIT_BURST must be >= RATE_LIMIT_TOKENS")
	}
	if c.TokenContract != "" && !addressPattern.MatchString(c.TokenContract) {
		return errorf("TOKEN_CONTRACT_ADDRESS %q is not a well-formed address", c.TokenContract)
	}
	if c.HealthPort <= 0 || c.HealthPort > 65535 {
		return errorf("HEALTH_CHECK_PORT out of range")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return errorf("API_PORT out of range")
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return errorf("LOG_LEVEL %q not recognised", c.LogLevel)
	}
	if c.InstanceID == "" {
		c.InstanceID = newInstanceID()
	}
	return nil
}

// MaxBatchHardCap is the absolute ceiling batch construction must enforce
// regardless of configuration (spec §4.7.3: hard cap 1000).
const MaxBatchHardCap = hardBatchCap

// Redact returns a copy of the database/RPC connection strings with any
// embedded credentials masked, safe to place in logs.
func Redact(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	u.User = url.UserPassword(u.User.Username(), "REDACTED")
	return u.String()
}

func splitAndTrim(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func errorf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
