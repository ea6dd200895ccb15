package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// Config holds every runtime setting of the relay server.
type Config struct {
	Host     string `env:"HOST" envDefault:"localhost" validate:"required"`
	Port     int    `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`
	Debug    bool   `env:"DEBUG"`

	// TransportURL defaults to this server's own mock proxy endpoint.
	TransportURL     string        `env:"TRANSPORT_URL" validate:"omitempty,url"`
	TransportTimeout time.Duration `env:"TRANSPORT_TIMEOUT" envDefault:"5s" validate:"gt=0"`
	TransportRetries int           `env:"TRANSPORT_RETRIES" envDefault:"2" validate:"min=0,max=10"`
	CorrelationTTL   time.Duration `env:"CORRELATION_TTL" envDefault:"5m" validate:"gt=0"`
	SendBuffer       int           `env:"SEND_BUFFER" envDefault:"256" validate:"min=1"`

	MockEnabled     bool          `env:"MOCK_ENABLED" envDefault:"true"`
	MockSeed        uint64        `env:"MOCK_SEED"`
	MockFailureRate float64       `env:"MOCK_FAILURE_RATE" envDefault:"0.3333" validate:"min=0,max=1"`
	MockCallbackURL string        `env:"MOCK_CALLBACK_URL" validate:"omitempty,url"`
	MockDelay       time.Duration `env:"MOCK_DELAY" envDefault:"1s" validate:"min=0"`

	NgrokEnabled bool   `env:"NGROK_ENABLED"`
	NgrokAuth    string `env:"NGROK_AUTHTOKEN"`
	NgrokDomain  string `env:"NGROK_DOMAIN"`

	// Mode is the first positional argument: server (default) or stdio-mcp.
	Mode    string
	Version bool
}

// Load reads .env (if present), the environment and finally command-line
// flags, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return Parse(args, nil)
}

// Parse builds a Config from environ (os.Environ when nil) and args.
func Parse(args []string, environ map[string]string) (*Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	// Some hosts export the ngrok token with an underscore.
	if cfg.NgrokAuth == "" {
		cfg.NgrokAuth = lookup(environ, "NGROK_AUTH_TOKEN")
	}

	flags := newFlagSet(&cfg)
	flags.SetOutput(io.Discard)
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	cfg.Mode = "server"
	if flags.NArg() > 0 {
		cfg.Mode = flags.Arg(0)
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// PrintDefaults writes the flag reference to w.
func PrintDefaults(w io.Writer) {
	var cfg Config
	_ = env.Parse(&cfg)
	flags := newFlagSet(&cfg)
	flags.SetOutput(w)
	flags.PrintDefaults()
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	flags := flag.NewFlagSet("relay", flag.ContinueOnError)
	flags.StringVar(&cfg.Host, "host", cfg.Host, "HTTP server host")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Enable debug logging")
	flags.BoolVar(&cfg.Version, "version", false, "Show version information")
	flags.StringVar(&cfg.TransportURL, "transport-url", cfg.TransportURL, "Transport service URL (defaults to the built-in mock)")
	flags.BoolVar(&cfg.MockEnabled, "mock", cfg.MockEnabled, "Serve the mock transport proxy endpoint")
	flags.Uint64Var(&cfg.MockSeed, "mock-seed", cfg.MockSeed, "Seed for the mock transport outcome draw")
	flags.Float64Var(&cfg.MockFailureRate, "mock-failure-rate", cfg.MockFailureRate, "Probability that the mock reports corruption")
	flags.BoolVar(&cfg.NgrokEnabled, "ngrok", cfg.NgrokEnabled, "Enable ngrok tunnel")
	flags.StringVar(&cfg.NgrokAuth, "ngrok-auth", cfg.NgrokAuth, "Ngrok auth token")
	flags.StringVar(&cfg.NgrokDomain, "ngrok-domain", cfg.NgrokDomain, "Custom ngrok domain (optional)")
	return flags
}

func lookup(environ map[string]string, key string) string {
	if environ != nil {
		return environ[key]
	}
	return os.Getenv(key)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BaseURL is the HTTP URL clients of this process use to reach it.
func (c *Config) BaseURL() string {
	return "http://" + c.Addr()
}

// ResolvedTransportURL is where the relay forwards messages.
func (c *Config) ResolvedTransportURL() string {
	if c.TransportURL != "" {
		return c.TransportURL
	}
	return c.BaseURL() + "/api/v1/message/proxy"
}

// ResolvedCallbackURL is where the mock reports outcomes.
func (c *Config) ResolvedCallbackURL() string {
	if c.MockCallbackURL != "" {
		return c.MockCallbackURL
	}
	return c.BaseURL() + "/api/v1/message"
}

// NewLogger builds the process logger at level.
func NewLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
