// Package config loads the daemon configuration from a YAML file, an optional
// .env file next to it and ACMEALPN_* environment variables, in increasing
// order of precedence.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cpu/acmealpn/acme"
	"github.com/cpu/acmealpn/acme/retry"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/net/idna"
)

// ENV_PREFIX is prepended to every environment variable name.
const ENV_PREFIX = "ACMEALPN_"

var (
	// ErrNoDomains is returned when the configuration names no domain to manage.
	ErrNoDomains = errors.New("no domains configured")

	// ErrInvalidDomain is returned for a domain that is not a DNS hostname.
	// Wildcards can not be validated with tls-alpn-01 and are rejected too.
	ErrInvalidDomain = errors.New("invalid domain")
)

var validate = validator.New()

// Config is the daemon configuration.
type Config struct {
	DirectoryURL      string        `yaml:"directory_url" env:"DIRECTORY_URL" validate:"required,url"`
	CACert            string        `yaml:"ca_cert" env:"CA_CERT"`
	Contact           []string      `yaml:"contact" env:"CONTACT" envSeparator:"," validate:"dive,email"`
	Domains           []string      `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Listen            string        `yaml:"listen" env:"LISTEN" validate:"required,hostname_port"`
	StorageDir        string        `yaml:"storage_dir" env:"STORAGE_DIR" validate:"required"`
	RenewFraction     float64       `yaml:"renew_fraction" env:"RENEW_FRACTION" validate:"gt=0,lt=1"`
	ClientRate        float64       `yaml:"client_rate" env:"CLIENT_RATE" validate:"gte=0"`
	Poll              retry.Policy  `yaml:"poll" envPrefix:"POLL_"`
	Retry             retry.Policy  `yaml:"retry" envPrefix:"RETRY_"`
	MaxRetries        int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"`
	ChallengeValidity time.Duration `yaml:"challenge_validity" env:"CHALLENGE_VALIDITY" validate:"gte=0"`
	LogLevel          string        `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=trace debug info warn error"`
	Console           bool          `yaml:"console" env:"CONSOLE"`
}

// Default returns the configuration used for every field the file and the
// environment leave unset.
func Default() *Config {
	return &Config{
		DirectoryURL:      acme.LETSENCRYPT_STAGING,
		Listen:            ":443",
		StorageDir:        "data",
		RenewFraction:     2.0 / 3.0,
		Poll:              retry.DefaultPollPolicy(),
		Retry:             retry.DefaultRetryPolicy(),
		MaxRetries:        5,
		ChallengeValidity: 10 * time.Minute,
		LogLevel:          "info",
	}
}

// Level returns the zerolog level named by LogLevel.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Validate normalizes the domain list and checks every field.
func (c *Config) Validate() error {
	domains, err := NormalizeDomains(c.Domains)
	if err != nil {
		return err
	}
	if len(domains) == 0 {
		return ErrNoDomains
	}
	c.Domains = domains
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}

// NormalizeDomains lower-cases and IDNA encodes names, dropping duplicates and
// empty entries while keeping the order of first appearance.
func NormalizeDomains(names []string) ([]string, error) {
	seen := make(map[string]bool, len(names))
	var out []string
	for _, name := range names {
		name = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(name)), ".")
		if name == "" {
			continue
		}
		if strings.Contains(name, "*") {
			return nil, errors.Wrapf(ErrInvalidDomain, "%q", name)
		}
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidDomain, "%q: %v", name, err)
		}
		if err := validate.Var(ascii, "hostname_rfc1123"); err != nil {
			return nil, errors.Wrapf(ErrInvalidDomain, "%q", name)
		}
		if seen[ascii] {
			continue
		}
		seen[ascii] = true
		out = append(out, ascii)
	}
	return out, nil
}

// Loader reads configuration files from FS. The zero value reads from the
// OS filesystem and the process environment.
type Loader struct {
	FS      afero.Fs
	Environ func() []string
	Logger  zerolog.Logger
}

// Load reads the configuration at path with the zero Loader.
func Load(path string) (*Config, error) {
	return Loader{}.Load(path)
}

// Load reads path, then the .env file in the same directory if there is one,
// then the environment, and validates the result.
func (l Loader) Load(path string) (*Config, error) {
	fs := l.FS
	if fs == nil {
		fs = afero.NewOsFs()
	}

	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %q", path)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config %q", path)
		}
	}

	environ, err := l.environment(fs, filepath.Join(filepath.Dir(path), ".env"))
	if err != nil {
		return nil, err
	}
	if err := env.ParseWithOptions(cfg, env.Options{
		Prefix:      ENV_PREFIX,
		Environment: environ,
	}); err != nil {
		return nil, errors.Wrap(err, "parsing environment")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// environment merges the .env file with the process environment. Variables
// already set in the process win, as with godotenv.Load.
func (l Loader) environment(fs afero.Fs, dotenv string) (map[string]string, error) {
	vars := make(map[string]string)
	data, err := afero.ReadFile(fs, dotenv)
	switch {
	case err == nil:
		parsed, err := godotenv.Unmarshal(string(data))
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %q", dotenv)
		}
		for k, v := range parsed {
			vars[k] = v
		}
		l.Logger.Debug().Str("path", dotenv).Int("vars", len(parsed)).Msg("loaded env file")
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "reading %q", dotenv)
	}

	environ := l.Environ
	if environ == nil {
		environ = os.Environ
	}
	for _, kv := range environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	return vars, nil
}

// DiffDomains returns the names present only in next and only in prev.
func DiffDomains(prev, next []string) (added, removed []string) {
	in := func(list []string, name string) bool {
		for _, n := range list {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, n := range next {
		if !in(prev, n) {
			added = append(added, n)
		}
	}
	for _, p := range prev {
		if !in(next, p) {
			removed = append(removed, p)
		}
	}
	return added, removed
}
