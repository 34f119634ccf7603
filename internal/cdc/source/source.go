// Package source holds the subscription configuration consumed by the polling
// engine and the capabilities it needs from the source database.
package source

import (
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
	"github.com/janovincze/tsbridge/internal/cdc/transcode"
)

// Configuration keys of the flat subscription mapping.
const (
	KeyEndpoint        = "jdbcUrl"
	KeyUser            = "userName"
	KeyPassword        = "password"
	KeySQL             = "sql"
	KeyRestart         = "restart"
	KeyCharset         = "charset"
	KeyTimezone        = "timezone"
	KeyDatabase        = "database"
	KeyTable           = "tableName"
	KeySuperTable      = "sTableName"
	KeyMode            = "mode"
	KeyTimestampColumn = "timestampColumn"
	KeyPollTimeout     = "pollTimeout"
	KeyFetchSize       = "fetchSize"
)

// Defaults for optional keys.
const (
	DefaultCharset         = "UTF-8"
	DefaultTimezone        = "UTC-8"
	DefaultRestart         = true
	DefaultTimestampColumn = "ts"
	DefaultPollTimeout     = time.Second
	DefaultFetchSize       = 500
)

var knownKeys = map[string]bool{
	KeyEndpoint: true, KeyUser: true, KeyPassword: true, KeySQL: true,
	KeyRestart: true, KeyCharset: true, KeyTimezone: true, KeyDatabase: true,
	KeyTable: true, KeySuperTable: true, KeyMode: true, KeyTimestampColumn: true,
	KeyPollTimeout: true, KeyFetchSize: true,
}

// Keys returns every recognized configuration key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Config is the validated subscription configuration. Treat it as immutable
// once built by Parse.
type Config struct {
	// Endpoint is the connection URL of the source database.
	Endpoint string

	// User and Password are the source database credentials.
	User     string
	Password string

	// SQL is the filter query. It must be a plain select over raw rows,
	// ordered forward in time.
	SQL string

	// Restart replays all matching rows when true; otherwise only rows that
	// arrive after the subscription is opened are delivered.
	Restart bool

	// Charset is the session character encoding.
	Charset string

	// Timezone is the session time zone.
	Timezone string

	// Database, SuperTable and Table name the routing target.
	Database   string
	SuperTable string
	Table      string

	// Mode selects the output record variant.
	Mode transcode.Mode

	// TimestampColumn is the column the cursor advances on.
	TimestampColumn string

	// PollTimeout bounds a single poll.
	PollTimeout time.Duration

	// FetchSize is the maximum number of rows fetched per round trip.
	FetchSize int
}

// DefaultConfig returns a Config with every optional setting at its default.
func DefaultConfig() Config {
	return Config{
		Restart:         DefaultRestart,
		Charset:         DefaultCharset,
		Timezone:        DefaultTimezone,
		Mode:            transcode.ModeBytes,
		TimestampColumn: DefaultTimestampColumn,
		PollTimeout:     DefaultPollTimeout,
		FetchSize:       DefaultFetchSize,
	}
}

// Parse builds a Config from a flat key/value mapping and validates it.
func Parse(values map[string]string) (Config, error) {
	cfg := DefaultConfig()

	var unknown []string
	for k := range values {
		if !knownKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Config{}, fmt.Errorf("%w: unknown keys %s", cdc.ErrConfig, strings.Join(unknown, ", "))
	}

	cfg.Endpoint = strings.TrimSpace(values[KeyEndpoint])
	cfg.User = values[KeyUser]
	cfg.Password = values[KeyPassword]
	cfg.SQL = strings.TrimSpace(values[KeySQL])
	cfg.Database = values[KeyDatabase]
	cfg.SuperTable = values[KeySuperTable]
	cfg.Table = values[KeyTable]

	if v := values[KeyCharset]; v != "" {
		cfg.Charset = v
	}
	if v := values[KeyTimezone]; v != "" {
		cfg.Timezone = v
	}
	if v := values[KeyTimestampColumn]; v != "" {
		cfg.TimestampColumn = v
	}
	if v := values[KeyMode]; v != "" {
		cfg.Mode = transcode.Mode(strings.ToLower(v))
	}
	if v := values[KeyRestart]; v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s must be a boolean, got %q", cdc.ErrConfig, KeyRestart, v)
		}
		cfg.Restart = b
	}
	if v := values[KeyPollTimeout]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %v", cdc.ErrConfig, KeyPollTimeout, err)
		}
		cfg.PollTimeout = d
	}
	if v := values[KeyFetchSize]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s must be an integer, got %q", cdc.ErrConfig, KeyFetchSize, v)
		}
		cfg.FetchSize = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and optional ones are
// usable.
func (c Config) Validate() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, KeyEndpoint)
	}
	if c.User == "" {
		missing = append(missing, KeyUser)
	}
	if c.Password == "" {
		missing = append(missing, KeyPassword)
	}
	if c.SQL == "" {
		missing = append(missing, KeySQL)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: required params not set: %s", cdc.ErrConfig, strings.Join(missing, ", "))
	}

	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unsupported mode %q", cdc.ErrConfig, c.Mode)
	}
	if !isUTF8(c.Charset) {
		return fmt.Errorf("%w: unsupported charset %q", cdc.ErrConfig, c.Charset)
	}
	if c.TimestampColumn == "" {
		return fmt.Errorf("%w: %s must not be empty", cdc.ErrConfig, KeyTimestampColumn)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("%w: %s must be positive", cdc.ErrConfig, KeyPollTimeout)
	}
	if c.FetchSize <= 0 {
		return fmt.Errorf("%w: %s must be positive", cdc.ErrConfig, KeyFetchSize)
	}
	return nil
}

// Target returns the routing target of the subscription.
func (c Config) Target() transcode.Target {
	return transcode.Target{
		Database:   c.Database,
		SuperTable: c.SuperTable,
		Table:      c.Table,
	}
}

// RedactedEndpoint returns the endpoint with any embedded password masked.
func (c Config) RedactedEndpoint() string {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return "<unparsable endpoint>"
	}
	if q := u.Query(); q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

// LogValue implements slog.LogValuer and leaves every password out.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("endpoint", c.RedactedEndpoint()),
		slog.String("user", c.User),
		slog.Bool("restart", c.Restart),
		slog.String("target", c.Target().Path()),
		slog.String("mode", string(c.Mode)),
		slog.Duration("poll_timeout", c.PollTimeout),
	)
}

// isUTF8 accepts the spellings of UTF-8 the source database understands.
func isUTF8(charset string) bool {
	var b strings.Builder
	for _, r := range strings.ToLower(charset) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String() == "utf8"
}
