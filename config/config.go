// Package config implements environment-variable-driven configuration for
// the relay, following the same variable/value abstraction the teacher
// repo uses: every field is registered once with its default, its
// environment variable name, and a description, so defaults, overrides
// and validation messages all flow through one place.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

type variable struct {
	value       value
	defVal      string
	name        string
	envName     string
	description string
	required    bool
	disguise    bool
	merged      bool
}

// Variable is the read-only view of a variable exposed through Messages.
type Variable struct {
	Value       string
	Name        string
	EnvName     string
	Description string
	Merged      bool
}

type message struct {
	message  string
	variable Variable
	level    string
}

// Data holds the actual configuration values.
type Data struct {
	ID string

	Log struct {
		Level  string
		Format string
	}

	Listen struct {
		Address      string
		MaxBandwidth int64 // bytes/sec per connection, 0 means unlimited
	}

	HTTP struct {
		Address   string
		JWTSecret string
	}

	Session struct {
		Store  string
		TTL    time.Duration
		DBPath string
	}

	Metrics struct {
		Enable bool
	}
}

// Config wraps Data with the bookkeeping needed to merge and validate it.
type Config struct {
	vars []*variable
	logs []message

	Data
}

// New returns a Config initialized with its default values.
func New() *Config {
	cfg := &Config{}
	cfg.init()
	return cfg
}

func (d *Config) init() {
	d.val(newStringValue(&d.ID, uuid.New().String()), "id", "SRTRELAY_ID", "identifier for this instance, used in logs", false, false)

	d.val(newEnumValue(&d.Log.Level, "info", []string{"debug", "info", "warn", "error", "silent"}), "log.level", "SRTRELAY_LOG_LEVEL", "loglevel: silent, error, warn, info, debug", false, false)
	d.val(newEnumValue(&d.Log.Format, "console", []string{"console", "json"}), "log.format", "SRTRELAY_LOG_FORMAT", "log output format: console, json", false, false)

	d.val(newAddressValue(&d.Listen.Address, "0.0.0.0:9999"), "listen.address", "SRTRELAY_LISTEN_ADDRESS", "UDP address the SRT relay listens on", true, false)
	d.val(newInt64Value(&d.Listen.MaxBandwidth, 0), "listen.max_bandwidth_bytes", "SRTRELAY_LISTEN_MAX_BANDWIDTH_BYTES", "enforced per-connection send ceiling in bytes/sec, 0 for unlimited", false, false)

	d.val(newAddressValue(&d.HTTP.Address, ":8080"), "http.address", "SRTRELAY_HTTP_ADDRESS", "HTTP address for session issuance and metrics", true, false)
	d.val(newStringValue(&d.HTTP.JWTSecret, ""), "http.jwt_secret", "SRTRELAY_HTTP_JWT_SECRET", "HMAC secret for bearer tokens accepted by the HTTP API", true, true)

	d.val(newEnumValue(&d.Session.Store, "memory", []string{"memory", "bolt"}), "session.store", "SRTRELAY_SESSION_STORE", "session token backing store: memory, bolt", false, false)
	d.val(newDurationSecondsValue(&d.Session.TTL, 5*time.Minute), "session.ttl_seconds", "SRTRELAY_SESSION_TTL_SECONDS", "how long an issued session token remains valid if never redeemed", false, false)
	d.val(newStringValue(&d.Session.DBPath, "./srtrelay.db"), "session.db_path", "SRTRELAY_SESSION_DB_PATH", "path to the bbolt database file when session.store is bolt", false, false)

	d.val(newBoolValue(&d.Metrics.Enable, true), "metrics.enable", "SRTRELAY_METRICS_ENABLE", "include the relay's connection and stream metrics in GET /v1/metrics", false, false)
}

func (d *Config) val(val value, name, envName, description string, required, disguise bool) {
	d.vars = append(d.vars, &variable{
		value:       val,
		defVal:      val.String(),
		name:        name,
		envName:     envName,
		description: description,
		required:    required,
		disguise:    disguise,
	})
}

func (d *Config) log(level string, v *variable, format string, args ...interface{}) {
	variable := Variable{
		Value:       v.value.String(),
		Name:        v.name,
		EnvName:     v.envName,
		Description: v.description,
		Merged:      v.merged,
	}

	if v.disguise {
		variable.Value = "***"
	}

	d.logs = append(d.logs, message{
		message:  fmt.Sprintf(format, args...),
		variable: variable,
		level:    level,
	})
}

// Merge overlays every variable's environment value, if set, onto the
// current configuration.
func (d *Config) Merge() {
	for _, v := range d.vars {
		if len(v.envName) == 0 {
			continue
		}

		envval, ok := os.LookupEnv(v.envName)
		if !ok {
			continue
		}

		if err := v.value.Set(envval); err != nil {
			d.log("error", v, "%s", err.Error())
			continue
		}

		v.merged = true
	}
}

// Validate checks every variable and a handful of cross-field invariants.
// Use resetLogs to clear prior validation messages first.
func (d *Config) Validate(resetLogs bool) {
	if resetLogs {
		d.logs = nil
	}

	for _, v := range d.vars {
		d.log("info", v, "%s", "")

		if err := v.value.Validate(); err != nil {
			d.log("error", v, "%s", err.Error())
		}

		if v.required && v.value.IsEmpty() {
			d.log("error", v, "a value is required")
		}
	}

	if d.Session.Store == "bolt" && len(d.Session.DBPath) == 0 {
		d.log("error", d.findVariable("session.store"), "session.db_path must be set when session.store is bolt")
	}

	if d.Session.TTL <= 0 {
		d.log("error", d.findVariable("session.ttl_seconds"), "must be greater than 0")
	}
}

func (d *Config) findVariable(name string) *variable {
	for _, v := range d.vars {
		if v.name == name {
			return v
		}
	}
	return nil
}

// Messages calls logger for every validation/merge message recorded so
// far. level is one of "error", "warn", "info".
func (d *Config) Messages(logger func(level string, v Variable, message string)) {
	for _, l := range d.logs {
		logger(l.level, l.variable, l.message)
	}
}

// HasErrors reports whether any message recorded so far is an error.
func (d *Config) HasErrors() bool {
	for _, l := range d.logs {
		if l.level == "error" {
			return true
		}
	}
	return false
}
