package relay

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds everything the Supervisor needs to boot one relay instance.
// Populated from environment variables via UnmarshalEnv, in the style of
// pkg/atlas.Config: one exported field per setting with an `env:"..."` tag
// naming its variable and default.
type Config struct {
	// Host and Port identify this relay's own address, as advertised in
	// client_list entries and server_hello frames.
	Host string `env:"OLAF_HOST=localhost"`
	Port int    `env:"OLAF_PORT=8080"`

	// ListenAddr is what the websocket listener actually binds. Usually
	// ":<Port>"; split out so a relay can bind on all interfaces while
	// advertising a specific routable Host.
	ListenAddr string `env:"OLAF_LISTEN_ADDR?="`

	// Neighbours is the static neighbourhood: a comma-separated list of
	// "host:port" addresses this relay dials at startup and accepts
	// server_hello from.
	Neighbours []string `env:"OLAF_NEIGHBOURS?="`

	// KeysDir holds this relay's own identity keypair and every
	// neighbour's expected public key, both named "{host}_{port}_{public,
	// private}_key.pem".
	KeysDir string `env:"OLAF_KEYS_DIR=./keys"`

	// UploadsDir is where the file sidecar stores uploaded attachments.
	UploadsDir string `env:"OLAF_UPLOADS_DIR=./uploads"`

	// MetricsAddr, if non-empty, serves /metrics in Prometheus exposition
	// format on its own listener.
	MetricsAddr string `env:"OLAF_METRICS_ADDR?="`

	// TrustProxyHeaders makes the file sidecar log X-Forwarded-For instead
	// of the TCP peer address, for deployments behind a reverse proxy.
	TrustProxyHeaders bool `env:"OLAF_TRUST_PROXY_HEADERS=false"`

	// AuditDB is the sqlite file the audit journal appends to. Empty
	// disables the journal.
	AuditDB string `env:"OLAF_AUDIT_DB?="`

	LogLevel      zerolog.Level `env:"OLAF_LOG_LEVEL=info"`
	ShutdownGrace time.Duration `env:"OLAF_SHUTDOWN_GRACE=5s"`
}

// Address returns "host:port" for this relay, the form used throughout
// client_list and server_hello frames.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UnmarshalEnv unmarshals environment variable assignments (as produced by
// os.Environ or hashicorp/go-envparse) into c, applying each field's default
// when the variable is absent. Grounded on pkg/atlas.Config.UnmarshalEnv;
// trimmed to the subset of field kinds this config actually uses plus
// []string for Neighbours.
func (c *Config) UnmarshalEnv(es []string) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "OLAF_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}
