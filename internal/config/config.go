// Package config reads the server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds every setting of the server. Zero timeouts keep the default
// of the component they tune.
type Config struct {
	ServerPort            int    `mapstructure:"server_port"`
	ServerUsername        string `mapstructure:"server_username"`
	ServerPassword        string `mapstructure:"server_password"`
	ServerUserEmail       string `mapstructure:"server_user_email"`
	MinimumPasswordLength int    `mapstructure:"minimum_password_length"`
	// PlainWorkerLogs disables the job attributes on worker log lines.
	PlainWorkerLogs       bool   `mapstructure:"plain_worker_logs"`
	Debug                 bool   `mapstructure:"debug"`
	DebugPort             int    `mapstructure:"debug_port"`
	Production            bool   `mapstructure:"production"`
	LogLevel              string `mapstructure:"log_level"`

	DBMS      string `mapstructure:"dbms"`
	DSN       string `mapstructure:"dbms_dsn"`
	SecretKey string `mapstructure:"secret_key"`

	Queue         string `mapstructure:"queue"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	SSHTimeout        time.Duration `mapstructure:"ssh_timeout"`

	// Inventory is the path of the declarative inventory file.
	Inventory string `mapstructure:"inventory"`
}

// Queue kinds.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

type binding struct {
	key   string
	env   string
	value any
}

var bindings = []binding{
	{"server_port", "QUIPUCORDS_SERVER_PORT", 8000},
	{"server_username", "QPC_SERVER_USERNAME", "admin"},
	{"server_password", "QPC_SERVER_PASSWORD", ""},
	{"server_user_email", "QPC_SERVER_USER_EMAIL", ""},
	{"minimum_password_length", "QPC_MINIMUM_PASSWORD_LENGTH", 10},
	{"plain_worker_logs", "QPC_DISABLE_CELERY_LOGGING_HIJACK", false},
	{"debug", "QUIPUCORDS_DEBUGPY", false},
	{"debug_port", "QUIPUCORDS_DEBUGPY_PORT", 5678},
	{"production", "QUIPUCORDS_PRODUCTION", false},
	{"log_level", "QPC_LOG_LEVEL", "info"},
	{"dbms", "QPC_DBMS", "sqlite"},
	{"dbms_dsn", "QPC_DBMS_DSN", ""},
	{"secret_key", "QPC_SECRET_KEY", ""},
	{"queue", "QPC_QUEUE", QueueMemory},
	{"redis_addr", "QPC_REDIS_ADDR", "localhost:6379"},
	{"redis_password", "QPC_REDIS_PASSWORD", ""},
	{"redis_db", "QPC_REDIS_DB", 0},
	{"max_concurrent_jobs", "QPC_MAX_CONCURRENT_JOBS", 0},
	{"task_timeout", "QPC_TASK_TIMEOUT", time.Duration(0)},
	{"job_timeout", "QPC_JOB_TIMEOUT", time.Duration(0)},
	{"http_timeout", "QPC_HTTP_TIMEOUT", time.Duration(0)},
	{"ssh_timeout", "QPC_SSH_TIMEOUT", time.Duration(0)},
	{"inventory", "QPC_INVENTORY", ""},
}

// New returns a viper instance with the defaults and environment bindings
// of every setting.
func New() *viper.Viper {
	v := viper.New()
	for _, b := range bindings {
		v.SetDefault(b.key, b.value)
		_ = v.BindEnv(b.key, b.env)
	}
	return v
}

// BindFlags lets the flags of fs override the environment. A flag binds to
// the setting of the same name with dashes replaced by underscores.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if !slices.ContainsFunc(bindings, func(b binding) bool { return b.key == key }) {
			return
		}
		if e := v.BindPFlag(key, f); e != nil && err == nil {
			err = e
		}
	})
	return err
}

// Load decodes the settings of v and validates them.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding settings: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings which cannot be defaulted.
func (c Config) Validate() error {
	switch c.DBMS {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("QPC_DBMS: unsupported dbms %q", c.DBMS)
	}
	switch c.Queue {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("QPC_QUEUE: unsupported queue %q", c.Queue)
	}
	if c.ServerUsername == "" {
		return errors.New("QPC_SERVER_USERNAME: must not be empty")
	}
	if c.ServerPassword != "" {
		if err := CheckPassword(c.ServerPassword, c.ServerUsername, c.MinimumPasswordLength); err != nil {
			return fmt.Errorf("QPC_SERVER_PASSWORD: %w", err)
		}
	}
	return nil
}

// CheckPassword rejects passwords an operator would be told to change: too
// short, all digits or equal to the user name.
func CheckPassword(password, username string, minLength int) error {
	switch {
	case len(password) < minLength:
		return fmt.Errorf("must be at least %d characters", minLength)
	case strings.Trim(password, "0123456789") == "":
		return errors.New("must not be entirely numeric")
	case strings.EqualFold(password, username):
		return errors.New("must differ from the user name")
	}
	return nil
}

var secretMarkers = []string{"PASSWORD", "SECRET", "KEY", "TOKEN", "DSN"}

// Environ returns the server variables of environ, the KEY=VALUE list of
// os.Environ, with the values of secrets replaced by asterisks.
func Environ(environ []string) map[string]string {
	ret := map[string]string{}
	for _, kv := range environ {
		k, v, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(k, "QPC_") && !strings.HasPrefix(k, "QUIPUCORDS_") {
			continue
		}
		if slices.ContainsFunc(secretMarkers, func(m string) bool { return strings.Contains(k, m) }) {
			v = "********"
		}
		ret[k] = v
	}
	return ret
}

// ProcessEnviron is Environ of the current process.
func ProcessEnviron() map[string]string {
	return Environ(os.Environ())
}
