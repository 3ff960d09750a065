package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dunamismax/thumbnailer/internal/domain"
	"github.com/dunamismax/thumbnailer/internal/pipeline"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "THUMB"

type Config struct {
	InputDir        string        `mapstructure:"input_dir"`
	OutputDir       string        `mapstructure:"output_dir"`
	TargetSize      int           `mapstructure:"target_size"`
	AllowUpscale    bool          `mapstructure:"allow_upscale"`
	Background      string        `mapstructure:"background"`
	Filter          string        `mapstructure:"filter"`
	JPEGQuality     int           `mapstructure:"jpeg_quality"`
	AutoOrient      bool          `mapstructure:"auto_orient"`
	Workers         int           `mapstructure:"workers"`
	Watch           bool          `mapstructure:"watch"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
	Enqueue         bool          `mapstructure:"enqueue"`
	FailOnError     bool          `mapstructure:"fail_on_error"`
	ReportPath      string        `mapstructure:"report_path"`
	MetricsTextfile string        `mapstructure:"metrics_textfile"`
	ShowRun         string        `mapstructure:"show_run"`
	LogLevel        string        `mapstructure:"log_level"`
	LogFormat       string        `mapstructure:"log_format"`

	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type QueueConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Name          string `mapstructure:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// WorkerConfig configures cmd/worker. A zero ThrottleCapacity disables the
// shared token bucket.
type WorkerConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	ThrottleCapacity int           `mapstructure:"throttle_capacity"`
	ThrottleWindow   time.Duration `mapstructure:"throttle_window"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Prefix    string `mapstructure:"prefix"`
}

// DatabaseConfig selects the run store. An empty DSN keeps runs in memory.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type WebhookConfig struct {
	URL            string        `mapstructure:"url"`
	SigningSecret  string        `mapstructure:"signing_secret"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type TracingConfig struct {
	ServiceName  string `mapstructure:"service_name"`
	Exporter     string `mapstructure:"exporter"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input_dir", "originals")
	v.SetDefault("output_dir", "output")
	v.SetDefault("target_size", domain.DefaultTargetSize)
	v.SetDefault("allow_upscale", true)
	v.SetDefault("background", "black")
	v.SetDefault("filter", domain.DefaultFilter)
	v.SetDefault("jpeg_quality", domain.DefaultJPEGQuality)
	v.SetDefault("auto_orient", true)
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("watch", false)
	v.SetDefault("watch_debounce", 500*time.Millisecond)
	v.SetDefault("enqueue", false)
	v.SetDefault("fail_on_error", false)
	v.SetDefault("report_path", "")
	v.SetDefault("metrics_textfile", "")
	v.SetDefault("show_run", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("queue.redis_addr", "localhost:6379")
	v.SetDefault("queue.redis_password", "")
	v.SetDefault("queue.redis_db", 0)
	v.SetDefault("queue.name", "thumbnails")

	v.SetDefault("worker.concurrency", max(2, runtime.NumCPU()))
	v.SetDefault("worker.metrics_addr", ":9091")
	v.SetDefault("worker.throttle_capacity", 0)
	v.SetDefault("worker.throttle_window", time.Second)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.access_key", "minioadmin")
	v.SetDefault("storage.secret_key", "minioadmin")
	v.SetDefault("storage.bucket", "thumbnails")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.prefix", "thumbnails")

	v.SetDefault("database.dsn", "")

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.signing_secret", "")
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.initial_backoff", time.Second)
	v.SetDefault("webhook.max_backoff", 10*time.Second)

	v.SetDefault("tracing.service_name", "thumbnailer")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.otlp_insecure", false)
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"input-dir":        "input_dir",
	"output-dir":       "output_dir",
	"size":             "target_size",
	"allow-upscale":    "allow_upscale",
	"background":       "background",
	"filter":           "filter",
	"jpeg-quality":     "jpeg_quality",
	"auto-orient":      "auto_orient",
	"workers":          "workers",
	"watch":            "watch",
	"watch-debounce":   "watch_debounce",
	"enqueue":          "enqueue",
	"fail-on-error":    "fail_on_error",
	"report":           "report_path",
	"metrics-textfile": "metrics_textfile",
	"show-run":         "show_run",
	"log-level":        "log_level",
	"log-format":       "log_format",
}

// NewFlagSet declares every flag Load understands. Flag defaults are only
// used for help output; unset flags never override lower layers.
func NewFlagSet(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.String("config", "", "path to a YAML config file")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringP("input-dir", "i", "originals", "directory holding the source images")
	flags.StringP("output-dir", "o", "output", "directory the thumbnails are written to")
	flags.IntP("size", "s", domain.DefaultTargetSize, "length in pixels of the longer thumbnail side")
	flags.Bool("allow-upscale", true, "enlarge images smaller than the target size")
	flags.String("background", "black", "color transparent pixels are flattened onto (name or #rrggbb)")
	flags.String("filter", domain.DefaultFilter, "resample filter: lanczos, catmullrom, mitchell, linear, box (imaging backend only), nearest")
	flags.Int("jpeg-quality", domain.DefaultJPEGQuality, "JPEG quality, 1-100")
	flags.Bool("auto-orient", true, "apply EXIF orientation before resizing")
	flags.IntP("workers", "w", runtime.NumCPU(), "files processed concurrently")
	flags.Bool("watch", false, "keep running and process new or changed files")
	flags.Duration("watch-debounce", 500*time.Millisecond, "quiet period before a changed file is processed")
	flags.Bool("enqueue", false, "enqueue one task per file instead of processing locally")
	flags.Bool("fail-on-error", false, "exit with status 2 when any file fails")
	flags.String("report", "", "write a run report (.yaml, .yml or .json)")
	flags.String("metrics-textfile", "", "write batch metrics in Prometheus textfile format")
	flags.String("show-run", "", "print the recorded report of a run id from the database and exit")
	flags.String("log-level", "info", "debug, info, warn or error")
	flags.String("log-format", "console", "console or json")
	return flags
}

// Load layers defaults, the config file, the dotenv file, THUMB_* environment
// variables and command-line flags, in increasing precedence. Up to two
// positional arguments override input and output directories.
func Load(flags *pflag.FlagSet, args []string) (Config, error) {
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	envFile, _ := flags.GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for flagName, key := range flagKeys {
		if f := flags.Lookup(flagName); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", flagName, err)
			}
		}
	}

	positional := flags.Args()
	if len(positional) > 2 {
		return Config{}, fmt.Errorf("expected at most 2 arguments (input and output dir), got %d", len(positional))
	}
	if len(positional) > 0 {
		v.Set("input_dir", positional[0])
	}
	if len(positional) > 1 {
		v.Set("output_dir", positional[1])
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// TargetSpec converts the flat resize settings into a validated TargetSpec.
func (c Config) TargetSpec() (domain.TargetSpec, error) {
	bg, err := pipeline.ParseBackground(c.Background)
	if err != nil {
		return domain.TargetSpec{}, err
	}

	spec := domain.TargetSpec{
		TargetSize:   c.TargetSize,
		AllowUpscale: c.AllowUpscale,
		Background:   bg,
		Filter:       c.Filter,
		JPEGQuality:  c.JPEGQuality,
		AutoOrient:   c.AutoOrient,
	}
	if err := spec.Validate(); err != nil {
		return domain.TargetSpec{}, err
	}
	return spec, nil
}

func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.InputDir) == "" {
		errs = append(errs, errors.New("input_dir is required"))
	}
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if sameDir(c.InputDir, c.OutputDir) {
		errs = append(errs, fmt.Errorf("output_dir must differ from input_dir (%s): originals would be overwritten", c.InputDir))
	}
	if _, err := c.TargetSpec(); err != nil {
		errs = append(errs, err)
	}
	if !pipeline.ValidFilter(c.Filter) {
		errs = append(errs, fmt.Errorf("unknown filter %q", c.Filter))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Watch && c.Enqueue {
		errs = append(errs, errors.New("watch and enqueue cannot be combined"))
	}
	if c.Watch && c.WatchDebounce < 0 {
		errs = append(errs, errors.New("watch_debounce must not be negative"))
	}
	if c.ShowRun != "" {
		if strings.TrimSpace(c.Database.DSN) == "" {
			errs = append(errs, errors.New("show_run requires database.dsn"))
		}
		if c.Watch || c.Enqueue {
			errs = append(errs, errors.New("show_run cannot be combined with watch or enqueue"))
		}
	}
	switch strings.ToLower(filepath.Ext(c.ReportPath)) {
	case "", ".yaml", ".yml", ".json":
	default:
		errs = append(errs, fmt.Errorf("report_path must end in .yaml, .yml or .json: %s", c.ReportPath))
	}
	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Bucket) == "" {
		errs = append(errs, errors.New("storage.bucket is required when storage is enabled"))
	}
	if c.Worker.ThrottleCapacity < 0 {
		errs = append(errs, errors.New("worker.throttle_capacity must not be negative"))
	}
	if c.Worker.ThrottleCapacity > 0 && c.Worker.ThrottleWindow <= 0 {
		errs = append(errs, errors.New("worker.throttle_window must be positive when throttling"))
	}

	return errors.Join(errs...)
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
