package wastecal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type FeedConfig struct {
	URL             string        `yaml:"url"`
	UserAgent       string        `yaml:"user_agent"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Weeks           int           `yaml:"weeks"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

type NotifyConfig struct {
	// Thresholds accept "19:00" or a bare hour (19).
	Evening    ClockTime     `yaml:"evening"`
	Morning    ClockTime     `yaml:"morning"`
	Interval   time.Duration `yaml:"interval"`
	ChunkSize  int           `yaml:"chunk_size"`
	ChunkPause time.Duration `yaml:"chunk_pause"`
}

type TelegramConfig struct {
	Token       string  `yaml:"token"`
	RateOverall float64 `yaml:"rate_overall"`
	RatePerChat float64 `yaml:"rate_per_chat"`
}

type RedisConfig struct {
	// Empty Addr disables the cross-instance refresh lock.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type FileConfig struct {
	DB            string         `yaml:"db"`
	Debug         bool           `yaml:"debug"`
	LogLevel      string         `yaml:"log_level"`
	Timezone      string         `yaml:"timezone"`
	HolidayRegion string         `yaml:"holiday_region"`
	MetricsAddr   string         `yaml:"metrics_addr"`
	Feed          FeedConfig     `yaml:"feed"`
	Notify        NotifyConfig   `yaml:"notify"`
	Telegram      TelegramConfig `yaml:"telegram"`
	Redis         RedisConfig    `yaml:"redis"`
}

func DefaultConfig() FileConfig {
	return FileConfig{
		DB:            "waste_schedule.db",
		LogLevel:      "info",
		Timezone:      "Europe/Berlin",
		HolidayRegion: "SN",
		Feed: FeedConfig{
			URL:             DefaultFeedURL,
			UserAgent:       "dumpdate/1.0",
			Timeout:         10 * time.Second,
			MaxRetries:      3,
			RetryDelay:      10 * time.Second,
			Weeks:           6,
			RefreshInterval: 24 * time.Hour,
		},
		Notify: NotifyConfig{
			Evening:    ClockTime{Hour: 19},
			Morning:    ClockTime{Hour: 6},
			Interval:   time.Hour,
			ChunkSize:  30,
			ChunkPause: time.Second,
		},
		Telegram: TelegramConfig{
			RateOverall: 30,
			RatePerChat: 1,
		},
	}
}

// LoadConfig reads path over the defaults. Keys missing from the file keep their default.
func LoadConfig(path string) (*FileConfig, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ClockTime) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: time of day must be a scalar like \"19:00\"", value.Line)
	}
	t, err := ParseClockTime(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*c = t
	return nil
}

// ParseClockTime accepts "H", "HH" and "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	hourPart, minutePart, hasMinutes := strings.Cut(s, ":")
	h, err := strconv.Atoi(hourPart)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
	}
	m := 0
	if hasMinutes {
		if m, err = strconv.Atoi(minutePart); err != nil {
			return ClockTime{}, fmt.Errorf("invalid time of day %q", s)
		}
	}
	t := ClockTime{Hour: h, Minute: m}
	if !t.valid() {
		return ClockTime{}, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

// Env looks keys up in a loaded .env map first and then in the process environment.
type Env map[string]string

// LoadEnv reads the first readable file. A missing file is not an error.
func LoadEnv(files ...string) (Env, error) {
	for _, f := range files {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); err != nil {
			continue
		}
		m, err := godotenv.Read(f)
		if err != nil {
			return nil, fmt.Errorf("read env file %s: %w", f, err)
		}
		return Env(m), nil
	}
	return Env{}, nil
}

func (e Env) Get(key string) string {
	if v, ok := e[key]; ok && v != "" {
		return v
	}
	return os.Getenv(key)
}

// ApplyEnv overrides cfg with the environment variables that are set.
func (c *FileConfig) ApplyEnv(env Env) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := env.Get(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := env.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := env.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	duration := func(key string, unit time.Duration, dst *time.Duration) {
		if v := env.Get(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = time.Duration(f * float64(unit))
		}
	}
	hour := func(key string, dst *ClockTime) {
		if v := env.Get(key); v != "" {
			t, err := ParseClockTime(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = t
		}
	}

	str("WASTE_SCHEDULE_DB_PATH", &c.DB)
	str("LOG_LEVEL", &c.LogLevel)
	str("TIMEZONE", &c.Timezone)
	str("HOLIDAY_REGION", &c.HolidayRegion)
	str("METRICS_ADDR", &c.MetricsAddr)
	str("ICAL_API_URL", &c.Feed.URL)
	duration("DOWNLOAD_TIMEOUT_SECONDS", time.Second, &c.Feed.Timeout)
	integer("DOWNLOAD_MAX_RETRIES", &c.Feed.MaxRetries)
	duration("DOWNLOAD_RETRY_DELAY_SECONDS", time.Second, &c.Feed.RetryDelay)
	integer("SCHEDULE_WEEKS_TO_FETCH", &c.Feed.Weeks)
	duration("SCHEDULE_UPDATE_INTERVAL_HOURS", time.Hour, &c.Feed.RefreshInterval)
	hour("NOTIFY_EVENING_HOUR", &c.Notify.Evening)
	hour("NOTIFY_MORNING_HOUR", &c.Notify.Morning)
	duration("NOTIFY_INTERVAL_MINUTES", time.Minute, &c.Notify.Interval)
	integer("DELIVERY_CHUNK_SIZE", &c.Notify.ChunkSize)
	duration("DELIVERY_CHUNK_PAUSE_MS", time.Millisecond, &c.Notify.ChunkPause)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.Token)
	float("TELEGRAM_RATE_LIMIT_OVERALL", &c.Telegram.RateOverall)
	float("TELEGRAM_RATE_LIMIT_PER_CHAT", &c.Telegram.RatePerChat)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	integer("REDIS_DB", &c.Redis.DB)

	return errors.Join(errs...)
}

// Validate checks the merged config and returns the resolved timezone.
func (c *FileConfig) Validate() (*time.Location, error) {
	var errs []error
	if strings.TrimSpace(c.DB) == "" {
		errs = append(errs, errors.New("db path is required"))
	}
	if c.Feed.MaxRetries <= 0 {
		errs = append(errs, errors.New("feed.max_retries must be positive"))
	}
	if c.Feed.RetryDelay < 0 {
		errs = append(errs, errors.New("feed.retry_delay must not be negative"))
	}
	if c.Feed.Weeks <= 0 {
		errs = append(errs, errors.New("feed.weeks must be positive"))
	}
	if c.Feed.RefreshInterval <= 0 {
		errs = append(errs, errors.New("feed.refresh_interval must be positive"))
	}
	if c.Notify.Interval <= 0 {
		errs = append(errs, errors.New("notify.interval must be positive"))
	}
	if c.Notify.ChunkSize <= 0 {
		errs = append(errs, errors.New("notify.chunk_size must be positive"))
	}
	if c.Notify.ChunkPause < 0 {
		errs = append(errs, errors.New("notify.chunk_pause must not be negative"))
	}
	// A zero threshold reads as unset and would fall back to the default.
	if c.Notify.Evening == (ClockTime{}) {
		errs = append(errs, errors.New("notify.evening must not be 00:00"))
	}
	if c.Notify.Morning == (ClockTime{}) {
		errs = append(errs, errors.New("notify.morning must not be 00:00"))
	}
	if !supportedHolidayRegions[strings.ToUpper(strings.TrimSpace(c.HolidayRegion))] {
		errs = append(errs, fmt.Errorf("unsupported holiday_region %q", c.HolidayRegion))
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return loc, nil
}
