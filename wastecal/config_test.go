package wastecal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfig_OverridesDefaults(t *testing.T) {
	p := writeFile(t, "config.yaml", `
db: /var/lib/dumpdate/schedule.db
timezone: Europe/Berlin
holiday_region: NW
feed:
  weeks: 8
  retry_delay: 2s
notify:
  evening: "18:30"
  morning: 7
  chunk_size: 10
telegram:
  rate_per_chat: 0.5
redis:
  addr: localhost:6379
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/dumpdate/schedule.db", cfg.DB)
	assert.Equal(t, "NW", cfg.HolidayRegion)
	assert.Equal(t, 8, cfg.Feed.Weeks)
	assert.Equal(t, 2*time.Second, cfg.Feed.RetryDelay)
	assert.Equal(t, ClockTime{Hour: 18, Minute: 30}, cfg.Notify.Evening)
	assert.Equal(t, ClockTime{Hour: 7}, cfg.Notify.Morning)
	assert.Equal(t, 10, cfg.Notify.ChunkSize)
	assert.Equal(t, 0.5, cfg.Telegram.RatePerChat)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	// untouched keys keep defaults
	assert.Equal(t, 3, cfg.Feed.MaxRetries)
	assert.Equal(t, DefaultFeedURL, cfg.Feed.URL)
	assert.Equal(t, 30.0, cfg.Telegram.RateOverall)

	loc, err := cfg.Validate()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadConfig_BadClockTime(t *testing.T) {
	p := writeFile(t, "config.yaml", "notify:\n  evening: \"25:00\"\n")
	_, err := LoadConfig(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")

	p = writeFile(t, "config.yaml", "notify:\n  evening: [19]\n")
	_, err = LoadConfig(p)
	require.Error(t, err)
}

func TestApplyEnv_FileThenProcess(t *testing.T) {
	envFile := writeFile(t, ".env", "TELEGRAM_BOT_TOKEN=from-file\nSCHEDULE_WEEKS_TO_FETCH=4\nNOTIFY_EVENING_HOUR=20\n")
	t.Setenv("DOWNLOAD_RETRY_DELAY_SECONDS", "1.5")
	t.Setenv("DELIVERY_CHUNK_PAUSE_MS", "250")
	t.Setenv("SCHEDULE_UPDATE_INTERVAL_HOURS", "12")

	env, err := LoadEnv("", filepath.Join(t.TempDir(), "missing.env"), envFile)
	require.NoError(t, err)

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv(env))
	assert.Equal(t, "from-file", cfg.Telegram.Token)
	assert.Equal(t, 4, cfg.Feed.Weeks)
	assert.Equal(t, ClockTime{Hour: 20}, cfg.Notify.Evening)
	assert.Equal(t, 1500*time.Millisecond, cfg.Feed.RetryDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Notify.ChunkPause)
	assert.Equal(t, 12*time.Hour, cfg.Feed.RefreshInterval)
}

func TestApplyEnv_ReportsBadValues(t *testing.T) {
	t.Setenv("DOWNLOAD_MAX_RETRIES", "drei")
	t.Setenv("NOTIFY_MORNING_HOUR", "6:75")

	cfg := DefaultConfig()
	err := cfg.ApplyEnv(Env{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOWNLOAD_MAX_RETRIES")
	assert.Contains(t, err.Error(), "NOTIFY_MORNING_HOUR")
	assert.Equal(t, 3, cfg.Feed.MaxRetries)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Feed.MaxRetries = 0
	cfg.Notify.ChunkSize = -1
	cfg.Timezone = "Mars/Olympus"
	cfg.HolidayRegion = "XX"

	_, err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{"max_retries", "chunk_size", "Mars/Olympus", "holiday_region"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_RejectsMidnightThreshold(t *testing.T) {
	p := writeFile(t, "config.yaml", "notify:\n  evening: \"00:00\"\n")
	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	_, err = cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "notify.evening must not be 00:00")

	t.Setenv("NOTIFY_MORNING_HOUR", "0")
	fromEnv := DefaultConfig()
	require.NoError(t, fromEnv.ApplyEnv(Env{}))
	_, err = fromEnv.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "notify.morning must not be 00:00")

	ok := DefaultConfig()
	ok.Notify.Morning = ClockTime{Minute: 30}
	_, err = ok.Validate()
	assert.NoError(t, err)
}

func TestParseClockTime(t *testing.T) {
	for in, want := range map[string]ClockTime{"6": {Hour: 6}, "06:05": {Hour: 6, Minute: 5}, " 23:59 ": {Hour: 23, Minute: 59}} {
		got, err := ParseClockTime(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "abc", "24", "12:60", "-1"} {
		_, err := ParseClockTime(in)
		assert.Error(t, err, in)
	}
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(-1))

	log, err = NewLogger("warn", true)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))

	_, err = NewLogger("chatty", false)
	assert.Error(t, err)
}
