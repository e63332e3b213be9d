package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LONGPORT_APP_KEY", "LONGPORT_APP_SECRET", "LONGPORT_ACCESS_TOKEN",
	"LONGPORT_HTTP_URL", "LONGPORT_TRADE_WS_URL", "LONGPORT_LANGUAGE",
	"TEST_ACCOUNT", "ORDER_TIMEOUT", "EARLY_EVENT_WINDOW_MS", "HTTP_PROXY",
	"LOG_LEVEL", "LOG_FILE", "LOG_DAILY", "STATUS_LISTEN",
}

func clearEnv(t *testing.T) {
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPURL, cfg.HTTPURL)
	assert.Equal(t, DefaultTradeWSURL, cfg.TradeWSURL)
	assert.Equal(t, "en", cfg.Language)
	assert.Equal(t, 30*time.Second, cfg.OrderTimeout)
	assert.Zero(t, cfg.EarlyEventWindow)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.EqualError(t, cfg.Validate(), "LONGPORT_APP_KEY 未配置")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "whale.yaml", `
credentials:
  app_key: file-key
  app_secret: file-secret
  access_token: file-token
language: zh-CN
account_no: FILE-ACC
order_timeout: 10
early_event_window_ms: 250
log_level: debug
status_listen: ":8089"
`)
	t.Setenv("LONGPORT_APP_KEY", "env-key")
	t.Setenv("TEST_ACCOUNT", "ENV-ACC")
	t.Setenv("ORDER_TIMEOUT", "45")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.Credentials.AppKey)
	assert.Equal(t, "file-secret", cfg.Credentials.AppSecret)
	assert.Equal(t, "ENV-ACC", cfg.AccountNo)
	assert.Equal(t, "zh-CN", cfg.Language)
	assert.Equal(t, 45*time.Second, cfg.OrderTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.EarlyEventWindow)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":8089", cfg.StatusListen)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_JSONFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "whale.json", `{"credentials":{"app_key":"k"},"trade_ws_url":"wss://push.example.com"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Credentials.AppKey)
	assert.Equal(t, "wss://push.example.com", cfg.TradeWSURL)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeFile(t, "whale.toml", "x=1"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("ORDER_TIMEOUT", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "ORDER_TIMEOUT")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Credentials:  CredentialsConfig{AppKey: "k", AppSecret: "s", AccessToken: "t"},
			HTTPURL:      DefaultHTTPURL,
			TradeWSURL:   DefaultTradeWSURL,
			Language:     "en",
			OrderTimeout: time.Second,
		}
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"missing token":   func(c *Config) { c.Credentials.AccessToken = "" },
		"ws url for http": func(c *Config) { c.HTTPURL = DefaultTradeWSURL },
		"http url for ws": func(c *Config) { c.TradeWSURL = DefaultHTTPURL },
		"bad url":         func(c *Config) { c.HTTPURL = "::" },
		"language":        func(c *Config) { c.Language = "fr" },
		"zero timeout":    func(c *Config) { c.OrderTimeout = 0 },
		"negative window": func(c *Config) { c.EarlyEventWindow = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, ".env", "LONGPORT_APP_KEY=dotenv-key\n")
	// Setenv 为空值时 godotenv 视为已存在，不覆盖，所以先取消
	require.NoError(t, os.Unsetenv("LONGPORT_APP_KEY"))

	loaded := LoadDotEnv(path, filepath.Join(t.TempDir(), "absent.env"))
	assert.Equal(t, []string{path}, loaded)
	assert.Equal(t, "dotenv-key", os.Getenv("LONGPORT_APP_KEY"))
	require.NoError(t, os.Unsetenv("LONGPORT_APP_KEY"))
}
