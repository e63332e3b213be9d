package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHTTPURL      = "https://openapi.longportapp.com"
	DefaultTradeWSURL   = "wss://openapi-trade.longportapp.com"
	DefaultLanguage     = "en"
	DefaultOrderTimeout = 30 // 秒
)

// CredentialsConfig OpenAPI 凭证
type CredentialsConfig struct {
	AppKey      string
	AppSecret   string
	AccessToken string
}

// Config 运行配置
type Config struct {
	Credentials      CredentialsConfig
	HTTPURL          string        // 交易 OpenAPI 地址
	TradeWSURL       string        // 交易推送地址
	Language         string        // zh-CN / zh-HK / en
	AccountNo        string        // 下单账户（TEST_ACCOUNT）
	OrderTimeout     time.Duration // 等待订单推送的超时
	EarlyEventWindow time.Duration // 早到推送暂存窗口，0 表示关闭
	HTTPProxy        string        // HTTP/WebSocket 代理（可选）
	LogLevel         string        // 日志级别
	LogFile          string        // 日志文件路径（可选）
	LogDaily         bool          // 日志文件是否按天命名
	StatusListen     string        // 状态接口监听地址，为空则不启动
}

// ConfigFile 配置文件结构（用于 YAML/JSON 解析）
type ConfigFile struct {
	Credentials struct {
		AppKey      string `yaml:"app_key" json:"app_key"`
		AppSecret   string `yaml:"app_secret" json:"app_secret"`
		AccessToken string `yaml:"access_token" json:"access_token"`
	} `yaml:"credentials" json:"credentials"`
	HTTPURL            string `yaml:"http_url" json:"http_url"`
	TradeWSURL         string `yaml:"trade_ws_url" json:"trade_ws_url"`
	Language           string `yaml:"language" json:"language"`
	AccountNo          string `yaml:"account_no" json:"account_no"`
	OrderTimeoutSec    int    `yaml:"order_timeout" json:"order_timeout"`
	EarlyEventWindowMs int    `yaml:"early_event_window_ms" json:"early_event_window_ms"`
	HTTPProxy          string `yaml:"http_proxy" json:"http_proxy"`
	LogLevel           string `yaml:"log_level" json:"log_level"`
	LogFile            string `yaml:"log_file" json:"log_file"`
	LogDaily           bool   `yaml:"log_daily" json:"log_daily"`
	StatusListen       string `yaml:"status_listen" json:"status_listen"`
}

// LoadDotEnv 尽力加载 .env 文件，已存在的环境变量不会被覆盖。返回实际加载的文件。
func LoadDotEnv(paths ...string) []string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			loaded = append(loaded, p)
		}
	}
	return loaded
}

// Load 加载配置。优先级：环境变量 > 配置文件 > 默认值。
// filePath 为空时只读环境变量。
func Load(filePath string) (*Config, error) {
	cf := &ConfigFile{}
	if filePath != "" {
		var err error
		cf, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	orderTimeout, err := parseIntEnv("ORDER_TIMEOUT", firstInt(cf.OrderTimeoutSec, DefaultOrderTimeout))
	if err != nil {
		return nil, err
	}
	earlyWindow, err := parseIntEnv("EARLY_EVENT_WINDOW_MS", cf.EarlyEventWindowMs)
	if err != nil {
		return nil, err
	}
	logDaily, err := parseBoolEnv("LOG_DAILY", cf.LogDaily)
	if err != nil {
		return nil, err
	}

	return &Config{
		Credentials: CredentialsConfig{
			AppKey:      getEnv("LONGPORT_APP_KEY", cf.Credentials.AppKey),
			AppSecret:   getEnv("LONGPORT_APP_SECRET", cf.Credentials.AppSecret),
			AccessToken: getEnv("LONGPORT_ACCESS_TOKEN", cf.Credentials.AccessToken),
		},
		HTTPURL:          getEnv("LONGPORT_HTTP_URL", firstString(cf.HTTPURL, DefaultHTTPURL)),
		TradeWSURL:       getEnv("LONGPORT_TRADE_WS_URL", firstString(cf.TradeWSURL, DefaultTradeWSURL)),
		Language:         getEnv("LONGPORT_LANGUAGE", firstString(cf.Language, DefaultLanguage)),
		AccountNo:        getEnv("TEST_ACCOUNT", cf.AccountNo),
		OrderTimeout:     time.Duration(orderTimeout) * time.Second,
		EarlyEventWindow: time.Duration(earlyWindow) * time.Millisecond,
		HTTPProxy:        getEnv("HTTP_PROXY", cf.HTTPProxy),
		LogLevel:         getEnv("LOG_LEVEL", firstString(cf.LogLevel, "info")),
		LogFile:          getEnv("LOG_FILE", cf.LogFile),
		LogDaily:         logDaily,
		StatusListen:     getEnv("STATUS_LISTEN", cf.StatusListen),
	}, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON）
func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var configFile ConfigFile
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &configFile); err != nil {
			return nil, fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return &configFile, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Credentials.AppKey == "" {
		return fmt.Errorf("LONGPORT_APP_KEY 未配置")
	}
	if c.Credentials.AppSecret == "" {
		return fmt.Errorf("LONGPORT_APP_SECRET 未配置")
	}
	if c.Credentials.AccessToken == "" {
		return fmt.Errorf("LONGPORT_ACCESS_TOKEN 未配置")
	}
	if err := checkURL("LONGPORT_HTTP_URL", c.HTTPURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("LONGPORT_TRADE_WS_URL", c.TradeWSURL, "ws", "wss"); err != nil {
		return err
	}
	switch c.Language {
	case "en", "zh-CN", "zh-HK":
	default:
		return fmt.Errorf("LONGPORT_LANGUAGE 不支持: %s", c.Language)
	}
	if c.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT 必须大于 0")
	}
	if c.EarlyEventWindow < 0 {
		return fmt.Errorf("EARLY_EVENT_WINDOW_MS 不能为负数")
	}
	return nil
}

func checkURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s 无效: %q", name, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s 协议必须是 %v: %q", name, schemes, raw)
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量，格式错误时报错而不是静默使用默认值
func parseIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s 不是整数: %q", key, value)
	}
	return parsed, nil
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s 不是布尔值: %q", key, value)
	}
	return parsed, nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
