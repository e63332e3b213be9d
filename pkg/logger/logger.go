package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例（即 logrus 标准 logger）
	Logger *logrus.Logger
	// currentLogFile 当前日志文件路径
	currentLogFile string
	// currentDay 按天命名时当前文件对应的日期
	currentDay string
	// fileWriter 当前文件输出
	fileWriter *lumberjack.Logger
	// savedConfig Init 时的配置（用于按天切换）
	savedConfig Config
	// logMu 日志文件切换锁
	logMu sync.Mutex
	// now 可替换的时钟，测试用
	now = time.Now
)

// Config 日志配置
type Config struct {
	Level      string    // 日志级别: debug, info, warn, error
	OutputFile string    // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int       // 日志文件最大大小（MB）
	MaxBackups int       // 保留的旧日志文件数量
	MaxAge     int       // 保留旧日志文件的天数
	Compress   bool      // 是否压缩旧日志文件
	Daily      bool      // 是否按天命名日志文件：whale.log -> whale_2025-12-17.log
	Console    io.Writer // 控制台输出，默认 os.Stdout
}

func dayOf(t time.Time) string { return t.Format("2006-01-02") }

// dailyFileName whale.log + 2025-12-17 -> whale_2025-12-17.log
func dailyFileName(basePath, day string) string {
	dir := filepath.Dir(basePath)
	baseName := filepath.Base(basePath)
	ext := filepath.Ext(baseName)
	name := fmt.Sprintf("%s_%s%s", baseName[:len(baseName)-len(ext)], day, ext)
	if dir == "." || dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

func newFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
	}
}

// Init 初始化日志系统。
// 配置的是 logrus 标准 logger，各包通过 logrus.WithField("component", ...) 创建的日志同样生效。
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if config.Console == nil {
		config.Console = os.Stdout
	}
	savedConfig = config

	writers := []io.Writer{config.Console}
	if config.OutputFile != "" {
		path := config.OutputFile
		if config.Daily {
			currentDay = dayOf(now())
			path = dailyFileName(config.OutputFile, currentDay)
		}
		w, err := openFile(path, config)
		if err != nil {
			return err
		}
		closeFileLocked()
		fileWriter = w
		currentLogFile = path
		writers = append(writers, w)
	} else {
		closeFileLocked()
		currentLogFile = ""
	}

	std := logrus.StandardLogger()
	std.SetOutput(io.MultiWriter(writers...))
	std.SetLevel(level)
	std.SetFormatter(newFormatter())
	Logger = std
	return nil
}

func openFile(path string, config Config) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}, nil
}

func closeFileLocked() {
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}

// RotateIfNeeded 按天命名时，日期变化则切换到新文件。返回是否发生了切换。
func RotateIfNeeded() (bool, error) {
	logMu.Lock()
	defer logMu.Unlock()

	if !savedConfig.Daily || savedConfig.OutputFile == "" {
		return false, nil
	}
	day := dayOf(now())
	if day == currentDay {
		return false, nil
	}

	path := dailyFileName(savedConfig.OutputFile, day)
	w, err := openFile(path, savedConfig)
	if err != nil {
		return false, err
	}
	old := currentLogFile
	closeFileLocked()
	fileWriter = w
	currentLogFile = path
	currentDay = day
	logrus.StandardLogger().SetOutput(io.MultiWriter(savedConfig.Console, w))
	logrus.Infof("日志文件已切换: %s -> %s", old, path)
	return true, nil
}

// StartRotationChecker 后台每分钟检查一次是否需要按天切换，ctx 结束时退出
func StartRotationChecker(ctx context.Context) {
	logMu.Lock()
	daily := savedConfig.Daily && savedConfig.OutputFile != ""
	logMu.Unlock()
	if !daily {
		return
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := RotateIfNeeded(); err != nil {
					logrus.Errorf("检查日志轮转失败: %v", err)
				}
			}
		}
	}()
}

// Close 关闭文件输出
func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	closeFileLocked()
}

// GetCurrentLogFile 获取当前日志文件路径
func GetCurrentLogFile() string {
	logMu.Lock()
	defer logMu.Unlock()
	return currentLogFile
}

// Infof 记录格式化的 INFO 级别日志
func Infof(format string, args ...interface{}) {
	logrus.Infof(format, args...)
}

// Warnf 记录格式化的 WARN 级别日志
func Warnf(format string, args ...interface{}) {
	logrus.Warnf(format, args...)
}

// Errorf 记录格式化的 ERROR 级别日志
func Errorf(format string, args ...interface{}) {
	logrus.Errorf(format, args...)
}

// WithField 添加字段到日志上下文
func WithField(key string, value interface{}) *logrus.Entry {
	return logrus.WithField(key, value)
}
