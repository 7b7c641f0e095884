package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level 日志级别 / Log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String converts log level to string
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析日志级别 / Parse log level from string
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// sink 共享的输出端 / Output shared by a logger and its children
type sink struct {
	mu      sync.Mutex
	file    io.Writer
	console io.Writer
}

// Logger 日志记录器 / Logger instance
type Logger struct {
	level  Level
	prefix string
	out    *sink
}

// New 创建新的日志记录器 / Create new logger instance
// 初始化日志记录器，配置文件输出、日志级别和轮转策略
// Initialize logger with file output, log level, and rotation strategy
//
// Parameters:
//   - filePath: Log file path (e.g., "./logs/deltarotor.log"), directory will be created if not exists
//   - level: Minimum log level (DEBUG, INFO, WARN, ERROR), logs below this level won't be recorded
//   - maxSize: Maximum size of single log file in MB, auto-rotate when exceeded
//   - maxAge: Days to retain log files
//   - maxBackups: Number of old log files to keep
//   - compress: Whether to compress rotated log files
//   - console: Whether to output to console as well
//
// Returns:
//   - *Logger: 已配置的日志记录器实例 / Configured logger instance
//   - error: 日志目录创建失败时返回错误 / Error on log directory creation failure
func New(filePath string, level Level, maxSize, maxAge, maxBackups int, compress, console bool) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	fileWriter := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSize,    // megabytes
		MaxAge:     maxAge,     // days
		MaxBackups: maxBackups, // number of backups
		Compress:   compress,
		LocalTime:  true,
	}

	var consoleWriter io.Writer
	if console {
		consoleWriter = os.Stdout
	}

	return &Logger{
		level: level,
		out:   &sink{file: fileWriter, console: consoleWriter},
	}, nil
}

// NewWriter 创建写入任意io.Writer的日志记录器 / Create a logger writing to w only
// 用于测试与工具命令 / Used by tests and one-off tooling
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		level: level,
		out:   &sink{file: w},
	}
}

// With 创建带前缀的子日志记录器 / Create a child logger tagging every line with prefix
// 子记录器共享同一输出与轮转文件 / Children share the parent's output and rotating file
func (l *Logger) With(prefix string) *Logger {
	p := prefix
	if l.prefix != "" {
		p = l.prefix + "][" + prefix
	}
	return &Logger{
		level:  l.level,
		prefix: p,
		out:    l.out,
	}
}

// log 写入日志 / Write log entry
func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02 15:04:05.000")
	message := maskSensitiveData(fmt.Sprintf(format, args...))

	var logEntry string
	if l.prefix != "" {
		logEntry = fmt.Sprintf("[%s] [%s] [%s] %s\n", timestamp, level.String(), l.prefix, message)
	} else {
		logEntry = fmt.Sprintf("[%s] [%s] %s\n", timestamp, level.String(), message)
	}

	l.out.mu.Lock()
	defer l.out.mu.Unlock()

	if l.out.file != nil {
		_, _ = io.WriteString(l.out.file, logEntry)
	}
	if l.out.console != nil {
		_, _ = io.WriteString(l.out.console, logEntry)
	}
}

// Debug 调试日志 / Debug log
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info 信息日志 / Info log
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn 警告日志 / Warning log
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error 错误日志 / Error log
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// Close 关闭日志记录器 / Close logger and flush buffers
func (l *Logger) Close() error {
	if closer, ok := l.out.file.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// sensitiveKeys 需要屏蔽的关键词 / Keywords whose values are masked
var sensitiveKeys = []string{
	"api_key", "apikey", "api-key",
	"api_secret", "apisecret", "api-secret", "secret",
	"signature", "x-mbx-apikey",
	"password", "pwd",
	"token", "webhook",
}

// maskSensitiveData 屏蔽敏感数据 / Mask sensitive data in log messages
// 查找 "key=value"、"key:value"、"key: value" 模式并屏蔽每一处出现的值（保留前4个字符）
// Find "key=value", "key:value" and "key: value" patterns and mask every
// occurrence of the value, keeping the first 4 characters
//
// 例如 / Example: "signature=abcd1234567890&timestamp=1" → "signature=abcd****&timestamp=1"
func maskSensitiveData(message string) string {
	result := message
	for _, key := range sensitiveKeys {
		for _, sep := range []string{"=", ": ", ":"} {
			result = maskAfter(result, key+sep)
		}
	}
	return result
}

// maskAfter 屏蔽pattern之后的所有值 / Mask the value following every occurrence of pattern
func maskAfter(message, pattern string) string {
	lower := strings.ToLower(message)
	search := 0
	for {
		idx := strings.Index(lower[search:], pattern)
		if idx == -1 {
			return message
		}
		valueStart := search + idx + len(pattern)
		valueEnd := valueStart
		for valueEnd < len(message) && !isValueDelimiter(message[valueEnd]) {
			valueEnd++
		}
		if valueEnd == valueStart {
			search = valueStart
			continue
		}

		masked := maskValue(message[valueStart:valueEnd])
		message = message[:valueStart] + masked + message[valueEnd:]
		lower = strings.ToLower(message)
		search = valueStart + len(masked)
	}
}

func isValueDelimiter(c byte) bool {
	switch c {
	case ' ', ',', '\n', '"', '}', '&':
		return true
	}
	return false
}

// maskValue 屏蔽值 / Mask a value, showing only first 4 characters
func maskValue(value string) string {
	if len(value) <= 4 {
		return "****"
	}
	return value[:4] + "****"
}
