package global

import (
	"io"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	log "github.com/sirupsen/logrus"
)

// LocalHook logrus本地钩子, 将日志同时写入文件
type LocalHook struct {
	mu        sync.Mutex
	levels    []log.Level
	formatter log.Formatter // 文件格式
	writer    io.Writer
}

// Levels impl Hook interface
func (hook *LocalHook) Levels() []log.Level {
	return hook.levels
}

// Fire ref: logrus/hooks.go impl Hook interface
func (hook *LocalHook) Fire(entry *log.Entry) error {
	if hook.writer == nil {
		return nil
	}
	data, err := hook.formatter.Format(entry)
	if err != nil {
		return err
	}
	hook.mu.Lock()
	defer hook.mu.Unlock()
	_, err = hook.writer.Write(data)
	return err
}

// NewLocalHook 初始化本地日志钩子, 并设置控制台的输出格式
func NewLocalHook(local io.Writer, consoleFormatter, fileFormatter log.Formatter, levels ...log.Level) *LocalHook {
	// 支持处理windows平台的console色彩
	log.SetOutput(colorable.NewColorableStdout())
	log.SetFormatter(consoleFormatter)
	return &LocalHook{levels: levels, formatter: fileFormatter, writer: local}
}

// GetLogLevel 获取不低于 level 的日志等级列表
//
// 可能的值有
//
// "trace","debug","info","warn","error"
func GetLogLevel(level string) []log.Level {
	switch level {
	case "trace":
		return log.AllLevels
	case "debug":
		return log.AllLevels[:log.DebugLevel+1]
	case "warn":
		return log.AllLevels[:log.WarnLevel+1]
	case "error":
		return log.AllLevels[:log.ErrorLevel+1]
	default:
		return log.AllLevels[:log.InfoLevel+1]
	}
}

// LogFormat 控制台与文件共用的日志格式
type LogFormat struct {
	EnableColor bool
}

// Format implements logrus.Formatter
func (f LogFormat) Format(entry *log.Entry) ([]byte, error) {
	buf := NewBuffer()
	defer PutBuffer(buf)

	if f.EnableColor {
		buf.WriteString(GetLogLevelColorCode(entry.Level))
	}

	buf.WriteByte('[')
	buf.WriteString(entry.Time.Format("2006-01-02 15:04:05"))
	buf.WriteString("] [")
	buf.WriteString(strings.ToUpper(entry.Level.String()))
	buf.WriteString("]: ")
	buf.WriteString(entry.Message)
	buf.WriteString(" \n")

	if f.EnableColor {
		buf.WriteString(colorReset)
	}

	ret := append([]byte(nil), buf.Bytes()...) // copy buffer
	return ret, nil
}

const (
	colorCodePanic = "\x1b[1;31m" // color.Style{color.Bold, color.Red}.String()
	colorCodeFatal = "\x1b[1;31m" // color.Style{color.Bold, color.Red}.String()
	colorCodeError = "\x1b[31m"   // color.Style{color.Red}.String()
	colorCodeWarn  = "\x1b[33m"   // color.Style{color.Yellow}.String()
	colorCodeInfo  = "\x1b[37m"   // color.Style{color.White}.String()
	colorCodeDebug = "\x1b[32m"   // color.Style{color.Green}.String()
	colorCodeTrace = "\x1b[36m"   // color.Style{color.Cyan}.String()
	colorReset     = "\x1b[0m"
)

// GetLogLevelColorCode 获取日志等级对应色彩code
func GetLogLevelColorCode(level log.Level) string {
	switch level {
	case log.PanicLevel:
		return colorCodePanic
	case log.FatalLevel:
		return colorCodeFatal
	case log.ErrorLevel:
		return colorCodeError
	case log.WarnLevel:
		return colorCodeWarn
	case log.InfoLevel:
		return colorCodeInfo
	case log.DebugLevel:
		return colorCodeDebug
	case log.TraceLevel:
		return colorCodeTrace
	default:
		return colorCodeInfo
	}
}
