package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

var (
	InfoLogger  *log.Logger
	ErrorLogger *log.Logger
	DebugLogger *log.Logger
	WarnLogger  *log.Logger

	debugEnabled atomic.Bool
)

func init() {
	InfoLogger = log.New(os.Stdout, "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
	DebugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lshortfile)
	WarnLogger = log.New(os.Stdout, "WARN: ", log.Ldate|log.Ltime|log.Lshortfile)
	debugEnabled.Store(os.Getenv("ENVIRONMENT") == "development")
}

// SetDebug toggles Debug output at runtime (config may load after init).
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// SetOutput redirects every level to w. Tests use it to silence or capture logs.
func SetOutput(w io.Writer) {
	InfoLogger.SetOutput(w)
	ErrorLogger.SetOutput(w)
	DebugLogger.SetOutput(w)
	WarnLogger.SetOutput(w)
}

func Info(format string, v ...interface{}) {
	_ = InfoLogger.Output(2, sprintf(format, v...))
}

func Error(format string, v ...interface{}) {
	_ = ErrorLogger.Output(2, sprintf(format, v...))
}

func Debug(format string, v ...interface{}) {
	if debugEnabled.Load() {
		_ = DebugLogger.Output(2, sprintf(format, v...))
	}
}

func Warn(format string, v ...interface{}) {
	_ = WarnLogger.Output(2, sprintf(format, v...))
}

// LogError logs err under the given context label when err is non-nil.
func LogError(err error, context string) {
	if err != nil {
		_ = ErrorLogger.Output(2, sprintf("[%s] %v", context, err))
	}
}

func sprintf(format string, v ...interface{}) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}
