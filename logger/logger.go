package logger

import (
	"context"
	"fmt"
	"log"
	"time"
)

// defaultLogger implements the Interface (like GORM's default logger)
type defaultLogger struct {
	Writer
	Config
	infoStr, warnStr, errStr, debugStr  string
	traceStr, traceWarnStr, traceErrStr string
}

// New creates a new logger instance
func New(writer Writer, config Config) Interface {
	var (
		infoStr      = "%s [info] "
		warnStr      = "%s [warn] "
		errStr       = "%s [error] "
		debugStr     = "%s [debug] "
		traceStr     = "%s [%.3fms] [endpoints:%v] %s"
		traceWarnStr = "%s %s [%.3fms] [endpoints:%v] %s"
		traceErrStr  = "%s %s [%.3fms] [endpoints:%v] %s"
	)

	if config.Colorful {
		infoStr = Green + "%s " + Reset + Green + "[info] " + Reset
		warnStr = BlueBold + "%s " + Reset + Magenta + "[warn] " + Reset
		errStr = Magenta + "%s " + Reset + Red + "[error] " + Reset
		debugStr = White + "%s " + Reset + Blue + "[debug] " + Reset
		traceStr = Green + "%s " + Reset + Yellow + "[%.3fms] " + BlueBold + "[endpoints:%v]" + Reset + " %s"
		traceWarnStr = Green + "%s " + Yellow + "%s " + Reset + RedBold + "[%.3fms] " + Yellow + "[endpoints:%v]" + Magenta + " %s" + Reset
		traceErrStr = RedBold + "%s " + MagentaBold + "%s " + Reset + Yellow + "[%.3fms] " + BlueBold + "[endpoints:%v]" + Reset + " %s"
	}

	return &defaultLogger{
		Writer:       writer,
		Config:       config,
		infoStr:      infoStr,
		warnStr:      warnStr,
		errStr:       errStr,
		debugStr:     debugStr,
		traceStr:     traceStr,
		traceWarnStr: traceWarnStr,
		traceErrStr:  traceErrStr,
	}
}

// LogMode creates a new logger with the specified log level
func (l *defaultLogger) LogMode(level LogLevel) Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *defaultLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= Info {
		l.Printf(l.infoStr+msg, append([]interface{}{prefix()}, data...)...)
	}
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= Warn {
		l.Printf(l.warnStr+msg, append([]interface{}{prefix()}, data...)...)
	}
}

func (l *defaultLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= Error {
		l.Printf(l.errStr+msg, append([]interface{}{prefix()}, data...)...)
	}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= Debug {
		l.Printf(l.debugStr+msg, append([]interface{}{prefix()}, data...)...)
	}
}

// Trace logs one operation with its duration
func (l *defaultLogger) Trace(ctx context.Context, begin time.Time, fc func() (operation string, endpoints int64), err error) {
	if l.LogLevel <= Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.LogLevel >= Error:
		operation, endpoints := fc()
		l.Printf(l.traceErrStr, prefix(), err, float64(elapsed.Nanoseconds())/1e6, endpointCount(endpoints), operation)
	case elapsed > l.SlowThreshold && l.SlowThreshold != 0 && l.LogLevel >= Warn:
		operation, endpoints := fc()
		slowLog := fmt.Sprintf("SLOW OPERATION >= %v", l.SlowThreshold)
		l.Printf(l.traceWarnStr, prefix(), slowLog, float64(elapsed.Nanoseconds())/1e6, endpointCount(endpoints), operation)
	case l.LogLevel >= Info:
		operation, endpoints := fc()
		l.Printf(l.traceStr, prefix(), float64(elapsed.Nanoseconds())/1e6, endpointCount(endpoints), operation)
	}
}

func endpointCount(n int64) interface{} {
	if n == -1 {
		return "-"
	}
	return n
}

// prefix returns the log line prefix
func prefix() string {
	return "manycast"
}

// NewStdLogger creates a logger that outputs through Go's standard log package
func NewStdLogger(level LogLevel) Interface {
	return New(stdWriter{}, Config{
		SlowThreshold: 200 * time.Millisecond,
		LogLevel:      level,
		Colorful:      false,
	})
}

// stdWriter wraps Go's standard log package
type stdWriter struct{}

func (stdWriter) Printf(msg string, data ...interface{}) {
	log.Printf(msg, data...)
}
