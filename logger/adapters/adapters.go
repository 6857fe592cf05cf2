// Package adapters provides logger adapters for integrating external logging
// libraries with the manycast logger interface.
package adapters

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/manycast/manycast/logger"
)

// AdapterBase provides common functionality for logger adapters
type AdapterBase struct {
	level logger.LogLevel
}

// NewAdapterBase creates a new adapter base
func NewAdapterBase(level logger.LogLevel) *AdapterBase {
	return &AdapterBase{level: level}
}

// ShouldLog checks if the message should be logged at the given level
func (a *AdapterBase) ShouldLog(level logger.LogLevel) bool {
	return a.level >= level
}

// GetLevel returns the current log level
func (a *AdapterBase) GetLevel() logger.LogLevel {
	return a.level
}

// CustomLogger defines a minimal interface for custom logger implementations
type CustomLogger interface {
	// Log is the main logging method that custom loggers must implement
	Log(level logger.LogLevel, msg string, fields map[string]interface{})
}

// CustomAdapter adapts any custom logger that implements CustomLogger
type CustomAdapter struct {
	*AdapterBase
	logger CustomLogger
}

// NewCustomAdapter creates a new custom adapter
func NewCustomAdapter(customLogger CustomLogger, level logger.LogLevel) logger.Interface {
	return &CustomAdapter{
		AdapterBase: NewAdapterBase(level),
		logger:      customLogger,
	}
}

// LogMode returns a copy of the adapter with the given level
func (c *CustomAdapter) LogMode(level logger.LogLevel) logger.Interface {
	return &CustomAdapter{
		AdapterBase: NewAdapterBase(level),
		logger:      c.logger,
	}
}

func (c *CustomAdapter) Info(ctx context.Context, msg string, data ...interface{}) {
	if c.ShouldLog(logger.Info) {
		c.logger.Log(logger.Info, msg, fieldsFromPairs(data))
	}
}

func (c *CustomAdapter) Warn(ctx context.Context, msg string, data ...interface{}) {
	if c.ShouldLog(logger.Warn) {
		c.logger.Log(logger.Warn, msg, fieldsFromPairs(data))
	}
}

func (c *CustomAdapter) Error(ctx context.Context, msg string, data ...interface{}) {
	if c.ShouldLog(logger.Error) {
		c.logger.Log(logger.Error, msg, fieldsFromPairs(data))
	}
}

func (c *CustomAdapter) Debug(ctx context.Context, msg string, data ...interface{}) {
	if c.ShouldLog(logger.Debug) {
		c.logger.Log(logger.Debug, msg, fieldsFromPairs(data))
	}
}

func (c *CustomAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if !c.ShouldLog(logger.Info) && err == nil {
		return
	}
	operation, endpoints := fc()
	fields := map[string]interface{}{
		"elapsed":   time.Since(begin),
		"endpoints": endpoints,
	}
	if err != nil {
		fields["error"] = err
		c.logger.Log(logger.Error, operation, fields)
		return
	}
	c.logger.Log(logger.Info, operation, fields)
}

// ZerologAdapter adapts a zerolog.Logger to the manycast logger interface
type ZerologAdapter struct {
	*AdapterBase
	logger zerolog.Logger
}

// NewZerologAdapter creates a new zerolog adapter
func NewZerologAdapter(zl zerolog.Logger, level logger.LogLevel) logger.Interface {
	return &ZerologAdapter{
		AdapterBase: NewAdapterBase(level),
		logger:      zl,
	}
}

// LogMode returns a copy of the adapter with the given level
func (z *ZerologAdapter) LogMode(level logger.LogLevel) logger.Interface {
	return &ZerologAdapter{
		AdapterBase: NewAdapterBase(level),
		logger:      z.logger,
	}
}

func (z *ZerologAdapter) Info(ctx context.Context, msg string, data ...interface{}) {
	if z.ShouldLog(logger.Info) {
		z.emit(z.logger.Info(), msg, data)
	}
}

func (z *ZerologAdapter) Warn(ctx context.Context, msg string, data ...interface{}) {
	if z.ShouldLog(logger.Warn) {
		z.emit(z.logger.Warn(), msg, data)
	}
}

func (z *ZerologAdapter) Error(ctx context.Context, msg string, data ...interface{}) {
	if z.ShouldLog(logger.Error) {
		z.emit(z.logger.Error(), msg, data)
	}
}

func (z *ZerologAdapter) Debug(ctx context.Context, msg string, data ...interface{}) {
	if z.ShouldLog(logger.Debug) {
		z.emit(z.logger.Debug(), msg, data)
	}
}

func (z *ZerologAdapter) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if !z.ShouldLog(logger.Info) && err == nil {
		return
	}
	operation, endpoints := fc()
	event := z.logger.Info()
	if err != nil {
		event = z.logger.Error().Err(err)
	}
	event.Dur("elapsed", time.Since(begin)).Int64("endpoints", endpoints).Msg(operation)
}

func (z *ZerologAdapter) emit(event *zerolog.Event, msg string, data []interface{}) {
	for k, v := range fieldsFromPairs(data) {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// fieldsFromPairs converts variadic key-value pairs into a field map. Odd
// trailing values are kept under the "extra" key rather than dropped.
func fieldsFromPairs(data []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		key, ok := data[i].(string)
		if !ok {
			continue
		}
		fields[key] = data[i+1]
	}
	if len(data)%2 == 1 {
		fields["extra"] = data[len(data)-1]
	}
	return fields
}
