package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

type cronLogger struct{ l Logger }

// CronLogger adapts l to robfig/cron's logger. Cron's chatty info lines
// (schedule, wake, run) go to debug.
func CronLogger(l Logger) cron.Logger {
	return cronLogger{l: l}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, kv(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]Field{Err(err)}, kv(keysAndValues)...)
	c.l.Error("cron: "+msg, fields...)
}

func kv(keysAndValues []interface{}) []Field {
	fields := make([]Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
