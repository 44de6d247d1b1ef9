package logging

import "github.com/robfig/cron/v3"

// cronLogger bridges robfig/cron's logger onto ours
type cronLogger struct {
	logger Logger
}

// CronLogger adapts a Logger for use with cron.WithLogger and job wrappers
func CronLogger(logger Logger) cron.Logger {
	return cronLogger{logger: logger}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug(msg, pairs(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error(msg, err, pairs(keysAndValues)...)
}

func pairs(keysAndValues []interface{}) []Field {
	fields := make([]Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, Field{Key: key, Value: keysAndValues[i+1]})
	}
	return fields
}
