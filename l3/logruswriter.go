package l3

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogrusWriter routes log messages through a logrus.Logger, giving the
// supervisor structured (JSON or text) output with lumberjack-backed file
// rotation when a rotation path is configured.
type LogrusWriter struct {
	log *logrus.Logger
}

var levelToLogrus = map[Level]logrus.Level{
	Err:   logrus.ErrorLevel,
	Warn:  logrus.WarnLevel,
	Info:  logrus.InfoLevel,
	Debug: logrus.DebugLevel,
	Trace: logrus.TraceLevel,
}

// InitConfig LogrusWriter
func (lw *LogrusWriter) InitConfig(w *WriterConfig) {
	log := logrus.New()
	log.SetLevel(logrus.TraceLevel)

	var out io.Writer = os.Stdout
	if w.Logrus != nil && w.Logrus.RotatePath != "" {
		out = &lumberjack.Logger{
			Filename:   w.Logrus.RotatePath,
			MaxSize:    w.Logrus.MaxSizeMB,
			MaxBackups: w.Logrus.MaxBackups,
			MaxAge:     w.Logrus.MaxAgeDays,
			Compress:   w.Logrus.Compress,
		}
	}
	log.SetOutput(out)

	if w.Logrus != nil && w.Logrus.JSONFormat {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: logConfig.DatePattern})
	} else {
		log.SetFormatter(&logrus.TextFormatter{TimestampFormat: logConfig.DatePattern, FullTimestamp: true})
	}
	lw.log = log
}

// DoLog LogrusWriter
func (lw *LogrusWriter) DoLog(logMsg *LogMessage) {
	if logMsg.Level == Off || lw.log == nil {
		return
	}
	lvl, ok := levelToLogrus[logMsg.Level]
	if !ok {
		return
	}
	entry := lw.log.WithTime(logMsg.Time)
	if logMsg.FnName != "" {
		entry = entry.WithField("function", logMsg.FnName)
	}
	if logMsg.Line > 0 {
		entry = entry.WithField("line", logMsg.Line)
	}
	entry.Log(lvl, logMsg.Content.String())
}

// Close closes the underlying rotation writer, if any.
func (lw *LogrusWriter) Close() error {
	if lw.log == nil {
		return nil
	}
	if c, ok := lw.log.Out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
