package tools

import (
	"github.com/modfin/henry/mapz"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a root logger tagged with the service name. Components
// derive their own tagged loggers from it through Cloner.
func NewLogger(name string) *logrus.Logger {
	l := logrus.New()
	l.AddHook(LoggerWho{Name: name})
	return l
}

func LoggerCloner(l *logrus.Logger) *Logger {
	return &Logger{def: l}
}

type Logger struct {
	def *logrus.Logger
}

// New clones the default logger and swaps the who field, so every
// component logs under its own name with shared output and level.
func (l *Logger) New(name string) *logrus.Logger {
	if l == nil || l.def == nil {
		return NewLogger(name)
	}

	hooks := mapz.Clone(l.def.Hooks)
	for level, hs := range hooks {
		hooks[level] = slicesWithoutWho(hs)
	}

	ll := &logrus.Logger{
		Out:          l.def.Out,
		Formatter:    l.def.Formatter,
		Hooks:        hooks,
		Level:        l.def.Level,
		ExitFunc:     l.def.ExitFunc,
		ReportCaller: l.def.ReportCaller,
	}
	ll.AddHook(LoggerWho{Name: name})
	return ll
}

func slicesWithoutWho(hs []logrus.Hook) []logrus.Hook {
	var out []logrus.Hook
	for _, h := range hs {
		if _, ok := h.(LoggerWho); ok {
			continue
		}
		out = append(out, h)
	}
	return out
}

// LoggerWho tags every entry with the component that produced it.
type LoggerWho struct {
	Name string
}

func (w LoggerWho) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (w LoggerWho) Fire(entry *logrus.Entry) error {
	entry.Data["who"] = w.Name
	return nil
}
