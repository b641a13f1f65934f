/*
 * Copyright 2026 capstan-io.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package utils carries the shared logging setup: named logrus loggers
// registered once and reconfigurable at runtime.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Logger aliases logrus.Logger so callers do not import logrus directly.
type Logger = logrus.Logger

var (
	defaultLevel     = ParseLogLevel(EnvDefaultString("LOG_LEVEL", "info"))
	loggerRegistryMu sync.RWMutex
	loggerRegistry   = map[string]*logrus.Logger{}
)

// NewLogger returns the named logger, creating and registering it on
// first use. Every subsystem gets its own name (ENGINE, DATABASE, ...)
// so levels can be tuned per subsystem.
func NewLogger(name string) *logrus.Logger {
	loggerRegistryMu.Lock()
	defer loggerRegistryMu.Unlock()
	if l, ok := loggerRegistry[name]; ok {
		return l
	}
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(defaultLevel)
	l.SetReportCaller(true)
	l.SetFormatter(&ConsoleFormatter{
		LoggerName:      name,
		TimestampFormat: "2006-01-02 15:04:05.000",
		NameWidth:       10,
	})
	loggerRegistry[name] = l
	return l
}

// SetAllLoggersLevel changes the level of every registered logger.
func SetAllLoggersLevel(lvl logrus.Level) {
	loggerRegistryMu.RLock()
	for _, lg := range loggerRegistry {
		lg.SetLevel(lvl)
	}
	loggerRegistryMu.RUnlock()
	defaultLevel = lvl
}

// SetLoggerLevel changes one named logger's level; false when the name
// is not registered.
func SetLoggerLevel(name string, lvlStr string) bool {
	lvl := ParseLogLevel(lvlStr)
	loggerRegistryMu.RLock()
	lg, ok := loggerRegistry[name]
	loggerRegistryMu.RUnlock()
	if !ok {
		return false
	}
	lg.SetLevel(lvl)
	return true
}

// ParseLogLevel maps a level name to a logrus level, defaulting to info.
func ParseLogLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info", "":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// ConsoleFormatter renders one-line records in a log4j-ish layout:
// timestamp, colored level, logger name, caller, message.
type ConsoleFormatter struct {
	LoggerName      string
	TimestampFormat string
	NameWidth       int
}

func (f *ConsoleFormatter) tsFormat() string {
	if f.TimestampFormat != "" {
		return f.TimestampFormat
	}
	return "2006-01-02 15:04:05.000"
}

func (f *ConsoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	ts := time.Now().Format(f.tsFormat())
	lvl := levelColor(entry.Level).Sprintf("%7s", strings.ToUpper(entry.Level.String()))
	name := color.CyanString("%*s", f.nameWidth(), limitRunes(f.LoggerName, f.nameWidth()))

	caller := ""
	if entry.Caller != nil {
		caller = fmt.Sprintf(" %s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}

	line := fmt.Sprintf("%s %s %s%s : %s%s\n", ts, lvl, name, caller, entry.Message, formatFields(entry.Data))
	return []byte(line), nil
}

func (f *ConsoleFormatter) nameWidth() int {
	if f.NameWidth > 0 {
		return f.NameWidth
	}
	return 10
}

func levelColor(level logrus.Level) *color.Color {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return color.New(color.FgRed)
	case logrus.WarnLevel:
		return color.New(color.FgYellow)
	case logrus.InfoLevel:
		return color.New(color.FgGreen)
	case logrus.DebugLevel:
		return color.New(color.FgBlue)
	default:
		return color.New(color.FgMagenta)
	}
}

func formatFields(data logrus.Fields) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range data {
		b.WriteString(fmt.Sprintf(" %s=%v", k, v))
	}
	return b.String()
}

func limitRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// EnvDefaultString reads an environment variable with a fallback.
func EnvDefaultString(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvDefaultBool reads a boolean environment variable with a fallback.
func EnvDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
