package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger (stderr).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger tags each line with the component and room that produced it.
type Logger struct {
	component string
	room      string
}

// Component returns a Logger for the named component.
func Component(name string) Logger {
	return Logger{component: name}
}

// Room returns a copy of l that also tags lines with room.
func (l Logger) Room(room string) Logger {
	l.room = room
	return l
}

func (l Logger) args() []pterm.LoggerArgument {
	if l.room == "" {
		return pterm.DefaultLogger.Args("component", l.component)
	}
	return pterm.DefaultLogger.Args("component", l.component, "room", l.room)
}

func (l Logger) Debug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Info(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Warning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), l.args())
}

func (l Logger) Error(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), l.args())
}
