/*************************************************************************
 * Copyright 2026 The habitat Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package habitatlog is a small leveled, structured logger for the
// uploader and worker packages' ambient diagnostics: connection
// attempts, conflict retries, and command failures. It is separate from
// the user-overridable per-item hooks those packages also expose.
package habitatlog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
	"github.com/shirou/gopsutil/host"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	}
	return rfc5424.User | rfc5424.Debug
}

var ErrNotOpen = errors.New("habitatlog: logger is not open")

const defaultID = "habitat@1"

// Relay is an additional sink a Logger can fan its lines out to, beyond
// its primary writer — for example, a process that also wants to ship
// log lines to a monitoring pipe.
type Relay interface {
	WriteLog(time.Time, []byte) error
}

// Logger writes leveled, RFC 5424 structured-data log lines to a primary
// writer and any number of attached Relays.
type Logger struct {
	mtx      sync.Mutex
	wtr      io.Writer
	rls      []Relay
	lvl      Level
	hot      bool
	hostname string
	appname  string
}

// New creates a Logger at level INFO writing to wtr.
func New(wtr io.Writer) *Logger {
	l := &Logger{wtr: wtr, lvl: INFO, hot: true, appname: "habitat"}
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		l.hostname = info.Hostname
	} else if h, err := os.Hostname(); err == nil {
		l.hostname = h
	}
	return l
}

// NewDiscard creates a Logger that drops everything written to it, for
// callers that don't want ambient diagnostics.
func NewDiscard() *Logger {
	return New(io.Discard)
}

func (l *Logger) ready() error {
	if !l.hot {
		return ErrNotOpen
	}
	return nil
}

// AddRelay attaches an additional sink for every log line this Logger
// writes from now on.
func (l *Logger) AddRelay(r Relay) error {
	if r == nil {
		return errors.New("habitatlog: nil relay")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if err := l.ready(); err != nil {
		return err
	}
	l.rls = append(l.rls, r)
	return nil
}

// SetLevel sets the minimum level that will actually be written.
func (l *Logger) SetLevel(lvl Level) {
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
}

// Close marks the Logger unusable; further writes return ErrNotOpen.
func (l *Logger) Close() error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.hot = false
	return nil
}

func (l *Logger) Debug(msg string, sds ...rfc5424.SDParam) error {
	return l.output(DEBUG, msg, sds...)
}

func (l *Logger) Info(msg string, sds ...rfc5424.SDParam) error {
	return l.output(INFO, msg, sds...)
}

func (l *Logger) Warn(msg string, sds ...rfc5424.SDParam) error {
	return l.output(WARN, msg, sds...)
}

func (l *Logger) Error(msg string, sds ...rfc5424.SDParam) error {
	return l.output(ERROR, msg, sds...)
}

func (l *Logger) Critical(msg string, sds ...rfc5424.SDParam) error {
	return l.output(CRITICAL, msg, sds...)
}

func (l *Logger) output(lvl Level, msg string, sds ...rfc5424.SDParam) error {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if l.lvl == OFF || lvl < l.lvl {
		return nil
	}
	if err := l.ready(); err != nil {
		return err
	}
	ts := time.Now()
	line, err := genMessage(ts, lvl.priority(), l.hostname, l.appname, callLoc(3), msg, sds...)
	if err != nil {
		return err
	}
	line = strings.TrimRight(line, "\n\r\t")

	var writeErr error
	if l.wtr != nil {
		if _, err := io.WriteString(l.wtr, line+"\n"); err != nil {
			writeErr = err
		}
	}
	for _, r := range l.rls {
		if err := r.WriteLog(ts, []byte(line)); err != nil {
			writeErr = err
		}
	}
	return writeErr
}

func genMessage(ts time.Time, prio rfc5424.Priority, hostname, appname, msgID, msg string, sds ...rfc5424.SDParam) (string, error) {
	m := rfc5424.Message{
		Priority:  prio,
		Timestamp: ts,
		Hostname:  trimLength(255, hostname),
		AppName:   trimLength(48, appname),
		MessageID: trimLength(32, msgID),
		Message:   []byte(msg),
	}
	if len(sds) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: defaultID, Parameters: sds}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func trimLength(n int, s string) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func callLoc(depth int) string {
	if _, file, line, ok := runtime.Caller(depth); ok {
		parts := strings.Split(file, "/")
		if len(parts) >= 2 {
			file = parts[len(parts)-2] + "/" + parts[len(parts)-1]
		}
		return fmt.Sprintf("%s:%d", file, line)
	}
	return ""
}
