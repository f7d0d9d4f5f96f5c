// Package maillog implements a log specifically for delivery activity,
// using a timestamped-line style, but driven off the event bus instead
// of being called directly from the send path: one
// subscriber goroutine renders Spooled/SendAttemptFailed/Delivered/
// Frozen/Removed events into human-readable lines.
package maillog

import (
	"fmt"
	"io"
	"io/ioutil"
	"log/syslog"
	"sync"
	"time"

	"blitiri.com.ar/go/relayd/internal/eventbus"

	"blitiri.com.ar/go/log"
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

// Write the given buffer, prepending timing information.
func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log data to, such as a file or
// syslog, plus user-friendly methods for logging delivery activity.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "relayd")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Queued logs that an envelope has been accepted into the spool.
func (l *Logger) Queued(id, from string, to []string) {
	l.printf("%s from=%s queued to=%v\n", id, from, to)
}

// SendAttempt logs the outcome of one delivery attempt against one
// next hop.
func (l *Logger) SendAttempt(id, addr string, err string, permanent bool) {
	if err == "" {
		l.printf("%s to=%s sent\n", id, addr)
		return
	}
	t := "(temporary)"
	if permanent {
		t = "(permanent)"
	}
	l.printf("%s to=%s failed %s: %s\n", id, addr, t, err)
}

// Frozen logs that a record gave up retrying and was frozen.
func (l *Logger) Frozen(id string, failed []string) {
	l.printf("%s frozen, failed=%v\n", id, failed)
}

// Removed logs that an operator removed a record.
func (l *Logger) Removed(id string) {
	l.printf("%s removed\n", id)
}

// Default logger, used by Follow when none is given explicitly.
var Default = New(ioutil.Discard)

// Follow subscribes to bus and logs every relevant event to l (or
// Default if l is nil) until stop is closed.
func Follow(bus *eventbus.Bus, l *Logger, stop <-chan struct{}) {
	if l == nil {
		l = Default
	}
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			render(l, ev)
		case <-stop:
			return
		}
	}
}

func render(l *Logger, ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.Spooled:
		l.Queued(ev.ID, "", ev.Recipients)
	case eventbus.SendAttemptFailed:
		l.SendAttempt(ev.ID, ev.Address.String(), ev.Err, false)
	case eventbus.Delivered:
		l.SendAttempt(ev.ID, ev.Address.String(), "", false)
	case eventbus.Frozen:
		l.Frozen(ev.ID, ev.Recipients)
	case eventbus.Removed:
		l.Removed(ev.ID)
	}
}
