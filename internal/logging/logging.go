// Package logging wraps logrus with the field conventions homad's
// components share: a "component" field identifying the subsystem and,
// for anything bound to one message, a "msg_id" correlation field.
package logging

import (
	"os"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// New configures the process-wide logrus logger: JSON on anything but an
// interactive terminal, text with colors otherwise, level from levelName
// (defaults to "info" on a bad value).
func New(levelName string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if isTerminal(os.Stderr) {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Component returns an entry scoped to one named subsystem (e.g.
// "mailbox", "priority", "rawio").
func Component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

// NewCorrelationID returns a short sortable id (xid) for logs that need
// to tie a burst of entries together without a natural message id, such
// as one IPC connection's lifetime.
func NewCorrelationID() string {
	return xid.New().String()
}

// ForMessage scopes entry to one Homa message id under the "msg_id" field
// (spec.md §3 "Message").
func ForMessage(entry *logrus.Entry, messageID uint64) *logrus.Entry {
	return entry.WithField("msg_id", messageID)
}
