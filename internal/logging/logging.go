// Package logging builds the logrus logger shared by the vault manager and
// the CLI. Callers log events with fields; secret values are never fields.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Event names used in the "event" field.
const (
	EventVaultCreated       = "vault_created"
	EventVaultUnlocked      = "vault_unlocked"
	EventVaultUnlockFailed  = "vault_unlock_failed"
	EventVaultLocked        = "vault_locked"
	EventVaultAutoLocked    = "vault_autolocked"
	EventVaultDeleted       = "vault_deleted"
	EventVaultRestored      = "vault_restored"
	EventPassphraseChanged  = "passphrase_changed"
	EventRotationRolledBack = "rotation_rolled_back"
	EventRotationRecovered  = "rotation_recovered"
	EventItemAdded          = "item_added"
	EventItemUpdated        = "item_updated"
	EventItemRemoved        = "item_removed"
)

// New returns a text logger writing to w. An unparsable level falls back to
// warn.
func New(w io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    true,
		QuoteEmptyFields: true,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}

// Event starts an entry carrying the event and vault fields.
func Event(l logrus.FieldLogger, event, vault string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"event": event,
		"vault": vault,
	})
}
