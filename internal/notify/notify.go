// Package notify alerts operators about conversations that need a human
// and about turns that failed.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Kind classifies an alert.
type Kind string

const (
	KindEscalation   Kind = "escalation"
	KindTurnFailed   Kind = "turn_failed"
	KindInstanceDown Kind = "instance_down"
)

// Alert is one operator notification.
type Alert struct {
	Kind           Kind
	Title          string
	Text           string
	ConversationID uint
	Phone          string
	Fields         map[string]string
}

// fields returns the alert's key/value pairs in a stable order.
func (a Alert) fields() [][2]string {
	var out [][2]string
	if a.ConversationID != 0 {
		out = append(out, [2]string{"Conversación", fmt.Sprintf("#%d", a.ConversationID)})
	}
	if a.Phone != "" {
		out = append(out, [2]string{"Teléfono", a.Phone})
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, [2]string{k, a.Fields[k]})
	}
	return out
}

func (a Alert) color() int {
	switch a.Kind {
	case KindEscalation:
		return 0xF2C744
	case KindTurnFailed, KindInstanceDown:
		return 0xE01E5A
	}
	return 0x439FE0
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi fans an alert out to every notifier and logs failures.
type Multi struct {
	notifiers []Notifier
	log       zerolog.Logger
}

// NewMulti creates a Multi. Nil notifiers are skipped.
func NewMulti(log *zerolog.Logger, notifiers ...Notifier) *Multi {
	m := &Multi{log: zerolog.Nop()}
	if log != nil {
		m.log = *log
	}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len returns the number of configured notifiers.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify sends to all notifiers and joins their errors.
func (m *Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			m.log.Warn().Err(err).Str("kind", string(a.Kind)).Msg("alert not delivered")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, Alert) error { return nil }

func headline(a Alert) string {
	title := strings.TrimSpace(a.Title)
	if title == "" {
		title = string(a.Kind)
	}
	return title
}
