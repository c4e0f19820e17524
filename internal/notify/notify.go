// Package notify delivers routed error batches to recipients. Email is
// the primary transport and follows the routing engine's batches; the
// optional channels (webhook, telegram, teams) are attached per query
// and receive the full row set of a dispatch.
package notify

import (
	"context"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

// Message is one outgoing notification.
type Message struct {
	Query      *db.MonitoredQuery
	Recipients []string
	Rows       []core.Row
	Columns    []string
	Kind       db.NotificationKind
}

// Sender delivers a message to its recipients.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// ChannelSender delivers to one configured notification channel.
type ChannelSender interface {
	Type() string
	Send(ctx context.Context, ch *db.NotificationChannel, msg *Message) error
}

// Report summarizes one dispatch. Delivered lists the rows that made
// it into at least one successfully sent recipient message; the run
// coordinator uses it to mark records notified, so a failed group
// leaves its records eligible for the next tick.
type Report struct {
	Sent           int
	Failed         int
	ChannelsSent   int
	ChannelsFailed int
	Delivered      []core.Row
}

// Total is the number of notifications that went out on any transport.
func (r *Report) Total() int { return r.Sent + r.ChannelsSent }
