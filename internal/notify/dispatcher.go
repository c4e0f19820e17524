package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/routing"
)

// Store is the persistence surface the dispatcher writes through.
// *db.Repository satisfies it.
type Store interface {
	GetQueryChannels(queryID string) ([]*db.NotificationChannel, error)
	BumpChannelStats(channelID string, sent bool, sendErr string, now time.Time) error
	InsertNotificationLog(l *db.NotificationLog) error
}

// Dispatcher fans routed batches out to email and the query's attached
// channels. One failed batch never blocks the others; the report tells
// the caller exactly which rows reached somebody.
type Dispatcher struct {
	store    Store
	email    Sender
	channels map[string]ChannelSender
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func NewDispatcher(store Store, email Sender, channels []ChannelSender, cfg config.NotifyConfig, logger *zap.Logger) *Dispatcher {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	byType := make(map[string]ChannelSender, len(channels))
	for _, ch := range channels {
		byType[ch.Type()] = ch
	}

	return &Dispatcher{
		store:    store,
		email:    email,
		channels: byType,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

// Dispatch sends one message per batch (or per row, when the query
// aggregates per error) and then fans the full row set out to the
// query's channels exactly once. No batches means nothing to say:
// channels stay quiet too.
func (d *Dispatcher) Dispatch(ctx context.Context, q *db.MonitoredQuery, batches []routing.Batch, rows []core.Row, columns []string, kind db.NotificationKind) *Report {
	report := &Report{}
	if len(batches) == 0 {
		return report
	}

	for _, batch := range batches {
		for _, msg := range d.expand(q, batch, columns, kind) {
			err := d.send(ctx, msg)
			d.logAttempt(q, d.email.Name(), msg.Recipients, kind, len(msg.Rows), err)
			if err != nil {
				report.Failed++
				d.logger.Error("notification failed",
					zap.String("query", q.Name),
					zap.Strings("recipients", msg.Recipients),
					zap.Error(err))
				continue
			}
			report.Sent++
			report.Delivered = append(report.Delivered, msg.Rows...)
		}
	}

	d.dispatchChannels(ctx, q, rows, columns, kind, report)
	return report
}

// expand turns a batch into messages according to the query's
// aggregation: one message per recipient group, or one per row.
func (d *Dispatcher) expand(q *db.MonitoredQuery, batch routing.Batch, columns []string, kind db.NotificationKind) []*Message {
	if q.Aggregation == db.AggregatePerError {
		msgs := make([]*Message, 0, len(batch.Rows))
		for _, row := range batch.Rows {
			msgs = append(msgs, &Message{
				Query:      q,
				Recipients: batch.Recipients,
				Rows:       []core.Row{row},
				Columns:    columns,
				Kind:       kind,
			})
		}
		return msgs
	}
	return []*Message{{
		Query:      q,
		Recipients: batch.Recipients,
		Rows:       batch.Rows,
		Columns:    columns,
		Kind:       kind,
	}}
}

func (d *Dispatcher) send(ctx context.Context, msg *Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.email.Send(ctx, msg)
}

func (d *Dispatcher) dispatchChannels(ctx context.Context, q *db.MonitoredQuery, rows []core.Row, columns []string, kind db.NotificationKind, report *Report) {
	channels, err := d.store.GetQueryChannels(q.ID)
	if err != nil {
		d.logger.Error("load channels", zap.String("query", q.Name), zap.Error(err))
		return
	}
	if len(channels) == 0 {
		return
	}

	full := &Message{Query: q, Rows: rows, Columns: columns, Kind: kind}
	now := time.Now().UTC()

	for _, ch := range channels {
		sender, ok := d.channels[ch.Type]
		if !ok {
			d.logger.Warn("unknown channel type",
				zap.String("channel", ch.Name),
				zap.String("type", ch.Type))
			continue
		}

		var sendErr error
		if sendErr = d.limiter.Wait(ctx); sendErr == nil {
			sendErr = sender.Send(ctx, ch, full)
		}

		errText := ""
		if sendErr != nil {
			errText = sendErr.Error()
			report.ChannelsFailed++
			d.logger.Error("channel notification failed",
				zap.String("query", q.Name),
				zap.String("channel", ch.Name),
				zap.Error(sendErr))
		} else {
			report.ChannelsSent++
		}

		if err := d.store.BumpChannelStats(ch.ID, sendErr == nil, errText, now); err != nil {
			d.logger.Warn("update channel stats", zap.String("channel", ch.Name), zap.Error(err))
		}
		d.logAttempt(q, ch.Type, []string{ch.Name}, kind, len(rows), sendErr)
	}
}

// logAttempt records one delivery attempt. Audit writes are best
// effort: a failed insert is logged and swallowed so bookkeeping never
// breaks delivery.
func (d *Dispatcher) logAttempt(q *db.MonitoredQuery, channel string, recipients []string, kind db.NotificationKind, errorCount int, sendErr error) {
	entry := &db.NotificationLog{
		ID:         uuid.NewString(),
		QueryID:    q.ID,
		Channel:    channel,
		Recipients: recipients,
		Kind:       kind,
		ErrorCount: errorCount,
		Status:     "sent",
		SentAt:     time.Now().UTC(),
	}
	if sendErr != nil {
		entry.Status = "failed"
		msg := sendErr.Error()
		entry.Error = &msg
	}
	if err := d.store.InsertNotificationLog(entry); err != nil {
		d.logger.Warn("insert notification log", zap.String("query", q.Name), zap.Error(err))
	}
}
