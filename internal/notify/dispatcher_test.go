package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/config"
	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/routing"
)

type fakeEmail struct {
	sent   []*Message
	failOn map[string]bool
}

func (f *fakeEmail) Name() string { return "email" }

func (f *fakeEmail) Send(_ context.Context, msg *Message) error {
	for _, r := range msg.Recipients {
		if f.failOn[r] {
			return fmt.Errorf("smtp refused %s", r)
		}
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeChannel struct {
	typ  string
	fail bool
	got  []*Message
}

func (f *fakeChannel) Type() string { return f.typ }

func (f *fakeChannel) Send(_ context.Context, _ *db.NotificationChannel, msg *Message) error {
	if f.fail {
		return errors.New("endpoint returned 500")
	}
	f.got = append(f.got, msg)
	return nil
}

type fakeNotifyStore struct {
	channels     []*db.NotificationChannel
	channelCalls int
	bumps        map[string]bool
	logs         []*db.NotificationLog
}

func (f *fakeNotifyStore) GetQueryChannels(string) ([]*db.NotificationChannel, error) {
	f.channelCalls++
	return f.channels, nil
}

func (f *fakeNotifyStore) BumpChannelStats(id string, sent bool, _ string, _ time.Time) error {
	if f.bumps == nil {
		f.bumps = map[string]bool{}
	}
	f.bumps[id] = sent
	return nil
}

func (f *fakeNotifyStore) InsertNotificationLog(l *db.NotificationLog) error {
	f.logs = append(f.logs, l)
	return nil
}

func row(id string) core.Row { return core.Row{"order_id": core.String(id)} }

func newTestDispatcher(store Store, email Sender, channels ...ChannelSender) *Dispatcher {
	return NewDispatcher(store, email, channels, config.NotifyConfig{}, zap.NewNop())
}

func TestDispatchPerRecipient(t *testing.T) {
	store := &fakeNotifyStore{}
	email := &fakeEmail{}
	d := newTestDispatcher(store, email)

	q := &db.MonitoredQuery{ID: "q1", Name: "failed orders", Aggregation: db.AggregatePerRecipient}
	batches := []routing.Batch{
		{Recipients: []string{"ops@acme.io"}, Rows: []core.Row{row("1"), row("2")}},
		{Recipients: []string{"sales@acme.io"}, Rows: []core.Row{row("3")}},
	}
	rows := []core.Row{row("1"), row("2"), row("3")}

	report := d.Dispatch(context.Background(), q, batches, rows, []string{"order_id"}, db.KindNewErrors)

	if report.Sent != 2 || report.Failed != 0 {
		t.Fatalf("sent=%d failed=%d", report.Sent, report.Failed)
	}
	if len(report.Delivered) != 3 {
		t.Fatalf("delivered %d rows, want 3", len(report.Delivered))
	}
	if len(email.sent) != 2 {
		t.Fatalf("emails sent %d, want 2", len(email.sent))
	}
	if len(store.logs) != 2 {
		t.Fatalf("notification logs %d, want 2", len(store.logs))
	}
	for _, l := range store.logs {
		if l.Status != "sent" || l.Channel != "email" {
			t.Fatalf("log %+v", l)
		}
	}
}

func TestDispatchPerError(t *testing.T) {
	store := &fakeNotifyStore{}
	email := &fakeEmail{}
	d := newTestDispatcher(store, email)

	q := &db.MonitoredQuery{ID: "q1", Name: "failed orders", Aggregation: db.AggregatePerError}
	batches := []routing.Batch{
		{Recipients: []string{"ops@acme.io"}, Rows: []core.Row{row("1"), row("2"), row("3")}},
	}

	report := d.Dispatch(context.Background(), q, batches, nil, []string{"order_id"}, db.KindNewErrors)

	if report.Sent != 3 {
		t.Fatalf("sent=%d, want one message per row", report.Sent)
	}
	for _, msg := range email.sent {
		if len(msg.Rows) != 1 {
			t.Fatalf("per-error message carries %d rows", len(msg.Rows))
		}
	}
}

func TestDispatchFailureIsolation(t *testing.T) {
	store := &fakeNotifyStore{}
	email := &fakeEmail{failOn: map[string]bool{"broken@acme.io": true}}
	d := newTestDispatcher(store, email)

	q := &db.MonitoredQuery{ID: "q1", Name: "failed orders"}
	batches := []routing.Batch{
		{Recipients: []string{"broken@acme.io"}, Rows: []core.Row{row("1")}},
		{Recipients: []string{"ops@acme.io"}, Rows: []core.Row{row("2")}},
	}

	report := d.Dispatch(context.Background(), q, batches, nil, []string{"order_id"}, db.KindNewErrors)

	if report.Sent != 1 || report.Failed != 1 {
		t.Fatalf("sent=%d failed=%d", report.Sent, report.Failed)
	}
	if len(report.Delivered) != 1 || report.Delivered[0].Field("order_id") != "2" {
		t.Fatalf("delivered = %v", report.Delivered)
	}

	var failedLogs int
	for _, l := range store.logs {
		if l.Status == "failed" {
			failedLogs++
			if l.Error == nil || *l.Error == "" {
				t.Fatal("failed log needs the error message")
			}
		}
	}
	if failedLogs != 1 {
		t.Fatalf("failed logs = %d", failedLogs)
	}
}

func TestDispatchNothingToSend(t *testing.T) {
	store := &fakeNotifyStore{channels: []*db.NotificationChannel{{ID: "c1", Type: "webhook", Name: "hook"}}}
	email := &fakeEmail{}
	hook := &fakeChannel{typ: "webhook"}
	d := newTestDispatcher(store, email, hook)

	q := &db.MonitoredQuery{ID: "q1", Name: "failed orders"}
	report := d.Dispatch(context.Background(), q, nil, []core.Row{row("1")}, []string{"order_id"}, db.KindNewErrors)

	if report.Total() != 0 {
		t.Fatalf("total = %d, want 0", report.Total())
	}
	if store.channelCalls != 0 {
		t.Fatal("channels must stay quiet when routing produced no batches")
	}
}

func TestDispatchChannelsFireOncePerDispatch(t *testing.T) {
	store := &fakeNotifyStore{channels: []*db.NotificationChannel{
		{ID: "c1", Type: "webhook", Name: "hook"},
		{ID: "c2", Type: "telegram", Name: "tg"},
	}}
	email := &fakeEmail{}
	hook := &fakeChannel{typ: "webhook"}
	tg := &fakeChannel{typ: "telegram", fail: true}
	d := newTestDispatcher(store, email, hook, tg)

	q := &db.MonitoredQuery{ID: "q1", Name: "failed orders"}
	rows := []core.Row{row("1"), row("2"), row("3")}
	batches := []routing.Batch{
		{Recipients: []string{"a@acme.io"}, Rows: rows[:1]},
		{Recipients: []string{"b@acme.io"}, Rows: rows[1:]},
	}

	report := d.Dispatch(context.Background(), q, batches, rows, []string{"order_id"}, db.KindReminder)

	if store.channelCalls != 1 {
		t.Fatalf("channel lookups = %d, want 1", store.channelCalls)
	}
	if len(hook.got) != 1 {
		t.Fatalf("webhook deliveries = %d, want exactly one per dispatch", len(hook.got))
	}
	if len(hook.got[0].Rows) != 3 {
		t.Fatalf("webhook saw %d rows, want the full set", len(hook.got[0].Rows))
	}
	if report.ChannelsSent != 1 || report.ChannelsFailed != 1 {
		t.Fatalf("channels sent=%d failed=%d", report.ChannelsSent, report.ChannelsFailed)
	}
	if !store.bumps["c1"] || store.bumps["c2"] {
		t.Fatalf("channel stats = %v", store.bumps)
	}
	if report.Total() != 3 {
		t.Fatalf("total = %d", report.Total())
	}
}

func TestDispatchUnknownChannelType(t *testing.T) {
	store := &fakeNotifyStore{channels: []*db.NotificationChannel{
		{ID: "c1", Type: "pager", Name: "oncall"},
	}}
	email := &fakeEmail{}
	d := newTestDispatcher(store, email)

	q := &db.MonitoredQuery{ID: "q1", Name: "failed orders"}
	batches := []routing.Batch{{Recipients: []string{"a@acme.io"}, Rows: []core.Row{row("1")}}}

	report := d.Dispatch(context.Background(), q, batches, []core.Row{row("1")}, []string{"order_id"}, db.KindNewErrors)

	if report.ChannelsSent != 0 || report.ChannelsFailed != 0 {
		t.Fatalf("unknown type must be skipped, got sent=%d failed=%d", report.ChannelsSent, report.ChannelsFailed)
	}
	if len(store.bumps) != 0 {
		t.Fatal("skipped channel must not touch stats")
	}
}
