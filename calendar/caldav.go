package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav/caldav"

	"github.com/warp/recurrence-engine/generic"
	"github.com/warp/recurrence-engine/recurrence"
)

// =============================================================================
// CALDAV MIRROR - Keeps a calendar collection in step with the ledger
// =============================================================================

// ObjectWriter is the part of a CalDAV client the Mirror uses.
// *caldav.Client satisfies it.
type ObjectWriter interface {
	PutCalendarObject(ctx context.Context, path string, cal *ical.Calendar) (*caldav.CalendarObject, error)
	RemoveAll(ctx context.Context, path string) error
}

// Mirror is a recurrence.Observer. Every created occurrence becomes one
// event object in Collection; every removed ledger row deletes its object.
// OnChange performs the CalDAV calls inline; publish to it through a
// recurrence.AsyncObserver to keep them off reconciliation runs.
// Failures are logged and never fail the reconciliation run.
type Mirror struct {
	Client     ObjectWriter
	Collection string
	Exporter   *Exporter
	Timeout    time.Duration
	Logger     *slog.Logger
}

var _ recurrence.Observer = (*Mirror)(nil)

// NewMirror connects to a CalDAV server with basic auth.
func NewMirror(baseURL, username, password, collection string) (*Mirror, error) {
	httpClient := &http.Client{
		Transport: &basicAuthTransport{username: username, password: password},
		Timeout:   30 * time.Second,
	}
	client, err := caldav.NewClient(httpClient, baseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}
	return &Mirror{
		Client:     client,
		Collection: collection,
		Exporter:   NewExporter(),
		Timeout:    10 * time.Second,
		Logger:     slog.Default(),
	}, nil
}

type basicAuthTransport struct {
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.password)
	return http.DefaultTransport.RoundTrip(req)
}

// ObjectPath returns the collection path of an occurrence's event.
func (m *Mirror) ObjectPath(id generic.OccurrenceID) string {
	dir := m.Collection
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return dir + string(id) + ".ics"
}

func (m *Mirror) OnChange(ctx context.Context, ev recurrence.ChangeEvent) {
	for _, occ := range ev.Created {
		err := m.call(ctx, func(ctx context.Context) error {
			cal := m.exporter().newCalendar()
			cal.Children = append(cal.Children, m.exporter().OccurrenceEvent(occ).Component)
			_, err := m.Client.PutCalendarObject(ctx, m.ObjectPath(occ.ID), cal)
			return err
		})
		if err != nil {
			m.logger().Warn("caldav put failed", "rule_id", ev.RuleID, "date", occ.Date.String(), "err", err)
		}
	}
	for _, row := range ev.Removed {
		err := m.call(ctx, func(ctx context.Context) error {
			return m.Client.RemoveAll(ctx, m.ObjectPath(row.OccurrenceID))
		})
		if err != nil {
			m.logger().Warn("caldav delete failed", "rule_id", ev.RuleID, "date", row.OccurrenceDate.String(), "err", err)
		}
	}
}

func (m *Mirror) call(ctx context.Context, fn func(context.Context) error) error {
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (m *Mirror) exporter() *Exporter {
	if m.Exporter != nil {
		return m.Exporter
	}
	return NewExporter()
}

func (m *Mirror) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
