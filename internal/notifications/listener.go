package notifications

import (
	"context"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// JobChannel is the Postgres channel notified when a document job is
// created or changes status.
const JobChannel = "document_jobs"

// Listener turns Postgres NOTIFY events into wake-up signals for the worker.
// Signals are coalesced: a burst of notifications wakes the worker once.
type Listener struct {
	connStr string
	channel string
	wake    chan struct{}
}

// NewListener creates a listener on channel using a dedicated connection.
func NewListener(connStr, channel string) *Listener {
	return &Listener{
		connStr: connStr,
		channel: channel,
		wake:    make(chan struct{}, 1),
	}
}

// Wake returns the channel that receives a value after each notification.
func (l *Listener) Wake() <-chan struct{} {
	return l.wake
}

func (l *Listener) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Start listens until ctx is done, reconnecting after errors.
func (l *Listener) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Job listener stopped")
			return
		default:
			if err := l.listen(ctx); err != nil {
				log.Warn().Err(err).Msg("Job listener error, retrying in 5s")
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
					continue
				}
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("Job listener event error")
		}
	})
	defer listener.Close()

	if err := listener.Listen(l.channel); err != nil {
		return err
	}

	log.Info().Str("channel", l.channel).Msg("Job listener started (real-time mode)")

	// Anything queued while we were disconnected.
	l.signal()

	for {
		select {
		case <-ctx.Done():
			return nil

		case n := <-listener.Notify:
			if n == nil {
				// Connection lost, reconnect
				return nil
			}
			log.Debug().
				Str("channel", n.Channel).
				Str("payload", n.Extra).
				Msg("Received job notification")
			l.signal()

		case <-time.After(90 * time.Second):
			if err := listener.Ping(); err != nil {
				return err
			}
		}
	}
}

// CanUseListen checks if the connection string supports LISTEN/NOTIFY.
// Connection poolers like PgBouncer in transaction mode don't support LISTEN.
func CanUseListen(connStr string) bool {
	// Supabase's pooler URLs contain "pooler" in the host
	if strings.Contains(connStr, "pooler") {
		return false
	}
	// PgBouncer typically runs on port 6543
	if strings.Contains(connStr, ":6543") {
		return false
	}
	return true
}

// StartJobListener starts a listener when directURL (or connStr) supports
// LISTEN and returns its wake channel. It returns nil when only polling is
// possible; a nil channel never fires, so callers can select on it safely.
func StartJobListener(ctx context.Context, connStr, directURL string) <-chan struct{} {
	target := connStr
	if directURL != "" {
		target = directURL
	}
	if target == "" || !CanUseListen(target) {
		log.Info().Msg("Using polling mode for job wake-ups (connection pooler detected)")
		return nil
	}

	l := NewListener(target, JobChannel)
	go l.Start(ctx)
	return l.Wake()
}
