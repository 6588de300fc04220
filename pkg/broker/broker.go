// Package broker is the progress delivery fabric between worker reporters
// and client transports: pub/sub channels over PostgreSQL NOTIFY/LISTEN, a
// bounded ordered per-job event cache for missed-event replay, and per-job
// publish throttling with milestone bypass.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/progress"
)

// listenTimeout bounds how long a LISTEN command may block when a channel
// gains its first subscriber. Without this, a stalled connection would block
// the subscribing goroutine indefinitely.
const listenTimeout = 10 * time.Second

// Config carries broker tunables.
type Config struct {
	// ThrottleInterval is the per-job cooldown between non-milestone
	// publishes.
	ThrottleInterval time.Duration
	// CacheSize is the number of newest events kept per job stream.
	CacheSize int
	// CacheTTL is the whole-stream lifetime since the newest append.
	CacheTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ThrottleInterval: 500 * time.Millisecond,
		CacheSize:        1000,
		CacheTTL:         time.Hour,
	}
}

// Broker is the per-process façade over the external pub/sub and the event
// cache. Workers publish through it; client transports subscribe and replay
// through it. One Broker instance is shared per API process.
type Broker struct {
	cfg       Config
	publisher *Publisher
	cache     *Cache
	hub       *Hub
	listener  *NotifyListener
}

// New wires a broker over the shared database handle, the ent client, and a
// dedicated LISTEN connection string.
func New(db *sql.DB, client *ent.Client, connString string, cfg Config) *Broker {
	b := &Broker{
		cfg:       cfg,
		publisher: NewPublisher(db, cfg.ThrottleInterval, cfg.CacheSize),
		cache:     NewCache(client),
		hub:       NewHub(),
	}
	b.listener = NewNotifyListener(connString, b)
	b.hub.SetChannelHooks(b.onFirstSubscriber, b.onLastSubscriber)
	return b
}

// Start brings up the NOTIFY receive loop.
func (b *Broker) Start(ctx context.Context) error {
	return b.listener.Start(ctx)
}

// Stop tears down the NOTIFY receive loop and its connection.
func (b *Broker) Stop(ctx context.Context) {
	b.listener.Stop(ctx)
}

// Publish admits one message: cache append, stream trim, TTL refresh, and
// fan-out to the per-job and wildcard channels. Milestones and force bypass
// the throttle.
func (b *Broker) Publish(ctx context.Context, msg *progress.Message, force bool) (Result, error) {
	return b.publisher.Publish(ctx, msg, force)
}

// Subscribe acquires a receive path for one job's progress channel. The
// returned subscription must be closed on every exit path.
func (b *Broker) Subscribe(jobID int64) *Subscription {
	return b.hub.Subscribe(JobChannel(jobID))
}

// SubscribeWildcard acquires a receive path for the monitoring channel that
// carries every job's messages.
func (b *Broker) SubscribeWildcard() *Subscription {
	return b.hub.Subscribe(WildcardChannel)
}

// GetMissed returns cached messages with event_id > sinceEventID, ascending.
func (b *Broker) GetMissed(ctx context.Context, jobID, sinceEventID int64) ([]*progress.Message, error) {
	return b.cache.GetMissed(ctx, jobID, sinceEventID)
}

// LastEventID returns the newest event_id published for a job, or 0 when
// its stream is empty. Workers read it when claiming a job so a retried
// execution continues the stream where the previous one stopped.
func (b *Broker) LastEventID(ctx context.Context, jobID int64) (int64, error) {
	return b.cache.LastEventID(ctx, jobID)
}

// Recent returns up to count cached messages, newest first.
func (b *Broker) Recent(ctx context.Context, jobID int64, count int) ([]*progress.Message, error) {
	return b.cache.Recent(ctx, jobID, count)
}

// PurgeExpired removes streams idle past the cache TTL. Called periodically
// by the retention service; safe to run from multiple pods.
func (b *Broker) PurgeExpired(ctx context.Context) (int64, error) {
	return b.publisher.PurgeExpired(ctx, b.cfg.CacheTTL)
}

// Dispatch receives a raw NOTIFY payload from the listener, decodes it, and
// fans it out to local subscribers. Implements Dispatcher.
func (b *Broker) Dispatch(channel string, payload []byte) {
	msg, err := progress.Decode(payload)
	if err != nil {
		// Oversized payloads arrive as a truncation envelope; re-read the
		// full message from the cache.
		var env truncationEnvelope
		if jsonErr := json.Unmarshal(payload, &env); jsonErr != nil || !env.Truncated {
			slog.Debug("Ignoring undecodable notification", "channel", channel, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		msg, err = b.cache.Get(ctx, env.JobID, env.EventID)
		if err != nil || msg == nil {
			slog.Warn("Truncated notification could not be re-read from cache",
				"job_id", env.JobID, "event_id", env.EventID, "error", err)
			return
		}
	}
	b.hub.Broadcast(channel, msg)
}

// onFirstSubscriber starts LISTEN when a channel gains its first subscriber.
// Synchronous so replay that follows Subscribe runs with LISTEN already
// active, closing the gap where events published between replay and LISTEN
// would be lost.
func (b *Broker) onFirstSubscriber(channel string) {
	ctx, cancel := context.WithTimeout(context.Background(), listenTimeout)
	defer cancel()
	if err := b.listener.Subscribe(ctx, channel); err != nil {
		slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
	}
}

// onLastSubscriber stops LISTEN when the last subscriber leaves. Runs in a
// goroutine and re-checks for a resubscribe so a rapid unsubscribe/subscribe
// cycle does not drop the LISTEN.
func (b *Broker) onLastSubscriber(channel string) {
	go func() {
		if b.hub.SubscriberCount(channel) > 0 {
			return
		}
		if err := b.listener.Unsubscribe(context.Background(), channel); err != nil {
			slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
		}
	}()
}
