package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/download_manager/internal/events"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/transfer"
)

const queueSize = 64

// Subscriber is the part of the download manager the watcher listens to.
type Subscriber interface {
	Subscribe(key string, handler events.Handler) func()
}

// Watch sends a notification for every download that completes, is cancelled
// or fails. It blocks until ctx is done. Notifications are sent from their own
// goroutine so a slow webhook never holds up event delivery; when the queue is
// full the notification is dropped.
func Watch(ctx context.Context, sub Subscriber, n Notifier) {
	logger := logctx.LoggerFromContext(ctx)
	queue := make(chan string, queueSize)

	var (
		mu   sync.Mutex
		sent = make(map[string]string)
	)

	unsubscribe := sub.Subscribe(events.Wildcard, func(rec storage.DownloadRecord) {
		msg, ok := message(rec)

		mu.Lock()
		defer mu.Unlock()

		if !ok {
			delete(sent, rec.Key)

			return
		}

		// Progress-less republishes of the same state notify once.
		if sent[rec.Key] == msg {
			return
		}

		sent[rec.Key] = msg

		select {
		case queue <- msg:
		default:
			logger.Warn("notification queue full, dropping notification", "download_key", rec.Key)
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			logger.Info("notification watcher shutting down")

			return
		case msg := <-queue:
			if err := n.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}
	}
}

// message renders the notification for rec, if it deserves one.
func message(rec storage.DownloadRecord) (string, bool) {
	switch {
	case rec.State == storage.StateCompleted:
		return fmt.Sprintf("✅ Download finished: %s (%s)", rec.Key, humanize.Bytes(uint64(rec.TotalBytes))), true
	case rec.State == storage.StateCancelled:
		return "🛑 Download cancelled: " + rec.Key, true
	case rec.State == storage.StatePaused && rec.LastError != "" && rec.LastError != transfer.ErrShutdown.Error():
		return fmt.Sprintf("❌ Download failed: %s: %s", rec.Key, rec.LastError), true
	default:
		return "", false
	}
}
