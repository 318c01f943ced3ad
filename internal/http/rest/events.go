package rest

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/italolelis/download_manager/internal/events"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/storage"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Records buffered per stream before the subscriber is dropped as too slow.
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// HandleDownloadEvents streams the current record of one download followed by
// every change until the download reaches a terminal state.
func (h *DownloadsHandler) HandleDownloadEvents(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, chi.URLParam(r, "key"))
}

// HandleEvents streams every change of every download.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, events.Wildcard)
}

func (h *DownloadsHandler) stream(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx).With("download_key", key)

	var (
		send     = make(chan storage.DownloadRecord, sendBuffer)
		overflow = make(chan struct{})
		once     sync.Once
	)

	// Subscribe before taking the snapshot so no change falls in between.
	unsubscribe := h.manager.Subscribe(key, func(rec storage.DownloadRecord) {
		select {
		case send <- rec:
		default:
			once.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	var lastVersion uint64

	var snapshot *storage.DownloadRecord

	if key != events.Wildcard {
		rec, err := h.manager.Get(ctx, key)
		if err != nil {
			writeError(w, r, err)

			return
		}

		snapshot = &rec
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		logger.Debug("failed to upgrade event stream", "err", err)

		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go readPump(conn, closed)

	if snapshot != nil {
		if err := writeRecord(conn, *snapshot); err != nil {
			return
		}

		lastVersion = snapshot.Version

		if snapshot.State.IsTerminal() {
			closeStream(conn, websocket.CloseNormalClosure, "download finished")

			return
		}
	}

	logger.Debug("event stream opened")

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			closeStream(conn, websocket.CloseGoingAway, "server shutting down")

			return
		case <-closed:
			logger.Debug("event stream closed by peer")

			return
		case <-overflow:
			logger.Warn("event stream too slow, dropping subscriber")
			closeStream(conn, websocket.ClosePolicyViolation, "subscriber too slow")

			return
		case rec := <-send:
			// Per-key streams skip what the snapshot already covered.
			if key != events.Wildcard && rec.Version <= lastVersion {
				continue
			}

			if err := writeRecord(conn, rec); err != nil {
				return
			}

			lastVersion = rec.Version

			if key != events.Wildcard && rec.State.IsTerminal() {
				closeStream(conn, websocket.CloseNormalClosure, "download finished")

				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains the connection so control frames are processed, and closes
// done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeRecord(conn *websocket.Conn, rec storage.DownloadRecord) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	return conn.WriteJSON(newDownloadResponse(rec))
}

func closeStream(conn *websocket.Conn, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
