package logging

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// WSFeed broadcasts log lines to connected websocket clients on /ws/logs.
// It keeps a bounded history ring so a client connecting late still sees
// recent activity.
type WSFeed struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]time.Time

	histMu  sync.RWMutex
	history []LogLine
	histCap int

	broadcast chan LogLine
	stopCh    chan struct{}
	seq       uint64
	maxConns  int
}

// LogLine is the JSON shape sent to websocket clients.
type LogLine struct {
	ID        uint64                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var (
	feedOnce sync.Once
	feed     *WSFeed
)

// Feed returns the process-wide websocket log feed, starting it on first use.
func Feed() *WSFeed {
	feedOnce.Do(func() {
		feed = &WSFeed{
			clients:   make(map[*websocket.Conn]time.Time),
			history:   make([]LogLine, 0, 300),
			histCap:   300,
			broadcast: make(chan LogLine, 128),
			stopCh:    make(chan struct{}),
			maxConns:  50,
		}
		feed.start()
		log.AddHook(&feedHook{feed: feed})
	})
	return feed
}

func (f *WSFeed) start() {
	go func() {
		for {
			select {
			case line := <-f.broadcast:
				f.mu.RLock()
				for conn := range f.clients {
					if err := conn.WriteJSON(line); err != nil {
						go f.remove(conn)
					}
				}
				f.mu.RUnlock()
			case <-f.stopCh:
				return
			}
		}
	}()
}

// Publish queues a line for broadcast, dropping it when the buffer is full.
func (f *WSFeed) Publish(level, message string, fields map[string]interface{}) {
	line := LogLine{
		ID:        atomic.AddUint64(&f.seq, 1),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   message,
		Fields:    fields,
	}
	f.histMu.Lock()
	f.history = append(f.history, line)
	if len(f.history) > f.histCap {
		f.history = f.history[len(f.history)-f.histCap:]
	}
	f.histMu.Unlock()

	select {
	case f.broadcast <- line:
	default:
	}
}

func (f *WSFeed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	if _, ok := f.clients[conn]; ok {
		delete(f.clients, conn)
		_ = conn.Close()
	}
	f.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades the request and attaches the client to the feed.
func (f *WSFeed) Handler(c *gin.Context) {
	f.mu.RLock()
	full := len(f.clients) >= f.maxConns
	f.mu.RUnlock()
	if full {
		c.String(http.StatusServiceUnavailable, "too many log clients")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	// Replay history before joining the broadcast set.
	f.histMu.RLock()
	replay := make([]LogLine, len(f.history))
	copy(replay, f.history)
	f.histMu.RUnlock()
	for _, line := range replay {
		if err := conn.WriteJSON(line); err != nil {
			_ = conn.Close()
			return
		}
	}

	f.mu.Lock()
	f.clients[conn] = time.Now()
	f.mu.Unlock()

	// Reader loop only to detect close.
	go func() {
		defer f.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// feedHook mirrors logrus entries into the websocket feed.
type feedHook struct {
	feed *WSFeed
}

func (h *feedHook) Levels() []log.Level {
	return []log.Level{log.ErrorLevel, log.WarnLevel, log.InfoLevel}
}

func (h *feedHook) Fire(entry *log.Entry) error {
	fields := make(map[string]interface{}, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}
	h.feed.Publish(entry.Level.String(), entry.Message, fields)
	return nil
}
