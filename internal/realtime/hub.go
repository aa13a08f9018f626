package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains video_id -> set of connections watching that video and fans out status events.
// With Redis configured, events go through pub/sub so every instance delivers them exactly once.
type Hub struct {
	videos   map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per video
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher publishes events to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishVideoEvent(videoID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to video channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeVideo(videoID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. redisPub and redisSub may be nil for a single instance.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		videos:   make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a video's watchers. Starts the Redis subscription for this video if first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.videos[c.VideoID] == nil {
		h.videos[c.VideoID] = make(map[string]*Client)
		if h.redisSub != nil {
			videoID := c.VideoID
			cancel, err := h.redisSub.SubscribeVideo(videoID, func(event string, payload []byte) {
				h.Broadcast(videoID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed, local events only", zap.String("video_id", videoID.String()), zap.Error(err))
			} else {
				h.subs[videoID] = cancel
			}
		}
	}
	h.videos[c.VideoID][c.ID] = c
	h.logger.Debug("client watching video", zap.String("client_id", c.ID), zap.String("video_id", c.VideoID.String()))
}

// Unregister removes a client. Cancels the Redis subscription when the last watcher leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.videos[c.VideoID]
	if !ok {
		return
	}
	if _, ok := m[c.ID]; !ok {
		return
	}
	delete(m, c.ID)
	close(c.send)
	if len(m) == 0 {
		delete(h.videos, c.VideoID)
		if cancel, ok := h.subs[c.VideoID]; ok {
			cancel()
			delete(h.subs, c.VideoID)
		}
	}
	h.logger.Debug("client left video", zap.String("client_id", c.ID), zap.String("video_id", c.VideoID.String()))
}

// Broadcast sends a message to the local clients watching a video.
func (h *Hub) Broadcast(videoID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(payload); err != nil {
			h.logger.Warn("marshal event failed", zap.String("event", event), zap.Error(err))
			return
		}
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.videos[videoID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to every watcher of the video on every instance.
// With Redis it publishes only, and the subscription callback performs the local broadcast once.
func (h *Hub) Publish(videoID uuid.UUID, event string, payload interface{}) {
	if h.redis == nil {
		h.Broadcast(videoID, event, payload)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("marshal event failed", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.redis.PublishVideoEvent(videoID, event, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("video_id", videoID.String()), zap.Error(err))
		h.Broadcast(videoID, event, json.RawMessage(data))
	}
}

// Watchers returns the number of local clients watching a video.
func (h *Hub) Watchers(videoID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.videos[videoID])
}
