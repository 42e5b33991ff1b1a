package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stratafi/strata-backend/internal/pool"
	"github.com/stratafi/strata-backend/internal/store"
)

type SSEHandler struct {
	cache  *store.Cache
	logger *zap.SugaredLogger
}

func NewSSEHandler(cache *store.Cache, logger *zap.SugaredLogger) *SSEHandler {
	return &SSEHandler{
		cache:  cache,
		logger: logger,
	}
}

func (h *SSEHandler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Set configurable CORS origins - in production, this should be from config
	origin := r.Header.Get("Origin")
	allowedOrigins := []string{
		"http://localhost:3000",
		"http://localhost:5173", // Vite dev server
		"https://app.stratafi.io",
	}

	corsOrigin := ""
	for _, allowed := range allowedOrigins {
		if origin == allowed {
			corsOrigin = allowed
			break
		}
	}

	if corsOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", corsOrigin)
	}
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	// Parse query parameters for subscription topics
	topics := h.parseTopics(r)
	address := r.URL.Query().Get("address")

	h.logger.Debugw("SSE connection established", "topics", topics, "address", address)

	// Create context that cancels when client disconnects
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe to pubsub channels
	channels := h.mapTopicsToChannels(r, topics, address)
	if len(channels) == 0 {
		// Default to pool state updates if no specific topics requested
		channels = []string{store.ChannelPoolState}
	}

	// Try Redis pubsub first
	pubsub := h.cache.Subscribe(ctx, channels...)
	if pubsub != nil {
		defer pubsub.Close()
		h.handleRedisPubSub(ctx, w, pubsub)
		return
	}

	// Fall back to in-memory pubsub if available
	if h.cache.IsInMemoryMode() {
		mockPubsub := h.cache.SubscribeInMemory(ctx, channels...)
		if mockPubsub != nil {
			defer mockPubsub.Close()
			h.logger.Debugw("Using in-memory PubSub for SSE", "channels", channels)
			h.handleMockPubSub(ctx, w, mockPubsub)
			return
		}
	}

	h.logger.Warnw("No PubSub available; SSE updates disabled for this connection")
	h.sendEvent(w, "connected", "SSE connection established (no pubsub)", nil)
}

func (h *SSEHandler) parseTopics(r *http.Request) []string {
	topicsParam := r.URL.Query().Get("topics")
	if topicsParam == "" {
		return nil
	}
	return strings.Split(topicsParam, ",")
}

func (h *SSEHandler) mapTopicsToChannels(r *http.Request, topics []string, address string) []string {
	channels := make([]string, 0)

	for _, topic := range topics {
		switch topic {
		case "pool", "pool_state":
			channels = append(channels, store.ChannelPoolState)
		case "events", "activity":
			channels = append(channels, store.ChannelPoolEvents)
		case "settlements":
			// Settlements topic narrows to one tranche when requested
			if tranche := r.URL.Query().Get("tranche"); tranche != "" {
				channels = append(channels, store.ChannelEpochSettledFor(strings.ToLower(tranche)))
			} else {
				for _, t := range pool.Tranches {
					channels = append(channels, store.ChannelEpochSettledFor(t.String()))
				}
			}
		}
	}

	// Add lender-specific channel if address provided
	if address != "" {
		channels = append(channels, fmt.Sprintf("strata:lender:%s", address))
	}

	return channels
}

func (h *SSEHandler) channelToEventType(channel string) string {
	switch {
	case channel == store.ChannelPoolState:
		return "pool_state"
	case channel == store.ChannelPoolEvents:
		return "pool_event"
	case strings.HasPrefix(channel, store.ChannelEpochSettled+":"):
		return "epoch_settled"
	case strings.HasPrefix(channel, "strata:lender:"):
		return "lender_update"
	default:
		return "update"
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType, id string, data interface{}) {
	if data != nil {
		dataBytes, err := json.Marshal(data)
		if err != nil {
			h.logger.Errorw("Failed to marshal SSE data", "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\n", eventType)
		fmt.Fprintf(w, "id: %s\n", id)
		fmt.Fprintf(w, "data: %s\n\n", dataBytes)
	} else {
		fmt.Fprintf(w, "event: %s\n", eventType)
		fmt.Fprintf(w, "id: %s\n", id)
		fmt.Fprintf(w, "data: {}\n\n")
	}

	// Flush the data to the client
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// handleRedisPubSub handles Redis pubsub messages for SSE
func (h *SSEHandler) handleRedisPubSub(ctx context.Context, w http.ResponseWriter, pubsub *redis.PubSub) {
	// Send initial heartbeat
	h.sendEvent(w, "connected", "SSE connection established", nil)

	// Start heartbeat routine
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	// Listen for messages
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-ch:
			if msg == nil {
				continue
			}

			h.logger.Debugw("Sending SSE message", "channel", msg.Channel)

			// Parse message data
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "error", err)
				continue
			}

			// Send SSE event
			eventType := h.channelToEventType(msg.Channel)
			h.sendEvent(w, eventType, msg.Channel, data)
		}
	}
}

// handleMockPubSub handles in-memory pubsub messages for SSE
func (h *SSEHandler) handleMockPubSub(ctx context.Context, w http.ResponseWriter, mockPubsub *store.MockPubSub) {
	// Send initial heartbeat
	h.sendEvent(w, "connected", "SSE connection established (in-memory)", nil)

	// Start heartbeat routine
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	// Listen for messages
	ch := mockPubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debugw("SSE client disconnected")
			return

		case <-heartbeat.C:
			h.sendEvent(w, "heartbeat", "ping", map[string]interface{}{
				"timestamp": time.Now().Unix(),
			})

		case msg := <-ch:
			if msg == nil {
				continue
			}

			h.logger.Debugw("Sending SSE message", "channel", msg.Channel)

			// Parse message data
			var data interface{}
			if err := json.Unmarshal([]byte(msg.Payload), &data); err != nil {
				h.logger.Warnw("Failed to parse message payload", "error", err)
				continue
			}

			// Send SSE event
			eventType := h.channelToEventType(msg.Channel)
			h.sendEvent(w, eventType, msg.Channel, data)
		}
	}
}
