// Package feed wakes live views when something they derive from has changed.
//
// Mutations publish an Event naming the users and conversation they touched.
// With Redis configured the event goes through a pub/sub channel so that every
// server instance sees it; otherwise it is dispatched in-process.
package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const redisChannel = "chat-events"

// Event describes a change. Watchers of any listed user or of the conversation
// are woken.
type Event struct {
	Kind           string   `json:"kind"`
	ConversationID string   `json:"conversation_id,omitempty"`
	UserIDs        []string `json:"user_ids,omitempty"`
}

// Watcher receives a signal on C after any matching event. Signals coalesce:
// several events before the reader wakes yield one signal.
type Watcher struct {
	C            <-chan struct{}
	signal       chan struct{}
	users        map[string]bool
	conversation string
}

func (w *Watcher) matches(ev Event) bool {
	if w.conversation != "" && w.conversation == ev.ConversationID {
		return true
	}
	for _, id := range ev.UserIDs {
		if w.users[id] {
			return true
		}
	}
	return false
}

type Hub struct {
	watchers   map[*Watcher]bool
	broadcast  chan Event
	register   chan *Watcher
	unregister chan *Watcher
	done       chan struct{}
	redis      *redis.Client
}

// NewHub creates a hub. rdb may be nil for a single instance deployment.
func NewHub(rdb *redis.Client) *Hub {
	return &Hub{
		watchers:   make(map[*Watcher]bool),
		broadcast:  make(chan Event, 64),
		register:   make(chan *Watcher),
		unregister: make(chan *Watcher),
		done:       make(chan struct{}),
		redis:      rdb,
	}
}

// Run owns the watcher registry. It returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case w := <-h.register:
			h.watchers[w] = true

		case w := <-h.unregister:
			delete(h.watchers, w)

		case ev := <-h.broadcast:
			for w := range h.watchers {
				if !w.matches(ev) {
					continue
				}
				select {
				case w.signal <- struct{}{}:
				default:
					// A wakeup is already pending.
				}
			}
		}
	}
}

// WatchUser returns a watcher for events touching userID.
func (h *Hub) WatchUser(userID string) *Watcher {
	return h.watch(&Watcher{users: map[string]bool{userID: true}})
}

// WatchConversation returns a watcher for events on conversationID.
func (h *Hub) WatchConversation(conversationID string) *Watcher {
	return h.watch(&Watcher{conversation: conversationID})
}

func (h *Hub) watch(w *Watcher) *Watcher {
	w.signal = make(chan struct{}, 1)
	w.C = w.signal
	select {
	case h.register <- w:
	case <-h.done:
	}
	return w
}

func (h *Hub) Unwatch(w *Watcher) {
	select {
	case h.unregister <- w:
	case <-h.done:
	}
}

// Publish fans ev out to every instance.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	if h.redis == nil {
		return h.dispatch(ctx, ev)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := h.redis.Publish(ctx, redisChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return nil
}

func (h *Hub) dispatch(ctx context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscribeToRedis relays events published by any instance to local watchers.
// It is a no-op without Redis.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Warn("dropping malformed feed event", "err", err)
				continue
			}
			h.dispatch(ctx, ev)
		}
	}
}
