package chat

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/rentdesk/messaging/internal/docstore"
	"github.com/rentdesk/messaging/internal/feed"
	"github.com/rentdesk/messaging/internal/metrics"
	"github.com/rentdesk/messaging/internal/role"
)

// Hub is the fan-out layer the service publishes to and watches. *feed.Hub
// implements it.
type Hub interface {
	Notifier
	WatchUser(userID string) *feed.Watcher
	WatchConversation(conversationID string) *feed.Watcher
	Unwatch(w *feed.Watcher)
}

// Service is the messaging API exposed to clients.
type Service struct {
	Conversations *ConversationManager
	Messages      *MessageManager
	store         docstore.Store
	hub           Hub
}

// NewService wires the managers. hub may be nil, in which case live views only
// follow store snapshots and notifications are skipped.
func NewService(store docstore.Store, dir Directory, hub Hub, now func() time.Time) *Service {
	var notifier Notifier
	if hub != nil {
		notifier = hub
	}
	convs := NewConversationManager(store, dir, notifier, now)
	return &Service{
		Conversations: convs,
		Messages:      NewMessageManager(store, convs),
		store:         store,
		hub:           hub,
	}
}

func (s *Service) CreateOrFindConversation(ctx context.Context, creatorID, otherID string, prop *PropertyContext) (string, error) {
	return s.Conversations.CreateOrFind(ctx, creatorID, otherID, prop)
}

func (s *Service) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	return s.Messages.Send(ctx, req)
}

func (s *Service) UnsendMessage(ctx context.Context, messageID, requesterID string) error {
	return s.Messages.Unsend(ctx, messageID, requesterID)
}

func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	return s.Messages.MarkRead(ctx, conversationID, readerID)
}

func (s *Service) DeleteConversation(ctx context.Context, conversationID, requesterID string, requesterRole role.Role, reason string) (DeleteOutcome, error) {
	return s.Conversations.Delete(ctx, conversationID, requesterID, requesterRole, reason)
}

func (s *Service) GetConversation(ctx context.Context, conversationID, viewerID string) (*Conversation, error) {
	return s.Conversations.Get(ctx, conversationID, viewerID)
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationView, error) {
	return s.Conversations.List(ctx, userID)
}

// GetUnreadCount returns the total number of unread messages across every
// conversation visible to userID.
func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.Conversations.TotalUnread(ctx, userID)
}

func (s *Service) History(ctx context.Context, conversationID, viewerID string, limit int) ([]Message, error) {
	return s.Messages.History(ctx, conversationID, viewerID, limit)
}

// SubscribeConversations streams userID's conversation list. Every snapshot is
// the full list, recomputed whenever a conversation document changes or a
// message event names the user. Slow readers only see the latest snapshot.
// The channel is closed once ctx is cancelled or the store subscription fails.
func (s *Service) SubscribeConversations(ctx context.Context, userID string) (<-chan []ConversationView, error) {
	if userID == "" {
		return nil, invalid("user is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.store.Subscribe(ctx, collConversations, listQuery(userID))
	if err != nil {
		cancel()
		return nil, storeErr("subscribe conversations", err)
	}

	var w *feed.Watcher
	var nudges <-chan struct{}
	if s.hub != nil {
		w = s.hub.WatchUser(userID)
		nudges = w.C
	}

	out := make(chan []ConversationView, 1)
	gauge := metrics.FeedSubscribers.WithLabelValues("conversations")
	gauge.Inc()

	go func() {
		defer func() {
			if w != nil {
				s.hub.Unwatch(w)
			}
			sub.Close()
			cancel()
			gauge.Dec()
			close(out)
		}()

		var docs []docstore.Document
		seen := false
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-sub.Updates():
				if !ok {
					if err := sub.Err(); err != nil {
						log.Warn("conversation feed ended", "user", userID, "err", err)
					}
					return
				}
				docs, seen = snap, true
			case <-nudges:
				if !seen {
					continue
				}
			}

			views, err := s.Conversations.views(ctx, userID, docs)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("conversation feed not refreshed", "user", userID, "err", err)
				continue
			}
			latest(out, views)
		}
	}()
	return out, nil
}

// SubscribeMessages streams the messages of a conversation, oldest first. Only
// participants may subscribe. Hub events for the conversation trigger a requery,
// so the feed stays current on stores that only deliver the first snapshot.
func (s *Service) SubscribeMessages(ctx context.Context, conversationID, viewerID string) (<-chan []Message, error) {
	if _, err := s.Conversations.Get(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	q := docstore.Query{
		Filters: []docstore.Filter{docstore.Where("conversationId", docstore.OpEqual, conversationID)},
		OrderBy: []docstore.Order{{Field: "timestamp"}},
	}
	ctx, cancel := context.WithCancel(ctx)
	sub, err := s.store.Subscribe(ctx, collMessages, q)
	if err != nil {
		cancel()
		return nil, storeErr("subscribe messages", err)
	}

	var w *feed.Watcher
	var nudges <-chan struct{}
	if s.hub != nil {
		w = s.hub.WatchConversation(conversationID)
		nudges = w.C
	}

	out := make(chan []Message, 1)
	gauge := metrics.FeedSubscribers.WithLabelValues("messages")
	gauge.Inc()

	go func() {
		defer func() {
			if w != nil {
				s.hub.Unwatch(w)
			}
			sub.Close()
			cancel()
			gauge.Dec()
			close(out)
		}()

		var docs []docstore.Document
		seen := false
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-sub.Updates():
				if !ok {
					if err := sub.Err(); err != nil {
						log.Warn("message feed ended", "conversation", conversationID, "err", err)
					}
					return
				}
				docs, seen = snap, true
			case <-nudges:
				if !seen {
					continue
				}
				fresh, err := s.store.Query(ctx, collMessages, q)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					log.Warn("message feed not refreshed", "conversation", conversationID, "err", err)
					continue
				}
				docs = fresh
			}

			msgs := make([]Message, len(docs))
			for i, d := range docs {
				msgs[i] = *messageFromDoc(d)
			}
			latest(out, msgs)
		}
	}()
	return out, nil
}

// latest replaces any unread value in ch with v. ch must have a buffer of one
// and a single writer.
func latest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
