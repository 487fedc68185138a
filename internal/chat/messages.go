package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/rentdesk/messaging/internal/docstore"
	"github.com/rentdesk/messaging/internal/metrics"
	"github.com/rentdesk/messaging/internal/role"
)

const (
	MaxContentLength = 4000
	defaultHistory   = 200
)

type SendRequest struct {
	ConversationID string
	SenderID       string
	SenderRole     role.Role
	Content        string
	Type           MessageType
	AttachmentRef  string
	AttachmentName string
}

func (r *SendRequest) normalize() error {
	r.Content = strings.TrimSpace(r.Content)
	if r.Type == "" {
		r.Type = TypeText
	}
	switch {
	case r.ConversationID == "" || r.SenderID == "":
		return invalid("conversation and sender are required")
	case !r.Type.Valid():
		return invalid("unknown message type %q", r.Type)
	case r.Type == TypeText && r.Content == "":
		return invalid("message is empty")
	case r.Type != TypeText && r.AttachmentRef == "":
		return invalid("%s message needs an attachment", r.Type)
	case utf8.RuneCountInString(r.Content) > MaxContentLength:
		return invalid("message longer than %d characters", MaxContentLength)
	}
	return nil
}

type MessageManager struct {
	store docstore.Store
	convs *ConversationManager
}

func NewMessageManager(store docstore.Store, convs *ConversationManager) *MessageManager {
	return &MessageManager{store: store, convs: convs}
}

// Send appends a message to a conversation and returns its id.
//
// The first message of a conversation makes it visible to the other side. That
// check reads then writes without a transaction; two racing first messages both
// remove the same ids from hiddenFrom, which ends in the same state.
func (m *MessageManager) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := req.normalize(); err != nil {
		return "", err
	}

	c, err := m.convs.load(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}
	sender := c.Participant(req.SenderID)
	if sender == nil || !c.HasParticipant(req.SenderID) {
		return "", ErrNotParticipant
	}
	if c.Terminal() {
		return "", ErrInvalidState
	}

	// The conversation was checked at creation, but the stored document may have
	// been written by anything with store access.
	senderRole := sender.Role
	if req.SenderRole != "" && req.SenderRole != senderRole {
		return "", fmt.Errorf("%w: sender role %s does not match %s", ErrPermissionDenied, req.SenderRole, senderRole)
	}
	others := c.Others(req.SenderID)
	for _, id := range others {
		p := c.Participant(id)
		if p == nil || !role.CanConverse(senderRole, p.Role) {
			return "", ErrPermissionDenied
		}
	}

	if err := m.revealOnFirstMessage(ctx, c, req.SenderID); err != nil {
		return "", err
	}

	msg := &Message{
		ConversationID: c.ID,
		SenderID:       req.SenderID,
		SenderName:     sender.Name,
		SenderType:     senderRole,
		Content:        req.Content,
		Timestamp:      m.convs.now(),
		Read:           false,
		Type:           req.Type,
		AttachmentRef:  req.AttachmentRef,
		AttachmentName: req.AttachmentName,
	}
	id, err := m.store.Create(ctx, collMessages, msg.toDoc())
	if err != nil {
		return "", storeErr("write message", err)
	}
	msg.ID = id

	// A purge that started after the check above would miss this message; re-read
	// and take it back if the conversation is gone or going.
	if err := m.ensureLive(ctx, c.ID, id); err != nil {
		return "", err
	}
	metrics.MessagesSent.Inc()

	// The message is durable from here on; the summary is only a cache.
	err = m.store.UpdateFields(ctx, collConversations, c.ID, docstore.Fields{
		"lastMessage":     msg.Summary().toDoc(),
		"lastMessageTime": msg.Timestamp,
		"updatedAt":       m.convs.now(),
	})
	if err != nil {
		metrics.SecondaryWriteFailures.WithLabelValues("summary").Inc()
		log.Warn("last message summary not updated", "conversation", c.ID, "message", id, "err", err)
	}

	m.convs.notify(ctx, "message", c.ID, c.ParticipantIDs...)
	return id, nil
}

func (m *MessageManager) ensureLive(ctx context.Context, conversationID, messageID string) error {
	c, err := m.convs.load(ctx, conversationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && !c.Terminal() {
		return nil
	}
	if err := m.store.Delete(ctx, collMessages, messageID); err != nil {
		return storeErr("withdraw message", err)
	}
	return fmt.Errorf("%w: conversation %s was deleted", ErrInvalidState, conversationID)
}

func (m *MessageManager) revealOnFirstMessage(ctx context.Context, c *Conversation, senderID string) error {
	var reveal []any
	for _, id := range c.HiddenFrom {
		if id != senderID {
			reveal = append(reveal, id)
		}
	}
	if len(reveal) == 0 {
		return nil
	}

	existing, err := m.store.Query(ctx, collMessages, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("conversationId", docstore.OpEqual, c.ID)},
		Limit:   1,
	})
	if err != nil {
		return storeErr("check first message", err)
	}
	if len(existing) > 0 {
		return nil
	}

	err = m.store.UpdateFields(ctx, collConversations, c.ID, docstore.Fields{
		"hiddenFrom": docstore.ArrayRemove(reveal...),
	})
	if err != nil {
		return storeErr("reveal conversation", err)
	}
	return nil
}

// Unsend deletes a message. Only its sender may do that.
func (m *MessageManager) Unsend(ctx context.Context, messageID, requesterID string) error {
	doc, err := m.store.Get(ctx, collMessages, messageID)
	if err != nil {
		return storeErr("load message", err)
	}
	msg := messageFromDoc(doc)
	if msg.SenderID != requesterID {
		return fmt.Errorf("%w: only the sender can unsend a message", ErrNotParticipant)
	}

	if err := m.store.Delete(ctx, collMessages, messageID); err != nil {
		return storeErr("delete message", err)
	}
	metrics.MessagesUnsent.Inc()

	m.refreshSummary(ctx, msg.ConversationID)
	m.convs.notify(ctx, "unsend", msg.ConversationID, m.participantsOf(ctx, msg)...)
	return nil
}

// refreshSummary points the conversation summary at the newest remaining message,
// or clears it. Failures are logged only.
func (m *MessageManager) refreshSummary(ctx context.Context, conversationID string) {
	latest, err := m.store.Query(ctx, collMessages, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("conversationId", docstore.OpEqual, conversationID)},
		OrderBy: []docstore.Order{{Field: "timestamp", Desc: true}},
		Limit:   1,
	})
	if err != nil {
		metrics.SecondaryWriteFailures.WithLabelValues("summary").Inc()
		log.Warn("last message summary not recomputed", "conversation", conversationID, "err", err)
		return
	}

	fields := docstore.Fields{
		"lastMessage": docstore.DeleteField,
		"updatedAt":   m.convs.now(),
	}
	if len(latest) > 0 {
		last := messageFromDoc(latest[0])
		fields["lastMessage"] = last.Summary().toDoc()
		fields["lastMessageTime"] = last.Timestamp
	}

	err = m.store.UpdateFields(ctx, collConversations, conversationID, fields)
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		metrics.SecondaryWriteFailures.WithLabelValues("summary").Inc()
		log.Warn("last message summary not recomputed", "conversation", conversationID, "err", err)
	}
}

func (m *MessageManager) participantsOf(ctx context.Context, msg *Message) []string {
	c, err := m.convs.load(ctx, msg.ConversationID)
	if err != nil {
		return []string{msg.SenderID}
	}
	return c.ParticipantIDs
}

// MarkRead flags every message readerID received in the conversation as read and
// returns how many changed. Flags only ever go from unread to read, so a partial
// failure is fixed by calling it again.
func (m *MessageManager) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	c, err := m.convs.load(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !c.HasParticipant(readerID) {
		return 0, ErrNotParticipant
	}
	if c.Terminal() {
		return 0, ErrInvalidState
	}

	unread, err := m.store.Query(ctx, collMessages, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("conversationId", docstore.OpEqual, conversationID),
			docstore.Where("read", docstore.OpEqual, false),
			docstore.Where("senderId", docstore.OpNotEqual, readerID),
		},
	})
	if err != nil {
		return 0, storeErr("list unread", err)
	}

	marked := 0
	for _, d := range unread {
		err := m.store.UpdateFields(ctx, collMessages, d.ID(), docstore.Fields{"read": true})
		if errors.Is(err, docstore.ErrNotFound) {
			// Unsent meanwhile.
			continue
		}
		if err != nil {
			return marked, storeErr("mark read", err)
		}
		marked++
	}

	if marked > 0 {
		m.convs.notify(ctx, "read", conversationID, c.ParticipantIDs...)
	}
	return marked, nil
}

// History returns up to limit of the newest messages, oldest first.
func (m *MessageManager) History(ctx context.Context, conversationID, viewerID string, limit int) ([]Message, error) {
	if _, err := m.convs.Get(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistory
	}

	docs, err := m.store.Query(ctx, collMessages, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("conversationId", docstore.OpEqual, conversationID)},
		OrderBy: []docstore.Order{{Field: "timestamp", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, storeErr("load history", err)
	}
	return messagesAscending(docs), nil
}

// messagesAscending decodes documents sorted newest first into oldest first.
func messagesAscending(docs []docstore.Document) []Message {
	out := make([]Message, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = *messageFromDoc(d)
	}
	return out
}
