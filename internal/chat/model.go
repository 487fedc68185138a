package chat

import (
	"slices"
	"time"

	"github.com/rentdesk/messaging/internal/docstore"
	"github.com/rentdesk/messaging/internal/role"
)

const (
	collConversations = "conversations"
	collMessages      = "messages"
	// collPairs holds one claim per participant pair naming its live conversation.
	collPairs = "conversationPairs"
)

// Participant is a snapshot of a user taken when the conversation was created.
// It is not refreshed when the user's profile changes.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      role.Role `json:"role"`
	AvatarRef string    `json:"avatarRef,omitempty"`
}

// PropertyContext tags a conversation with the listing it started from.
type PropertyContext struct {
	PropertyID    string `json:"propertyId" validate:"required"`
	PropertyTitle string `json:"propertyTitle"`
}

type MessageSummary struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	SenderName string    `json:"senderName"`
	SenderType role.Role `json:"senderType"`
}

const (
	ActionHide            = "hide"
	ActionRestore         = "restore"
	ActionPermanentDelete = "permanent_delete"
)

// AuditRecord is one entry of a conversation's append-only deletion history.
type AuditRecord struct {
	UserID    string    `json:"userId"`
	Role      role.Role `json:"role"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

type Conversation struct {
	ID              string           `json:"id"`
	Participants    []Participant    `json:"participants"`
	ParticipantIDs  []string         `json:"participantIds"`
	PropertyContext *PropertyContext `json:"propertyContext,omitempty"`
	LastMessage     *MessageSummary  `json:"lastMessage,omitempty"`
	LastMessageTime time.Time        `json:"lastMessageTime"`
	HiddenFrom      []string         `json:"hiddenFrom"`
	DeletedBy       []string         `json:"deletedBy"`
	DeletionHistory []AuditRecord    `json:"deletionHistory"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

func (c *Conversation) Participant(userID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].ID == userID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Others returns the ids of every participant except userID.
func (c *Conversation) Others(userID string) []string {
	var out []string
	for _, id := range c.ParticipantIDs {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

func (c *Conversation) HiddenFor(userID string) bool {
	return slices.Contains(c.HiddenFrom, userID)
}

// DeletedByAll reports whether every participant has asked for deletion.
func (c *Conversation) DeletedByAll() bool {
	for _, id := range c.ParticipantIDs {
		if !slices.Contains(c.DeletedBy, id) {
			return false
		}
	}
	return len(c.ParticipantIDs) > 0
}

// Purging reports whether permanent deletion has started but not finished.
func (c *Conversation) Purging() bool {
	for _, rec := range c.DeletionHistory {
		if rec.Action == ActionPermanentDelete {
			return true
		}
	}
	return false
}

// Terminal reports whether the conversation only accepts deletion from now on.
func (c *Conversation) Terminal() bool {
	return c.DeletedByAll() || c.Purging()
}

type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile:
		return true
	}
	return false
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName"`
	SenderType     role.Role   `json:"senderType"`
	Content        string      `json:"content"`
	Timestamp      time.Time   `json:"timestamp"`
	Read           bool        `json:"read"`
	Type           MessageType `json:"type"`
	AttachmentRef  string      `json:"attachmentRef,omitempty"`
	AttachmentName string      `json:"attachmentName,omitempty"`
}

func (m *Message) Summary() *MessageSummary {
	return &MessageSummary{
		ID:         m.ID,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		SenderName: m.SenderName,
		SenderType: m.SenderType,
	}
}

// ConversationView is a conversation as one viewer sees it.
type ConversationView struct {
	Conversation
	UnreadCount int `json:"unreadCount"`
}

// Document mapping. Field names are shared by every store backend.

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func (p Participant) toDoc() docstore.Document {
	return docstore.Document{
		"id":        p.ID,
		"name":      p.Name,
		"email":     p.Email,
		"role":      string(p.Role),
		"avatarRef": p.AvatarRef,
	}
}

func participantFromDoc(d docstore.Document) Participant {
	return Participant{
		ID:        d.String("id"),
		Name:      d.String("name"),
		Email:     d.String("email"),
		Role:      role.Role(d.String("role")),
		AvatarRef: d.String("avatarRef"),
	}
}

func (s *MessageSummary) toDoc() docstore.Document {
	return docstore.Document{
		"id":         s.ID,
		"content":    s.Content,
		"timestamp":  s.Timestamp,
		"senderName": s.SenderName,
		"senderType": string(s.SenderType),
	}
}

func (a AuditRecord) toDoc() docstore.Document {
	return docstore.Document{
		"userId":    a.UserID,
		"role":      string(a.Role),
		"action":    a.Action,
		"timestamp": a.Timestamp,
		"reason":    a.Reason,
	}
}

func (c *Conversation) toDoc() docstore.Document {
	parts := make([]any, len(c.Participants))
	for i, p := range c.Participants {
		parts[i] = p.toDoc()
	}
	history := make([]any, len(c.DeletionHistory))
	for i, a := range c.DeletionHistory {
		history[i] = a.toDoc()
	}

	doc := docstore.Document{
		"id":              c.ID,
		"participants":    parts,
		"participantIds":  stringsToAny(c.ParticipantIDs),
		"lastMessageTime": c.LastMessageTime,
		"hiddenFrom":      stringsToAny(c.HiddenFrom),
		"deletedBy":       stringsToAny(c.DeletedBy),
		"deletionHistory": history,
		"createdAt":       c.CreatedAt,
		"updatedAt":       c.UpdatedAt,
	}
	if c.PropertyContext != nil {
		doc["propertyContext"] = docstore.Document{
			"propertyId":    c.PropertyContext.PropertyID,
			"propertyTitle": c.PropertyContext.PropertyTitle,
		}
	}
	if c.LastMessage != nil {
		doc["lastMessage"] = c.LastMessage.toDoc()
	}
	return doc
}

func conversationFromDoc(d docstore.Document) *Conversation {
	c := &Conversation{
		ID:              d.ID(),
		ParticipantIDs:  d.Strings("participantIds"),
		LastMessageTime: d.Time("lastMessageTime"),
		HiddenFrom:      d.Strings("hiddenFrom"),
		DeletedBy:       d.Strings("deletedBy"),
		CreatedAt:       d.Time("createdAt"),
		UpdatedAt:       d.Time("updatedAt"),
	}
	for _, p := range d.Docs("participants") {
		c.Participants = append(c.Participants, participantFromDoc(p))
	}
	for _, a := range d.Docs("deletionHistory") {
		c.DeletionHistory = append(c.DeletionHistory, AuditRecord{
			UserID:    a.String("userId"),
			Role:      role.Role(a.String("role")),
			Action:    a.String("action"),
			Timestamp: a.Time("timestamp"),
			Reason:    a.String("reason"),
		})
	}
	if pc := d.Doc("propertyContext"); pc != nil {
		c.PropertyContext = &PropertyContext{
			PropertyID:    pc.String("propertyId"),
			PropertyTitle: pc.String("propertyTitle"),
		}
	}
	if lm := d.Doc("lastMessage"); lm != nil {
		c.LastMessage = &MessageSummary{
			ID:         lm.String("id"),
			Content:    lm.String("content"),
			Timestamp:  lm.Time("timestamp"),
			SenderName: lm.String("senderName"),
			SenderType: role.Role(lm.String("senderType")),
		}
	}
	return c
}

func (m *Message) toDoc() docstore.Document {
	doc := docstore.Document{
		"conversationId": m.ConversationID,
		"senderId":       m.SenderID,
		"senderName":     m.SenderName,
		"senderType":     string(m.SenderType),
		"content":        m.Content,
		"timestamp":      m.Timestamp,
		"read":           m.Read,
		"type":           string(m.Type),
	}
	if m.ID != "" {
		doc["id"] = m.ID
	}
	if m.AttachmentRef != "" {
		doc["attachmentRef"] = m.AttachmentRef
		doc["attachmentName"] = m.AttachmentName
	}
	return doc
}

func messageFromDoc(d docstore.Document) *Message {
	return &Message{
		ID:             d.ID(),
		ConversationID: d.String("conversationId"),
		SenderID:       d.String("senderId"),
		SenderName:     d.String("senderName"),
		SenderType:     role.Role(d.String("senderType")),
		Content:        d.String("content"),
		Timestamp:      d.Time("timestamp"),
		Read:           d.Bool("read"),
		Type:           MessageType(d.String("type")),
		AttachmentRef:  d.String("attachmentRef"),
		AttachmentName: d.String("attachmentName"),
	}
}
