package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/rentdesk/messaging/internal/docstore"
	"github.com/rentdesk/messaging/internal/feed"
	"github.com/rentdesk/messaging/internal/metrics"
	"github.com/rentdesk/messaging/internal/role"
	"github.com/rentdesk/messaging/internal/user"
)

//go:generate mockgen -destination=mock_chat/mock_chat.go -package=mock_chat github.com/rentdesk/messaging/internal/chat Directory

// Directory resolves user ids to profiles.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*user.User, error)
}

// Notifier wakes live views after a mutation.
type Notifier interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// pairNamespace seeds the claim keys of participant pairs.
var pairNamespace = uuid.MustParse("8d6f1f4e-5b0a-4c55-9a57-5f1b0c7e2a10")

// pairID returns the claim key for an unordered pair of users.
func pairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return uuid.NewSHA1(pairNamespace, []byte(a+"\x00"+b)).String()
}

// errClaimReleased means a purge freed the pair while a creation was using it.
var errClaimReleased = errors.New("pair claim released")

// claimAttempts bounds how often CreateOrFind starts over after losing a pair
// claim to a concurrent purge.
const claimAttempts = 3

type ConversationManager struct {
	store    docstore.Store
	dir      Directory
	notifier Notifier
	now      func() time.Time
}

func NewConversationManager(store docstore.Store, dir Directory, notifier Notifier, now func() time.Time) *ConversationManager {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ConversationManager{store: store, dir: dir, notifier: notifier, now: now}
}

func (m *ConversationManager) lookup(ctx context.Context, userID string) (*user.User, error) {
	u, err := m.dir.Lookup(ctx, userID)
	if errors.Is(err, user.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w: %w", userID, ErrStoreUnavailable, err)
	}
	return u, nil
}

// load returns the conversation or ErrNotFound.
func (m *ConversationManager) load(ctx context.Context, conversationID string) (*Conversation, error) {
	doc, err := m.store.Get(ctx, collConversations, conversationID)
	if err != nil {
		return nil, storeErr("load conversation", err)
	}
	return conversationFromDoc(doc), nil
}

// CreateOrFind returns the conversation between creatorID and otherID, creating
// it when the pair has none. A new conversation stays hidden from otherID until
// the first message is sent. The property context of an existing conversation is
// never changed. Ids are generated; a claim document per pair keeps concurrent
// creations from producing two conversations, and a purged id is never reused.
func (m *ConversationManager) CreateOrFind(ctx context.Context, creatorID, otherID string, prop *PropertyContext) (string, error) {
	if creatorID == "" || otherID == "" {
		return "", invalid("both participants are required")
	}
	if creatorID == otherID {
		return "", invalid("cannot start a conversation with yourself")
	}

	creator, err := m.lookup(ctx, creatorID)
	if err != nil {
		return "", err
	}
	other, err := m.lookup(ctx, otherID)
	if err != nil {
		return "", err
	}
	if !role.CanConverse(creator.Role, other.Role) {
		return "", fmt.Errorf("%w: %s and %s", ErrPermissionDenied, creator.Role, other.Role)
	}

	for attempt := 0; attempt < claimAttempts; attempt++ {
		existing, err := m.findByPair(ctx, creatorID, otherID)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return existing.ID, m.reopen(ctx, existing, creatorID)
		}

		id, err := m.claim(ctx, creatorID, otherID)
		if errors.Is(err, errClaimReleased) {
			continue
		}
		if err != nil {
			return "", err
		}

		err = m.materialize(ctx, id, creator, other, prop)
		if errors.Is(err, errClaimReleased) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
	return "", fmt.Errorf("%w: conversation between %s and %s is being deleted", ErrInvalidState, creatorID, otherID)
}

// findByPair searches a's conversations for one held with b alone. A live
// conversation is preferred over one on its way to being purged.
func (m *ConversationManager) findByPair(ctx context.Context, a, b string) (*Conversation, error) {
	docs, err := m.store.Query(ctx, collConversations, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("participantIds", docstore.OpArrayContains, a)},
		OrderBy: []docstore.Order{{Field: "createdAt"}},
	})
	if err != nil {
		return nil, storeErr("find conversation", err)
	}
	var found *Conversation
	for _, d := range docs {
		c := conversationFromDoc(d)
		if len(c.ParticipantIDs) != 2 || !c.HasParticipant(b) {
			continue
		}
		if !c.Terminal() {
			return c, nil
		}
		if found == nil {
			found = c
		}
	}
	return found, nil
}

// claim binds the pair to a fresh conversation id and returns the id the pair
// ends up bound to, which is another caller's when that caller claimed first.
func (m *ConversationManager) claim(ctx context.Context, a, b string) (string, error) {
	id := uuid.NewString()
	_, err := m.store.Create(ctx, collPairs, docstore.Document{"id": pairID(a, b), "conversationId": id})
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, docstore.ErrAlreadyExists) {
		return "", storeErr("claim pair", err)
	}
	held, err := m.claimed(ctx, a, b)
	if err != nil {
		return "", err
	}
	if held == "" {
		return "", errClaimReleased
	}
	return held, nil
}

// claimed returns the conversation id the pair is bound to, or "" when unbound.
func (m *ConversationManager) claimed(ctx context.Context, a, b string) (string, error) {
	doc, err := m.store.Get(ctx, collPairs, pairID(a, b))
	if errors.Is(err, docstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", storeErr("read pair claim", err)
	}
	return doc.String("conversationId"), nil
}

// materialize writes the conversation a pair claim names. Every caller holding
// the claim may try; the first write wins and the others reopen it.
func (m *ConversationManager) materialize(ctx context.Context, id string, creator, other *user.User, prop *PropertyContext) error {
	now := m.now()
	c := &Conversation{
		ID:              id,
		Participants:    []Participant{snapshot(creator), snapshot(other)},
		ParticipantIDs:  []string{creator.ID, other.ID},
		PropertyContext: prop,
		LastMessageTime: now,
		HiddenFrom:      []string{other.ID},
		DeletedBy:       []string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := m.store.Create(ctx, collConversations, c.toDoc())
	if errors.Is(err, docstore.ErrAlreadyExists) {
		existing, err := m.load(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return errClaimReleased
		}
		if err != nil {
			return err
		}
		return m.reopen(ctx, existing, creator.ID)
	}
	if err != nil {
		return storeErr("create conversation", err)
	}

	// A purge may have released the claim between reading it and the write above;
	// a purged id must not come back.
	held, err := m.claimed(ctx, creator.ID, other.ID)
	if err != nil {
		return err
	}
	if held != id {
		if err := m.store.Delete(ctx, collConversations, id); err != nil {
			return storeErr("drop released conversation", err)
		}
		return errClaimReleased
	}

	metrics.ConversationsCreated.Inc()
	log.Debug("conversation created", "conversation", id, "creator", creator.ID, "other", other.ID)
	return nil
}

// reopen makes an existing conversation visible again to a participant who had
// deleted it and now starts it afresh.
func (m *ConversationManager) reopen(ctx context.Context, c *Conversation, userID string) error {
	if c.Terminal() {
		return ErrInvalidState
	}
	if !c.HiddenFor(userID) {
		return nil
	}
	// Either userID deleted it earlier, or userID is the recipient of a conversation
	// that has no messages yet and is now starting it themselves.
	fields := docstore.Fields{
		"hiddenFrom": docstore.ArrayRemove(userID),
		"updatedAt":  m.now(),
	}
	if slices.Contains(c.DeletedBy, userID) {
		fields["deletedBy"] = docstore.ArrayRemove(userID)
		fields["deletionHistory"] = docstore.Append(m.audit(c, userID, "", ActionRestore, "").toDoc())
	}
	if err := m.store.UpdateFields(ctx, collConversations, c.ID, fields); err != nil {
		return storeErr("reopen conversation", err)
	}
	m.notify(ctx, "conversation", c.ID, userID)
	return nil
}

func snapshot(u *user.User) Participant {
	return Participant{
		ID:        u.ID,
		Name:      u.DisplayName(),
		Email:     u.Email,
		Role:      u.Role,
		AvatarRef: u.AvatarRef,
	}
}

func (m *ConversationManager) audit(c *Conversation, userID string, r role.Role, action, reason string) AuditRecord {
	if !r.Valid() {
		if p := c.Participant(userID); p != nil {
			r = p.Role
		}
	}
	return AuditRecord{UserID: userID, Role: r, Action: action, Timestamp: m.now(), Reason: reason}
}

// DeleteOutcome tells the caller what a delete request did.
type DeleteOutcome string

const (
	// DeleteHidden means the conversation is now hidden from the requester only.
	DeleteHidden DeleteOutcome = "hidden"
	// DeletePermanent means both sides agreed and all data is gone.
	DeletePermanent DeleteOutcome = "permanent"
)

// Delete records requesterID's wish to delete the conversation. The conversation
// disappears for the requester right away; its data is destroyed only once every
// participant has asked for deletion. Repeating a request is a no-op, and
// repeating it after a partially failed purge finishes the purge.
func (m *ConversationManager) Delete(ctx context.Context, conversationID, requesterID string, requesterRole role.Role, reason string) (DeleteOutcome, error) {
	c, err := m.load(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if !c.HasParticipant(requesterID) {
		return "", ErrNotParticipant
	}

	if !slices.Contains(c.DeletedBy, requesterID) {
		err := m.store.UpdateFields(ctx, collConversations, conversationID, docstore.Fields{
			"deletedBy":       docstore.ArrayUnion(requesterID),
			"hiddenFrom":      docstore.ArrayUnion(requesterID),
			"deletionHistory": docstore.Append(m.audit(c, requesterID, requesterRole, ActionHide, reason).toDoc()),
			"updatedAt":       m.now(),
		})
		if err != nil {
			return "", storeErr("hide conversation", err)
		}
		metrics.ConversationsDeleted.WithLabelValues("hide").Inc()
		m.notify(ctx, "conversation", conversationID, requesterID)
	}

	// Re-read so that a delete by the other side that landed meanwhile is seen.
	c, err = m.load(ctx, conversationID)
	if errors.Is(err, ErrNotFound) {
		// The other participant completed the purge.
		return DeletePermanent, nil
	}
	if err != nil {
		return "", err
	}
	if !c.DeletedByAll() {
		return DeleteHidden, nil
	}

	if err := m.purge(ctx, c, requesterID, requesterRole, reason); err != nil {
		return "", err
	}
	return DeletePermanent, nil
}

// purge destroys every message of c and then c itself. Each step is idempotent,
// so concurrent or repeated purges converge.
func (m *ConversationManager) purge(ctx context.Context, c *Conversation, requesterID string, requesterRole role.Role, reason string) error {
	docs, err := m.store.Query(ctx, collMessages, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("conversationId", docstore.OpEqual, c.ID)},
	})
	if err != nil {
		return storeErr("list messages for purge", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID())
	}
	if err := m.store.BatchDelete(ctx, collMessages, ids); err != nil {
		return storeErr("delete messages", err)
	}

	err = m.store.UpdateFields(ctx, collConversations, c.ID, docstore.Fields{
		"deletionHistory": docstore.Append(m.audit(c, requesterID, requesterRole, ActionPermanentDelete, reason).toDoc()),
		"updatedAt":       m.now(),
	})
	if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return storeErr("record permanent delete", err)
	}

	if err := m.releaseClaim(ctx, c); err != nil {
		return err
	}
	if err := m.store.Delete(ctx, collConversations, c.ID); err != nil {
		return storeErr("delete conversation", err)
	}

	metrics.ConversationsDeleted.WithLabelValues("permanent").Inc()
	log.Info("conversation permanently deleted", "conversation", c.ID, "messages", len(ids))
	m.notify(ctx, "conversation", c.ID, c.ParticipantIDs...)
	return nil
}

// releaseClaim frees c's pair for a new conversation. It runs while c still
// exists and is marked purged, so a claim never names a deleted conversation.
func (m *ConversationManager) releaseClaim(ctx context.Context, c *Conversation) error {
	if len(c.ParticipantIDs) != 2 {
		return nil
	}
	a, b := c.ParticipantIDs[0], c.ParticipantIDs[1]
	held, err := m.claimed(ctx, a, b)
	if err != nil {
		return err
	}
	if held != c.ID {
		return nil
	}
	if err := m.store.Delete(ctx, collPairs, pairID(a, b)); err != nil {
		return storeErr("release pair claim", err)
	}
	return nil
}

// Get returns a conversation to one of its participants.
func (m *ConversationManager) Get(ctx context.Context, conversationID, viewerID string) (*Conversation, error) {
	c, err := m.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(viewerID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// UnreadCount counts messages in the conversation that viewerID has not read.
// It is derived from the messages on every call; no counter is stored.
func (m *ConversationManager) UnreadCount(ctx context.Context, conversationID, viewerID string) (int, error) {
	docs, err := m.store.Query(ctx, collMessages, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("conversationId", docstore.OpEqual, conversationID),
			docstore.Where("read", docstore.OpEqual, false),
			docstore.Where("senderId", docstore.OpNotEqual, viewerID),
		},
	})
	if err != nil {
		return 0, storeErr("count unread", err)
	}
	return len(docs), nil
}

// listQuery selects every conversation userID takes part in, newest activity first.
func listQuery(userID string) docstore.Query {
	return docstore.Query{
		Filters: []docstore.Filter{docstore.Where("participantIds", docstore.OpArrayContains, userID)},
		OrderBy: []docstore.Order{{Field: "lastMessageTime", Desc: true}},
	}
}

// List returns the conversations visible to userID with their unread counts.
func (m *ConversationManager) List(ctx context.Context, userID string) ([]ConversationView, error) {
	docs, err := m.store.Query(ctx, collConversations, listQuery(userID))
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	return m.views(ctx, userID, docs)
}

// views turns raw conversation documents into userID's view of them.
func (m *ConversationManager) views(ctx context.Context, userID string, docs []docstore.Document) ([]ConversationView, error) {
	out := make([]ConversationView, 0, len(docs))
	for _, d := range docs {
		c := conversationFromDoc(d)
		if c.HiddenFor(userID) || c.Purging() {
			continue
		}
		n, err := m.UnreadCount(ctx, c.ID, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, ConversationView{Conversation: *c, UnreadCount: n})
	}
	return out, nil
}

// TotalUnread sums the unread counts of every conversation visible to userID.
func (m *ConversationManager) TotalUnread(ctx context.Context, userID string) (int, error) {
	views, err := m.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, v := range views {
		total += v.UnreadCount
	}
	return total, nil
}

// notify is best effort: live views also refresh from store snapshots.
func (m *ConversationManager) notify(ctx context.Context, kind, conversationID string, userIDs ...string) {
	if m.notifier == nil {
		return
	}
	ev := feed.Event{Kind: kind, ConversationID: conversationID, UserIDs: userIDs}
	if err := m.notifier.Publish(ctx, ev); err != nil {
		metrics.SecondaryWriteFailures.WithLabelValues("notify").Inc()
		log.Warn("feed notification failed", "kind", kind, "conversation", conversationID, "err", err)
	}
}
