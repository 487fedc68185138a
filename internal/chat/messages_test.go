package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rentdesk/messaging/internal/docstore"
	"github.com/rentdesk/messaging/internal/docstore/memstore"
	"github.com/rentdesk/messaging/internal/role"
)

// flakyStore fails selected calls of the wrapped store.
type flakyStore struct {
	docstore.Store
	failGet      bool
	failUpdate   func(collection string, fields docstore.Fields) bool
	beforeCreate func(collection string)
}

func (s *flakyStore) Create(ctx context.Context, collection string, doc docstore.Document) (string, error) {
	if s.beforeCreate != nil {
		s.beforeCreate(collection)
	}
	return s.Store.Create(ctx, collection, doc)
}

func (s *flakyStore) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if s.failGet {
		return nil, fmt.Errorf("dial tcp: %w", docstore.ErrUnavailable)
	}
	return s.Store.Get(ctx, collection, id)
}

func (s *flakyStore) UpdateFields(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if s.failUpdate != nil && s.failUpdate(collection, fields) {
		return fmt.Errorf("write timeout: %w", docstore.ErrUnavailable)
	}
	return s.Store.UpdateFields(ctx, collection, id, fields)
}

func TestScenarioAgentAndTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id := f.create(t, agent, tenant)
	if c := f.conversation(t, id); !c.HiddenFor(tenant) || c.HiddenFor(agent) {
		t.Fatalf("Expected conversation hidden from the tenant only, hiddenFrom=%v", c.HiddenFrom)
	}

	f.send(t, id, agent, "Hello")
	c := f.conversation(t, id)
	if c.HiddenFor(tenant) {
		t.Errorf("Expected conversation visible to the tenant")
	}
	if c.LastMessage == nil || c.LastMessage.Content != "Hello" {
		t.Errorf("Expected summary Hello, got %+v", c.LastMessage)
	}

	f.send(t, id, tenant, "Hi, is it still available?")

	if _, err := f.svc.MarkRead(ctx, id, tenant); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	tenantViews, _ := f.svc.ListConversations(ctx, tenant)
	if len(tenantViews) != 1 || tenantViews[0].UnreadCount != 0 {
		t.Errorf("Expected tenant to have 0 unread, got %+v", tenantViews)
	}
	agentViews, _ := f.svc.ListConversations(ctx, agent)
	if len(agentViews) != 1 || agentViews[0].UnreadCount != 1 {
		t.Errorf("Expected agent to have 1 unread, got %+v", agentViews)
	}

	if _, err := f.svc.DeleteConversation(ctx, id, agent, role.Agent, ""); err != nil {
		t.Fatalf("Delete by agent failed: %v", err)
	}
	c = f.conversation(t, id)
	if !c.HiddenFor(agent) || c.HiddenFor(tenant) {
		t.Errorf("Expected conversation hidden from the agent only, hiddenFrom=%v", c.HiddenFrom)
	}

	if _, err := f.svc.DeleteConversation(ctx, id, tenant, role.Tenant, ""); err != nil {
		t.Fatalf("Delete by tenant failed: %v", err)
	}
	if _, err := f.store.Get(ctx, collConversations, id); !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("Expected conversation gone, got %v", err)
	}
	if n := f.store.Len(collMessages); n != 0 {
		t.Errorf("Expected messages gone, %d left", n)
	}
}

func TestSendRejectsForbiddenPairWithoutWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Two tenants can only share a conversation written behind the API's back.
	id, err := f.store.Create(ctx, collConversations, (&Conversation{
		ID: "forged",
		Participants: []Participant{
			{ID: tenant, Name: "Tom Tenant", Role: role.Tenant},
			{ID: tenant2, Name: "Tia Tenant", Role: role.Tenant},
		},
		ParticipantIDs: []string{tenant, tenant2},
		HiddenFrom:     []string{tenant2},
	}).toDoc())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	before, _ := f.store.Get(ctx, collConversations, id)

	_, err = f.svc.SendMessage(ctx, SendRequest{ConversationID: id, SenderID: tenant, Content: "hey"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}

	after, _ := f.store.Get(ctx, collConversations, id)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("conversation changed (-before +after):\n%s", diff)
	}
	if n := f.store.Len(collMessages); n != 0 {
		t.Errorf("Expected no message written, got %d", n)
	}
}

func TestSendChecks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.create(t, agent, tenant)

	tests := []struct {
		name    string
		req     SendRequest
		wantErr error
	}{
		{"empty text", SendRequest{ConversationID: id, SenderID: agent, Content: "   "}, ErrInvalidArgument},
		{"too long", SendRequest{ConversationID: id, SenderID: agent, Content: strings.Repeat("é", MaxContentLength+1)}, ErrInvalidArgument},
		{"unknown type", SendRequest{ConversationID: id, SenderID: agent, Content: "x", Type: "video"}, ErrInvalidArgument},
		{"image without attachment", SendRequest{ConversationID: id, SenderID: agent, Type: TypeImage}, ErrInvalidArgument},
		{"missing conversation", SendRequest{ConversationID: "missing", SenderID: agent, Content: "x"}, ErrNotFound},
		{"outsider", SendRequest{ConversationID: id, SenderID: landlord, Content: "x"}, ErrNotParticipant},
		{"role mismatch", SendRequest{ConversationID: id, SenderID: agent, SenderRole: role.Landlord, Content: "x"}, ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.SendMessage(ctx, tt.req); !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if n := f.store.Len(collMessages); n != 0 {
		t.Errorf("Expected no message written, got %d", n)
	}
	if c := f.conversation(t, id); !c.HiddenFor(tenant) {
		t.Errorf("Expected conversation still hidden from the tenant")
	}
}

func TestSendAttachment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.create(t, agent, tenant)

	msgID, err := f.svc.SendMessage(ctx, SendRequest{
		ConversationID: id,
		SenderID:       agent,
		SenderRole:     role.Agent,
		Type:           TypeFile,
		AttachmentRef:  "uploads/lease.pdf",
		AttachmentName: "lease.pdf",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	doc, err := f.store.Get(ctx, collMessages, msgID)
	if err != nil {
		t.Fatalf("Get message failed: %v", err)
	}
	msg := messageFromDoc(doc)
	want := Message{
		ID:             msgID,
		ConversationID: id,
		SenderID:       agent,
		SenderName:     "Ada Agent",
		SenderType:     role.Agent,
		Timestamp:      msg.Timestamp,
		Type:           TypeFile,
		AttachmentRef:  "uploads/lease.pdf",
		AttachmentName: "lease.pdf",
	}
	if diff := cmp.Diff(want, *msg); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestSummaryFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: memstore.New()}
	svc := NewService(flaky, testDirectory(), nil, newClock().Now)

	id, err := svc.CreateOrFindConversation(ctx, agent, tenant, nil)
	if err != nil {
		t.Fatalf("CreateOrFind failed: %v", err)
	}

	flaky.failUpdate = func(collection string, fields docstore.Fields) bool {
		_, summary := fields["lastMessage"]
		return collection == collConversations && summary
	}
	msgID, err := svc.SendMessage(ctx, SendRequest{ConversationID: id, SenderID: agent, Content: "Hello"})
	if err != nil {
		t.Fatalf("Expected the send to succeed, got %v", err)
	}

	if _, err := flaky.Get(ctx, collMessages, msgID); err != nil {
		t.Errorf("Expected the message to be stored: %v", err)
	}
	doc, _ := flaky.Get(ctx, collConversations, id)
	c := conversationFromDoc(doc)
	if c.LastMessage != nil {
		t.Errorf("Expected a stale summary, got %+v", c.LastMessage)
	}
	if c.HiddenFor(tenant) {
		t.Errorf("Expected the visibility flip to have happened")
	}
}

func TestRevealFailureAbortsSend(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: memstore.New()}
	svc := NewService(flaky, testDirectory(), nil, newClock().Now)

	id, err := svc.CreateOrFindConversation(ctx, agent, tenant, nil)
	if err != nil {
		t.Fatalf("CreateOrFind failed: %v", err)
	}

	flaky.failUpdate = func(collection string, fields docstore.Fields) bool {
		_, reveal := fields["hiddenFrom"]
		return reveal
	}
	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: id, SenderID: agent, Content: "Hello"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Errorf("Expected the store error in the chain, got %v", err)
	}
}

func TestSendRacingPurgeLeavesNoMessage(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: memstore.New()}
	svc := NewService(flaky, testDirectory(), nil, newClock().Now)

	id, err := svc.CreateOrFindConversation(ctx, agent, tenant, nil)
	if err != nil {
		t.Fatalf("CreateOrFind failed: %v", err)
	}

	// Both sides delete between the send's state check and its write.
	flaky.beforeCreate = func(collection string) {
		if collection != collMessages {
			return
		}
		flaky.beforeCreate = nil
		for _, u := range []string{agent, tenant} {
			if _, err := svc.DeleteConversation(ctx, id, u, "", ""); err != nil {
				t.Errorf("Delete by %s failed: %v", u, err)
			}
		}
	}
	_, err = svc.SendMessage(ctx, SendRequest{ConversationID: id, SenderID: agent, Content: "Hello"})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}

	docs, err := flaky.Query(ctx, collMessages, docstore.Query{})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("Expected no orphaned message, got %v", docs)
	}
}

func TestStoreUnavailableOnLoad(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyStore{Store: memstore.New(), failGet: true}
	svc := NewService(flaky, testDirectory(), nil, newClock().Now)

	_, err := svc.SendMessage(ctx, SendRequest{ConversationID: "any", SenderID: agent, Content: "Hello"})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestMarkReadIsMonotonic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.create(t, agent, tenant)
	for i := 0; i < 3; i++ {
		f.send(t, id, agent, fmt.Sprintf("message %d", i))
	}

	unread, _ := f.svc.Conversations.UnreadCount(ctx, id, tenant)
	if unread != 3 {
		t.Fatalf("Expected 3 unread, got %d", unread)
	}

	n, err := f.svc.MarkRead(ctx, id, tenant)
	if err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 marked, got %d", n)
	}

	n, err = f.svc.MarkRead(ctx, id, tenant)
	if err != nil {
		t.Fatalf("second MarkRead failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected second MarkRead to change nothing, got %d", n)
	}

	unread, _ = f.svc.Conversations.UnreadCount(ctx, id, tenant)
	if unread != 0 {
		t.Errorf("Expected 0 unread, got %d", unread)
	}

	// Reading your own messages does not flag them.
	if n, _ := f.svc.MarkRead(ctx, id, agent); n != 0 {
		t.Errorf("Expected agent MarkRead to change nothing, got %d", n)
	}

	f.send(t, id, tenant, "thanks")
	total, err := f.svc.GetUnreadCount(ctx, agent)
	if err != nil {
		t.Fatalf("GetUnreadCount failed: %v", err)
	}
	if total != 1 {
		t.Errorf("Expected 1 unread for the agent, got %d", total)
	}

	if _, err := f.svc.MarkRead(ctx, id, landlord); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
}

func TestUnsendOnlyBySender(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.create(t, agent, tenant)
	first := f.send(t, id, agent, "first")
	second := f.send(t, id, agent, "second")

	err := f.svc.UnsendMessage(ctx, second, tenant)
	if !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
	if _, err := f.store.Get(ctx, collMessages, second); err != nil {
		t.Errorf("Expected the message to remain: %v", err)
	}

	if err := f.svc.UnsendMessage(ctx, second, agent); err != nil {
		t.Fatalf("Unsend failed: %v", err)
	}
	c := f.conversation(t, id)
	if c.LastMessage == nil || c.LastMessage.ID != first || c.LastMessage.Content != "first" {
		t.Errorf("Expected summary to fall back to the first message, got %+v", c.LastMessage)
	}

	if err := f.svc.UnsendMessage(ctx, first, agent); err != nil {
		t.Fatalf("Unsend failed: %v", err)
	}
	if c := f.conversation(t, id); c.LastMessage != nil {
		t.Errorf("Expected no summary once every message is gone, got %+v", c.LastMessage)
	}

	if err := f.svc.UnsendMessage(ctx, first, agent); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unsent message, got %v", err)
	}
}

func TestHistoryIsOldestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.create(t, agent, tenant)
	for i := 0; i < 5; i++ {
		f.send(t, id, agent, fmt.Sprintf("m%d", i))
	}

	msgs, err := f.svc.History(ctx, id, tenant, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	got := make([]string, len(msgs))
	for i, m := range msgs {
		got[i] = m.Content
	}
	if diff := cmp.Diff([]string{"m2", "m3", "m4"}, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	if _, err := f.svc.History(ctx, id, landlord, 0); !errors.Is(err, ErrNotParticipant) {
		t.Errorf("Expected ErrNotParticipant, got %v", err)
	}
}
