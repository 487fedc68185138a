package mongostore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rentdesk/messaging/internal/docstore"
	b "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestBuildFilter(t *testing.T) {
	got := buildFilter([]docstore.Filter{
		docstore.Where("participantIds", docstore.OpArrayContains, "u1"),
		docstore.Where("senderId", docstore.OpNotEqual, "u1"),
		docstore.Where("id", docstore.OpEqual, "c1"),
	})
	want := b.M{"$and": b.A{
		b.M{"participantIds": "u1"},
		b.M{"senderId": b.M{"$ne": "u1"}},
		b.M{"_id": "c1"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}

	single := buildFilter([]docstore.Filter{docstore.Where("read", docstore.OpEqual, false)})
	if diff := cmp.Diff(b.M{"read": false}, single); diff != "" {
		t.Errorf("single filter mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildUpdate(t *testing.T) {
	got := buildUpdate(docstore.Fields{
		"id":              "ignored",
		"updatedAt":       "now",
		"lastMessage":     docstore.DeleteField,
		"hiddenFrom":      docstore.ArrayUnion("u1"),
		"deletedBy":       docstore.ArrayRemove("u2"),
		"deletionHistory": docstore.Append(docstore.Document{"action": "hide"}),
	})
	want := b.M{
		"$set":      b.M{"updatedAt": "now"},
		"$unset":    b.M{"lastMessage": ""},
		"$addToSet": b.M{"hiddenFrom": b.M{"$each": b.A{"u1"}}},
		"$pull":     b.M{"deletedBy": b.M{"$in": b.A{"u2"}}},
		"$push":     b.M{"deletionHistory": b.M{"$each": b.A{b.M{"action": "hide"}}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestFromBson(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := fromBson(b.M{
		"_id":          "m1",
		"timestamp":    primitive.NewDateTimeFromTime(ts),
		"participants": primitive.A{b.D{{Key: "id", Value: "u1"}}},
		"count":        int32(3),
	})

	if doc.ID() != "m1" {
		t.Errorf("Expected id m1, got %q", doc.ID())
	}
	if !doc.Time("timestamp").Equal(ts) {
		t.Errorf("Expected %v, got %v", ts, doc.Time("timestamp"))
	}
	parts := doc.Docs("participants")
	if len(parts) != 1 || parts[0].String("id") != "u1" {
		t.Errorf("Unexpected participants: %#v", parts)
	}
	if doc["count"] != 3 {
		t.Errorf("Expected count 3, got %#v", doc["count"])
	}
}

func TestUnavailableWrapsDriverErrors(t *testing.T) {
	err := unavailable(errors.New("server selection timeout"))
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}

// sliceCursor yields recs in order and fails to decode the record at badAt.
type sliceCursor struct {
	recs  []b.M
	pos   int
	badAt int
}

func (c *sliceCursor) Next(context.Context) bool {
	c.pos++
	return c.pos <= len(c.recs)
}

func (c *sliceCursor) Decode(val any) error {
	if c.pos-1 == c.badAt {
		return errors.New("error decoding key lastMessageTime: cannot decode string into a time.Time")
	}
	*(val.(*b.M)) = c.recs[c.pos-1]
	return nil
}

func (c *sliceCursor) Err() error { return nil }

func TestDecodeAll(t *testing.T) {
	ctx := context.Background()
	recs := []b.M{{"_id": "m1", "content": "one"}, {"_id": "m2", "content": "two"}}

	docs, err := decodeAll(ctx, "messages", &sliceCursor{recs: recs, badAt: -1})
	if err != nil {
		t.Fatalf("decodeAll failed: %v", err)
	}
	if len(docs) != 2 || docs[0].ID() != "m1" || docs[1].String("content") != "two" {
		t.Errorf("Unexpected documents %v", docs)
	}

	_, err = decodeAll(ctx, "messages", &sliceCursor{recs: recs, badAt: 1})
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Errorf("Expected a decode failure to wrap ErrUnavailable, got %v", err)
	}
}
