package memstore

import (
	"context"

	"github.com/rentdesk/messaging/internal/docstore"
)

type subscription struct {
	store      *Store
	collection string
	query      docstore.Query
	updates    chan []docstore.Document
	closed     bool
	stop       context.CancelFunc
}

// Subscribe registers a live query. Slow readers only ever see the most recent
// snapshot; intermediate ones are dropped.
func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query) (docstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		store:      s,
		collection: collection,
		query:      q,
		updates:    make(chan []docstore.Document, 1),
		stop:       cancel,
	}

	s.mu.Lock()
	set, ok := s.subs[collection]
	if !ok {
		set = make(map[*subscription]struct{})
		s.subs[collection] = set
	}
	set[sub] = struct{}{}
	sub.deliverLocked(s.queryLocked(collection, q))
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub, nil
}

func (s *Store) notifyLocked(collection string) {
	for sub := range s.subs[collection] {
		sub.deliverLocked(s.queryLocked(collection, sub.query))
	}
}

// deliverLocked replaces any undelivered snapshot with snap. The store mutex is
// the only writer to the channel, so the send never blocks.
func (sub *subscription) deliverLocked(snap []docstore.Document) {
	if sub.closed {
		return
	}
	select {
	case <-sub.updates:
	default:
	}
	sub.updates <- snap
}

func (sub *subscription) Updates() <-chan []docstore.Document { return sub.updates }

func (sub *subscription) Err() error { return nil }

func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	if sub.closed {
		return nil
	}
	sub.closed = true
	delete(sub.store.subs[sub.collection], sub)
	close(sub.updates)
	sub.stop()
	return nil
}
