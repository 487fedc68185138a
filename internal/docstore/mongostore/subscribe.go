package mongostore

import (
	"context"
	"sync"

	"github.com/rentdesk/messaging/internal/docstore"
	mdb "go.mongodb.org/mongo-driver/mongo"
	mdbopts "go.mongodb.org/mongo-driver/mongo/options"
)

type subscription struct {
	updates chan []docstore.Document
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

// Subscribe watches the collection and re-runs q on every change event. Change
// events are not filtered server side: the requery is what decides whether the
// subscriber's view changed.
func (s *Store) Subscribe(ctx context.Context, collection string, q docstore.Query) (docstore.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)

	coll := s.db.Collection(collection)
	stream, err := coll.Watch(ctx, mdb.Pipeline{}, mdbopts.ChangeStream().SetFullDocument(mdbopts.Default))
	if err != nil {
		cancel()
		return nil, unavailable(err)
	}

	sub := &subscription{
		updates: make(chan []docstore.Document, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go sub.run(ctx, s, collection, q, stream)
	return sub, nil
}

func (sub *subscription) run(ctx context.Context, s *Store, collection string, q docstore.Query, stream *mdb.ChangeStream) {
	defer close(sub.done)
	defer close(sub.updates)
	defer stream.Close(context.Background())

	push := func() bool {
		docs, err := s.Query(ctx, collection, q)
		if err != nil {
			sub.fail(ctx, err)
			return false
		}
		select {
		case <-sub.updates:
		default:
		}
		sub.updates <- docs
		return true
	}

	if !push() {
		return
	}
	for stream.Next(ctx) {
		// Collapse bursts of events into a single requery.
		for stream.RemainingBatchLength() > 0 && stream.Next(ctx) {
		}
		if !push() {
			return
		}
	}
	sub.fail(ctx, stream.Err())
}

func (sub *subscription) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		// Caller-initiated close.
		return
	}
	sub.mu.Lock()
	sub.err = unavailable(err)
	sub.mu.Unlock()
}

func (sub *subscription) Updates() <-chan []docstore.Document { return sub.updates }

func (sub *subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

func (sub *subscription) Close() error {
	sub.cancel()
	<-sub.done
	return nil
}
