package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/store"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func mk(id string, kind event.Kind, aggType, aggID string, minute int) event.DomainEvent {
	return event.New(kind, aggType, aggID, map[string]any{"n": minute},
		event.WithEventID(id),
		event.WithTimestamp(at(minute)),
		event.WithSource("test"),
	)
}

func ids(evts []event.DomainEvent) []string {
	out := make([]string, len(evts))
	for i, e := range evts {
		out[i] = e.ID()
	}
	return out
}

// seed appends a small fixture across two aggregates and two kinds.
func seed(t *testing.T, s store.Store) {
	t.Helper()
	require.NoError(t, s.AppendBatch(context.Background(), []event.DomainEvent{
		mk("e1", "team.created", "team", "t1", 1),
		mk("e2", "team.renamed", "team", "t1", 2),
		mk("e3", "invoice.created", "invoice", "i1", 3),
		mk("e4", "team.renamed", "team", "t2", 4),
		mk("e5", "invoice.paid", "invoice", "i1", 5),
	}))
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/Append_and_DefaultDesc", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		evts, err := s.Events(ctx, store.Criteria{})
		require.NoError(t, err)
		assert.Equal(t, []string{"e5", "e4", "e3", "e2", "e1"}, ids(evts))
	})

	t.Run(name+"/Asc", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		evts, err := s.Events(ctx, store.Criteria{Order: store.OrderAsc})
		require.NoError(t, err)
		assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5"}, ids(evts))
	})

	t.Run(name+"/Conjunctive_Filters", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		since, until := at(2), at(4)
		evts, err := s.Events(ctx, store.Criteria{
			Kind:          "team.renamed",
			AggregateType: "team",
			Since:         &since,
			Until:         &until,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"e4", "e2"}, ids(evts))

		evts, err = s.Events(ctx, store.Criteria{Kind: "team.renamed", AggregateID: "t2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"e4"}, ids(evts))

		evts, err = s.Events(ctx, store.Criteria{Kind: "invoice.paid", AggregateID: "t1"})
		require.NoError(t, err)
		assert.Empty(t, evts)
	})

	t.Run(name+"/Offset_Limit_After_Sort", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		evts, err := s.Events(ctx, store.Criteria{Offset: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"e4", "e3"}, ids(evts))

		evts, err = s.Events(ctx, store.Criteria{Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, []string{"e2", "e1"}, ids(evts))

		evts, err = s.Events(ctx, store.Criteria{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, evts)
	})

	t.Run(name+"/ByAggregate_Replay_Order", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		evts, err := s.ByAggregate(ctx, "i1")
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e5"}, ids(evts))

		evts, err = s.ByAggregate(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, evts)
	})

	t.Run(name+"/Since", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		evts, err := s.Since(ctx, at(3))
		require.NoError(t, err)
		assert.Equal(t, []string{"e3", "e4", "e5"}, ids(evts))
	})

	t.Run(name+"/Duplicates_Accepted", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		evt := mk("dup", "team.created", "team", "t1", 1)
		require.NoError(t, s.Append(ctx, evt))
		require.NoError(t, s.Append(ctx, evt))

		evts, err := s.Events(ctx, store.Criteria{})
		require.NoError(t, err)
		assert.Len(t, evts, 2)
	})

	t.Run(name+"/Round_Trip_Fields", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		evt := event.New("team.created", "team", "t1", map[string]any{"name": "core"},
			event.WithEventID("rt"),
			event.WithTimestamp(at(7)),
			event.WithVersion(2),
			event.WithSource("teams"),
			event.WithCausationID("cause"),
			event.WithEmission(event.EmissionContext{ContextID: "org", ActorID: "me"}),
		)
		require.NoError(t, s.Append(ctx, evt))

		evts, err := s.Events(ctx, store.Criteria{})
		require.NoError(t, err)
		require.Len(t, evts, 1)

		got := evts[0]
		assert.True(t, got.Equal(evt))
		assert.True(t, got.Timestamp().Equal(evt.Timestamp()))
		assert.Equal(t, evt.Metadata(), got.Metadata())
		assert.JSONEq(t, `{"name":"core"}`, string(got.PayloadBytes()))
	})

	t.Run(name+"/Invalid_Event", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		err := s.Append(ctx, event.DomainEvent{})
		assert.ErrorIs(t, err, store.ErrInvalidEvent)

		err = s.AppendBatch(ctx, []event.DomainEvent{mk("ok", "k", "a", "1", 1), {}})
		assert.ErrorIs(t, err, store.ErrInvalidEvent)

		evts, err := s.Events(ctx, store.Criteria{})
		require.NoError(t, err)
		assert.Empty(t, evts, "a rejected batch writes nothing")
	})

	t.Run(name+"/Unencodable_Payload", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		bad := event.New("k", "agg", "1", map[string]any{"ch": make(chan int)}, event.WithEventID("bad"))
		err := s.Append(ctx, bad)
		require.ErrorIs(t, err, store.ErrInvalidEvent)
		assert.Contains(t, err.Error(), "bad")

		err = s.AppendBatch(ctx, []event.DomainEvent{mk("ok", "k", "a", "1", 1), bad})
		assert.ErrorIs(t, err, store.ErrInvalidEvent)

		evts, err := s.Events(ctx, store.Criteria{})
		require.NoError(t, err)
		assert.Empty(t, evts, "nothing is stored with an empty payload")
	})

	t.Run(name+"/Clear", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		seed(t, s)

		require.NoError(t, s.Clear(ctx))
		evts, err := s.Events(ctx, store.Criteria{})
		require.NoError(t, err)
		assert.Empty(t, evts)
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close(), "double close is a no-op")

		assert.ErrorIs(t, s.Append(ctx, mk("x", "k", "a", "1", 1)), store.ErrStoreClosed)
		_, err := s.Events(ctx, store.Criteria{})
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})
}

func TestMemoryStoreContract(t *testing.T) {
	storeContractTest(t, "Memory", func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestSQLiteStoreContract(t *testing.T) {
	storeContractTest(t, "SQLite", func(t *testing.T) store.Store {
		s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), mk("m1", "k", "a", "1", 1)))
	evts, err := s.Events(context.Background(), store.Criteria{})
	require.NoError(t, err)
	assert.Len(t, evts, 1)

	bad := event.New("k", "a", "1", make(chan int), event.WithEventID("m2"))
	require.ErrorIs(t, s.Append(context.Background(), bad), store.ErrInvalidEvent)
	evts, err = s.Events(context.Background(), store.Criteria{})
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(evts))
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.Close())

	reopened, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	evts, err := reopened.ByAggregate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids(evts))
}

func TestMemoryStoreLen(t *testing.T) {
	s := store.NewMemoryStore()
	seed(t, s)
	assert.Equal(t, 5, s.Len())
}

func TestOpen(t *testing.T) {
	s, err := store.Open("", "")
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, s)

	s, err = store.Open("sqlite", filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	assert.IsType(t, &store.SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = store.Open("sqlite", "")
	assert.Error(t, err)

	_, err = store.Open("postgres", "x")
	assert.ErrorContains(t, err, "unknown store driver")
}
