package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CMDESIGN8/lupiback/core"
	"github.com/CMDESIGN8/lupiback/engine"
)

func TestSink_OnEventPostsToEndpoints(t *testing.T) {
	var (
		hits int32
		mu   sync.Mutex
		got  []core.Event
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		var ev core.Event
		_ = json.NewDecoder(r.Body).Decode(&ev)
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		assert.Equal(t, string(ev.Type), r.Header.Get("X-Lupi-Event"))
	}))
	defer srv.Close()

	sink := New([]string{srv.URL, srv.URL})
	sink.OnEvent(context.Background(), core.NewWeeklyReset(7))

	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", hits)
	}
	assert.Equal(t, int64(7), got[0].Amount)
}

func TestSink_AttachFiltersTypes(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	bus := engine.NewEventBus(engine.DispatchSync)
	t.Cleanup(bus.Close)
	stop := New([]string{srv.URL}, WithTypes(core.EventLevelUp)).Attach(bus)

	ctx := context.Background()
	rec := core.SettlementRecord{EventID: "ev", CharacterID: "alice", LevelBefore: 1, LevelAfter: 2}
	bus.Publish(ctx, core.NewSettlementApplied(rec))
	bus.Publish(ctx, core.NewLevelUp(rec))
	stop()
	bus.Publish(ctx, core.NewLevelUp(rec))

	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestSink_FailuresAreSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := New([]string{srv.URL, "http://127.0.0.1:1/unreachable"})
	assert.NotPanics(t, func() { sink.OnEvent(context.Background(), core.NewWeeklyReset(1)) })
}
