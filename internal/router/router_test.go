package router_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a-essam23/vibemap/internal/resilience"
	"github.com/a-essam23/vibemap/internal/router"
	"github.com/a-essam23/vibemap/pkg/logging"
	"github.com/a-essam23/vibemap/pkg/presence"
	"github.com/a-essam23/vibemap/pkg/ratelimit"
	"github.com/a-essam23/vibemap/pkg/state"
	"github.com/a-essam23/vibemap/pkg/state/statemanager"
	"github.com/a-essam23/vibemap/pkg/vibelog"
)

type fakeTransport struct {
	id   uuid.UUID
	mu   sync.Mutex
	msgs [][]byte
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }
func (f *fakeTransport) Close(error)   {}
func (f *fakeTransport) Send(msg []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return true
}

type received struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (f *fakeTransport) received(t *testing.T) []received {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]received, 0, len(f.msgs))
	for _, m := range f.msgs {
		var r received
		require.NoError(t, json.Unmarshal(m, &r))
		out = append(out, r)
	}
	return out
}

type presenceCall struct {
	op       string
	key      string
	member   string
	lat, lng float64
	radius   float64
}

type recordingPresence struct {
	*presence.MemoryStore
	mu    sync.Mutex
	calls []presenceCall
	err   error
}

func (p *recordingPresence) Upsert(ctx context.Context, key, member string, lat, lng float64) error {
	p.mu.Lock()
	p.calls = append(p.calls, presenceCall{op: "upsert", key: key, member: member, lat: lat, lng: lng})
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return p.MemoryStore.Upsert(ctx, key, member, lat, lng)
}

func (p *recordingPresence) SearchRadius(ctx context.Context, key string, lat, lng, radius float64) ([]string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, presenceCall{op: "search", key: key, lat: lat, lng: lng, radius: radius})
	p.mu.Unlock()
	return p.MemoryStore.SearchRadius(ctx, key, lat, lng, radius)
}

type failingVibes struct{}

func (failingVibes) Append(context.Context, vibelog.Event) error {
	return errors.New("connection refused")
}

type harness struct {
	t        *testing.T
	router   *router.EventRouter
	state    *statemanager.InMemoryManager
	presence *recordingPresence
	vibes    *vibelog.MemoryStore
	locLim   *ratelimit.Limiter
	vibeLim  *ratelimit.Limiter
	now      time.Time
}

func newHarness(t *testing.T, opts router.Options) *harness {
	h := &harness{
		t:        t,
		state:    statemanager.NewInMemoryManager(logging.Discard()),
		presence: &recordingPresence{MemoryStore: presence.NewMemoryStore()},
		vibes:    vibelog.NewMemoryStore(),
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.locLim = ratelimit.New(ratelimit.Rule{Limit: 2, Window: time.Second}, ratelimit.WithClock(clock))
	h.vibeLim = ratelimit.New(ratelimit.Rule{Limit: 5, Window: time.Second}, ratelimit.WithClock(clock))
	opts.Now = clock
	h.router = router.New(logging.Discard(), h.state, h.presence, h.vibes, h.locLim, h.vibeLim, opts)
	return h
}

func (h *harness) connect() (*state.Connection, *fakeTransport) {
	h.t.Helper()
	tr := &fakeTransport{id: uuid.New()}
	conn, err := h.state.RegisterConnection(tr, "10.0.0.1")
	require.NoError(h.t, err)
	require.NoError(h.t, h.state.MarkConnected(conn.ID))
	return conn, tr
}

func (h *harness) send(conn *state.Connection, event string, payload any) {
	h.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(h.t, err)
	msg, err := json.Marshal(router.ClientMessage{Event: event, Payload: raw})
	require.NoError(h.t, err)
	h.router.HandleMessage(context.Background(), conn.ID, msg)
}

func (h *harness) sendRaw(conn *state.Connection, frame string) {
	h.router.HandleMessage(context.Background(), conn.ID, []byte(frame))
}

func errorReply(t *testing.T, r received) router.ErrorPayload {
	t.Helper()
	require.Equal(t, router.EventError, r.Event)
	var p router.ErrorPayload
	require.NoError(t, json.Unmarshal(r.Payload, &p))
	return p
}

func TestUpdateLocation_RepliesWithNearby(t *testing.T) {
	h := newHarness(t, router.Options{})
	conn, tr := h.connect()
	require.NoError(t, h.presence.MemoryStore.Upsert(context.Background(), presence.DefaultKey, "u2", 10.001, 20.0))

	h.send(conn, router.EventUpdateLocation, map[string]any{"userId": "u1", "lat": 10, "lng": 20})

	require.Len(t, h.presence.calls, 2)
	assert.Equal(t, presenceCall{op: "upsert", key: "active_vibers", member: "u1", lat: 10, lng: 20}, h.presence.calls[0])
	assert.Equal(t, presenceCall{op: "search", key: "active_vibers", lat: 10, lng: 20, radius: 1000}, h.presence.calls[1])

	msgs := tr.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, router.EventNearbyUpdate, msgs[0].Event)
	var ids []string
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ids))
	assert.Equal(t, []string{"u1", "u2"}, ids)
}

func TestUpdateLocation_CustomRadius(t *testing.T) {
	h := newHarness(t, router.Options{RadiusMeters: 50})
	conn, tr := h.connect()
	require.NoError(t, h.presence.MemoryStore.Upsert(context.Background(), presence.DefaultKey, "far", 0.01, 0))

	h.send(conn, router.EventUpdateLocation, map[string]any{"userId": "u1", "lat": 0, "lng": 0})

	msgs := tr.received(t)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `["u1"]`, string(msgs[0].Payload))
	assert.Equal(t, 50.0, h.presence.calls[1].radius)
}

func TestUpdateLocation_InvalidInputTouchesNoStore(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		reason  string
	}{
		{"lat out of range", map[string]any{"userId": "u1", "lat": 91, "lng": 0}, "lat must be between -90 and 90"},
		{"lng out of range", map[string]any{"userId": "u1", "lat": 0, "lng": -180.5}, "lng must be between -180 and 180"},
		{"lat as string", map[string]any{"userId": "u1", "lat": "10", "lng": 0}, "lat and lng must be numbers"},
		{"missing coordinates", map[string]any{"userId": "u1"}, "lat and lng must be numbers"},
		{"blank user", map[string]any{"userId": "  ", "lat": 0, "lng": 0}, "userId must be a non-empty string"},
		{"numeric user", map[string]any{"userId": 7, "lat": 0, "lng": 0}, "userId must be a non-empty string"},
		{"payload not an object", "hello", "lat and lng must be numbers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, router.Options{})
			conn, tr := h.connect()

			h.send(conn, router.EventUpdateLocation, tt.payload)

			assert.Empty(t, h.presence.calls)
			msgs := tr.received(t)
			require.Len(t, msgs, 1)
			p := errorReply(t, msgs[0])
			assert.Equal(t, router.EventUpdateLocation, p.Event)
			assert.Equal(t, tt.reason, p.Message)
		})
	}
}

func TestUpdateLocation_StoreFailure(t *testing.T) {
	h := newHarness(t, router.Options{})
	conn, tr := h.connect()
	h.presence.err = errors.New("i/o timeout")

	h.send(conn, router.EventUpdateLocation, map[string]any{"userId": "u1", "lat": 1, "lng": 1})

	msgs := tr.received(t)
	require.Len(t, msgs, 1)
	p := errorReply(t, msgs[0])
	assert.Equal(t, router.EventUpdateLocation, p.Event)
	assert.Equal(t, "Internal server error", p.Message)
}

func TestUpdateLocation_RateLimited(t *testing.T) {
	h := newHarness(t, router.Options{})
	conn, tr := h.connect()
	ping := map[string]any{"userId": "u1", "lat": 1, "lng": 1}

	for i := 0; i < 3; i++ {
		h.send(conn, router.EventUpdateLocation, ping)
	}
	assert.Len(t, tr.received(t), 2, "third update in the window is dropped silently")
	assert.Len(t, h.presence.calls, 4)

	h.now = h.now.Add(time.Second)
	h.send(conn, router.EventUpdateLocation, ping)
	assert.Len(t, tr.received(t), 3)
}

func TestRateLimited_NotifyWhenConfigured(t *testing.T) {
	h := newHarness(t, router.Options{NotifyRateLimited: true})
	conn, tr := h.connect()
	ping := map[string]any{"userId": "u1", "lat": 1, "lng": 1}

	for i := 0; i < 3; i++ {
		h.send(conn, router.EventUpdateLocation, ping)
	}
	msgs := tr.received(t)
	require.Len(t, msgs, 3)
	p := errorReply(t, msgs[2])
	assert.Equal(t, "rate limit exceeded", p.Message)
}

func TestSetVibe_BroadcastsToEveryone(t *testing.T) {
	h := newHarness(t, router.Options{})
	caller, callerTr := h.connect()
	_, otherTr := h.connect()
	pending, err := h.state.RegisterConnection(&fakeTransport{id: uuid.New()}, "10.0.0.9")
	require.NoError(t, err)

	h.send(caller, router.EventSetVibe, map[string]any{"lat": 48.85, "lng": 2.35, "vibeType": "chill"})

	events := h.vibes.Events()
	require.Len(t, events, 1)
	assert.Equal(t, vibelog.Event{Lat: 48.85, Lng: 2.35, VibeType: "chill", CreatedAt: h.now}, events[0])

	for _, tr := range []*fakeTransport{callerTr, otherTr} {
		msgs := tr.received(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, router.EventGlobalVibeChange, msgs[0].Event)
		assert.JSONEq(t, `{"lat":48.85,"lng":2.35,"vibeType":"chill"}`, string(msgs[0].Payload))
	}
	assert.Empty(t, pending.Transport.(*fakeTransport).received(t), "connections still connecting get nothing")
}

func TestSetVibe_Invalid(t *testing.T) {
	h := newHarness(t, router.Options{})
	caller, callerTr := h.connect()
	_, otherTr := h.connect()

	h.send(caller, router.EventSetVibe, map[string]any{"lat": 1, "lng": 1, "vibeType": "Chill"})

	assert.Empty(t, h.vibes.Events())
	assert.Empty(t, otherTr.received(t))
	msgs := callerTr.received(t)
	require.Len(t, msgs, 1)
	p := errorReply(t, msgs[0])
	assert.Equal(t, router.EventSetVibe, p.Event)
	assert.Equal(t, "vibeType must be one of: chill, intense, busy", p.Message)
}

func TestSetVibe_StoreFailureDoesNotBroadcast(t *testing.T) {
	h := newHarness(t, router.Options{})
	h.router = router.New(logging.Discard(), h.state, h.presence, failingVibes{}, h.locLim, h.vibeLim, router.Options{})
	caller, callerTr := h.connect()
	_, otherTr := h.connect()

	h.send(caller, router.EventSetVibe, map[string]any{"lat": 1, "lng": 1, "vibeType": "busy"})

	assert.Empty(t, otherTr.received(t))
	msgs := callerTr.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Internal server error", errorReply(t, msgs[0]).Message)
}

func TestJoinRoom_NotifiesExistingMembersOnly(t *testing.T) {
	h := newHarness(t, router.Options{})
	a, aTr := h.connect()
	b, bTr := h.connect()
	c, cTr := h.connect()
	_, outsiderTr := h.connect()

	h.send(a, router.EventJoinVideoRoom, "r1")
	h.send(b, router.EventJoinVideoRoom, "r1")
	aTr.msgs, bTr.msgs = nil, nil

	h.send(c, router.EventJoinVideoRoom, "r1")

	assert.Empty(t, cTr.received(t))
	assert.Empty(t, outsiderTr.received(t))
	for _, tr := range []*fakeTransport{aTr, bTr} {
		msgs := tr.received(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, router.EventUserJoinedCall, msgs[0].Event)
		assert.JSONEq(t, `{"userId":"`+c.ID.String()+`"}`, string(msgs[0].Payload))
	}

	h.send(c, router.EventJoinVideoRoom, "r1")
	assert.Len(t, aTr.received(t), 1, "re-join must not notify again")
}

func TestJoinRoom_InvalidRoomID(t *testing.T) {
	for _, payload := range []any{"", "   ", 42, nil, map[string]any{"roomId": "r1"}} {
		h := newHarness(t, router.Options{})
		conn, tr := h.connect()

		h.send(conn, router.EventJoinVideoRoom, payload)

		assert.Zero(t, h.state.RoomCount())
		msgs := tr.received(t)
		require.Len(t, msgs, 1)
		p := errorReply(t, msgs[0])
		assert.Equal(t, router.EventJoinVideoRoom, p.Event)
		assert.Equal(t, "roomId must be a non-empty string", p.Message)
	}
}

func TestLeaveRoom(t *testing.T) {
	h := newHarness(t, router.Options{})
	a, aTr := h.connect()
	b, bTr := h.connect()
	h.send(a, router.EventJoinVideoRoom, "r1")
	h.send(b, router.EventJoinVideoRoom, "r1")
	aTr.msgs = nil

	h.send(b, router.EventLeaveVideoRoom, "r1")
	msgs := aTr.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, router.EventUserLeftCall, msgs[0].Event)
	assert.JSONEq(t, `{"userId":"`+b.ID.String()+`"}`, string(msgs[0].Payload))
	assert.Empty(t, bTr.received(t))

	// not a member any more
	h.send(b, router.EventLeaveVideoRoom, "r1")
	assert.Len(t, aTr.received(t), 1)
	assert.Empty(t, bTr.received(t))

	h.send(b, router.EventLeaveVideoRoom, "")
	p := errorReply(t, bTr.received(t)[0])
	assert.Equal(t, router.EventLeaveVideoRoom, p.Event)
}

func TestRelay(t *testing.T) {
	tests := []struct {
		event string
		key   string
		value string
	}{
		{router.EventRTCOffer, "offer", `{"type":"offer","sdp":"v=0"}`},
		{router.EventRTCAnswer, "answer", `{"type":"answer","sdp":"v=0"}`},
		{router.EventRTCIceCandidate, "candidate", `{"candidate":"candidate:1 1 UDP 2122 192.0.2.1 54400 typ host","sdpMLineIndex":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			h := newHarness(t, router.Options{})
			from, fromTr := h.connect()
			to, toTr := h.connect()

			h.send(from, tt.event, map[string]any{"to": to.ID.String(), tt.key: json.RawMessage(tt.value)})

			assert.Empty(t, fromTr.received(t))
			msgs := toTr.received(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, tt.event, msgs[0].Event)
			assert.JSONEq(t, `{"from":"`+from.ID.String()+`","`+tt.key+`":`+tt.value+`}`, string(msgs[0].Payload))
		})
	}
}

func TestRelay_MissingTarget(t *testing.T) {
	targets := map[string]any{
		"absent":       map[string]any{"offer": "x"},
		"not a uuid":   map[string]any{"to": "bob", "offer": "x"},
		"unknown uuid": map[string]any{"to": uuid.NewString(), "offer": "x"},
		"numeric":      map[string]any{"to": 12, "offer": "x"},
	}
	for name, payload := range targets {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, router.Options{})
			from, fromTr := h.connect()
			h.send(from, router.EventRTCOffer, payload)
			assert.Empty(t, fromTr.received(t))

			h = newHarness(t, router.Options{NotifyMissingTarget: true})
			from, fromTr = h.connect()
			h.send(from, router.EventRTCOffer, payload)
			msgs := fromTr.received(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, "target not connected", errorReply(t, msgs[0]).Message)
		})
	}
}

func TestRelay_TargetNotYetConnected(t *testing.T) {
	h := newHarness(t, router.Options{})
	from, _ := h.connect()
	tr := &fakeTransport{id: uuid.New()}
	_, err := h.state.RegisterConnection(tr, "10.0.0.2")
	require.NoError(t, err)

	h.send(from, router.EventRTCAnswer, map[string]any{"to": tr.id.String(), "answer": "sdp"})
	assert.Empty(t, tr.received(t))
}

func TestDisconnect_CleansRoomsAndLimiters(t *testing.T) {
	h := newHarness(t, router.Options{})
	a, _ := h.connect()
	b, bTr := h.connect()
	c, cTr := h.connect()
	_, dTr := h.connect()

	h.send(a, router.EventJoinVideoRoom, "r1")
	h.send(a, router.EventJoinVideoRoom, "r2")
	h.send(b, router.EventJoinVideoRoom, "r1")
	h.send(c, router.EventJoinVideoRoom, "r2")
	h.send(a, router.EventUpdateLocation, map[string]any{"userId": "a", "lat": 1, "lng": 1})
	h.send(a, router.EventSetVibe, map[string]any{"lat": 1, "lng": 1, "vibeType": "intense"})
	bTr.msgs, cTr.msgs, dTr.msgs = nil, nil, nil
	require.Equal(t, 1, h.locLim.Len())
	require.Equal(t, 1, h.vibeLim.Len())

	h.router.HandleDisconnect(a.ID)

	for _, tr := range []*fakeTransport{bTr, cTr} {
		msgs := tr.received(t)
		require.Len(t, msgs, 1)
		assert.Equal(t, router.EventUserLeftCall, msgs[0].Event)
		assert.JSONEq(t, `{"userId":"`+a.ID.String()+`"}`, string(msgs[0].Payload))
	}
	assert.Empty(t, dTr.received(t))
	assert.Zero(t, h.locLim.Len())
	assert.Zero(t, h.vibeLim.Len())
	assert.Empty(t, h.state.Rooms(a.ID))
	_, found := h.state.GetConnection(a.ID)
	assert.False(t, found)

	// idempotent
	h.router.HandleDisconnect(a.ID)
	assert.Len(t, bTr.received(t), 1)

	// frames after disconnect are dropped
	h.send(a, router.EventJoinVideoRoom, "r1")
	assert.Len(t, h.state.RoomMembers("r1"), 1)
}

func TestEnvelopeErrors(t *testing.T) {
	h := newHarness(t, router.Options{})
	conn, tr := h.connect()

	h.router.HandleMessage(context.Background(), conn.ID, []byte(`{not json`))
	h.router.HandleMessage(context.Background(), conn.ID, []byte(`{"payload":{}}`))
	h.router.HandleMessage(context.Background(), conn.ID, []byte(`{"event":"teleport","payload":{}}`))

	msgs := tr.received(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, router.ErrorPayload{Event: "", Message: "malformed message"}, errorReply(t, msgs[0]))
	assert.Equal(t, router.ErrorPayload{Event: "", Message: "malformed message"}, errorReply(t, msgs[1]))
	assert.Equal(t, router.ErrorPayload{Event: "teleport", Message: "unknown event"}, errorReply(t, msgs[2]))
}

func TestFramesBeforeConnectedAreDropped(t *testing.T) {
	h := newHarness(t, router.Options{})
	tr := &fakeTransport{id: uuid.New()}
	conn, err := h.state.RegisterConnection(tr, "10.0.0.1")
	require.NoError(t, err)

	h.send(conn, router.EventJoinVideoRoom, "r1")
	assert.Zero(t, h.state.RoomCount())
	assert.Empty(t, tr.received(t))
}

func TestRegister_DuplicatePanics(t *testing.T) {
	h := newHarness(t, router.Options{})
	assert.Panics(t, func() {
		h.router.Register(router.EventSetVibe, func(*router.Cargo) error { return nil })
	})
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	h := newHarness(t, router.Options{})
	h.router.Register("explode", func(*router.Cargo) error { panic("boom") })
	conn, tr := h.connect()

	assert.NotPanics(t, func() { h.send(conn, "explode", nil) })
	msgs := tr.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, router.ErrorPayload{Event: "explode", Message: "Internal server error"}, errorReply(t, msgs[0]))
}

func TestUpdateLocation_OneClientCannotTripTheSharedBreaker(t *testing.T) {
	h := newHarness(t, router.Options{})
	breaker := resilience.Settings{Timeout: time.Second, MaxFailures: 2, OpenTimeout: time.Minute}
	h.router = router.New(logging.Discard(), h.state,
		resilience.NewPresence(h.presence, breaker, logging.Discard()),
		h.vibes, h.locLim, h.vibeLim, router.Options{Now: func() time.Time { return h.now }})

	a, trA := h.connect()
	b, trB := h.connect()

	// polar latitudes pass range validation but the geo index refuses them.
	for i := 0; i < 5; i++ {
		h.send(a, router.EventUpdateLocation, map[string]any{"userId": "a", "lat": 89, "lng": 0})
		h.now = h.now.Add(time.Second)
	}
	// a connection that is already gone still gets its write through.
	gone, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		raw := []byte(`{"event":"update_location","payload":{"userId":"a","lat":1,"lng":1}}`)
		h.router.HandleMessage(gone, a.ID, raw)
		h.now = h.now.Add(time.Second)
	}

	msgs := trA.received(t)
	require.Len(t, msgs, 10)
	for _, m := range msgs[:5] {
		p := errorReply(t, m)
		assert.Equal(t, presence.ErrInvalidCoordinates.Error(), p.Message)
	}
	for _, m := range msgs[5:] {
		assert.Equal(t, router.EventNearbyUpdate, m.Event)
	}

	h.send(b, router.EventUpdateLocation, map[string]any{"userId": "b", "lat": 1, "lng": 1})
	msgs = trB.received(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, router.EventNearbyUpdate, msgs[0].Event)
	var ids []string
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ids))
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestPayload_DuplicateKeysLastWins(t *testing.T) {
	h := newHarness(t, router.Options{})
	conn, tr := h.connect()

	h.sendRaw(conn, `{"event":"update_location","payload":{"userId":"u1","lat":1,"lat":999,"lng":0}}`)
	h.sendRaw(conn, `{"event":"update_location","payload":{"userId":"u1","lat":999,"lat":1,"lng":0}}`)
	h.sendRaw(conn, `{"event":"set_vibe","payload":{"lat":1,"lng":2,"vibeType":"calm","vibeType":"loud"}}`)

	msgs := tr.received(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "lat must be between -90 and 90", errorReply(t, msgs[0]).Message)
	assert.Equal(t, router.EventNearbyUpdate, msgs[1].Event)
	assert.Equal(t, router.EventGlobalVibeChange, msgs[2].Event)
	assert.JSONEq(t, `{"lat":1,"lng":2,"vibeType":"loud"}`, string(msgs[2].Payload))
}
