package channel

import (
	"context"
	"errors"
	"testing"

	"chatrelay/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct {
	*Base
	connectErr    error
	disconnectErr error
	connects      int
	disconnects   int
	lastCfg       domain.ChannelConfig
}

func newStub(id string) *stubChannel {
	return &stubChannel{Base: NewBase(id, "stub", testLogger())}
}

func (s *stubChannel) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	s.connects++
	s.lastCfg = cfg
	if s.connectErr != nil {
		return s.connectErr
	}
	s.SetConnected(ctx, true)
	return nil
}

func (s *stubChannel) Disconnect(ctx context.Context) error {
	s.disconnects++
	s.SetConnected(ctx, false)
	return s.disconnectErr
}

func (s *stubChannel) SendText(context.Context, string, string, domain.SendOptions) (string, error) {
	return "1", nil
}

func (s *stubChannel) SendMedia(context.Context, string, domain.ChannelAttachment, domain.SendOptions) (string, error) {
	return "1", nil
}

func (s *stubChannel) DownloadAttachment(_ context.Context, att domain.ChannelAttachment) (*domain.DownloadedFile, error) {
	f, _, err := readLocalAttachment(att)
	return f, err
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(testLogger())
	require.NoError(t, m.Register(newStub("tg")))

	err := m.Register(newStub("tg"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelExists)
	assert.Len(t, m.List(), 1)
}

func TestManager_ListOrderAndUnregister(t *testing.T) {
	m := NewManager(testLogger())
	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, m.Register(newStub(id)))
	}

	var ids []string
	for _, ch := range m.List() {
		ids = append(ids, ch.ID())
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)

	assert.True(t, m.Unregister("a"))
	assert.False(t, m.Unregister("a"))
	_, ok := m.Get("a")
	assert.False(t, ok)
	ch, ok := m.Get("c")
	require.True(t, ok)
	assert.Equal(t, "c", ch.ID())
	assert.Len(t, m.List(), 2)
}

func TestManager_ConnectAllAggregatesFailures(t *testing.T) {
	m := NewManager(testLogger())
	good := newStub("good")
	bad1 := newStub("bad1")
	bad1.connectErr = errors.New("token rejected")
	bad2 := newStub("bad2")
	bad2.connectErr = errors.New("network down")
	skipped := newStub("skipped")
	for _, ch := range []*stubChannel{good, bad1, skipped, bad2} {
		require.NoError(t, m.Register(ch))
	}

	err := m.ConnectAll(context.Background(), map[string]domain.ChannelConfig{
		"good": {Token: "t1"},
		"bad1": {},
		"bad2": {},
	})
	require.Error(t, err)

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Failures, 2)
	assert.Equal(t, "bad1", ce.Failures[0].ChannelID)
	assert.Equal(t, "bad2", ce.Failures[1].ChannelID)
	assert.ErrorIs(t, err, bad2.connectErr)
	assert.Contains(t, err.Error(), "bad1: token rejected")

	assert.True(t, good.Connected())
	assert.Equal(t, "t1", good.lastCfg.Token)
	assert.Zero(t, skipped.connects)
	assert.False(t, bad1.Connected())
}

func TestManager_DisconnectAllSkipsUnconnectedAndSwallowsErrors(t *testing.T) {
	m := NewManager(testLogger())
	a, b, c := newStub("a"), newStub("b"), newStub("c")
	a.disconnectErr = errors.New("boom")
	for _, ch := range []*stubChannel{a, b, c} {
		require.NoError(t, m.Register(ch))
	}
	require.NoError(t, m.ConnectAll(context.Background(), map[string]domain.ChannelConfig{"a": {}, "c": {}}))

	m.DisconnectAll(context.Background())

	assert.Equal(t, 1, a.disconnects)
	assert.Zero(t, b.disconnects)
	assert.Equal(t, 1, c.disconnects)
	assert.False(t, c.Connected())
}

func TestBase_ConnectedEventsOnlyOnChange(t *testing.T) {
	b := NewBase("x", "stub", testLogger())
	var events []domain.ChannelEvent
	for _, ev := range []domain.ChannelEvent{domain.EventConnected, domain.EventDisconnected} {
		b.On(ev, func(_ context.Context, e domain.Event) { events = append(events, e.Type) })
	}

	ctx := context.Background()
	b.SetConnected(ctx, true)
	b.SetConnected(ctx, true)
	b.SetConnected(ctx, false)
	assert.Equal(t, []domain.ChannelEvent{domain.EventConnected, domain.EventDisconnected}, events)
}

func TestBase_IsAllowed(t *testing.T) {
	b := NewBase("x", "stub", testLogger())
	assert.True(t, b.IsAllowed("anyone"))

	b.SetAllowFrom([]string{"123", " alice "})
	assert.True(t, b.IsAllowed("123"))
	assert.True(t, b.IsAllowed("999", "@alice"))
	assert.False(t, b.IsAllowed("999", ""))
}

func TestEmitter_OffAndPanicIsolation(t *testing.T) {
	e := NewEmitter(testLogger())
	calls := 0
	e.On(domain.EventMessage, func(context.Context, domain.Event) { panic("handler bug") })
	id := e.On(domain.EventMessage, func(context.Context, domain.Event) { calls++ })
	assert.Equal(t, 2, e.Listeners(domain.EventMessage))

	e.EmitMessage(context.Background(), &domain.ChannelMessage{ID: "1"})
	assert.Equal(t, 1, calls)

	e.Off(id)
	e.Off("unknown")
	e.EmitMessage(context.Background(), &domain.ChannelMessage{ID: "2"})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, e.Listeners(domain.EventMessage))
}
