package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/LeeSpain/ice-sos-lite-sub007/internal/broker/messages"
	"github.com/LeeSpain/ice-sos-lite-sub007/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	accepted bool
	stored   *models.Presence
	list     []*models.Presence
	err      error

	listCalls int
}

func (f *fakeRepo) UpsertPresence(_ context.Context, in models.PresenceInput) (*models.Presence, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if !f.accepted {
		return f.stored, false, nil
	}
	f.stored = &models.Presence{
		MemberID: in.MemberID,
		GroupID:  in.GroupID,
		Lat:      in.Lat,
		Lng:      in.Lng,
		Battery:  in.Battery,
		Paused:   in.Paused,
		LastSeen: in.Timestamp,
	}
	return f.stored, true, nil
}

func (f *fakeRepo) ListPresence(context.Context, string) ([]*models.Presence, error) {
	f.listCalls++
	return f.list, f.err
}

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	values [][]byte
	err    error
}

func (f *fakeProducer) Publish(_ context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	return nil
}

type fakeCache struct {
	data map[string][]byte
	dels []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, ok := f.data[key]
	return b, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.data[key] = value
	return nil
}

func (f *fakeCache) Del(_ context.Context, key string) error {
	f.dels = append(f.dels, key)
	delete(f.data, key)
	return nil
}

func TestStatus(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		age    time.Duration
		paused bool
		want   string
	}{
		{"fresh", time.Minute, false, models.PresenceStatusOnline},
		{"just under online window", 5*time.Minute - time.Second, false, models.PresenceStatusOnline},
		{"exactly online window", 5 * time.Minute, false, models.PresenceStatusIdle},
		{"just under idle window", 30*time.Minute - time.Second, false, models.PresenceStatusIdle},
		{"exactly idle window", 30 * time.Minute, false, models.PresenceStatusOffline},
		{"hours old", 2 * time.Hour, false, models.PresenceStatusOffline},
		{"paused beats fresh", time.Second, true, models.PresenceStatusIdle},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &models.Presence{LastSeen: now.Add(-tc.age), Paused: tc.paused}
			require.Equal(t, tc.want, Status(p, now))
		})
	}
}

func TestUpsert_Validation(t *testing.T) {
	s := New(&fakeRepo{}, nil, "sos.group.notify", nil, 0)

	_, _, err := s.Upsert(context.Background(), models.PresenceInput{GroupID: "g1"})
	require.ErrorIs(t, err, models.ErrValidation)

	_, _, err = s.Upsert(context.Background(), models.PresenceInput{MemberID: "m1"})
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestUpsert_AcceptedPublishesAndInvalidatesCache(t *testing.T) {
	repo := &fakeRepo{accepted: true}
	prod := &fakeProducer{}
	c := newFakeCache()
	c.data["presence:group:g1"] = []byte(`[]`)
	s := New(repo, prod, "sos.group.notify", c, time.Minute)

	p, accepted, err := s.Upsert(context.Background(), models.PresenceInput{
		MemberID: "m1", GroupID: "g1", Lat: 40.42, Lng: -3.70,
	})
	require.NoError(t, err)
	require.True(t, accepted)
	require.False(t, p.LastSeen.IsZero())

	require.Equal(t, []string{"presence:group:g1"}, c.dels)
	require.Equal(t, []string{"sos.group.notify"}, prod.topics)
	require.Equal(t, []string{"g1"}, prod.keys)

	var n messages.GroupNotify
	require.NoError(t, json.Unmarshal(prod.values[0], &n))
	require.Equal(t, messages.KindPresenceUpdated, n.Kind)
	var payload messages.PresenceUpdated
	require.NoError(t, json.Unmarshal(n.Payload, &payload))
	require.Equal(t, "m1", payload.MemberID)
	require.Equal(t, models.PresenceStatusOnline, payload.Status)
}

func TestUpsert_StaleIsSilent(t *testing.T) {
	stored := &models.Presence{MemberID: "m1", GroupID: "g1", LastSeen: time.Now().UTC()}
	repo := &fakeRepo{accepted: false, stored: stored}
	prod := &fakeProducer{}
	c := newFakeCache()
	s := New(repo, prod, "sos.group.notify", c, time.Minute)

	p, accepted, err := s.Upsert(context.Background(), models.PresenceInput{
		MemberID: "m1", GroupID: "g1", Timestamp: time.Now().UTC().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.False(t, accepted)
	require.Same(t, stored, p)
	require.Empty(t, prod.topics)
	require.Empty(t, c.dels)
}

func TestUpsert_ProducerFailureDoesNotFailHeartbeat(t *testing.T) {
	repo := &fakeRepo{accepted: true}
	prod := &fakeProducer{err: errors.New("kafka down")}
	s := New(repo, prod, "sos.group.notify", nil, 0)

	_, accepted, err := s.Upsert(context.Background(), models.PresenceInput{MemberID: "m1", GroupID: "g1"})
	require.NoError(t, err)
	require.True(t, accepted)
}

func TestList_CacheMissThenHit(t *testing.T) {
	repo := &fakeRepo{list: []*models.Presence{
		{MemberID: "m1", GroupID: "g1"},
		{MemberID: "m2", GroupID: "g1"},
	}}
	c := newFakeCache()
	s := New(repo, nil, "sos.group.notify", c, time.Minute)

	out, err := s.List(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, 1, repo.listCalls)

	// Второй вызов обслуживается из кэша.
	out, err = s.List(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, 1, repo.listCalls)
}

func TestList_NoCacheGoesToStorage(t *testing.T) {
	repo := &fakeRepo{list: []*models.Presence{{MemberID: "m1", GroupID: "g1"}}}
	s := New(repo, nil, "sos.group.notify", nil, 0)

	out, err := s.List(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = s.List(context.Background(), "")
	require.ErrorIs(t, err, models.ErrValidation)
}
