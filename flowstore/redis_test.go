package flowstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/errors"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, "test", nil), mr
}

func subscribeDeltas(t *testing.T, s *RedisStore, flowID string) <-chan *redis.Message {
	t.Helper()
	ctx := context.Background()
	ps := s.Client().Subscribe(ctx, s.DeltaChannel(flowID))
	t.Cleanup(func() { _ = ps.Close() })
	_, err := ps.Receive(ctx)
	require.NoError(t, err)
	return ps.Channel()
}

func nextDelta(t *testing.T, ch <-chan *redis.Message) Delta {
	t.Helper()
	select {
	case msg := <-ch:
		d, err := ParseDelta([]byte(msg.Payload))
		require.NoError(t, err)
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no delta published")
		return Delta{}
	}
}

func TestRedisStore_SaveLoad(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	doc, err := ParseDocument([]byte(sampleFlow))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, "f1", doc))

	assert.True(t, mr.Exists("test:flow:f1"))
	fields, err := mr.HKeys("test:flow:f1")
	require.NoError(t, err)
	assert.Len(t, fields, 5)

	loaded, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, loaded.NodeInst["talker"].Equal(doc.NodeInst["talker"]))
	assert.Equal(t, doc.Links, loaded.Links)
	assert.Equal(t, doc.ExposedPorts, loaded.ExposedPorts)

	// Saving a smaller document drops stale entries.
	delete(doc.Links, "l1")
	require.NoError(t, s.Save(ctx, "f1", doc))
	loaded, err = s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, loaded.Links)
}

func TestRedisStore_LoadMissingFlowIsEmpty(t *testing.T) {
	s, _ := newTestRedisStore(t)

	doc, err := s.Load(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, doc.NodeInst)
}

func TestRedisStore_WritesPublishDeltas(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	deltas := subscribeDeltas(t, s, "f1")
	mirror := NewMirror("f1", nil, nil)

	apply := func() *Document {
		doc, err := mirror.Apply(nextDelta(t, deltas))
		require.NoError(t, err)
		return doc
	}

	require.NoError(t, s.AddNewNode(ctx, "f1", SectionNodeInst, "a", NodeData{KeyTemplate: "Talker"}))
	doc := apply()
	assert.Equal(t, "Talker", doc.NodeInst["a"].Template())

	require.NoError(t, s.SetNodePosition(ctx, "f1", SectionNodeInst, "a", 120, 80))
	doc = apply()
	x, y, ok := doc.NodeInst["a"].Visualization()
	require.True(t, ok)
	assert.Equal(t, 120.0, x)
	assert.Equal(t, 80.0, y)

	require.NoError(t, s.AddLink(ctx, "f1", "l1", LinkData{From: "a/out", To: "b/in"}))
	doc = apply()
	assert.Contains(t, doc.Links, "l1")

	require.NoError(t, s.SetLinkDependency(ctx, "f1", "l1", DependencyFromOnly))
	doc = apply()
	assert.Equal(t, DependencyFromOnly, doc.Links["l1"].Dependency)

	require.NoError(t, s.SetExposedPorts(ctx, "f1", "Talker", map[string][]string{"a": {"out"}}))
	doc = apply()
	assert.True(t, doc.ExposedPorts.Has("Talker", "a", "out"))

	require.NoError(t, s.SetExposedPorts(ctx, "f1", "Talker", nil))
	doc = apply()
	assert.Empty(t, doc.ExposedPorts)

	require.NoError(t, s.DeleteLink(ctx, "f1", "l1"))
	doc = apply()
	assert.Empty(t, doc.Links)

	require.NoError(t, s.DeleteNode(ctx, "f1", SectionNodeInst, "a"))
	doc = apply()
	assert.Empty(t, doc.NodeInst)

	stored, err := s.Load(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, mirror.Document().NodeInst, stored.NodeInst)
}

func TestRedisStore_UpdateMissingEntry(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	err := s.SetNodePosition(ctx, "f1", SectionNodeInst, "ghost", 1, 2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	err = s.SetLinkDependency(ctx, "f1", "ghost", DependencyNone)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestRedisStore_RejectsBadInput(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"bad section", func() error { return s.AddNewNode(ctx, "f1", SectionLinks, "a", NodeData{}) }},
		{"reserved id", func() error { return s.AddNewNode(ctx, "f1", SectionNodeInst, "a:b", NodeData{}) }},
		{"empty link", func() error { return s.AddLink(ctx, "f1", "l1", LinkData{}) }},
		{"dependency range", func() error { return s.SetLinkDependency(ctx, "f1", "l1", 7) }},
		{"empty flow", func() error { _, err := s.Load(ctx, ""); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}
