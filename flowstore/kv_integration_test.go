//go:build integration

package flowstore

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/suite"

	"github.com/MOV-AI/flowedit/errors"
	"github.com/MOV-AI/flowedit/natsclient"
)

type KVStoreSuite struct {
	suite.Suite
	tc    *natsclient.TestClient
	store *KVStore
	ctx   context.Context
}

func (s *KVStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())

	store, err := NewKVStore(s.ctx, s.tc.Client, "flowedit_flows_test", nil)
	s.Require().NoError(err)
	s.store = store
}

func (s *KVStoreSuite) TestSaveLoad() {
	doc, err := ParseDocument([]byte(sampleFlow))
	s.Require().NoError(err)
	s.Require().NoError(s.store.Save(s.ctx, "saveload", doc))

	loaded, err := s.store.Load(s.ctx, "saveload")
	s.Require().NoError(err)
	s.True(loaded.NodeInst["talker"].Equal(doc.NodeInst["talker"]))
	s.Equal(doc.Links, loaded.Links)
	s.Equal(doc.ExposedPorts, loaded.ExposedPorts)

	delete(doc.Container, "sub")
	s.Require().NoError(s.store.Save(s.ctx, "saveload", doc))
	loaded, err = s.store.Load(s.ctx, "saveload")
	s.Require().NoError(err)
	s.Empty(loaded.Container)
}

func (s *KVStoreSuite) TestLoadEmptyFlow() {
	doc, err := s.store.Load(s.ctx, "empty")
	s.Require().NoError(err)
	s.Empty(doc.NodeInst)
	s.Empty(doc.Links)
}

func (s *KVStoreSuite) TestWritesReachWatcherAsDeltas() {
	watcher, err := s.store.Bucket().Watch(s.ctx, FlowPattern("watched"), jetstream.UpdatesOnly())
	s.Require().NoError(err)
	defer func() { _ = watcher.Stop() }()

	mirror := NewMirror("watched", nil, nil)
	next := func() *Document {
		select {
		case entry := <-watcher.Updates():
			s.Require().NotNil(entry)
			d, ok := DeltaFromKV(entry)
			s.Require().True(ok)
			doc, err := mirror.Apply(d)
			s.Require().NoError(err)
			return doc
		case <-time.After(5 * time.Second):
			s.FailNow("no watcher update")
			return nil
		}
	}

	s.Require().NoError(s.store.AddNewNode(s.ctx, "watched", SectionNodeInst, "a", NodeData{KeyTemplate: "Talker"}))
	doc := next()
	s.Equal("Talker", doc.NodeInst["a"].Template())

	s.Require().NoError(s.store.SetNodePosition(s.ctx, "watched", SectionNodeInst, "a", 10, 20))
	doc = next()
	x, y, ok := doc.NodeInst["a"].Visualization()
	s.True(ok)
	s.Equal(10.0, x)
	s.Equal(20.0, y)
	s.Equal("Talker", doc.NodeInst["a"].Template())

	s.Require().NoError(s.store.AddLink(s.ctx, "watched", "l1", LinkData{From: "a/out", To: "b/in"}))
	next()
	s.Require().NoError(s.store.SetLinkDependency(s.ctx, "watched", "l1", DependencyNone))
	doc = next()
	s.Equal(DependencyNone, doc.Links["l1"].Dependency)

	s.Require().NoError(s.store.DeleteLink(s.ctx, "watched", "l1"))
	doc = next()
	s.Empty(doc.Links)

	s.Require().NoError(s.store.DeleteNode(s.ctx, "watched", SectionNodeInst, "a"))
	doc = next()
	s.Empty(doc.NodeInst)
}

func (s *KVStoreSuite) TestUpdateMissingEntry() {
	err := s.store.SetNodePosition(s.ctx, "missing", SectionNodeInst, "ghost", 1, 1)
	s.Require().Error(err)
	s.True(errors.IsInvalid(err))

	err = s.store.AddNewNode(s.ctx, "missing", SectionNodeInst, "a.b", NodeData{})
	s.Require().Error(err)
	s.True(errors.IsInvalid(err))
}

func TestKVStoreSuite(t *testing.T) {
	suite.Run(t, new(KVStoreSuite))
}
