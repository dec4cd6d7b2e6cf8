//go:build integration

package changebus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/natsclient"
)

type KVBusSuite struct {
	suite.Suite
	tc    *natsclient.TestClient
	store *flowstore.KVStore
	bus   *KVBus
	ctx   context.Context
}

func (s *KVBusSuite) SetupSuite() {
	s.ctx = context.Background()
	s.tc = natsclient.NewTestClient(s.T(), natsclient.WithJetStream())

	store, err := flowstore.NewKVStore(s.ctx, s.tc.Client, "flowedit_bus_test", nil)
	s.Require().NoError(err)
	s.store = store

	bus, err := NewKVBus(s.tc.Client, store.Bucket(), "flowedit.status", nil, nil)
	s.Require().NoError(err)
	s.bus = bus
}

func (s *KVBusSuite) TestDeliversOnlyNewChanges() {
	s.Require().NoError(s.store.AddNewNode(s.ctx, "f1", flowstore.SectionNodeInst, "old", flowstore.NodeData{"Template": "T"}))

	got := make(chan flowstore.Delta, 8)
	sub, err := s.bus.Subscribe(s.ctx, "f1", func(d flowstore.Delta) { got <- d })
	s.Require().NoError(err)
	defer func() { _ = sub.Unsubscribe() }()

	s.Require().NoError(s.store.AddNewNode(s.ctx, "f1", flowstore.SectionNodeInst, "new", flowstore.NodeData{"Template": "T"}))
	s.Require().NoError(s.store.AddNewNode(s.ctx, "f2", flowstore.SectionNodeInst, "other", flowstore.NodeData{"Template": "T"}))
	s.Require().NoError(s.store.DeleteNode(s.ctx, "f1", flowstore.SectionNodeInst, "new"))

	expect := []flowstore.Event{flowstore.EventHSet, flowstore.EventHDel}
	for _, want := range expect {
		select {
		case d := <-got:
			s.Equal(want, d.Event)
			s.Equal([]string{flowstore.SectionNodeInst, "new"}, d.Path)
		case <-time.After(5 * time.Second):
			s.FailNow("timed out waiting for delta")
		}
	}
}

func (s *KVBusSuite) TestStatus() {
	got := make(chan StatusUpdate, 1)
	sub, err := s.bus.SubscribeStatus(s.ctx, "f1", func(u StatusUpdate) { got <- u })
	s.Require().NoError(err)
	defer func() { _ = sub.Unsubscribe() }()

	s.Require().NoError(s.bus.PublishStatus(s.ctx, StatusUpdate{FlowID: "f1", Node: "n1", Status: StatusStopped}))
	select {
	case u := <-got:
		s.Equal("n1", u.Node)
		s.Equal(StatusStopped, u.Status)
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for status")
	}
}

func TestKVBusSuite(t *testing.T) {
	suite.Run(t, new(KVBusSuite))
}
