package exposed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOV-AI/flowedit/entity"
	"github.com/MOV-AI/flowedit/flowstore"
	"github.com/MOV-AI/flowedit/geometry"
)

func TestDiff_FromEmpty(t *testing.T) {
	next := flowstore.ExposedPorts{"tpl": {"n1": {"p1"}}}
	assert.Equal(t, []Change{{Template: "tpl", Node: "n1", Port: "p1", Value: true}}, Diff(nil, next, false))
}

func TestDiff_Unchanged(t *testing.T) {
	s := flowstore.ExposedPorts{
		"tpl":   {"n1": {"p1", "p2"}},
		"other": {"n2": {"q"}},
	}
	assert.Empty(t, Diff(s, s.Clone(), false))

	all := Diff(s, s, true)
	require.Len(t, all, 3)
	assert.Equal(t, Change{Template: "other", Node: "n2", Port: "q", Value: true}, all[0])
	for _, c := range all {
		assert.True(t, c.Value)
	}
}

func TestDiff_SymmetricDifference(t *testing.T) {
	prev := flowstore.ExposedPorts{"tpl": {"n1": {"p1", "p2"}}}
	next := flowstore.ExposedPorts{"tpl": {"n1": {"p2", "p3"}}}

	assert.Equal(t, []Change{
		{Template: "tpl", Node: "n1", Port: "p1", Value: false},
		{Template: "tpl", Node: "n1", Port: "p3", Value: true},
	}, Diff(prev, next, false))

	forced := Diff(prev, next, true)
	assert.Len(t, forced, 3, "forceAll returns the key union")
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "tpl,n1,p1", Key{Template: "tpl", Node: "n1", Port: "p1"}.String())
}

func TestApply(t *testing.T) {
	start := entity.NewStartNode(geometry.Canvas{Width: 100, Height: 100})
	lookup := func(id string) (*entity.Node, bool) {
		if id == start.ID {
			return start, true
		}
		return nil, false
	}

	touched := Apply([]Change{
		{Node: "start", Port: "start", Value: true},
		{Node: "missing", Port: "p", Value: true},
		{Node: "start", Port: "nope", Value: true},
	}, lookup, nil)
	require.Len(t, touched, 1)
	p, _ := start.Port("start")
	assert.True(t, p.Exposed)

	assert.Empty(t, Apply([]Change{{Node: "start", Port: "start", Value: true}}, lookup, nil), "already exposed")
}
