package memgraph

import (
	"testing"

	"github.com/specterops/graphguard/graph"
	"github.com/stretchr/testify/require"
)

func chain(versions ...*version) *record {
	target := &record{key: vertexKey(1)}

	for _, next := range versions {
		target.push(next)
	}

	return target
}

func TestRecord_Visible(t *testing.T) {
	target := chain(
		&version{ts: 2, label: "Person", fields: graph.Fields{"age": graph.Int64(1)}},
		&version{ts: 5, label: "Person", fields: graph.Fields{"age": graph.Int64(2)}},
		&version{ts: 9, label: "Person", deleted: true},
	)

	require.Nil(t, target.visible(1))
	require.Equal(t, uint64(2), target.visible(2).ts)
	require.Equal(t, uint64(2), target.visible(4).ts)
	require.Equal(t, graph.Int64(2), target.visible(8).fields["age"])
	require.Nil(t, target.visible(9))
	require.Nil(t, target.latest())
}

func TestRecord_Truncate(t *testing.T) {
	target := chain(
		&version{ts: 2, label: "Person"},
		&version{ts: 5, label: "Person"},
		&version{ts: 9, label: "Person"},
	)

	target.truncate(6)

	require.Equal(t, uint64(9), target.head.ts)
	require.Equal(t, uint64(5), target.head.prev.ts)
	require.Nil(t, target.head.prev.prev)

	// Snapshots at the watermark still see the version they started on.
	require.Equal(t, uint64(5), target.visible(6).ts)

	target.truncate(1)
	require.NotNil(t, target.head.prev)
}

func TestRecord_Reclaimable(t *testing.T) {
	target := chain(
		&version{ts: 2, label: "Person"},
		&version{ts: 5, label: "Person", deleted: true},
	)

	require.False(t, target.reclaimable(4))
	require.True(t, target.reclaimable(5))

	target.owner = 7
	require.False(t, target.reclaimable(5))

	live := chain(&version{ts: 2, label: "Person"})
	require.False(t, live.reclaimable(10))
}
