package memgraph_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/database/memgraph"
	"github.com/specterops/graphguard/graph"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, cfg database.Config) *memgraph.Engine {
	t.Helper()

	engine, err := memgraph.New(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, engine.Close(context.Background()))
	})

	return engine
}

func personSchema() graph.LabelSchema {
	return graph.LabelSchema{
		Name:     "Person",
		IsVertex: true,
		Fields: []graph.FieldSpec{
			{Name: "name", Type: graph.FieldTypeString},
			{Name: "age", Type: graph.FieldTypeInt64, Optional: true},
			{Name: "bio", Type: graph.FieldTypeString, Optional: true},
		},
		PrimaryField: "name",
	}
}

func companySchema() graph.LabelSchema {
	return graph.LabelSchema{
		Name:     "Company",
		IsVertex: true,
		Fields: []graph.FieldSpec{
			{Name: "name", Type: graph.FieldTypeString},
		},
		PrimaryField: "name",
	}
}

func knowsSchema() graph.LabelSchema {
	return graph.LabelSchema{
		Name: "Knows",
		Fields: []graph.FieldSpec{
			{Name: "note", Type: graph.FieldTypeString, Optional: true},
		},
	}
}

func worksAtSchema() graph.LabelSchema {
	return graph.LabelSchema{
		Name: "WorksAt",
		EdgeConstraints: []graph.EdgeConstraint{
			{Source: "Person", Target: "Company"},
		},
	}
}

func newPeopleEngine(t *testing.T, cfg database.Config) *memgraph.Engine {
	t.Helper()

	var (
		ctx    = context.Background()
		engine = newEngine(t, cfg)
	)

	require.NoError(t, engine.AddLabel(ctx, personSchema()))
	require.NoError(t, engine.AddLabel(ctx, companySchema()))
	require.NoError(t, engine.AddLabel(ctx, knowsSchema()))
	require.NoError(t, engine.AddLabel(ctx, worksAtSchema()))

	return engine
}

func addPeople(t *testing.T, engine *memgraph.Engine, people map[string]graph.Fields) map[string]graph.VertexID {
	t.Helper()

	var (
		ctx = context.Background()
		ids = map[string]graph.VertexID{}
	)

	txn, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	for name, fields := range people {
		merged := fields.Clone()
		merged["name"] = graph.String(name)

		id, err := txn.AddVertex(ctx, "Person", merged)
		require.NoError(t, err)

		ids[name] = id
	}

	require.NoError(t, txn.Commit(ctx))
	return ids
}

func readVertex(t *testing.T, engine *memgraph.Engine, id graph.VertexID) graph.Vertex {
	t.Helper()

	ctx := context.Background()

	txn, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	defer txn.Abort(ctx)

	vertex, err := txn.GetVertex(ctx, id)
	require.NoError(t, err)

	return vertex
}

func TestTransaction_SnapshotIsolation(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
	)

	write, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	id, err := write.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("alice"), "age": graph.Int64(30)})
	require.NoError(t, err)

	vertex, err := write.GetVertex(ctx, id)
	require.NoError(t, err)
	require.Equal(t, graph.String("alice"), vertex.Fields["name"])

	read, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	_, err = read.GetVertex(ctx, id)
	require.ErrorIs(t, err, graph.ErrNotFound)

	require.NoError(t, write.Commit(ctx))
	require.False(t, write.Valid())
	require.ErrorIs(t, write.Commit(ctx), graph.ErrTransactionClosed)
	require.NoError(t, write.Abort(ctx))

	// The earlier snapshot does not observe the commit.
	_, err = read.GetVertex(ctx, id)
	require.ErrorIs(t, err, graph.ErrNotFound)

	_, err = read.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("bob")})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
	require.NoError(t, read.Commit(ctx))

	vertex = readVertex(t, engine, id)
	require.Equal(t, "Person", vertex.Label)
	require.Equal(t, graph.Int64(30), vertex.Fields["age"])

	// Returned copies are detached from the stored record.
	vertex.Fields["age"] = graph.Int64(99)
	require.Equal(t, graph.Int64(30), readVertex(t, engine, id).Fields["age"])
}

func TestTransaction_SchemaConformance(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
	)

	txn, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	_, err = txn.AddVertex(ctx, "Person", graph.Fields{"age": graph.Int64(1)})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("a"), "shoe": graph.Int64(1)})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.Int64(1)})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = txn.AddVertex(ctx, "Robot", graph.Fields{"name": graph.String("a")})
	require.ErrorIs(t, err, graph.ErrNotFound)

	id, err := txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("a"), "age": graph.Int64(4)})
	require.NoError(t, err)

	// Null removes optional fields and is rejected for required ones.
	require.NoError(t, txn.SetVertexFields(ctx, id, graph.Fields{"age": graph.Null()}))
	require.ErrorIs(t, txn.SetVertexFields(ctx, id, graph.Fields{"name": graph.Null()}), graph.ErrInvalidArgument)
	require.NoError(t, txn.Commit(ctx))

	_, hasAge := readVertex(t, engine, id).Fields["age"]
	require.False(t, hasAge)
}

func TestTransaction_OptimisticConflict(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {"age": graph.Int64(30)}})
	)

	first, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	second, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	require.NoError(t, first.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(31)}))
	require.NoError(t, second.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(32)}))

	require.NoError(t, second.Commit(ctx))

	err = first.Commit(ctx)
	require.ErrorIs(t, err, graph.ErrConflict)
	require.True(t, graph.Retryable(err))
	require.False(t, first.Valid())

	require.Equal(t, graph.Int64(32), readVertex(t, engine, ids["alice"]).Fields["age"])
}

func TestTransaction_PessimisticNoWait(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {"age": graph.Int64(30)}})
	)

	late, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	holder, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	optimistic, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	require.NoError(t, holder.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(40)}))

	// A second locker fails immediately instead of waiting.
	contender, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)
	require.ErrorIs(t, contender.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(50)}), graph.ErrConflict)
	require.ErrorIs(t, contender.DeleteVertex(ctx, ids["alice"]), graph.ErrConflict)
	require.True(t, contender.Valid())
	require.NoError(t, contender.Abort(ctx))

	require.NoError(t, optimistic.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(60)}))

	require.NoError(t, holder.Commit(ctx))
	require.ErrorIs(t, optimistic.Commit(ctx), graph.ErrConflict)

	// Pessimistic writers build on the newest committed version, not their snapshot.
	require.NoError(t, late.SetVertexFields(ctx, ids["alice"], graph.Fields{"name": graph.String("alicia")}))
	require.NoError(t, late.Commit(ctx))

	vertex := readVertex(t, engine, ids["alice"])
	require.Equal(t, graph.String("alicia"), vertex.Fields["name"])
	require.Equal(t, graph.Int64(40), vertex.Fields["age"])
}

func TestTransaction_AbortReleasesLocks(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {}})
	)

	holder, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, holder.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(1)}))
	require.NoError(t, holder.Abort(ctx))

	next, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, next.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(2)}))
	require.NoError(t, next.Commit(ctx))

	require.Equal(t, graph.Int64(2), readVertex(t, engine, ids["alice"]).Fields["age"])
}

func TestForkTxn(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {"age": graph.Int64(30)}})
	)

	parent, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	fork, err := engine.ForkTxn(ctx, parent)
	require.NoError(t, err)
	require.True(t, fork.ReadOnly())

	fromParent, err := parent.GetVertex(ctx, ids["alice"])
	require.NoError(t, err)

	fromFork, err := fork.GetVertex(ctx, ids["alice"])
	require.NoError(t, err)
	require.Equal(t, fromParent, fromFork)

	require.NoError(t, parent.SetVertexFields(ctx, ids["alice"], graph.Fields{"age": graph.Int64(31)}))
	require.NoError(t, parent.Commit(ctx))

	fromFork, err = fork.GetVertex(ctx, ids["alice"])
	require.NoError(t, err)
	require.Equal(t, graph.Int64(30), fromFork.Fields["age"])
	require.NoError(t, fork.Commit(ctx))

	_, err = engine.ForkTxn(ctx, parent)
	require.ErrorIs(t, err, graph.ErrTransactionClosed)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = engine.ForkTxn(ctx, nil)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	foreign, err := newEngine(t, database.Config{}).CreateReadTxn(ctx)
	require.NoError(t, err)

	_, err = engine.ForkTxn(ctx, foreign)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
}

func TestEdges(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {}, "bob": {}, "carol": {}})
	)

	txn, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	_, err = txn.AddEdge(ctx, ids["alice"], ids["bob"], "WorksAt", nil)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = txn.AddEdge(ctx, ids["alice"], 999, "Knows", nil)
	require.ErrorIs(t, err, graph.ErrNotFound)

	knows, err := txn.AddEdge(ctx, ids["alice"], ids["bob"], "Knows", graph.Fields{"note": graph.String("school")})
	require.NoError(t, err)
	require.Equal(t, ids["alice"], knows.Src)
	require.Equal(t, ids["bob"], knows.Dst)

	_, err = txn.AddEdge(ctx, ids["bob"], ids["carol"], "Knows", nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	txn, err = engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	edge, err := txn.GetEdge(ctx, knows)
	require.NoError(t, err)
	require.Equal(t, graph.String("school"), edge.Fields["note"])

	_, err = txn.GetEdge(ctx, graph.EdgeUID{Src: ids["bob"], Dst: ids["alice"], ID: knows.ID})
	require.ErrorIs(t, err, graph.ErrNotFound)

	require.NoError(t, txn.SetEdgeFields(ctx, knows, graph.Fields{"note": graph.String("work")}))

	// Deleting a vertex removes its incident edges.
	require.NoError(t, txn.DeleteVertex(ctx, ids["bob"]))

	_, err = txn.GetEdge(ctx, knows)
	require.ErrorIs(t, err, graph.ErrNotFound)
	require.NoError(t, txn.Commit(ctx))

	read, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	uids, err := read.EdgeUIDs(ctx, "Knows")
	require.NoError(t, err)
	require.Empty(t, uids)

	vertices, err := read.VertexIDs(ctx, "")
	require.NoError(t, err)
	require.ElementsMatch(t, []graph.VertexID{ids["alice"], ids["carol"]}, vertices)

	_, err = read.EdgeUIDs(ctx, "Nope")
	require.ErrorIs(t, err, graph.ErrNotFound)
}

func TestEdges_EndpointConflicts(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {}, "bob": {}})
	)

	// An edge committed to a vertex after a deleter's snapshot makes the delete conflict.
	deleter, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)
	require.NoError(t, deleter.DeleteVertex(ctx, ids["bob"]))

	linker, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	_, err = linker.AddEdge(ctx, ids["alice"], ids["bob"], "Knows", nil)
	require.NoError(t, err)
	require.NoError(t, linker.Commit(ctx))
	require.ErrorIs(t, deleter.Commit(ctx), graph.ErrConflict)

	// An edge to a vertex deleted after the linker's snapshot conflicts.
	linker, err = engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	deleter, err = engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)
	require.NoError(t, deleter.DeleteVertex(ctx, ids["alice"]))
	require.NoError(t, deleter.Commit(ctx))

	_, err = linker.AddEdge(ctx, ids["bob"], ids["alice"], "Knows", nil)
	require.NoError(t, err)
	require.ErrorIs(t, linker.Commit(ctx), graph.ErrConflict)
}

func TestIndexLifecycle(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{
			"alice": {"age": graph.Int64(30)},
			"bob":   {"age": graph.Int64(30)},
			"carol": {"age": graph.Int64(40)},
		})
	)

	ageIndex := database.IndexSpec{Label: "Person", Field: "age", IsVertex: true}

	// Unique builds over duplicate data fail and leave nothing behind.
	require.ErrorIs(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "age", Unique: true, IsVertex: true}), graph.ErrConflict)

	indexed, err := engine.IsIndexed(ctx, true, "Person", "age")
	require.NoError(t, err)
	require.False(t, indexed)

	require.NoError(t, engine.BlockingAddIndex(ctx, ageIndex))
	require.ErrorIs(t, engine.BlockingAddIndex(ctx, ageIndex), graph.ErrConflict)

	indexed, err = engine.IsIndexed(ctx, true, "Person", "age")
	require.NoError(t, err)
	require.True(t, indexed)

	read, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	matched, err := read.LookupVertices(ctx, "Person", "age", graph.Int64(30))
	require.NoError(t, err)
	require.ElementsMatch(t, []graph.VertexID{ids["alice"], ids["bob"]}, matched)
	require.NoError(t, read.Commit(ctx))

	require.NoError(t, engine.DeleteIndex(ctx, true, "Person", "age"))

	indexed, err = engine.IsIndexed(ctx, true, "Person", "age")
	require.NoError(t, err)
	require.False(t, indexed)

	require.ErrorIs(t, engine.DeleteIndex(ctx, true, "Person", "age"), graph.ErrNotFound)
	require.ErrorIs(t, engine.DeleteIndex(ctx, true, "Person", "name"), graph.ErrInvalidArgument)
	require.ErrorIs(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "shoe", IsVertex: true}), graph.ErrNotFound)
	require.ErrorIs(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Robot", Field: "name", IsVertex: true}), graph.ErrNotFound)

	// Every vertex label carries a unique index on its primary field.
	indexed, err = engine.IsIndexed(ctx, true, "Person", "name")
	require.NoError(t, err)
	require.True(t, indexed)

	_, err = engine.IsIndexed(ctx, true, "Person", "shoe")
	require.ErrorIs(t, err, graph.ErrNotFound)

	// Lookups without an index scan the label and include the transaction's own writes.
	txn, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	dave, err := txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("dave"), "age": graph.Int64(40)})
	require.NoError(t, err)

	matched, err = txn.LookupVertices(ctx, "Person", "age", graph.Int64(40))
	require.NoError(t, err)
	require.ElementsMatch(t, []graph.VertexID{ids["carol"], dave}, matched)

	_, err = txn.LookupVertices(ctx, "Person", "age", graph.Null())
	require.ErrorIs(t, err, graph.ErrInvalidArgument)
	require.NoError(t, txn.Abort(ctx))
}

func TestUniqueIndex_CommitConflicts(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {}})
	)

	txn, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	_, err = txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("alice")})
	require.NoError(t, err)
	require.ErrorIs(t, txn.Commit(ctx), graph.ErrConflict)

	txn, err = engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	for range 2 {
		_, err = txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("carol")})
		require.NoError(t, err)
	}

	require.ErrorIs(t, txn.Commit(ctx), graph.ErrConflict)

	// Renaming frees the old value within the same transaction.
	txn, err = engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)
	require.NoError(t, txn.SetVertexFields(ctx, ids["alice"], graph.Fields{"name": graph.String("alicia")}))

	_, err = txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("alice")})
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))
}

func TestBlockingAddIndex_ConcurrentWriters(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		people = map[string]graph.Fields{}
	)

	for idx := range 3000 {
		people[fmt.Sprintf("seed-%d", idx)] = graph.Fields{"age": graph.Int64(int64(idx % 7))}
	}

	addPeople(t, engine, people)

	var (
		writers sync.WaitGroup
		errs    = make(chan error, 64)
	)

	for worker := range 4 {
		writers.Add(1)

		go func() {
			defer writers.Done()

			for idx := range 25 {
				txn, err := engine.CreateWriteTxn(ctx, true, false)
				if err != nil {
					errs <- err
					return
				}

				if _, err := txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String(fmt.Sprintf("w%d-%d", worker, idx)), "age": graph.Int64(7)}); err != nil {
					errs <- err
					return
				}

				if err := txn.Commit(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	require.NoError(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "age", IsVertex: true}))

	writers.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	read, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	matched, err := read.LookupVertices(ctx, "Person", "age", graph.Int64(7))
	require.NoError(t, err)
	require.Len(t, matched, 100)

	matched, err = read.LookupVertices(ctx, "Person", "age", graph.Int64(0))
	require.NoError(t, err)
	require.Len(t, matched, 429)
}

func TestBlockingAddIndex_Cancelled(t *testing.T) {
	var (
		engine      = newPeopleEngine(t, database.Config{})
		ctx, cancel = context.WithCancel(context.Background())
	)

	addPeople(t, engine, map[string]graph.Fields{"alice": {"age": graph.Int64(1)}})
	cancel()

	require.ErrorIs(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "age", IsVertex: true}), context.Canceled)

	indexed, err := engine.IsIndexed(context.Background(), true, "Person", "age")
	require.NoError(t, err)
	require.False(t, indexed)
}

func TestSnapshotFiles(t *testing.T) {
	var (
		ctx     = context.Background()
		dataDir = t.TempDir()
	)

	engine, err := memgraph.New(ctx, database.Config{DataDir: dataDir})
	require.NoError(t, err)
	require.NoError(t, engine.AddLabel(ctx, personSchema()))

	txn, err := engine.CreateWriteTxn(ctx, false, true)
	require.NoError(t, err)

	id, err := txn.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("alice")})
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	_, err = os.Stat(filepath.Join(dataDir, memgraph.SnapshotFile))
	require.NoError(t, err)
	require.NoError(t, engine.Close(ctx))

	_, err = engine.CreateReadTxn(ctx)
	require.ErrorIs(t, err, memgraph.ErrEngineClosed)

	reopened := newEngine(t, database.Config{DataDir: dataDir})
	require.Equal(t, graph.String("alice"), readVertex(t, reopened, id).Fields["name"])
}
