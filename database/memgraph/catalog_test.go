package memgraph_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/specterops/graphguard/database"
	"github.com/specterops/graphguard/database/memgraph"
	"github.com/specterops/graphguard/graph"
	"github.com/stretchr/testify/require"
)

func TestAddLabel(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
	)

	require.ErrorIs(t, engine.AddLabel(ctx, personSchema()), graph.ErrConflict)

	missingPrimary := companySchema()
	missingPrimary.Name = "Team"
	missingPrimary.PrimaryField = "title"
	require.ErrorIs(t, engine.AddLabel(ctx, missingPrimary), graph.ErrInvalidArgument)

	require.ErrorIs(t, engine.AddLabel(ctx, graph.LabelSchema{
		Name:            "Owns",
		EdgeConstraints: []graph.EdgeConstraint{{Source: "Person", Target: "Robot"}},
	}), graph.ErrInvalidArgument)

	vertexLabels, err := engine.ListLabels(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []string{"Company", "Person"}, vertexLabels)

	edgeLabels, err := engine.ListLabels(ctx, false)
	require.NoError(t, err)
	require.Equal(t, []string{"Knows", "WorksAt"}, edgeLabels)

	schema, err := engine.GetLabel(ctx, true, "Person")
	require.NoError(t, err)
	require.Equal(t, personSchema(), schema)

	_, err = engine.GetLabel(ctx, false, "Person")
	require.ErrorIs(t, err, graph.ErrNotFound)
}

func TestDeleteLabel(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {}, "bob": {}})
	)

	txn, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	acme, err := txn.AddVertex(ctx, "Company", graph.Fields{"name": graph.String("acme")})
	require.NoError(t, err)

	_, err = txn.AddEdge(ctx, ids["alice"], acme, "WorksAt", nil)
	require.NoError(t, err)

	_, err = txn.AddEdge(ctx, ids["alice"], ids["bob"], "Knows", nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	// Vertex labels named by edge constraints cannot be removed.
	_, err = engine.DeleteLabel(ctx, true, "Company")
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	removed, err := engine.DeleteLabel(ctx, false, "WorksAt")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = engine.DeleteLabel(ctx, true, "Person")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = engine.DeleteLabel(ctx, true, "Person")
	require.ErrorIs(t, err, graph.ErrNotFound)

	read, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	uids, err := read.EdgeUIDs(ctx, "Knows")
	require.NoError(t, err)
	require.Empty(t, uids)

	vertices, err := read.VertexIDs(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []graph.VertexID{acme}, vertices)

	labels, err := engine.ListLabels(ctx, true)
	require.NoError(t, err)
	require.Equal(t, []string{"Company"}, labels)
}

func TestAlterLabelAddFields(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		people = map[string]graph.Fields{}
	)

	for idx := range 10 {
		people[fmt.Sprintf("person-%d", idx)] = graph.Fields{"age": graph.Int64(int64(idx))}
	}

	ids := addPeople(t, engine, people)

	stale, err := engine.CreateWriteTxn(ctx, true, false)
	require.NoError(t, err)

	emailField := []graph.FieldSpec{{Name: "email", Type: graph.FieldTypeString}}

	_, err = engine.AlterLabelAddFields(ctx, true, "Person", emailField, nil)
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = engine.AlterLabelAddFields(ctx, true, "Person", []graph.FieldSpec{{Name: "age", Type: graph.FieldTypeInt64}}, []graph.Value{graph.Int64(0)})
	require.ErrorIs(t, err, graph.ErrConflict)

	_, err = engine.AlterLabelAddFields(ctx, true, "Robot", emailField, []graph.Value{graph.String("")})
	require.ErrorIs(t, err, graph.ErrNotFound)

	// Required fields need a non-null default.
	_, err = engine.AlterLabelAddFields(ctx, true, "Person", emailField, []graph.Value{graph.Null()})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	modified, err := engine.AlterLabelAddFields(ctx, true, "Person", emailField, []graph.Value{graph.String("")})
	require.NoError(t, err)
	require.Equal(t, 10, modified)

	for _, id := range ids {
		require.Equal(t, graph.String(""), readVertex(t, engine, id).Fields["email"])
	}

	// Transactions that started before the change cannot write to the label.
	_, err = stale.AddVertex(ctx, "Person", graph.Fields{"name": graph.String("late"), "email": graph.String("x")})
	require.ErrorIs(t, err, graph.ErrConflict)
	require.NoError(t, stale.Abort(ctx))
}

func TestAlterLabelDelFields(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {"age": graph.Int64(3)}, "bob": {}})
	)

	require.NoError(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "age", IsVertex: true}))

	_, err := engine.AlterLabelDelFields(ctx, true, "Person", []string{"name"})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = engine.AlterLabelDelFields(ctx, true, "Person", []string{"shoe"})
	require.ErrorIs(t, err, graph.ErrNotFound)

	modified, err := engine.AlterLabelDelFields(ctx, true, "Person", []string{"age"})
	require.NoError(t, err)
	require.Equal(t, 2, modified)

	_, hasAge := readVertex(t, engine, ids["alice"]).Fields["age"]
	require.False(t, hasAge)

	schema, err := engine.GetLabel(ctx, true, "Person")
	require.NoError(t, err)
	require.False(t, schema.HasField("age"))

	_, err = engine.IsIndexed(ctx, true, "Person", "age")
	require.ErrorIs(t, err, graph.ErrNotFound)
}

func TestAlterLabelModFields(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {"age": graph.Int64(30)}, "bob": {}})
	)

	require.NoError(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "age", IsVertex: true}))

	// Values that cannot convert without loss leave everything unchanged.
	_, err := engine.AlterLabelModFields(ctx, true, "Person", []graph.FieldSpec{{Name: "name", Type: graph.FieldTypeInt64}})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	// bob has no age so the field cannot become required.
	_, err = engine.AlterLabelModFields(ctx, true, "Person", []graph.FieldSpec{{Name: "age", Type: graph.FieldTypeDouble}})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	// Primary fields must stay required.
	_, err = engine.AlterLabelModFields(ctx, true, "Person", []graph.FieldSpec{{Name: "name", Type: graph.FieldTypeString, Optional: true}})
	require.ErrorIs(t, err, graph.ErrInvalidArgument)

	_, err = engine.AlterLabelModFields(ctx, true, "Person", []graph.FieldSpec{{Name: "shoe", Type: graph.FieldTypeString}})
	require.ErrorIs(t, err, graph.ErrNotFound)

	schema, err := engine.GetLabel(ctx, true, "Person")
	require.NoError(t, err)
	require.Equal(t, personSchema(), schema)
	require.Equal(t, graph.Int64(30), readVertex(t, engine, ids["alice"]).Fields["age"])

	modified, err := engine.AlterLabelModFields(ctx, true, "Person", []graph.FieldSpec{{Name: "age", Type: graph.FieldTypeDouble, Optional: true}})
	require.NoError(t, err)
	require.Equal(t, 2, modified)
	require.Equal(t, graph.Double(30), readVertex(t, engine, ids["alice"]).Fields["age"])

	// Indexes on modified fields are rebuilt with the converted values.
	read, err := engine.CreateReadTxn(ctx)
	require.NoError(t, err)

	matched, err := read.LookupVertices(ctx, "Person", "age", graph.Int64(30))
	require.NoError(t, err)
	require.Equal(t, []graph.VertexID{ids["alice"]}, matched)
	require.NoError(t, read.Commit(ctx))
}

// newIndexedCrowd returns an engine holding more Person vertices than a single full-text build batch, with exact and
// full-text indexes on them.
func newIndexedCrowd(t *testing.T) (*memgraph.Engine, map[string]graph.VertexID) {
	t.Helper()

	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		people = map[string]graph.Fields{}
	)

	for idx := 0; idx < 1100; idx++ {
		people[fmt.Sprintf("person-%04d", idx)] = graph.Fields{
			"age": graph.Int64(int64(idx)),
			"bio": graph.String(fmt.Sprintf("engineer number %d", idx)),
		}
	}

	ids := addPeople(t, engine, people)

	require.NoError(t, engine.BlockingAddIndex(ctx, database.IndexSpec{Label: "Person", Field: "age", IsVertex: true}))
	require.NoError(t, engine.AddFullTextIndex(ctx, database.FullTextIndexSpec{IsVertex: true, Label: "Person", Field: "bio"}))

	return engine, ids
}

// requireLabelIntact asserts that the Person label, its records and its indexes are unchanged and still writable.
func requireLabelIntact(t *testing.T, engine *memgraph.Engine, ids map[string]graph.VertexID) {
	t.Helper()

	ctx := context.Background()

	schema, err := engine.GetLabel(ctx, true, "Person")
	require.NoError(t, err)
	require.Equal(t, personSchema(), schema)
	require.Equal(t, graph.Int64(1), readVertex(t, engine, ids["person-0001"]).Fields["age"])

	indexed, err := engine.IsIndexed(ctx, true, "Person", "age")
	require.NoError(t, err)
	require.True(t, indexed)

	scored, err := engine.QueryVertexByFullTextIndex(ctx, "Person", "engineer", 5)
	require.NoError(t, err)
	require.Len(t, scored, 5)

	addPeople(t, engine, map[string]graph.Fields{"newcomer": {"age": graph.Int64(7)}})
}

func TestAlterLabelFields_CancelledFullTextBuild(t *testing.T) {
	var (
		ctx, cancel = context.WithCancel(context.Background())
		engine, ids = newIndexedCrowd(t)
	)

	cancel()

	modified, err := engine.AlterLabelDelFields(ctx, true, "Person", []string{"age"})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, modified)
	requireLabelIntact(t, engine, ids)

	modified, err = engine.AlterLabelModFields(ctx, true, "Person", []graph.FieldSpec{{Name: "age", Type: graph.FieldTypeDouble, Optional: true}})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, modified)
	require.Equal(t, graph.Int64(1), readVertex(t, engine, ids["person-0001"]).Fields["age"])

	schema, err := engine.GetLabel(context.Background(), true, "Person")
	require.NoError(t, err)
	require.Equal(t, personSchema(), schema)

	// The same changes succeed once the context allows the build to finish.
	modified, err = engine.AlterLabelDelFields(context.Background(), true, "Person", []string{"age"})
	require.NoError(t, err)
	require.Equal(t, 1101, modified)

	scored, err := engine.QueryVertexByFullTextIndex(context.Background(), "Person", "engineer", 5)
	require.NoError(t, err)
	require.Len(t, scored, 5)
}

func TestAlterLabelModEdgeConstraints(t *testing.T) {
	var (
		ctx    = context.Background()
		engine = newPeopleEngine(t, database.Config{})
		ids    = addPeople(t, engine, map[string]graph.Fields{"alice": {}, "bob": {}})
	)

	require.ErrorIs(t, engine.AlterLabelModEdgeConstraints(ctx, "Person", nil), graph.ErrNotFound)
	require.ErrorIs(t, engine.AlterLabelModEdgeConstraints(ctx, "WorksAt", []graph.EdgeConstraint{{Source: "Person", Target: "Robot"}}), graph.ErrInvalidArgument)
	require.NoError(t, engine.AlterLabelModEdgeConstraints(ctx, "WorksAt", []graph.EdgeConstraint{{Source: "Person", Target: "Person"}}))

	schema, err := engine.GetLabel(ctx, false, "WorksAt")
	require.NoError(t, err)
	require.Equal(t, []graph.EdgeConstraint{{Source: "Person", Target: "Person"}}, schema.EdgeConstraints)

	txn, err := engine.CreateWriteTxn(ctx, false, false)
	require.NoError(t, err)

	_, err = txn.AddEdge(ctx, ids["alice"], ids["bob"], "WorksAt", nil)
	require.NoError(t, err)
	require.NoError(t, txn.Commit(ctx))

	// Company is no longer referenced and can be removed.
	_, err = engine.DeleteLabel(ctx, true, "Company")
	require.NoError(t, err)
}
