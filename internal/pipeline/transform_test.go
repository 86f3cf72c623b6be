package pipeline

import (
	"context"
	"iter"
	"testing"

	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(calls *[]string, label string) model.NodeFunc {
	return func(ctx context.Context, node interface{}, path model.Path, mc model.MigrationContext) ([]model.Edit, error) {
		*calls = append(*calls, label+":"+path.String())
		return nil, nil
	}
}

func TestExecutorDispatchOrder(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{
		Node:   record(&calls, "node"),
		Object: record(&calls, "object"),
		Array:  record(&calls, "array"),
		String: record(&calls, "string"),
		Number: record(&calls, "number"),
	})
	doc := model.Document{
		"_id":   "d1",
		"_type": "post",
		"meta":  map[string]interface{}{"n": 1.0},
		"tags":  []interface{}{"x"},
	}

	items, err := exec.ExecuteDocument(context.Background(), doc, memContext{})
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.Equal(t, []string{
		"node:", "object:",
		"node:_id", "string:_id",
		"node:_type", "string:_type",
		"node:meta", "object:meta",
		"node:meta.n", "number:meta.n",
		"node:tags", "array:tags",
		"node:tags[0]", "string:tags[0]",
	}, calls)
}

func TestExecutorKeyedArrayPaths(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{Object: record(&calls, "object")})
	doc := model.Document{
		"_id":   "d1",
		"_type": "post",
		"body": []interface{}{
			map[string]interface{}{"_key": "k1"},
			map[string]interface{}{"text": "unkeyed"},
		},
	}

	_, err := exec.ExecuteDocument(context.Background(), doc, memContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{"object:", `object:body[_key=="k1"]`, "object:body[1]"}, calls)
}

func TestExecutorSkipsReplacedSubtree(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{
		Object: func(ctx context.Context, node interface{}, path model.Path, mc model.MigrationContext) ([]model.Edit, error) {
			if path.String() == "author" {
				return []model.Edit{model.Set(map[string]interface{}{"_ref": "a1"})}, nil
			}
			return nil, nil
		},
		String: record(&calls, "string"),
	})
	doc := model.Document{
		"_id":    "d1",
		"_type":  "post",
		"author": map[string]interface{}{"name": "Ann"},
		"title":  "t",
	}

	items, err := exec.ExecuteDocument(context.Background(), doc, memContext{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "author", items[0].Operation.Instruction.Patch.Path.String())
	assert.NotContains(t, calls, "string:author.name")
	assert.Contains(t, calls, "string:title")
}

func TestExecutorRelativePatch(t *testing.T) {
	exec := NewExecutor(&model.NodeMigration{
		Object: func(ctx context.Context, node interface{}, path model.Path, mc model.MigrationContext) ([]model.Edit, error) {
			return []model.Edit{model.At(model.Path{model.Field("slug")}, model.SetIfMissing("x"))}, nil
		},
	})
	doc := model.Document{"_id": "d1", "_type": "post", "seo": map[string]interface{}{}}

	items, err := exec.ExecuteDocument(context.Background(), doc, memContext{})
	require.NoError(t, err)
	require.Len(t, items, 2)
	// Root first, then the nested object.
	assert.Equal(t, "slug", items[0].Operation.Instruction.Patch.Path.String())
	assert.Equal(t, "seo.slug", items[1].Operation.Instruction.Patch.Path.String())
	assert.Equal(t, "d1", items[1].Operation.DocumentID)
}

func TestExecutorVisitsRoot(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{
		Node: record(&calls, "node"),
		Object: func(ctx context.Context, node interface{}, path model.Path, mc model.MigrationContext) ([]model.Edit, error) {
			calls = append(calls, "object:"+path.String())
			if len(path) == 0 {
				obj := node.(map[string]interface{})
				assert.Equal(t, "d1", obj["_id"])
				return []model.Edit{model.At(model.Path{model.Field("visited")}, model.Set(true))}, nil
			}
			return nil, nil
		},
	})
	doc := model.Document{"_id": "d1", "_type": "post", "meta": map[string]interface{}{"x": "y"}}

	items, err := exec.ExecuteDocument(context.Background(), doc, memContext{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"node:", "object:",
		"node:_id", "node:_type",
		"node:meta", "object:meta",
		"node:meta.x",
	}, calls)
	require.Len(t, items, 1)
	assert.Equal(t, "visited", items[0].Operation.Instruction.Patch.Path.String())
}

func TestExecutorRootDeleteStopsWalk(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{
		Object: func(ctx context.Context, node interface{}, path model.Path, mc model.MigrationContext) ([]model.Edit, error) {
			if len(path) == 0 {
				return []model.Edit{model.Delete("p1")}, nil
			}
			return nil, nil
		},
		String: record(&calls, "string"),
	})

	items, err := exec.ExecuteDocument(context.Background(), post("p1", "t"), memContext{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, calls)
}

func TestExecutorDocumentCallback(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{
		Document: func(ctx context.Context, doc model.Document, mc model.MigrationContext) ([]model.Edit, error) {
			author, err := mc.GetDocument(ctx, "author-1")
			if err != nil {
				return nil, err
			}
			return []model.Edit{
				model.At(model.Path{model.Field("authorName")}, model.Set(author["name"])),
				model.Create(model.Document{"_id": "log-" + doc.ID(), "_type": "log"}),
			}, nil
		},
		String: record(&calls, "string"),
	})
	mc := memContext{"author-1": {"_id": "author-1", "name": "Ann"}}

	items, err := exec.ExecuteDocument(context.Background(), post("p1", "t"), mc)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Ann", items[0].Operation.Instruction.Patch.Op.Value)
	assert.Equal(t, "log-p1", items[1].Mutation.DocumentID)
	// The walk still runs after the document callback.
	assert.Contains(t, calls, "string:title")
}

func TestExecutorDeleteStopsWalk(t *testing.T) {
	var calls []string
	exec := NewExecutor(&model.NodeMigration{
		Document: func(ctx context.Context, doc model.Document, mc model.MigrationContext) ([]model.Edit, error) {
			return []model.Edit{model.Delete(doc.ID())}, nil
		},
		String: record(&calls, "string"),
	})

	items, err := exec.ExecuteDocument(context.Background(), post("p1", "t"), memContext{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, calls)
}

func TestExecutorErrors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name string
		def  *model.NodeMigration
		doc  model.Document
		want string
	}{
		{
			name: "callback error",
			def: &model.NodeMigration{String: func(context.Context, interface{}, model.Path, model.MigrationContext) ([]model.Edit, error) {
				return nil, boom
			}},
			doc:  post("p1", "t"),
			want: "boom",
		},
		{
			name: "bare op from document callback",
			def: &model.NodeMigration{Document: func(context.Context, model.Document, model.MigrationContext) ([]model.Edit, error) {
				return []model.Edit{model.Set(1)}, nil
			}},
			doc:  post("p1", "t"),
			want: "bare set",
		},
		{
			name: "bare op at the root",
			def: &model.NodeMigration{Object: func(context.Context, interface{}, model.Path, model.MigrationContext) ([]model.Edit, error) {
				return []model.Edit{model.Unset()}, nil
			}},
			doc:  post("p1", "t"),
			want: "document root returned a bare unset",
		},
		{
			name: "transaction from node callback",
			def: &model.NodeMigration{String: func(context.Context, interface{}, model.Path, model.MigrationContext) ([]model.Edit, error) {
				return []model.Edit{model.NewTransaction("", model.Delete("x"))}, nil
			}},
			doc:  post("p1", "t"),
			want: "document callback",
		},
		{
			name: "missing array item",
			def: &model.NodeMigration{Document: func(context.Context, model.Document, model.MigrationContext) ([]model.Edit, error) {
				return []model.Edit{model.At(model.Path{model.Field("tags"), model.KeyRef("nope")}, model.Unset())}, nil
			}},
			doc:  model.Document{"_id": "p1", "_type": "post", "tags": []interface{}{}},
			want: "missing array item",
		},
		{
			name: "field below a string",
			def: &model.NodeMigration{Document: func(context.Context, model.Document, model.MigrationContext) ([]model.Edit, error) {
				return []model.Edit{model.At(model.Path{model.Field("title"), model.Field("x")}, model.Set(1))}, nil
			}},
			doc:  post("p1", "t"),
			want: "non-object",
		},
		{
			name: "document without type",
			def:  setTitle("x"),
			doc:  model.Document{"_id": "p1"},
			want: "missing _type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExecutor(tt.def).ExecuteDocument(context.Background(), tt.doc, memContext{})
			require.Error(t, err)

			var te *TransformError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, "p1", te.DocumentID)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStreamRejectsUnknownEdits(t *testing.T) {
	var def model.AsyncMigration = func(ctx context.Context, docs model.Documents, mc model.MigrationContext) iter.Seq2[model.Edit, error] {
		return func(yield func(model.Edit, error) bool) {
			if !yield(model.Delete("a"), nil) {
				return
			}
			yield(model.Set(1), nil)
		}
	}

	var items []Item
	var err error
	for item, e := range Stream(context.Background(), def, nil, memContext{}) {
		if e != nil {
			err = e
			break
		}
		items = append(items, item)
	}
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].Mutation.DocumentID)
	var te *TransformError
	require.True(t, errors.As(err, &te))
	assert.Empty(t, te.DocumentID)
}
