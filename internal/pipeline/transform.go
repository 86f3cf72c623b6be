package pipeline

import (
	"context"
	"iter"
	"sort"

	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
)

// Item is one unit of executor output, tagged for the collator. Exactly one
// field is set.
type Item struct {
	Operation   *model.Operation
	Mutation    *model.Mutation
	Transaction *model.Transaction
}

// dispatchTable holds, per node kind, the callbacks to invoke in their fixed
// order: the generic node callback first, then the kind-specific one.
type dispatchTable [model.KindNull + 1][]model.NodeFunc

func newDispatchTable(def *model.NodeMigration) dispatchTable {
	var t dispatchTable
	specific := [...]model.NodeFunc{
		model.KindObject:  def.Object,
		model.KindArray:   def.Array,
		model.KindString:  def.String,
		model.KindNumber:  def.Number,
		model.KindBoolean: def.Boolean,
		model.KindNull:    def.Null,
	}
	for kind := range t {
		for _, fn := range []model.NodeFunc{def.Node, specific[kind]} {
			if fn != nil {
				t[kind] = append(t[kind], fn)
			}
		}
	}
	return t
}

// Executor applies a per-node migration definition to documents.
type Executor struct {
	def   *model.NodeMigration
	table dispatchTable
	walk  bool
}

// NewExecutor prepares def for repeated use.
func NewExecutor(def *model.NodeMigration) *Executor {
	t := newDispatchTable(def)
	walk := false
	for _, fns := range t {
		if len(fns) > 0 {
			walk = true
		}
	}
	return &Executor{def: def, table: t, walk: walk}
}

// ExecuteDocument runs the definition against doc and returns the collected
// output in traversal order. Any callback failure discards the document's
// output and is returned as a *TransformError.
func (e *Executor) ExecuteDocument(ctx context.Context, doc model.Document, mc model.MigrationContext) ([]Item, error) {
	id := doc.ID()
	if err := doc.Validate(); err != nil {
		return nil, &TransformError{DocumentID: id, Cause: err}
	}

	var out []Item
	replaced := false
	if e.def.Document != nil {
		edits, err := e.def.Document(ctx, doc, mc)
		if err != nil {
			return nil, &TransformError{DocumentID: id, Cause: errors.Wrap(err, "document callback")}
		}
		replaced, err = e.collect(doc, nil, edits, true, &out)
		if err != nil {
			return nil, &TransformError{DocumentID: id, Cause: err}
		}
	}

	if e.walk && !replaced {
		if err := e.visit(ctx, doc, map[string]interface{}(doc), nil, mc, &out); err != nil {
			return nil, &TransformError{DocumentID: id, Cause: err}
		}
	}
	return out, nil
}

// visit walks the tree rooted at node in pre-order. The document root is
// visited too, with an empty path.
func (e *Executor) visit(ctx context.Context, doc model.Document, node interface{}, path model.Path, mc model.MigrationContext, out *[]Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	kind, ok := model.KindOf(node)
	if !ok {
		return errors.Errorf("unsupported value of type %T at %q", node, path.String())
	}

	for _, fn := range e.table[kind] {
		edits, err := fn(ctx, node, path, mc)
		if err != nil {
			return errors.Wrapf(err, "%s callback at %q", kind, path.String())
		}
		replaced, err := e.collect(doc, path, edits, false, out)
		if err != nil {
			return err
		}
		if replaced {
			return nil
		}
	}

	switch kind {
	case model.KindObject:
		var obj map[string]interface{}
		switch o := node.(type) {
		case model.Document:
			obj = o
		case map[string]interface{}:
			obj = o
		}
		// Map order is random; sorted keys keep the output deterministic.
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := e.visit(ctx, doc, obj[k], path.Append(model.Field(k)), mc, out); err != nil {
				return err
			}
		}
	case model.KindArray:
		for i, item := range node.([]interface{}) {
			if err := e.visit(ctx, doc, item, path.Append(itemSegment(item, i)), mc, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// itemSegment prefers the stable _key reference for keyed array items.
func itemSegment(item interface{}, i int) model.PathSegment {
	if obj, ok := item.(map[string]interface{}); ok {
		if k, _ := obj["_key"].(string); k != "" {
			return model.KeyRef(k)
		}
	}
	return model.Index(i)
}

// collect normalizes callback output at path into items. It reports whether
// one of the edits replaced the node at path itself.
func (e *Executor) collect(doc model.Document, path model.Path, edits []model.Edit, fromDocument bool, out *[]Item) (bool, error) {
	replaced := false
	id := doc.ID()
	addPatch := func(p model.NodePatch) error {
		if err := checkPatchPath(doc, p.Path); err != nil {
			return err
		}
		if p.Path.Equal(path) && p.Op.ReplacesNode() {
			replaced = true
		}
		*out = append(*out, Item{Operation: &model.Operation{
			DocumentID:  id,
			Instruction: model.Instruction{Type: model.InstructionPatch, Patch: &p},
		}})
		return nil
	}

	for _, edit := range edits {
		switch v := edit.(type) {
		case nil:
		case model.Op:
			if fromDocument {
				return false, errors.Errorf("document callback returned a bare %s operation; wrap it with model.At", v.Type)
			}
			// The root is the whole document; replacing it takes a mutation.
			if len(path) == 0 {
				return false, errors.Errorf("callback at the document root returned a bare %s operation; wrap it with model.At", v.Type)
			}
			if err := addPatch(model.At(path, v)); err != nil {
				return false, err
			}
		case model.NodePatch:
			if err := addPatch(model.At(path.Concat(v.Path), v.Op)); err != nil {
				return false, err
			}
		case model.Mutation:
			m := v
			*out = append(*out, Item{Mutation: &m})
			if m.DocumentID == id && deletes(m) {
				replaced = true
			}
		case model.Transaction:
			if !fromDocument {
				return false, errors.New("transactions can only be returned from a document callback")
			}
			t := v
			*out = append(*out, Item{Transaction: &t})
		default:
			return false, errors.Errorf("unsupported edit %T", edit)
		}
	}
	return replaced, nil
}

func deletes(m model.Mutation) bool {
	for _, in := range m.Instructions {
		if in.Type == model.InstructionDelete {
			return true
		}
	}
	return false
}

// checkPatchPath rejects paths that leave the document: array references
// must address items present in the pre-transform tree, and new fields may
// only be introduced below objects.
func checkPatchPath(doc model.Document, p model.Path) error {
	if len(p) == 0 {
		return errors.New("patch path is empty; use a mutation to replace a whole document")
	}
	var parent interface{} = map[string]interface{}(doc)
	for i, seg := range p {
		v, ok := p[:i+1].Resolve(map[string]interface{}(doc))
		if ok {
			parent = v
			continue
		}
		if seg.Kind != model.FieldSegment {
			return errors.Errorf("path %q references a missing array item", p.String())
		}
		if _, isObj := parent.(map[string]interface{}); !isObj {
			return errors.Errorf("path %q addresses a field of a non-object node", p.String())
		}
		for _, rest := range p[i+1:] {
			if rest.Kind != model.FieldSegment {
				return errors.Errorf("path %q references an item of a missing array", p.String())
			}
		}
		return nil
	}
	return nil
}

// Stream adapts a free-form migration into type-tagged items. Values are not
// inspected beyond their type.
func Stream(ctx context.Context, def model.AsyncMigration, docs model.Documents, mc model.MigrationContext) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for edit, err := range def(ctx, docs, mc) {
			if err != nil {
				yield(Item{}, &TransformError{Cause: err})
				return
			}
			var item Item
			switch v := edit.(type) {
			case model.Mutation:
				item.Mutation = &v
			case model.Transaction:
				item.Transaction = &v
			case nil:
				continue
			default:
				yield(Item{}, &TransformError{Cause: errors.Errorf("free-form migrations must yield mutations or transactions, got %T", edit)})
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}
