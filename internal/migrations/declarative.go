package migrations

import (
	"context"
	"os"

	"go-data-migrate/internal/model"
	"go-data-migrate/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Spec is a migration written as YAML instead of code:
//
//	name: rename-headline
//	documentTypes: [post]
//	operations:
//	  - op: rename
//	    from: title
//	    to: headline
//	  - op: setIfMissing
//	    path: seo.noindex
//	    value: false
//
// Operations run in order against every matching document. Paths are
// absolute and use the same syntax as model.ParsePath.
type Spec struct {
	Name          string          `yaml:"name"`
	Title         string          `yaml:"title"`
	Filter        string          `yaml:"filter"`
	DocumentTypes []string        `yaml:"documentTypes" validate:"dive,required"`
	Operations    []OperationSpec `yaml:"operations" validate:"required,min=1,dive"`
}

// OperationSpec is one step of a declarative migration.
type OperationSpec struct {
	Op     string        `yaml:"op" validate:"required,oneof=set setIfMissing unset rename inc dec append prepend delete"`
	Path   string        `yaml:"path" validate:"omitempty,path"`
	From   string        `yaml:"from" validate:"required_if=Op rename"`
	To     string        `yaml:"to" validate:"required_if=Op rename"`
	Value  interface{}   `yaml:"value"`
	Amount interface{}   `yaml:"amount"`
	Items  []interface{} `yaml:"items"`
	// IfMissing limits set/unset/inc/dec/append/prepend to documents where
	// this path is absent.
	IfMissing string `yaml:"ifMissing" validate:"omitempty,path"`
}

var specValidate *validator.Validate

func init() {
	specValidate = validator.New()
	_ = specValidate.RegisterValidation("path", validatePath)
}

func validatePath(fl validator.FieldLevel) bool {
	_, err := model.ParsePath(fl.Field().String())
	return err == nil
}

// LoadFile reads and compiles a declarative migration.
func LoadFile(path string) (model.Migration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Migration{}, errors.Wrap(err, "read migration")
	}
	m, err := Parse(data)
	if err != nil {
		return model.Migration{}, errors.Wrapf(err, "migration %s", path)
	}
	return m, nil
}

// Parse compiles YAML source into a migration.
func Parse(data []byte) (model.Migration, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return model.Migration{}, errors.Wrap(err, "parse yaml")
	}
	return spec.Compile()
}

type step struct {
	spec      OperationSpec
	path      model.Path
	from, to  model.Path
	ifMissing model.Path
	amount    float64
}

// Compile validates the spec and turns it into a per-node migration whose
// document callback applies the operations.
func (s Spec) Compile() (model.Migration, error) {
	if err := specValidate.Struct(s); err != nil {
		return model.Migration{}, errors.Wrap(err, "invalid migration")
	}

	steps := make([]step, 0, len(s.Operations))
	for i, op := range s.Operations {
		st, err := compileStep(op)
		if err != nil {
			return model.Migration{}, errors.Wrapf(err, "operation %d (%s)", i+1, op.Op)
		}
		steps = append(steps, st)
	}

	return model.Migration{
		Name:          s.Name,
		Title:         s.Title,
		Filter:        s.Filter,
		DocumentTypes: s.DocumentTypes,
		Node: &model.NodeMigration{
			Document: func(_ context.Context, doc model.Document, _ model.MigrationContext) ([]model.Edit, error) {
				return apply(steps, doc), nil
			},
		},
	}, nil
}

func compileStep(op OperationSpec) (step, error) {
	st := step{spec: op}
	var err error
	if op.IfMissing != "" {
		if st.ifMissing, err = model.ParsePath(op.IfMissing); err != nil {
			return st, err
		}
	}

	switch op.Op {
	case "delete":
		return st, nil
	case "rename":
		if st.from, err = model.ParsePath(op.From); err != nil {
			return st, err
		}
		if st.to, err = model.ParsePath(op.To); err != nil {
			return st, err
		}
		if st.from.Equal(st.to) {
			return st, errors.New("rename source and target are the same")
		}
		return st, nil
	}

	if op.Path == "" {
		return st, errors.New("path is required")
	}
	if st.path, err = model.ParsePath(op.Path); err != nil {
		return st, err
	}
	switch op.Op {
	case "set", "setIfMissing":
		if op.Value == nil {
			return st, errors.Errorf("%s needs a value; use unset to remove a field", op.Op)
		}
	case "inc", "dec":
		st.amount = 1
		if op.Amount != nil {
			if kind, _ := model.KindOf(op.Amount); kind != model.KindNumber {
				return st, errors.Errorf("amount %v is not a number", op.Amount)
			}
			st.amount = utils.Numeric(op.Amount)
		}
	case "append", "prepend":
		if len(op.Items) == 0 {
			return st, errors.Errorf("%s needs at least one item", op.Op)
		}
	}
	return st, nil
}

// apply runs steps against doc. Later steps see the document as it was
// before the migration, not as earlier steps left it.
func apply(steps []step, doc model.Document) []model.Edit {
	var edits []model.Edit
	root := map[string]interface{}(doc)
	for _, st := range steps {
		if st.ifMissing != nil {
			if _, present := st.ifMissing.Resolve(root); present {
				continue
			}
		}
		switch st.spec.Op {
		case "delete":
			return append(edits, model.Delete(doc.ID()))
		case "rename":
			v, ok := st.from.Resolve(root)
			if !ok {
				continue
			}
			edits = append(edits, model.At(st.to, model.Set(v)), model.At(st.from, model.Unset()))
		case "set":
			edits = append(edits, model.At(st.path, model.Set(st.spec.Value)))
		case "setIfMissing":
			edits = append(edits, model.At(st.path, model.SetIfMissing(st.spec.Value)))
		case "unset":
			if _, ok := st.path.Resolve(root); ok {
				edits = append(edits, model.At(st.path, model.Unset()))
			}
		case "inc", "dec":
			v, ok := st.path.Resolve(root)
			if !ok {
				continue
			}
			if kind, _ := model.KindOf(v); kind != model.KindNumber {
				continue
			}
			op := model.Inc(st.amount)
			if st.spec.Op == "dec" {
				op = model.Dec(st.amount)
			}
			edits = append(edits, model.At(st.path, op))
		case "append", "prepend":
			v, ok := st.path.Resolve(root)
			if !ok {
				edits = append(edits, model.At(st.path, model.Set(st.spec.Items)))
				continue
			}
			if kind, _ := model.KindOf(v); kind != model.KindArray {
				continue
			}
			op := model.Append(st.spec.Items...)
			if st.spec.Op == "prepend" {
				op = model.Prepend(st.spec.Items...)
			}
			edits = append(edits, model.At(st.path, op))
		}
	}
	return edits
}
