package migrations

import (
	"context"
	"strings"

	"go-data-migrate/internal/model"
)

func init() {
	Register(TrimStrings())
	Register(RemoveNulls())
	Register(LowercaseStrings())
}

// systemField reports whether path ends in a store-managed field such as
// _id or _type, or a key of an array item.
func systemField(path model.Path) bool {
	if len(path) == 0 {
		return false
	}
	last := path[len(path)-1]
	return last.Kind == model.FieldSegment && strings.HasPrefix(last.Field, "_")
}

// stringMigration rewrites every user string value with fn.
func stringMigration(name, title string, fn func(string) string) model.Migration {
	return model.Migration{
		Name:  name,
		Title: title,
		Node: &model.NodeMigration{
			String: func(_ context.Context, node interface{}, path model.Path, _ model.MigrationContext) ([]model.Edit, error) {
				s, _ := node.(string)
				if systemField(path) {
					return nil, nil
				}
				if out := fn(s); out != s {
					return []model.Edit{model.Set(out)}, nil
				}
				return nil, nil
			},
		},
	}
}

// TrimStrings removes surrounding whitespace from string values.
func TrimStrings() model.Migration {
	return stringMigration("trim-strings", "Trim whitespace from string values", strings.TrimSpace)
}

// LowercaseStrings lowercases string values.
func LowercaseStrings() model.Migration {
	return stringMigration("lowercase-strings", "Lowercase string values", strings.ToLower)
}

// RemoveNulls unsets object fields holding null. Nulls inside arrays are
// left alone, since removing them would shift later items.
func RemoveNulls() model.Migration {
	return model.Migration{
		Name:  "remove-nulls",
		Title: "Remove fields set to null",
		Node: &model.NodeMigration{
			Null: func(_ context.Context, _ interface{}, path model.Path, _ model.MigrationContext) ([]model.Edit, error) {
				if len(path) == 0 || path[len(path)-1].Kind != model.FieldSegment {
					return nil, nil
				}
				return []model.Edit{model.Unset()}, nil
			},
		},
	}
}
