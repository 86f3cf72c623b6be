package client

import (
	"strconv"

	"go-data-migrate/internal/model"

	"github.com/pkg/errors"
)

// WireMutation is one entry of the store's "mutations" array.
type WireMutation map[string]interface{}

// EncodeTransaction renders tx in the store's mutation wire format. Every
// instruction becomes one wire mutation; the revision guard is sent with the
// first patch of the mutation only.
func EncodeTransaction(tx model.Transaction) ([]WireMutation, error) {
	var out []WireMutation
	for _, m := range tx.Mutations {
		encoded, err := EncodeMutation(m)
		if err != nil {
			return nil, err
		}
		out = append(out, encoded...)
	}
	return out, nil
}

func EncodeMutation(m model.Mutation) ([]WireMutation, error) {
	out := make([]WireMutation, 0, len(m.Instructions))
	guarded := false
	for _, in := range m.Instructions {
		switch in.Type {
		case model.InstructionCreate, model.InstructionCreateIfNotExists, model.InstructionCreateOrReplace:
			if in.Document == nil {
				return nil, errors.Errorf("%s for %s has no document", in.Type, m.DocumentID)
			}
			out = append(out, WireMutation{string(in.Type): in.Document})
		case model.InstructionDelete:
			out = append(out, WireMutation{"delete": map[string]interface{}{"id": m.DocumentID}})
		case model.InstructionPatch:
			if in.Patch == nil {
				return nil, errors.Errorf("patch for %s has no operation", m.DocumentID)
			}
			body, err := encodePatch(*in.Patch)
			if err != nil {
				return nil, errors.Wrapf(err, "document %s", m.DocumentID)
			}
			body["id"] = m.DocumentID
			if m.IfRevision != "" && !guarded {
				body["ifRevisionID"] = m.IfRevision
				guarded = true
			}
			out = append(out, WireMutation{"patch": body})
		default:
			return nil, errors.Errorf("unknown instruction %q", in.Type)
		}
	}
	return out, nil
}

func encodePatch(p model.NodePatch) (map[string]interface{}, error) {
	path := p.Path.String()
	op := p.Op
	switch op.Type {
	case model.OpSet, model.OpSetIfMissing:
		return map[string]interface{}{string(op.Type): map[string]interface{}{path: op.Value}}, nil
	case model.OpUnset:
		return map[string]interface{}{"unset": []string{path}}, nil
	case model.OpInc, model.OpDec:
		return map[string]interface{}{string(op.Type): map[string]interface{}{path: op.Value}}, nil
	case model.OpInsert, model.OpReplace:
		if op.Ref == nil {
			return nil, errors.Errorf("%s at %q has no reference item", op.Type, path)
		}
		pos := op.Position
		if op.Type == model.OpReplace {
			pos = model.ReplaceAt
		}
		items := op.Items
		if items == nil {
			items = []interface{}{}
		}
		return map[string]interface{}{"insert": map[string]interface{}{
			string(pos): p.Path.Append(*op.Ref).String(),
			"items":     items,
		}}, nil
	case model.OpTruncate:
		rng := path + "[" + strconv.Itoa(op.Start) + ":"
		if op.End >= 0 {
			rng += strconv.Itoa(op.End)
		}
		return map[string]interface{}{"unset": []string{rng + "]"}}, nil
	case model.OpSplice:
		return nil, errors.Errorf("splice at %q must be collated before encoding", path)
	}
	return nil, errors.Errorf("unknown patch operation %q", op.Type)
}
