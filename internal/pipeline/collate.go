package pipeline

import (
	"go-data-migrate/internal/model"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Collate merges operations against a single document into one mutation,
// keeping emission order. It returns nil for an empty list.
func Collate(ops []model.Operation) (*model.Mutation, error) {
	if len(ops) == 0 {
		return nil, nil
	}
	m := &model.Mutation{DocumentID: ops[0].DocumentID}
	for _, op := range ops {
		if op.DocumentID != m.DocumentID {
			return nil, errors.Errorf("cannot collate operations for %s and %s into one mutation", m.DocumentID, op.DocumentID)
		}
		instructions, err := lower(op.Instruction)
		if err != nil {
			return nil, errors.Wrapf(err, "document %s", m.DocumentID)
		}
		m.Instructions = append(m.Instructions, instructions...)
	}
	return m, nil
}

// lower maps one instruction onto the instruction kinds the store accepts.
// Only splice has no direct counterpart: it becomes a truncate followed by an
// insert at the same position.
func lower(in model.Instruction) ([]model.Instruction, error) {
	if in.Type != model.InstructionPatch {
		return []model.Instruction{in}, nil
	}
	if in.Patch == nil {
		return nil, errors.New("patch instruction without a patch")
	}
	op := in.Patch.Op
	if op.Type != model.OpSplice {
		return []model.Instruction{in}, nil
	}
	if op.Start < 0 || op.DeleteCount < 0 {
		return nil, errors.Errorf("invalid splice at %q: start %d, delete count %d", in.Patch.Path.String(), op.Start, op.DeleteCount)
	}

	path := in.Patch.Path
	var out []model.Instruction
	if op.DeleteCount > 0 {
		out = append(out, patchInstruction(path, model.Truncate(op.Start, op.Start+op.DeleteCount)))
	}
	if len(op.Items) > 0 {
		insert := model.InsertAfter(model.Index(op.Start-1), op.Items...)
		if op.Start == 0 {
			insert = model.Prepend(op.Items...)
		}
		out = append(out, patchInstruction(path, insert))
	}
	return out, nil
}

func patchInstruction(path model.Path, op model.Op) model.Instruction {
	p := model.At(path, op)
	return model.Instruction{Type: model.InstructionPatch, Patch: &p}
}

// Collator groups executor output into transactions.
type Collator struct {
	newID func() string
}

// NewCollator returns a collator that names default transactions with
// random UUIDs.
func NewCollator() *Collator {
	return &Collator{newID: func() string { return uuid.New().String() }}
}

// Group turns the items of one document pass (or one free-form yield) into
// transactions. Everything except explicit transactions lands in one default
// transaction; adjacent output for the same document is merged into one
// mutation unless either side carries a revision condition. Explicit
// transactions keep their id and mutation boundaries and are never merged
// with anything else; only splices inside them are lowered. Causal order is
// kept: default output produced before an explicit transaction is committed
// in a transaction of its own ahead of it.
func (c *Collator) Group(items []Item) ([]model.Transaction, error) {
	var (
		txs     []model.Transaction
		current []model.Mutation
		ops     []model.Operation
	)

	appendMutation := func(m model.Mutation) {
		if n := len(current); n > 0 {
			last := &current[n-1]
			// The revision guard only travels with the first patch of a
			// mutation, so guarded mutations stay separate.
			if last.DocumentID == m.DocumentID && last.IfRevision == "" && m.IfRevision == "" {
				last.Instructions = append(last.Instructions, m.Instructions...)
				return
			}
		}
		m.Instructions = append([]model.Instruction(nil), m.Instructions...)
		current = append(current, m)
	}
	flushOps := func() error {
		m, err := Collate(ops)
		ops = nil
		if err != nil {
			return err
		}
		if m != nil {
			appendMutation(*m)
		}
		return nil
	}
	flushTx := func() error {
		if err := flushOps(); err != nil {
			return err
		}
		if len(current) > 0 {
			txs = append(txs, model.Transaction{ID: c.newID(), Mutations: current})
			current = nil
		}
		return nil
	}

	for _, item := range items {
		switch {
		case item.Operation != nil:
			if len(ops) > 0 && ops[0].DocumentID != item.Operation.DocumentID {
				if err := flushOps(); err != nil {
					return nil, err
				}
			}
			ops = append(ops, *item.Operation)
		case item.Mutation != nil:
			if err := flushOps(); err != nil {
				return nil, err
			}
			m, err := lowerMutation(*item.Mutation)
			if err != nil {
				return nil, err
			}
			if len(m.Instructions) > 0 {
				appendMutation(m)
			}
		case item.Transaction != nil:
			if err := flushTx(); err != nil {
				return nil, err
			}
			if len(item.Transaction.Mutations) == 0 {
				return nil, errors.New("explicit transaction has no mutations")
			}
			tx := model.Transaction{ID: item.Transaction.ID, Mutations: make([]model.Mutation, 0, len(item.Transaction.Mutations))}
			for _, m := range item.Transaction.Mutations {
				lowered, err := lowerMutation(m)
				if err != nil {
					return nil, err
				}
				tx.Mutations = append(tx.Mutations, lowered)
			}
			txs = append(txs, tx)
		}
	}
	if err := flushTx(); err != nil {
		return nil, err
	}
	return txs, nil
}

func lowerMutation(m model.Mutation) (model.Mutation, error) {
	out := model.Mutation{DocumentID: m.DocumentID, IfRevision: m.IfRevision}
	for _, in := range m.Instructions {
		lowered, err := lower(in)
		if err != nil {
			return out, errors.Wrapf(err, "document %s", m.DocumentID)
		}
		out.Instructions = append(out.Instructions, lowered...)
	}
	return out, nil
}
