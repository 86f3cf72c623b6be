package model

// Edit is anything a migration callback may return: an Op applied at the
// current node, a NodePatch relative to it, a whole Mutation, or (from a
// document callback or a free-form migration) a Transaction.
type Edit interface {
	isEdit()
}

// ------------------- Patch operations -------------------

// OpType names a patch operation.
type OpType string

const (
	OpSet          OpType = "set"
	OpSetIfMissing OpType = "setIfMissing"
	OpUnset        OpType = "unset"
	OpInc          OpType = "inc"
	OpDec          OpType = "dec"
	OpInsert       OpType = "insert"
	OpReplace      OpType = "replace"
	OpTruncate     OpType = "truncate"
	OpSplice       OpType = "splice"
)

// Position places inserted items relative to a reference item.
type Position string

const (
	Before    Position = "before"
	After     Position = "after"
	ReplaceAt Position = "replace"
)

// Op is a single patch operation. Which fields matter depends on Type.
type Op struct {
	Type        OpType        `json:"type"`
	Value       interface{}   `json:"value,omitempty"`
	Items       []interface{} `json:"items,omitempty"`
	Position    Position      `json:"position,omitempty"`
	Ref         *PathSegment  `json:"ref,omitempty"`
	Start       int           `json:"start,omitempty"`
	End         int           `json:"end,omitempty"`
	DeleteCount int           `json:"deleteCount,omitempty"`
}

func (Op) isEdit() {}

// ReplacesNode reports whether applying the op at a node discards the node's
// current children, in which case the walker does not descend into it.
func (o Op) ReplacesNode() bool {
	return o.Type == OpSet || o.Type == OpUnset
}

func Set(value interface{}) Op          { return Op{Type: OpSet, Value: value} }
func SetIfMissing(value interface{}) Op { return Op{Type: OpSetIfMissing, Value: value} }
func Unset() Op                         { return Op{Type: OpUnset} }
func Inc(amount float64) Op             { return Op{Type: OpInc, Value: amount} }
func Dec(amount float64) Op             { return Op{Type: OpDec, Value: amount} }

// Insert places items relative to ref inside the array at the patch path.
func Insert(pos Position, ref PathSegment, items ...interface{}) Op {
	return Op{Type: OpInsert, Position: pos, Ref: &ref, Items: items}
}

func InsertBefore(ref PathSegment, items ...interface{}) Op { return Insert(Before, ref, items...) }
func InsertAfter(ref PathSegment, items ...interface{}) Op  { return Insert(After, ref, items...) }
func Append(items ...interface{}) Op                        { return Insert(After, Index(-1), items...) }
func Prepend(items ...interface{}) Op                       { return Insert(Before, Index(0), items...) }

// Replace swaps the item at ref for items.
func Replace(ref PathSegment, items ...interface{}) Op {
	return Op{Type: OpReplace, Position: ReplaceAt, Ref: &ref, Items: items}
}

// Truncate removes array items from start up to, not including, end. A
// negative end truncates to the end of the array.
func Truncate(start, end int) Op {
	return Op{Type: OpTruncate, Start: start, End: end}
}

// Splice removes deleteCount items at start and inserts items in their place.
func Splice(start, deleteCount int, items ...interface{}) Op {
	return Op{Type: OpSplice, Start: start, DeleteCount: deleteCount, Items: items}
}

// NodePatch applies Op at Path.
type NodePatch struct {
	Path Path `json:"path"`
	Op   Op   `json:"op"`
}

func (NodePatch) isEdit() {}

// At builds a NodePatch.
func At(path Path, op Op) NodePatch { return NodePatch{Path: path, Op: op} }

// ------------------- Instructions, operations and mutations -------------------

// InstructionType names a store-level instruction.
type InstructionType string

const (
	InstructionCreate            InstructionType = "create"
	InstructionCreateIfNotExists InstructionType = "createIfNotExists"
	InstructionCreateOrReplace   InstructionType = "createOrReplace"
	InstructionDelete            InstructionType = "delete"
	InstructionPatch             InstructionType = "patch"
)

// Instruction is one store-level edit of a single document.
type Instruction struct {
	Type     InstructionType `json:"type"`
	Document Document        `json:"document,omitempty"`
	Patch    *NodePatch      `json:"patch,omitempty"`
}

// Operation is one structural edit against one document.
type Operation struct {
	DocumentID  string
	Instruction Instruction
}

// Mutation is the collated, store-shaped edit of a single document. The
// instructions are applied in order; a later instruction on the same path
// wins.
type Mutation struct {
	DocumentID   string        `json:"id"`
	Instructions []Instruction `json:"instructions"`
	IfRevision   string        `json:"ifRevision,omitempty"`
}

func (Mutation) isEdit() {}

// Operations flattens m back into its per-instruction operations.
func (m Mutation) Operations() []Operation {
	ops := make([]Operation, len(m.Instructions))
	for i, in := range m.Instructions {
		ops[i] = Operation{DocumentID: m.DocumentID, Instruction: in}
	}
	return ops
}

// WithIfRevision makes the mutation conditional on the document revision.
func (m Mutation) WithIfRevision(rev string) Mutation {
	m.IfRevision = rev
	return m
}

func createMutation(t InstructionType, doc Document) Mutation {
	return Mutation{
		DocumentID:   doc.ID(),
		Instructions: []Instruction{{Type: t, Document: doc}},
	}
}

func Create(doc Document) Mutation            { return createMutation(InstructionCreate, doc) }
func CreateIfNotExists(doc Document) Mutation { return createMutation(InstructionCreateIfNotExists, doc) }
func CreateOrReplace(doc Document) Mutation   { return createMutation(InstructionCreateOrReplace, doc) }

// Delete removes the document with the given id.
func Delete(id string) Mutation {
	return Mutation{DocumentID: id, Instructions: []Instruction{{Type: InstructionDelete}}}
}

// Patch applies patches, in order, to the document with the given id.
func Patch(id string, patches ...NodePatch) Mutation {
	m := Mutation{DocumentID: id, Instructions: make([]Instruction, 0, len(patches))}
	for i := range patches {
		p := patches[i]
		m.Instructions = append(m.Instructions, Instruction{Type: InstructionPatch, Patch: &p})
	}
	return m
}

// ------------------- Transactions -------------------

// Transaction is a group of mutations the store commits atomically.
type Transaction struct {
	ID        string     `json:"id,omitempty"`
	Mutations []Mutation `json:"mutations"`
}

func (Transaction) isEdit() {}

// NewTransaction groups mutations under an optional caller-chosen id.
func NewTransaction(id string, mutations ...Mutation) Transaction {
	return Transaction{ID: id, Mutations: mutations}
}

// DocumentIDs lists the documents touched by the transaction, in order and
// without duplicates.
func (t Transaction) DocumentIDs() []string {
	seen := make(map[string]bool, len(t.Mutations))
	ids := make([]string, 0, len(t.Mutations))
	for _, m := range t.Mutations {
		if !seen[m.DocumentID] {
			seen[m.DocumentID] = true
			ids = append(ids, m.DocumentID)
		}
	}
	return ids
}

// Instructions counts low-level instructions across all mutations.
func (t Transaction) Instructions() int {
	n := 0
	for _, m := range t.Mutations {
		n += len(m.Instructions)
	}
	return n
}
