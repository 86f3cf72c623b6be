package model

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"time"
)

const (
	// DefaultConcurrency is the number of transactions kept in flight when
	// the caller does not choose one.
	DefaultConcurrency = 6
	// MaxConcurrency bounds in-flight transactions for a single run.
	MaxConcurrency = 10
	// DefaultAPIVersion is the store API version the client speaks.
	DefaultAPIVersion = "v2024-01-29"
)

// MigrationContext gives callbacks read-only access to the store (or to the
// archive during an archive replay).
type MigrationContext interface {
	// GetDocument returns nil, nil when the document does not exist.
	GetDocument(ctx context.Context, id string) (Document, error)
	GetDocuments(ctx context.Context, ids []string) ([]Document, error)
	Query(ctx context.Context, query string, params map[string]interface{}) (interface{}, error)
}

// NodeFunc is a per-node callback. node is the value at path; it must be
// treated as read-only.
type NodeFunc func(ctx context.Context, node interface{}, path Path, mc MigrationContext) ([]Edit, error)

// DocumentFunc is called once per document before its tree is walked.
type DocumentFunc func(ctx context.Context, doc Document, mc MigrationContext) ([]Edit, error)

// NodeMigration is the per-document definition shape. Every callback is
// optional. At each node Node runs first, then the callback for the node's
// kind.
type NodeMigration struct {
	Document DocumentFunc
	Node     NodeFunc
	Object   NodeFunc
	Array    NodeFunc
	String   NodeFunc
	Number   NodeFunc
	Boolean  NodeFunc
	Null     NodeFunc
}

// Documents opens a fresh pass over the migration's input documents.
type Documents func() iter.Seq2[Document, error]

// AsyncMigration is the free-form definition shape. It yields Mutation and
// Transaction values lazily and may never stop.
type AsyncMigration func(ctx context.Context, docs Documents, mc MigrationContext) iter.Seq2[Edit, error]

// Migration is a named, user-supplied transformation. Exactly one of Node
// and Async must be set.
type Migration struct {
	Name  string `json:"name" yaml:"name"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	// Filter is a store query expression narrowing the input documents.
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
	// DocumentTypes narrows the input to documents of these types.
	DocumentTypes []string `json:"documentTypes,omitempty" yaml:"documentTypes,omitempty"`

	Node  *NodeMigration `json:"-" yaml:"-"`
	Async AsyncMigration `json:"-" yaml:"-"`
}

// APIConfig locates a dataset in the store.
type APIConfig struct {
	ProjectID  string `json:"projectId" yaml:"projectId" validate:"required"`
	Dataset    string `json:"dataset" yaml:"dataset" validate:"required"`
	Token      string `json:"-" yaml:"token"`
	APIVersion string `json:"apiVersion" yaml:"apiVersion" validate:"omitempty,startswith=v"`
	APIHost    string `json:"apiHost,omitempty" yaml:"apiHost" validate:"omitempty,url"`
}

// ProgressFunc receives a snapshot after every scheduler transition.
type ProgressFunc func(MigrationProgress)

// RunOptions configures a single run.
type RunOptions struct {
	Concurrency int  `validate:"min=0,max=10"`
	DryRun      bool
	OnProgress  ProgressFunc
	Retry       RetryConfig
	// SubmitTimeout bounds one commit attempt. Zero means DefaultSubmitTimeout.
	SubmitTimeout time.Duration `validate:"min=0"`
	// BatchSize is the number of documents a source returns per page.
	BatchSize int `validate:"min=0"`
	// DryRunOutput receives would-be transactions as NDJSON during dry runs.
	DryRunOutput io.Writer    `validate:"-"`
	Logger       *slog.Logger `validate:"-"`
}
