package db

import (
	"context"
	"sync"
	"time"
)

// Document is a collection-scoped, id-keyed record with a JSON-like field map.
// Timestamps live in Data["metadata"] as RFC 3339 UTC strings so the format is
// stable across store implementations.
type Document struct {
	Collection string
	ID         string
	Data       map[string]interface{}
}

// Schema is a caller-supplied shape validator. It is attached per call, never
// stored. A nil Schema disables validation for that operation.
type Schema func(data map[string]interface{}) error

// Filter is a single field constraint. Op uses Firestore operator spelling
// ("==", "!=", "<", "<=", ">", ">=", "array-contains", "in").
type Filter struct {
	Field string
	Op    string
	Value interface{}
}

// QueryOptions compose a collection query. When OrderBy is empty, results are
// ordered by document ID in every implementation, so cursor pagination stays
// stable without an explicit order.
type QueryOptions struct {
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
	StartAfter *Cursor
	EndBefore  *Cursor
	Schema     Schema
}

// Cursor is an opaque position marker inside an ordered query result. Callers
// receive cursors from Page and pass them back verbatim; they never inspect
// the contents.
type Cursor struct {
	id   string
	snap interface{} // *firestore.DocumentSnapshot for the Firestore store
}

// ID returns the document id the cursor points at, for handing to clients
// that resume pagination across requests.
func (c *Cursor) ID() string { return c.id }

// CursorFromID rebuilds a cursor from a document id a client sent back. The
// Firestore store resolves it to a snapshot at query time.
func CursorFromID(id string) *Cursor {
	if id == "" {
		return nil
	}
	return &Cursor{id: id}
}

// Page is one page of query results. With Limit=N the store fetches N+1
// records and trims the extra one, so HasMore is exact.
type Page struct {
	Documents []*Document
	HasMore   bool
	FirstDoc  *Cursor
	LastDoc   *Cursor
}

// DocumentCallback receives the current document state; nil means absent.
type DocumentCallback func(doc *Document)

// CollectionCallback receives the current matching document list.
type CollectionCallback func(docs []*Document)

// Subscription is a live listener handle owned by the caller. Failing to call
// Unsubscribe leaks the underlying listener for the life of the process.
type Subscription struct {
	stop func()
	once sync.Once
}

// Unsubscribe stops delivery and releases the listener. Safe to call more
// than once; only the first call has effect.
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.stop)
}

func newSubscription(stop func()) *Subscription {
	return &Subscription{stop: stop}
}

// WriteOpType enumerates batch operation kinds.
type WriteOpType string

const (
	WriteCreate WriteOpType = "create"
	WriteUpdate WriteOpType = "update"
	WriteDelete WriteOpType = "delete"
)

// WriteOp is one entry of an ordered batch. Create may leave ID empty to let
// the store assign one.
type WriteOp struct {
	Type       WriteOpType
	Collection string
	ID         string
	Data       map[string]interface{}
}

// Tx is the transaction context handed to RunTransaction callbacks. All reads
// and writes inside the callback must go through it.
type Tx interface {
	Get(collection, id string) (*Document, error)
	Create(collection, id string, data map[string]interface{}) error
	Update(collection, id string, partial map[string]interface{}) error
	Delete(collection, id string) error
}

// DocumentStore is the generic document-store access layer. Two
// implementations exist: FirestoreStore for production and MemoryStore for
// tests and local development.
type DocumentStore interface {
	// GetDocument returns the document or (nil, nil) when absent. A non-nil
	// schema failing raises a validation_error.
	GetDocument(ctx context.Context, collection, id string, schema Schema) (*Document, error)

	// CreateDocument writes a new document, assigning an ID when id is empty,
	// and stamps metadata.createdAt == metadata.updatedAt.
	CreateDocument(ctx context.Context, collection, id string, data map[string]interface{}, schema Schema) (*Document, error)

	// UpdateDocument shallow-merges the supplied top-level keys into an
	// existing document, refreshing metadata.updatedAt and never touching
	// metadata.createdAt. When a schema is supplied, the merge of current
	// state and partial is validated before anything is written.
	UpdateDocument(ctx context.Context, collection, id string, partial map[string]interface{}, schema Schema) (*Document, error)

	DeleteDocument(ctx context.Context, collection, id string) error

	// GetDocuments runs a composed query with N+1 pagination. Documents
	// failing the schema are dropped from the page, never failing the call.
	GetDocuments(ctx context.Context, collection string, opts QueryOptions) (*Page, error)

	// SubscribeToDocument invokes cb once with the current value immediately,
	// then once per subsequent change, until the subscription is released.
	// Transport errors are logged and delivered as nil, never returned.
	SubscribeToDocument(ctx context.Context, collection, id string, schema Schema, cb DocumentCallback) (*Subscription, error)

	// SubscribeToCollection behaves like SubscribeToDocument over a query
	// result, applying the bulk-read validation-drop policy.
	SubscribeToCollection(ctx context.Context, collection string, opts QueryOptions, cb CollectionCallback) (*Subscription, error)

	// BatchWrite applies the ordered operations atomically; all commit or
	// none do. Create/update entries stamp timestamps exactly like the
	// single-document paths.
	BatchWrite(ctx context.Context, ops []WriteOp) error

	// RunTransaction executes fn under optimistic concurrency. fn may run
	// more than once under contention and must have no side effects beyond
	// its reads and writes through the Tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}

const metadataField = "metadata"

// nowTimestamp returns the transport-neutral timestamp representation.
func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// stampCreate injects creation timestamps, preserving any caller-supplied
// metadata fields (e.g. loginCount) while owning createdAt/updatedAt.
func stampCreate(data map[string]interface{}, now string) map[string]interface{} {
	out := copyMap(data)
	meta, _ := out[metadataField].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	} else {
		meta = copyMap(meta)
	}
	meta["createdAt"] = now
	meta["updatedAt"] = now
	out[metadataField] = meta
	return out
}

// applyUpdate merges a partial update over existing state following the
// update contract: top-level keys replace, except metadata which merges per
// sub-key with createdAt protected and updatedAt refreshed.
func applyUpdate(existing, partial map[string]interface{}, now string) map[string]interface{} {
	out := copyMap(existing)
	for k, v := range partial {
		if k == metadataField {
			continue
		}
		out[k] = deepCopyValue(v)
	}
	meta, _ := out[metadataField].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	} else {
		meta = copyMap(meta)
	}
	if pm, ok := partial[metadataField].(map[string]interface{}); ok {
		for k, v := range pm {
			if k == "createdAt" {
				continue
			}
			meta[k] = deepCopyValue(v)
		}
	}
	meta["updatedAt"] = now
	out[metadataField] = meta
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
