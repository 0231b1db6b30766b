package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore implements DocumentStore entirely in memory. It backs the test
// suites and local development without Firestore credentials, and follows the
// same contracts as FirestoreStore: timestamp stamping, N+1 pagination,
// validation-drop policy, subscriptions and atomic batches.
//
// Transactions are serialized under one lock, so the optimistic-retry path
// never actually retries here; callbacks still must be written as if they
// could run twice.
type MemoryStore struct {
	mu     sync.RWMutex
	logger *zap.Logger

	collections map[string]map[string]map[string]interface{}

	nextSubID int
	docSubs   map[int]*memDocSub
	colSubs   map[int]*memColSub
}

type memDocSub struct {
	collection string
	id         string
	schema     Schema
	cb         DocumentCallback
}

type memColSub struct {
	collection string
	opts       QueryOptions
	cb         CollectionCallback
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:      logger,
		collections: map[string]map[string]map[string]interface{}{},
		docSubs:     map[int]*memDocSub{},
		colSubs:     map[int]*memColSub{},
	}
}

func (s *MemoryStore) coll(name string) map[string]map[string]interface{} {
	c, ok := s.collections[name]
	if !ok {
		c = map[string]map[string]interface{}{}
		s.collections[name] = c
	}
	return c
}

func (s *MemoryStore) GetDocument(ctx context.Context, collection, id string, schema Schema) (*Document, error) {
	s.mu.RLock()
	data, ok := s.collections[collection][id]
	var snapshot map[string]interface{}
	if ok {
		snapshot = copyMap(data)
	}
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if schema != nil {
		if verr := schema(snapshot); verr != nil {
			return nil, validationError(collection, id, verr)
		}
	}
	return &Document{Collection: collection, ID: id, Data: snapshot}, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, collection, id string, data map[string]interface{}, schema Schema) (*Document, error) {
	now := nowTimestamp()
	stamped := stampCreate(data, now)
	if schema != nil {
		if verr := schema(stamped); verr != nil {
			return nil, validationError(collection, id, verr)
		}
	}

	s.mu.Lock()
	if id == "" {
		id = uuid.NewString()
	}
	c := s.coll(collection)
	if _, exists := c[id]; exists {
		s.mu.Unlock()
		return nil, &StoreError{Kind: KindUnknown, Code: "AlreadyExists",
			Message: fmt.Sprintf("create %s/%s: document already exists", collection, id)}
	}
	c[id] = stamped
	notify := s.pendingNotifications(docChange{collection, id})
	s.mu.Unlock()

	notify()
	return &Document{Collection: collection, ID: id, Data: copyMap(stamped)}, nil
}

func (s *MemoryStore) UpdateDocument(ctx context.Context, collection, id string, partial map[string]interface{}, schema Schema) (*Document, error) {
	now := nowTimestamp()

	s.mu.Lock()
	existing, ok := s.collections[collection][id]
	if !ok {
		s.mu.Unlock()
		return nil, &StoreError{Kind: KindNotFound, Message: fmt.Sprintf("update %s/%s: document not found", collection, id)}
	}
	merged := applyUpdate(existing, partial, now)
	if schema != nil {
		if verr := schema(merged); verr != nil {
			// Abort with no partial effect.
			s.mu.Unlock()
			return nil, validationError(collection, id, verr)
		}
	}
	s.coll(collection)[id] = merged
	notify := s.pendingNotifications(docChange{collection, id})
	s.mu.Unlock()

	notify()
	return &Document{Collection: collection, ID: id, Data: copyMap(merged)}, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	delete(s.collections[collection], id)
	notify := s.pendingNotifications(docChange{collection, id})
	s.mu.Unlock()

	notify()
	return nil
}

// runQuery evaluates a query against current state. Caller must hold at
// least a read lock. The returned documents are deep copies in final order,
// before limit trimming and schema filtering.
func (s *MemoryStore) runQuery(collection string, opts QueryOptions) ([]*Document, error) {
	var docs []*Document
	for id, data := range s.collections[collection] {
		ok, err := matchesFilters(data, opts.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, &Document{Collection: collection, ID: id, Data: copyMap(data)})
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return resultOrderLess(docs[i], docs[j], opts)
	})

	if opts.StartAfter != nil {
		trimmed, err := s.positionAfter(docs, collection, opts, opts.StartAfter)
		if err != nil {
			return nil, err
		}
		docs = trimmed
	}
	if opts.EndBefore != nil {
		trimmed, err := s.positionBefore(docs, collection, opts, opts.EndBefore)
		if err != nil {
			return nil, err
		}
		docs = trimmed
	}
	return docs, nil
}

// cursorAnchor resolves a cursor to the current stored document so the query
// can position relative to it even when it no longer matches the filters, the
// way Firestore snapshot cursors do. Caller must hold at least a read lock.
func (s *MemoryStore) cursorAnchor(collection string, c *Cursor) (*Document, error) {
	data, ok := s.collections[collection][c.id]
	if !ok {
		return nil, &StoreError{Kind: KindNotFound,
			Message: fmt.Sprintf("resolve cursor %s/%s: document not found", collection, c.id)}
	}
	return &Document{Collection: collection, ID: c.id, Data: copyMap(data)}, nil
}

func (s *MemoryStore) positionAfter(docs []*Document, collection string, opts QueryOptions, c *Cursor) ([]*Document, error) {
	if idx := indexOfDoc(docs, c.id); idx >= 0 {
		return docs[idx+1:], nil
	}
	anchor, err := s.cursorAnchor(collection, c)
	if err != nil {
		return nil, err
	}
	var out []*Document
	for _, d := range docs {
		if resultOrderLess(anchor, d, opts) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) positionBefore(docs []*Document, collection string, opts QueryOptions, c *Cursor) ([]*Document, error) {
	if idx := indexOfDoc(docs, c.id); idx >= 0 {
		return docs[:idx], nil
	}
	anchor, err := s.cursorAnchor(collection, c)
	if err != nil {
		return nil, err
	}
	var out []*Document
	for _, d := range docs {
		if resultOrderLess(d, anchor, opts) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetDocuments(ctx context.Context, collection string, opts QueryOptions) (*Page, error) {
	s.mu.RLock()
	docs, err := s.runQuery(collection, opts)
	s.mu.RUnlock()
	if err != nil {
		return nil, asStoreError(err)
	}

	hasMore := false
	if opts.Limit > 0 && len(docs) > opts.Limit {
		hasMore = true
		docs = docs[:opts.Limit]
	}

	page := &Page{HasMore: hasMore}
	for _, doc := range docs {
		if opts.Schema != nil {
			if verr := opts.Schema(doc.Data); verr != nil {
				s.logger.Warn("dropping document failing schema validation",
					zap.String("collection", collection),
					zap.String("id", doc.ID),
					zap.Error(verr))
				continue
			}
		}
		page.Documents = append(page.Documents, doc)
		cursor := &Cursor{id: doc.ID}
		if page.FirstDoc == nil {
			page.FirstDoc = cursor
		}
		page.LastDoc = cursor
	}
	return page, nil
}

func (s *MemoryStore) SubscribeToDocument(ctx context.Context, collection, id string, schema Schema, cb DocumentCallback) (*Subscription, error) {
	s.mu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	s.docSubs[subID] = &memDocSub{collection: collection, id: id, schema: schema, cb: cb}
	data, ok := s.collections[collection][id]
	var initial *Document
	if ok {
		initial = &Document{Collection: collection, ID: id, Data: copyMap(data)}
	}
	s.mu.Unlock()

	// Initial delivery with the current value, before any change events.
	cb(s.validateForSub(initial, schema))

	return newSubscription(func() {
		s.mu.Lock()
		delete(s.docSubs, subID)
		s.mu.Unlock()
	}), nil
}

func (s *MemoryStore) SubscribeToCollection(ctx context.Context, collection string, opts QueryOptions, cb CollectionCallback) (*Subscription, error) {
	s.mu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	s.colSubs[subID] = &memColSub{collection: collection, opts: opts, cb: cb}
	initial, err := s.collectionView(collection, opts)
	s.mu.Unlock()
	if err != nil {
		s.mu.Lock()
		delete(s.colSubs, subID)
		s.mu.Unlock()
		return nil, asStoreError(err)
	}

	cb(initial)

	return newSubscription(func() {
		s.mu.Lock()
		delete(s.colSubs, subID)
		s.mu.Unlock()
	}), nil
}

func (s *MemoryStore) validateForSub(doc *Document, schema Schema) *Document {
	if doc == nil || schema == nil {
		return doc
	}
	if verr := schema(doc.Data); verr != nil {
		s.logger.Warn("subscribed document failed schema validation",
			zap.String("collection", doc.Collection),
			zap.String("id", doc.ID),
			zap.Error(verr))
		return nil
	}
	return doc
}

// collectionView produces the list a collection subscriber sees. Caller must
// hold the lock.
func (s *MemoryStore) collectionView(collection string, opts QueryOptions) ([]*Document, error) {
	docs, err := s.runQuery(collection, opts)
	if err != nil {
		return nil, err
	}
	if opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	out := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if opts.Schema != nil {
			if verr := opts.Schema(doc.Data); verr != nil {
				s.logger.Warn("dropping subscribed document failing schema validation",
					zap.String("collection", collection),
					zap.String("id", doc.ID),
					zap.Error(verr))
				continue
			}
		}
		out = append(out, doc)
	}
	return out, nil
}

// docChange identifies one mutated document of a write operation.
type docChange struct {
	collection string
	id         string
}

// pendingNotifications snapshots the deliveries owed after the given
// mutations have all been applied. Caller must hold the write lock; the
// returned func is invoked after releasing it so callbacks can safely reenter
// the store. Multi-write operations pass their whole change set in one call,
// so each subscriber is notified once with committed state and never observes
// a half-applied batch or transaction.
func (s *MemoryStore) pendingNotifications(changes ...docChange) func() {
	var deliveries []func()

	for _, sub := range s.docSubs {
		for _, ch := range changes {
			if sub.collection != ch.collection || sub.id != ch.id {
				continue
			}
			var doc *Document
			if data, ok := s.collections[ch.collection][ch.id]; ok {
				doc = &Document{Collection: ch.collection, ID: ch.id, Data: copyMap(data)}
			}
			sub := sub
			deliveries = append(deliveries, func() {
				sub.cb(s.validateForSub(doc, sub.schema))
			})
			break
		}
	}

	touched := map[string]bool{}
	for _, ch := range changes {
		touched[ch.collection] = true
	}
	for _, sub := range s.colSubs {
		if !touched[sub.collection] {
			continue
		}
		view, err := s.collectionView(sub.collection, sub.opts)
		if err != nil {
			s.logger.Error("collection listener query error",
				zap.String("collection", sub.collection),
				zap.Error(err))
			continue
		}
		sub := sub
		deliveries = append(deliveries, func() { sub.cb(view) })
	}

	return func() {
		for _, deliver := range deliveries {
			deliver()
		}
	}
}

func (s *MemoryStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	now := nowTimestamp()

	s.mu.Lock()
	// Validate every operation before touching state so the batch is
	// all-or-nothing.
	for i, op := range ops {
		switch op.Type {
		case WriteCreate:
			if op.ID != "" {
				if _, exists := s.collections[op.Collection][op.ID]; exists {
					s.mu.Unlock()
					return &StoreError{Kind: KindUnknown, Code: "AlreadyExists",
						Message: fmt.Sprintf("batch op %d: %s/%s already exists", i, op.Collection, op.ID)}
				}
			}
		case WriteUpdate:
			if _, exists := s.collections[op.Collection][op.ID]; !exists {
				s.mu.Unlock()
				return &StoreError{Kind: KindNotFound,
					Message: fmt.Sprintf("batch op %d: %s/%s not found", i, op.Collection, op.ID)}
			}
		case WriteDelete:
			// Deleting an absent document is a no-op, as in Firestore.
		default:
			s.mu.Unlock()
			return &StoreError{Kind: KindUnknown, Message: fmt.Sprintf("batch op %d: unsupported type %q", i, op.Type)}
		}
	}

	changes := make([]docChange, 0, len(ops))
	for _, op := range ops {
		id := op.ID
		switch op.Type {
		case WriteCreate:
			if id == "" {
				id = uuid.NewString()
			}
			s.coll(op.Collection)[id] = stampCreate(op.Data, now)
		case WriteUpdate:
			existing := s.collections[op.Collection][id]
			s.coll(op.Collection)[id] = applyUpdate(existing, op.Data, now)
		case WriteDelete:
			delete(s.collections[op.Collection], id)
		}
		changes = append(changes, docChange{op.Collection, id})
	}
	// Notify once after the whole batch so subscribers never observe a
	// partially applied state.
	notify := s.pendingNotifications(changes...)
	s.mu.Unlock()

	notify()
	return nil
}

// memTx stages reads and writes against a point-in-time view; stage applies
// only when the callback succeeds.
type memTx struct {
	store   *MemoryStore
	staged  map[string]map[string]interface{} // "collection/id" -> data
	deleted map[string]bool
}

func txKey(collection, id string) string { return collection + "/" + id }

func (t *memTx) Get(collection, id string) (*Document, error) {
	key := txKey(collection, id)
	if t.deleted[key] {
		return nil, nil
	}
	if data, ok := t.staged[key]; ok {
		return &Document{Collection: collection, ID: id, Data: copyMap(data)}, nil
	}
	data, ok := t.store.collections[collection][id]
	if !ok {
		return nil, nil
	}
	return &Document{Collection: collection, ID: id, Data: copyMap(data)}, nil
}

func (t *memTx) Create(collection, id string, data map[string]interface{}) error {
	if id == "" {
		id = uuid.NewString()
	}
	if doc, _ := t.Get(collection, id); doc != nil {
		return &StoreError{Kind: KindUnknown, Code: "AlreadyExists",
			Message: fmt.Sprintf("tx create %s/%s: document already exists", collection, id)}
	}
	key := txKey(collection, id)
	t.staged[key] = stampCreate(data, nowTimestamp())
	delete(t.deleted, key)
	return nil
}

func (t *memTx) Update(collection, id string, partial map[string]interface{}) error {
	doc, err := t.Get(collection, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return &StoreError{Kind: KindNotFound, Message: fmt.Sprintf("tx update %s/%s: document not found", collection, id)}
	}
	t.staged[txKey(collection, id)] = applyUpdate(doc.Data, partial, nowTimestamp())
	return nil
}

func (t *memTx) Delete(collection, id string) error {
	key := txKey(collection, id)
	delete(t.staged, key)
	t.deleted[key] = true
	return nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	tx := &memTx{store: s, staged: map[string]map[string]interface{}{}, deleted: map[string]bool{}}
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}

	var changes []docChange
	for key, data := range tx.staged {
		collection, id, _ := strings.Cut(key, "/")
		s.coll(collection)[id] = data
		changes = append(changes, docChange{collection, id})
	}
	for key := range tx.deleted {
		collection, id, _ := strings.Cut(key, "/")
		delete(s.collections[collection], id)
		changes = append(changes, docChange{collection, id})
	}
	// Subscribers see the commit as a single change, after all staged writes
	// have landed.
	notify := s.pendingNotifications(changes...)
	s.mu.Unlock()

	notify()
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.docSubs = map[int]*memDocSub{}
	s.colSubs = map[int]*memColSub{}
	s.mu.Unlock()
	return nil
}
