package db

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements DocumentStore against Cloud Firestore.
type FirestoreStore struct {
	client *firestore.Client
	logger *zap.Logger
}

// NewFirestoreStore creates a DocumentStore backed by the given Firestore
// client. The logger records the sanctioned silent-failure points (bulk-read
// validation drops, subscription transport errors).
func NewFirestoreStore(client *firestore.Client, logger *zap.Logger) *FirestoreStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirestoreStore{client: client, logger: logger}
}

func (s *FirestoreStore) doc(collection, id string) *firestore.DocumentRef {
	return s.client.Collection(collection).Doc(id)
}

func snapshotToDocument(collection string, snap *firestore.DocumentSnapshot) *Document {
	data := snap.Data()
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Document{Collection: collection, ID: snap.Ref.ID, Data: data}
}

// GetDocument returns (nil, nil) when the document is absent.
func (s *FirestoreStore) GetDocument(ctx context.Context, collection, id string, schema Schema) (*Document, error) {
	snap, err := s.doc(collection, id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, mapTransportError(fmt.Sprintf("get %s/%s", collection, id), err)
	}
	doc := snapshotToDocument(collection, snap)
	if schema != nil {
		if verr := schema(doc.Data); verr != nil {
			return nil, validationError(collection, id, verr)
		}
	}
	return doc, nil
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, collection, id string, data map[string]interface{}, schema Schema) (*Document, error) {
	now := nowTimestamp()
	stamped := stampCreate(data, now)
	if schema != nil {
		if verr := schema(stamped); verr != nil {
			return nil, validationError(collection, id, verr)
		}
	}

	ref := s.client.Collection(collection).NewDoc()
	if id != "" {
		ref = s.doc(collection, id)
	}
	if _, err := ref.Create(ctx, stamped); err != nil {
		return nil, mapTransportError(fmt.Sprintf("create %s/%s", collection, ref.ID), err)
	}
	return &Document{Collection: collection, ID: ref.ID, Data: stamped}, nil
}

// buildUpdates translates a partial into field-path updates implementing the
// update contract: top-level keys replace, metadata merges per sub-key with
// createdAt left alone and updatedAt refreshed.
func buildUpdates(partial map[string]interface{}, now string) []firestore.Update {
	updates := make([]firestore.Update, 0, len(partial)+1)
	for k, v := range partial {
		if k == metadataField {
			continue
		}
		updates = append(updates, firestore.Update{Path: k, Value: v})
	}
	if pm, ok := partial[metadataField].(map[string]interface{}); ok {
		for k, v := range pm {
			if k == "createdAt" || k == "updatedAt" {
				continue
			}
			updates = append(updates, firestore.Update{Path: metadataField + "." + k, Value: v})
		}
	}
	updates = append(updates, firestore.Update{Path: metadataField + ".updatedAt", Value: now})
	return updates
}

func (s *FirestoreStore) UpdateDocument(ctx context.Context, collection, id string, partial map[string]interface{}, schema Schema) (*Document, error) {
	now := nowTimestamp()

	// Validation runs against the merge of current state and the partial, so
	// the existing document is fetched first when a schema is supplied.
	if schema != nil {
		existing, err := s.GetDocument(ctx, collection, id, nil)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, &StoreError{Kind: KindNotFound, Message: fmt.Sprintf("update %s/%s: document not found", collection, id)}
		}
		merged := applyUpdate(existing.Data, partial, now)
		if verr := schema(merged); verr != nil {
			return nil, validationError(collection, id, verr)
		}
	}

	if _, err := s.doc(collection, id).Update(ctx, buildUpdates(partial, now)); err != nil {
		return nil, mapTransportError(fmt.Sprintf("update %s/%s", collection, id), err)
	}

	// Re-read so callers get the stored state, matching the memory store.
	updated, err := s.GetDocument(ctx, collection, id, nil)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, &StoreError{Kind: KindNotFound, Message: fmt.Sprintf("update %s/%s: document vanished after write", collection, id)}
	}
	return updated, nil
}

func (s *FirestoreStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if _, err := s.doc(collection, id).Delete(ctx); err != nil {
		return mapTransportError(fmt.Sprintf("delete %s/%s", collection, id), err)
	}
	return nil
}

// resolveCursor returns the snapshot backing a cursor, fetching it when the
// cursor was rebuilt from a bare document id.
func (s *FirestoreStore) resolveCursor(ctx context.Context, collection string, c *Cursor) (*firestore.DocumentSnapshot, error) {
	if snap, ok := c.snap.(*firestore.DocumentSnapshot); ok {
		return snap, nil
	}
	if c.id == "" {
		return nil, errors.New("cursor carries neither snapshot nor document id")
	}
	snap, err := s.doc(collection, c.id).Get(ctx)
	if err != nil {
		return nil, mapTransportError(fmt.Sprintf("resolve cursor %s/%s", collection, c.id), err)
	}
	return snap, nil
}

// buildQuery composes the Firestore query. extra requests one record beyond
// the limit so HasMore can be computed; subscriptions pass false.
func (s *FirestoreStore) buildQuery(ctx context.Context, collection string, opts QueryOptions, extra bool) (firestore.Query, error) {
	query := s.client.Collection(collection).Query
	for _, f := range opts.Filters {
		query = query.Where(f.Field, f.Op, f.Value)
	}
	dir := firestore.Asc
	if opts.Descending {
		dir = firestore.Desc
	}
	if opts.OrderBy != "" {
		query = query.OrderBy(opts.OrderBy, dir)
	} else {
		// Explicit default so cursor pagination is stable without a caller
		// supplied order.
		query = query.OrderBy(firestore.DocumentID, dir)
	}
	if opts.StartAfter != nil {
		snap, err := s.resolveCursor(ctx, collection, opts.StartAfter)
		if err != nil {
			return query, err
		}
		query = query.StartAfter(snap)
	}
	if opts.EndBefore != nil {
		snap, err := s.resolveCursor(ctx, collection, opts.EndBefore)
		if err != nil {
			return query, err
		}
		query = query.EndBefore(snap)
	}
	if opts.Limit > 0 {
		limit := opts.Limit
		if extra {
			limit++
		}
		query = query.Limit(limit)
	}
	return query, nil
}

func (s *FirestoreStore) GetDocuments(ctx context.Context, collection string, opts QueryOptions) (*Page, error) {
	query, err := s.buildQuery(ctx, collection, opts, true)
	if err != nil {
		return nil, asStoreError(err)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var snaps []*firestore.DocumentSnapshot
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapTransportError(fmt.Sprintf("query %s", collection), err)
		}
		snaps = append(snaps, snap)
	}

	hasMore := false
	if opts.Limit > 0 && len(snaps) > opts.Limit {
		hasMore = true
		snaps = snaps[:opts.Limit]
	}

	page := &Page{HasMore: hasMore}
	for _, snap := range snaps {
		doc := snapshotToDocument(collection, snap)
		if opts.Schema != nil {
			if verr := opts.Schema(doc.Data); verr != nil {
				// Degrade-gracefully policy: a malformed record must not
				// block the list view.
				s.logger.Warn("dropping document failing schema validation",
					zap.String("collection", collection),
					zap.String("id", doc.ID),
					zap.Error(verr))
				continue
			}
		}
		page.Documents = append(page.Documents, doc)
		cursor := &Cursor{id: snap.Ref.ID, snap: snap}
		if page.FirstDoc == nil {
			page.FirstDoc = cursor
		}
		page.LastDoc = cursor
	}
	return page, nil
}

func (s *FirestoreStore) SubscribeToDocument(ctx context.Context, collection, id string, schema Schema, cb DocumentCallback) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	snapIter := s.doc(collection, id).Snapshots(subCtx)

	go func() {
		defer snapIter.Stop()
		for {
			snap, err := snapIter.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled {
					return
				}
				// A subscription callback has no return channel for errors,
				// so transport failures are logged and delivered as absent.
				s.logger.Error("document listener error",
					zap.String("collection", collection),
					zap.String("id", id),
					zap.Error(err))
				cb(nil)
				return
			}
			if !snap.Exists() {
				cb(nil)
				continue
			}
			doc := snapshotToDocument(collection, snap)
			if schema != nil {
				if verr := schema(doc.Data); verr != nil {
					s.logger.Warn("subscribed document failed schema validation",
						zap.String("collection", collection),
						zap.String("id", id),
						zap.Error(verr))
					cb(nil)
					continue
				}
			}
			cb(doc)
		}
	}()

	return newSubscription(cancel), nil
}

func (s *FirestoreStore) SubscribeToCollection(ctx context.Context, collection string, opts QueryOptions, cb CollectionCallback) (*Subscription, error) {
	query, err := s.buildQuery(ctx, collection, opts, false)
	if err != nil {
		return nil, asStoreError(err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	snapIter := query.Snapshots(subCtx)

	go func() {
		defer snapIter.Stop()
		for {
			qsnap, err := snapIter.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled {
					return
				}
				s.logger.Error("collection listener error",
					zap.String("collection", collection),
					zap.Error(err))
				cb([]*Document{})
				return
			}

			docs := make([]*Document, 0)
			docIter := qsnap.Documents
			for {
				snap, err := docIter.Next()
				if err == iterator.Done {
					break
				}
				if err != nil {
					s.logger.Error("collection listener iteration error",
						zap.String("collection", collection),
						zap.Error(err))
					break
				}
				doc := snapshotToDocument(collection, snap)
				if opts.Schema != nil {
					if verr := opts.Schema(doc.Data); verr != nil {
						s.logger.Warn("dropping subscribed document failing schema validation",
							zap.String("collection", collection),
							zap.String("id", doc.ID),
							zap.Error(verr))
						continue
					}
				}
				docs = append(docs, doc)
			}
			cb(docs)
		}
	}()

	return newSubscription(cancel), nil
}

func (s *FirestoreStore) BatchWrite(ctx context.Context, ops []WriteOp) error {
	batch := s.client.Batch()
	now := nowTimestamp()
	for i, op := range ops {
		switch op.Type {
		case WriteCreate:
			ref := s.client.Collection(op.Collection).NewDoc()
			if op.ID != "" {
				ref = s.doc(op.Collection, op.ID)
			}
			batch.Create(ref, stampCreate(op.Data, now))
		case WriteUpdate:
			batch.Update(s.doc(op.Collection, op.ID), buildUpdates(op.Data, now))
		case WriteDelete:
			batch.Delete(s.doc(op.Collection, op.ID))
		default:
			return &StoreError{Kind: KindUnknown, Message: fmt.Sprintf("batch op %d: unsupported type %q", i, op.Type)}
		}
	}
	if _, err := batch.Commit(ctx); err != nil {
		return mapTransportError("batch commit", err)
	}
	return nil
}

type firestoreTx struct {
	store *FirestoreStore
	tx    *firestore.Transaction
}

func (t *firestoreTx) Get(collection, id string) (*Document, error) {
	snap, err := t.tx.Get(t.store.doc(collection, id))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, mapTransportError(fmt.Sprintf("tx get %s/%s", collection, id), err)
	}
	return snapshotToDocument(collection, snap), nil
}

func (t *firestoreTx) Create(collection, id string, data map[string]interface{}) error {
	ref := t.store.client.Collection(collection).NewDoc()
	if id != "" {
		ref = t.store.doc(collection, id)
	}
	if err := t.tx.Create(ref, stampCreate(data, nowTimestamp())); err != nil {
		return mapTransportError(fmt.Sprintf("tx create %s/%s", collection, ref.ID), err)
	}
	return nil
}

func (t *firestoreTx) Update(collection, id string, partial map[string]interface{}) error {
	if err := t.tx.Update(t.store.doc(collection, id), buildUpdates(partial, nowTimestamp())); err != nil {
		return mapTransportError(fmt.Sprintf("tx update %s/%s", collection, id), err)
	}
	return nil
}

func (t *firestoreTx) Delete(collection, id string) error {
	if err := t.tx.Delete(t.store.doc(collection, id)); err != nil {
		return mapTransportError(fmt.Sprintf("tx delete %s/%s", collection, id), err)
	}
	return nil
}

// RunTransaction delegates conflict detection and retry to Firestore; fn may
// run more than once under write contention.
func (s *FirestoreStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := s.client.RunTransaction(ctx, func(txCtx context.Context, ftx *firestore.Transaction) error {
		return fn(txCtx, &firestoreTx{store: s, tx: ftx})
	})
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return err
		}
		return mapTransportError("transaction", err)
	}
	return nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
