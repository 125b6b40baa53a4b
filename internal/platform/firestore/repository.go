package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot.
type Document[T any] struct {
	ID         string
	Data       T
	UpdateTime time.Time
}

// Shape narrows or orders a collection query.
type Shape func(q firestore.Query) firestore.Query

// Collection reads typed documents from one collection path. Paths may contain %s
// placeholders for parent document ids, resolved with In. Checkout never writes shopper data,
// so only reads live here.
type Collection[T any] struct {
	provider *Provider
	path     string
}

func NewCollection[T any](provider *Provider, path string) *Collection[T] {
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/")}
}

// In resolves the parent placeholders of a subcollection path, e.g. "carts/%s/items".
func (c *Collection[T]) In(parentIDs ...string) *Collection[T] {
	args := make([]any, len(parentIDs))
	for i, id := range parentIDs {
		args[i] = strings.TrimSpace(id)
	}
	return &Collection[T]{provider: c.provider, path: fmt.Sprintf(c.path, args...)}
}

// Path is the resolved collection path.
func (c *Collection[T]) Path() string { return c.path }

func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.ref(ctx, "get")
	if err != nil {
		return Document[T]{}, err
	}
	if strings.TrimSpace(id) == "" {
		return Document[T]{}, WrapError(c.path+".get", errors.New("document id is required"))
	}
	snap, err := ref.Doc(id).Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.path+".get", err)
	}
	return c.decode(snap)
}

// List returns every document matching shape, in query order.
func (c *Collection[T]) List(ctx context.Context, shape Shape) ([]Document[T], error) {
	var out []Document[T]
	err := c.each(ctx, "list", shape, func(doc Document[T]) bool {
		out = append(out, doc)
		return true
	})
	return out, err
}

// First returns the first document matching shape; ok is false when nothing matched.
func (c *Collection[T]) First(ctx context.Context, shape Shape) (doc Document[T], ok bool, err error) {
	err = c.each(ctx, "first", func(q firestore.Query) firestore.Query {
		if shape != nil {
			q = shape(q)
		}
		return q.Limit(1)
	}, func(d Document[T]) bool {
		doc, ok = d, true
		return false
	})
	return doc, ok, err
}

func (c *Collection[T]) each(ctx context.Context, action string, shape Shape, yield func(Document[T]) bool) error {
	ref, err := c.ref(ctx, action)
	if err != nil {
		return err
	}
	query := ref.Query
	if shape != nil {
		query = shape(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return WrapError(c.path+"."+action, err)
		}
		doc, err := c.decode(snap)
		if err != nil {
			return err
		}
		if !yield(doc) {
			return nil
		}
	}
}

func (c *Collection[T]) decode(snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s/%s: %w", c.path, snap.Ref.ID, err)
	}
	return Document[T]{ID: snap.Ref.ID, Data: data, UpdateTime: snap.UpdateTime}, nil
}

func (c *Collection[T]) ref(ctx context.Context, action string) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil || c.path == "" {
		return nil, WrapError("firestore."+action, errors.New("collection not initialised"))
	}
	if strings.Contains(c.path, "%") {
		return nil, WrapError(c.path+"."+action, errors.New("unresolved parent id in collection path"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.path), nil
}
