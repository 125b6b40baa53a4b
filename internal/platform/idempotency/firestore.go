package idempotency

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/kroypata/checkout/internal/platform/firestore"
)

const defaultCollection = "checkout_idempotency"

// Reservations sit in front of the completion call, so contention gives up quickly.
var txOptions = []pfirestore.TxOption{pfirestore.WithTxAttempts(3), pfirestore.WithTxTimeout(5 * time.Second)}

// FirestoreStore shares reservations across instances. Reserve and Complete run in transactions
// so two instances cannot both claim a key.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// NewFirestoreStore constructs a Firestore-backed store. An empty collection uses the default.
func NewFirestoreStore(provider *pfirestore.Provider, collection string) *FirestoreStore {
	if collection == "" {
		collection = defaultCollection
	}
	return &FirestoreStore{provider: provider, collection: collection}
}

type firestoreRecord struct {
	Key         string    `firestore:"key"`
	Fingerprint string    `firestore:"fingerprint"`
	Completed   bool      `firestore:"completed"`
	Status      int       `firestore:"status"`
	ContentType string    `firestore:"content_type"`
	Body        []byte    `firestore:"body"`
	CreatedAt   time.Time `firestore:"created_at"`
	ExpiresAt   time.Time `firestore:"expires_at"`
}

func (r firestoreRecord) record() Record { return Record(r) }

func (s *FirestoreStore) doc(client *firestore.Client, key string) *firestore.DocumentRef {
	return client.Collection(s.collection).Doc(documentID(key))
}

func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return Reservation{}, err
	}
	ref := s.doc(client, key)

	var result Reservation
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := loadRecord(tx, ref)
		if err != nil {
			return err
		}
		res, write, err := decide(existing, found, key, fingerprint, now.UTC(), ttl)
		if err != nil {
			return err
		}
		result = res
		if write {
			return tx.Set(ref, firestoreRecord(res.Record))
		}
		return nil
	}, txOptions...)
	if err != nil {
		return Reservation{}, err
	}
	return result, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := s.doc(client, key)
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		record, found, err := loadRecord(tx, ref)
		if err != nil {
			return err
		}
		if found && record.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		if !found {
			record = pendingRecord(key, fingerprint, now.UTC(), ttl)
		}
		record.Completed = true
		record.Status = resp.Status
		record.ContentType = resp.ContentType
		record.Body = resp.Body
		record.ExpiresAt = now.UTC().Add(ttl)
		return tx.Set(ref, firestoreRecord(record))
	}, txOptions...)
}

func (s *FirestoreStore) Release(ctx context.Context, key string) error {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := s.doc(client, key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError("idempotency.release", err)
	}
	return nil
}

func (s *FirestoreStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}
	docs, err := client.Collection(s.collection).Where("expires_at", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	bw := client.BulkWriter(ctx)
	for _, doc := range docs {
		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return 0, pfirestore.WrapError("idempotency.purge", err)
		}
	}
	bw.End()
	return len(docs), nil
}

func loadRecord(tx *firestore.Transaction, ref *firestore.DocumentRef) (Record, bool, error) {
	snap, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var stored firestoreRecord
	if err := snap.DataTo(&stored); err != nil {
		return Record{}, false, err
	}
	return stored.record(), true, nil
}
