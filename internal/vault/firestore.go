package vault

import (
	"context"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rainyday/pkg/auth"
)

// secretDocument is the stored form of one secret.
// Collection: configured name, Document ID: the vault key
type secretDocument struct {
	Value     string    `firestore:"value"`
	Service   string    `firestore:"service"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreVault keeps secrets in a Firestore collection, for hosts without
// a desktop keyring.
type FirestoreVault struct {
	client     *firestore.Client
	collection string
}

// OpenFirestore connects to project using application default credentials,
// or to the emulator when FIRESTORE_EMULATOR_HOST is set.
func OpenFirestore(ctx context.Context, project, collection string) (*FirestoreVault, error) {
	client, err := firestore.NewClient(ctx, project)
	if err != nil {
		return nil, auth.NewError(auth.KindStorage, "open_firestore", "failed to create Firestore client", err)
	}
	return NewFirestoreVault(client, collection), nil
}

// NewFirestoreVault wraps an existing client.
func NewFirestoreVault(client *firestore.Client, collection string) *FirestoreVault {
	if collection == "" {
		collection = "rainyday_secrets"
	}
	return &FirestoreVault{client: client, collection: collection}
}

// Close releases the client.
func (v *FirestoreVault) Close() error {
	return v.client.Close()
}

func (v *FirestoreVault) doc(key string) *firestore.DocumentRef {
	// Document IDs cannot contain '/'.
	return v.client.Collection(v.collection).Doc(strings.ReplaceAll(key, "/", "%2F"))
}

// Store upserts key.
func (v *FirestoreVault) Store(ctx context.Context, key, value string) error {
	_, err := v.doc(key).Set(ctx, secretDocument{
		Value:     value,
		Service:   auth.ServiceName,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return auth.NewError(auth.KindStorage, "vault_store", "storing "+key, err)
	}
	return nil
}

// Get returns the value of key, or ok == false when it is absent.
func (v *FirestoreVault) Get(ctx context.Context, key string) (string, bool, error) {
	snap, err := v.doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, auth.NewError(auth.KindStorage, "vault_get", "reading "+key, err)
	}

	var doc secretDocument
	if err := snap.DataTo(&doc); err != nil {
		return "", false, auth.NewError(auth.KindStorage, "vault_get", "decoding "+key, err)
	}
	return doc.Value, true, nil
}

// Delete removes key. Firestore deletes of missing documents succeed.
func (v *FirestoreVault) Delete(ctx context.Context, key string) error {
	if _, err := v.doc(key).Delete(ctx); err != nil {
		return auth.NewError(auth.KindStorage, "vault_delete", "deleting "+key, err)
	}
	return nil
}
