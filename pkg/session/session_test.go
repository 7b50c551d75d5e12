package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rlmrs/rlmrs/pkg/fault"
	"github.com/rlmrs/rlmrs/pkg/metastore"
)

func newTestService(ttl time.Duration) *Service {
	return NewService(metastore.NewMemStore(), ttl, nil)
}

func parsedDoc(id string) Document {
	return Document{
		ID:            id,
		RawKey:        "raw/" + id,
		TextKey:       "parsed/t/s/" + id + "/text",
		OffsetsKey:    "parsed/t/s/" + id + "/offsets",
		Checksum:      "sha256:abc",
		CharLength:    100,
		ParserVersion: "v1",
		Parsed:        true,
	}
}

func TestCreateAndReadiness(t *testing.T) {
	svc := newTestService(time.Hour)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "t1", ReadinessLax, []Document{parsedDoc("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, sess.Status)

	// Strict mode waits for indexing.
	sess, err = svc.Create(ctx, "t1", ReadinessStrict, []Document{parsedDoc("a")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sess.Status)

	sess, err = svc.SetDocumentStatus(ctx, "t1", sess.ID, "a", true, true)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, sess.Status)
}

func TestEmptySessionIsPending(t *testing.T) {
	svc := newTestService(time.Hour)
	sess, err := svc.Create(context.Background(), "t1", ReadinessLax, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, sess.Status)
}

func TestReadySessionIsImmutable(t *testing.T) {
	svc := newTestService(time.Hour)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "t1", ReadinessLax, []Document{parsedDoc("a")}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusReady, sess.Status)

	_, err = svc.AddDocuments(ctx, "t1", sess.ID, []Document{parsedDoc("b")})
	require.Error(t, err)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
}

func TestAddDocumentsBeforeReady(t *testing.T) {
	svc := newTestService(time.Hour)
	ctx := context.Background()

	unparsed := parsedDoc("a")
	unparsed.Parsed = false
	unparsed.Checksum = ""
	sess, err := svc.Create(ctx, "t1", ReadinessLax, []Document{unparsed}, nil)
	require.NoError(t, err)
	require.Equal(t, StatusPending, sess.Status)

	sess, err = svc.AddDocuments(ctx, "t1", sess.ID, []Document{parsedDoc("b")})
	require.NoError(t, err)
	assert.Len(t, sess.Documents, 2)
	assert.Equal(t, StatusPending, sess.Status)

	sess, err = svc.SetDocumentStatus(ctx, "t1", sess.ID, "a", true, false)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, sess.Status)
}

func TestValidation(t *testing.T) {
	svc := newTestService(time.Hour)
	ctx := context.Background()

	_, err := svc.Create(ctx, "", ReadinessLax, nil, nil)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	_, err = svc.Create(ctx, "t1", "odd", nil, nil)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	_, err = svc.Create(ctx, "t1", ReadinessLax, []Document{parsedDoc("a"), parsedDoc("a")}, nil)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))

	bad := parsedDoc("a")
	bad.Checksum = "abc"
	_, err = svc.Create(ctx, "t1", ReadinessLax, []Document{bad}, nil)
	assert.Equal(t, fault.CodeValidation, fault.CodeOf(err))
}

func TestGetUnknownSession(t *testing.T) {
	svc := newTestService(time.Hour)
	_, err := svc.Get(context.Background(), "t1", "missing")
	assert.Equal(t, fault.CodeSessionNotFound, fault.CodeOf(err))
}

// age rewrites a stored session's expiry to the past.
func age(t *testing.T, store metastore.Store, tenant, id string) {
	t.Helper()
	ctx := context.Background()
	item, err := store.Get(ctx, "TENANT#"+tenant, "SESSION#"+id)
	require.NoError(t, err)
	var sess Session
	require.NoError(t, json.Unmarshal(item.Data, &sess))
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	data, err := json.Marshal(&sess)
	require.NoError(t, err)
	item.Data = data
	_, err = store.Put(ctx, item)
	require.NoError(t, err)
}

func TestTTLExpiryAndSweep(t *testing.T) {
	store := metastore.NewMemStore()
	svc := NewService(store, time.Hour, nil)
	ctx := context.Background()

	sess, err := svc.Create(ctx, "t1", ReadinessLax, []Document{parsedDoc("a")}, nil)
	require.NoError(t, err)
	age(t, store, "t1", sess.ID)

	got, err := svc.Get(ctx, "t1", sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)

	_, err = svc.RequireReady(ctx, "t1", sess.ID)
	assert.Equal(t, fault.CodeSessionNotFound, fault.CodeOf(err))

	sess2, err := svc.Create(ctx, "t1", ReadinessLax, []Document{parsedDoc("b")}, nil)
	require.NoError(t, err)
	age(t, store, "t1", sess2.ID)

	// sess was already marked by Get; only sess2 transitions here.
	swept, err := svc.SweepExpired(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, swept)
}

func TestRequireReady(t *testing.T) {
	svc := newTestService(time.Hour)
	ctx := context.Background()

	pending, err := svc.Create(ctx, "t1", ReadinessLax, nil, nil)
	require.NoError(t, err)
	_, err = svc.RequireReady(ctx, "t1", pending.ID)
	assert.Equal(t, fault.CodeSessionNotReady, fault.CodeOf(err))

	ready, err := svc.Create(ctx, "t1", ReadinessLax, []Document{parsedDoc("a")}, nil)
	require.NoError(t, err)
	got, err := svc.RequireReady(ctx, "t1", ready.ID)
	require.NoError(t, err)
	assert.Equal(t, ready.ID, got.ID)
}

func TestManifestOrder(t *testing.T) {
	sess := &Session{Documents: []Document{parsedDoc("a"), parsedDoc("b")}}
	manifest := sess.Manifest()
	require.Len(t, manifest, 2)
	assert.Equal(t, "a", manifest[0].ID)
	assert.Equal(t, "b", manifest[1].ID)
	assert.Equal(t, "parsed/t/s/b/offsets", manifest[1].OffsetsKey)
}
