package syncer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/keepsake-app/keepsake/internal/common"
	"github.com/keepsake-app/keepsake/internal/store"
	"github.com/keepsake-app/keepsake/internal/vault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault is an in-memory managed relay: per-device op streams with strict
// sequencing, op_id dedup, and content-addressed attachments.
type fakeVault struct {
	mu    sync.Mutex
	ops   map[string][]vault.WireOp
	opIDs map[string]bool
	blobs map[string][]byte

	pushCalls int
	maxBatch  int

	// failBlobPuts rejects that many attachment PUTs with a 500 before
	// accepting again.
	failBlobPuts int
}

func newFakeVault() *fakeVault {
	return &fakeVault{
		ops:   map[string][]vault.WireOp{},
		opIDs: map[string]bool{},
		blobs: map[string][]byte{},
	}
}

func (v *fakeVault) deviceOps(dev string) []vault.WireOp {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]vault.WireOp(nil), v.ops[dev]...)
}

func (v *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()

	writeJSON := func(code int, body any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(body)
	}

	switch {
	case strings.HasSuffix(r.URL.Path, "/devices"):
		writeJSON(http.StatusOK, vault.Endpoints{})

	case strings.HasSuffix(r.URL.Path, "/ops:push"):
		var req struct {
			DeviceID string         `json:"device_id"`
			Ops      []vault.WireOp `json:"ops"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		v.pushCalls++
		if len(req.Ops) > v.maxBatch {
			v.maxBatch = len(req.Ops)
		}
		for _, op := range req.Ops {
			if v.opIDs[op.OpID] {
				writeJSON(http.StatusConflict, vault.ConflictError{
					Kind: "conflict", ConflictKind: vault.ConflictKindOpID,
					ConflictSeq: op.Seq, OpID: op.OpID,
				})
				return
			}
			expected := int64(len(v.ops[req.DeviceID])) + 1
			if op.Seq != expected {
				writeJSON(http.StatusConflict, vault.ConflictError{
					Kind: "seq_gap", ExpectedNextSeq: expected,
				})
				return
			}
			v.ops[req.DeviceID] = append(v.ops[req.DeviceID], op)
			v.opIDs[op.OpID] = true
		}
		last := int64(len(v.ops[req.DeviceID]))
		writeJSON(http.StatusOK, vault.PushResult{Accepted: len(req.Ops), MaxSeq: last})

	case strings.HasSuffix(r.URL.Path, "/ops:pull"):
		var req struct {
			DeviceID string           `json:"device_id"`
			Since    map[string]int64 `json:"since"`
			Limit    int              `json:"limit"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		res := vault.PullResult{Next: map[string]int64{}, Max: map[string]int64{}}
		var devs []string
		for dev := range v.ops {
			devs = append(devs, dev)
		}
		sort.Strings(devs)
		for _, dev := range devs {
			v.fillPull(&res, dev, req.DeviceID, req.Since[dev], req.Limit)
		}
		writeJSON(http.StatusOK, res)

	case strings.Contains(r.URL.Path, "/attachments/"):
		sha := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		switch r.Method {
		case http.MethodPut:
			if v.failBlobPuts > 0 {
				v.failBlobPuts--
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			b, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			v.blobs[sha] = b
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			b, ok := v.blobs[sha]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(b)
		case http.MethodDelete:
			delete(v.blobs, sha)
			w.WriteHeader(http.StatusNoContent)
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (v *fakeVault) fillPull(res *vault.PullResult, dev, requester string, since int64, limit int) {
	stream := v.ops[dev]
	res.Max[dev] = int64(len(stream))
	if dev == requester {
		return
	}
	next := since
	for _, op := range stream {
		if op.Seq <= since {
			continue
		}
		if limit > 0 && len(res.Ops) >= limit {
			break
		}
		res.Ops = append(res.Ops, op)
		next = op.Seq
	}
	if next > since {
		res.Next[dev] = next
	}
}

func setupVault(t *testing.T) (*fakeVault, *vault.Client) {
	t.Helper()
	fv := newFakeVault()
	ts := httptest.NewServer(fv)
	t.Cleanup(ts.Close)
	return fv, vault.NewClient(ts.URL, "vault-1", "opaque-token", ts.Client())
}

func TestVaultPushPullConvergence(t *testing.T) {
	ctx := context.Background()
	fv, client := setupVault(t)
	a := newDevice(t, "dev-a", Options{})
	b := newDevice(t, "dev-b", Options{})

	convID, err := a.mut.CreateConversation(ctx, "vault talk")
	require.NoError(t, err)
	msgID, err := a.mut.InsertMessage(ctx, convID, "user", "over the relay")
	require.NoError(t, err)
	content := []byte("vault attachment bytes")
	_, sha, err := a.mut.AddAttachment(ctx, msgID, content, "application/pdf")
	require.NoError(t, err)

	require.NoError(t, a.sync.PushVault(ctx, client))
	assert.Len(t, fv.deviceOps("dev-a"), 3)
	assert.Contains(t, fv.blobs, sha)

	require.NoError(t, b.sync.PullVault(ctx, client))
	convs := b.conversations(t)
	require.Len(t, convs, 1)
	assert.Equal(t, "vault talk", *convs[0].Title)
	require.True(t, b.blobs.Has(sha))
	got, err := b.blobs.Get(sha)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Pulling again applies nothing new.
	before := b.oplogLen(t)
	require.NoError(t, b.sync.PullVault(ctx, client))
	assert.Equal(t, before, b.oplogLen(t))
}

func TestVaultPushRespectsBatchSize(t *testing.T) {
	ctx := context.Background()
	fv, client := setupVault(t)
	a := newDevice(t, "dev-a", Options{BatchSize: 5})

	for i := 0; i < 12; i++ {
		_, err := a.mut.CreateConversation(ctx, "bulk")
		require.NoError(t, err)
	}
	require.NoError(t, a.sync.PushVault(ctx, client))

	assert.Len(t, fv.deviceOps("dev-a"), 12)
	assert.Equal(t, 3, fv.pushCalls, "12 ops at batch size 5")
	assert.LessOrEqual(t, fv.maxBatch, 5)
}

func TestVaultSeqGapRebaseAfterRestore(t *testing.T) {
	ctx := context.Background()
	fv, client := setupVault(t)

	// Original device pushes two ops, then is restored from a backup taken
	// before either existed: same identity, empty oplog, zero cursor.
	a := newDevice(t, "dev-a", Options{})
	_, err := a.mut.CreateConversation(ctx, "before backup 1")
	require.NoError(t, err)
	_, err = a.mut.CreateConversation(ctx, "before backup 2")
	require.NoError(t, err)
	require.NoError(t, a.sync.PushVault(ctx, client))

	restored := newDevice(t, "dev-a", Options{})
	_, err = restored.mut.CreateConversation(ctx, "after restore")
	require.NoError(t, err)

	// The fresh op claims seq 1; the vault already holds 1..2 and rejects.
	// The rebase shifts it to seq 3 and the retry lands.
	require.NoError(t, restored.sync.PushVault(ctx, client))

	ops := fv.deviceOps("dev-a")
	require.Len(t, ops, 3)
	assert.Equal(t, int64(3), ops[2].Seq)

	// A peer pulling the repaired stream sees all three conversations.
	b := newDevice(t, "dev-b", Options{})
	require.NoError(t, b.sync.PullVault(ctx, client))
	assert.Len(t, b.conversations(t), 3)
	assert.Zero(t, b.pendingCount(t))
}

func TestVaultOpIDConflictDropsLocalDuplicate(t *testing.T) {
	ctx := context.Background()
	fv, client := setupVault(t)
	a := newDevice(t, "dev-a", Options{})

	_, err := a.mut.CreateConversation(ctx, "pushed once")
	require.NoError(t, err)
	_, err = a.mut.CreateConversation(ctx, "pushed once too")
	require.NoError(t, err)
	require.NoError(t, a.sync.PushVault(ctx, client))

	// Lose the pushed cursor: the next push replays ops the vault already
	// holds, which it rejects per op_id. The local duplicates are dropped.
	scope := ScopeID(client.TargetID(), "")
	require.NoError(t, store.NewKVRepo(a.db).Set(ctx, pushedKey(scope, "dev-a"), "0"))

	require.NoError(t, a.sync.PushVault(ctx, client))
	assert.Len(t, fv.deviceOps("dev-a"), 2, "vault state unchanged")
	assert.Len(t, a.conversations(t), 2, "local projection untouched")

	// And the stream keeps working afterwards.
	_, err = a.mut.CreateConversation(ctx, "new after repair")
	require.NoError(t, err)
	require.NoError(t, a.sync.PushVault(ctx, client))
	assert.Len(t, fv.deviceOps("dev-a"), 3)
}

func TestVaultBlobUploadResumesAfterFailure(t *testing.T) {
	ctx := context.Background()
	fv, client := setupVault(t)
	a := newDevice(t, "dev-a", Options{})

	convID, err := a.mut.CreateConversation(ctx, "receipts")
	require.NoError(t, err)
	msgID, err := a.mut.InsertMessage(ctx, convID, "user", "scan attached")
	require.NoError(t, err)
	_, sha, err := a.mut.AddAttachment(ctx, msgID, []byte("scanned pages"), "application/pdf")
	require.NoError(t, err)

	fv.failBlobPuts = 1
	require.Error(t, a.sync.PushVault(ctx, client))
	assert.NotContains(t, fv.blobs, sha, "blob rejected on the first run")
	assert.Len(t, fv.deviceOps("dev-a"), 3, "ops were accepted before the blob failed")

	// The ops are already past the cursor; the retry run pushes nothing new
	// yet still delivers the bytes.
	require.NoError(t, a.sync.PushVault(ctx, client))
	assert.Contains(t, fv.blobs, sha)
	assert.Equal(t, 1, fv.pushCalls, "no op batch was replayed")

	b := newDevice(t, "dev-b", Options{})
	require.NoError(t, b.sync.PullVault(ctx, client))
	assert.True(t, b.blobs.Has(sha))
}

func TestVaultRepairLoopIsBounded(t *testing.T) {
	ctx := context.Background()
	// A relay that rejects every push with an unhelpful seq_gap can not be
	// repaired; the loop must give up with the conflict, not spin.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(vault.ConflictError{Kind: "seq_gap", ExpectedNextSeq: 1})
	}))
	t.Cleanup(ts.Close)

	a := newDevice(t, "dev-a", Options{MaxRepairAttempts: 2})
	_, err := a.mut.CreateConversation(ctx, "stuck")
	require.NoError(t, err)

	vc := vault.NewClient(ts.URL, "vault-1", "tok", ts.Client())
	err = a.sync.PushVault(ctx, vc)
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestVaultExpiredTokenSurfacesBeforePush(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, "dev-a", Options{})
	_, err := a.mut.CreateConversation(ctx, "never leaves")
	require.NoError(t, err)

	vc := vault.NewClient("http://127.0.0.1:0", "vault-1", expiredJWT, nil)
	err = a.sync.PushVault(ctx, vc)
	assert.ErrorIs(t, err, common.ErrTokenExpired)
}

// expiredJWT carries exp=1 (1970); the signature is irrelevant because the
// client only reads the expiry to fail fast.
const expiredJWT = "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJleHAiOjF9.invalid"
