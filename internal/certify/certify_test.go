package certify

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hypershard/internal/domain"
	"github.com/animus-labs/hypershard/internal/events"
	"github.com/animus-labs/hypershard/internal/merkle"
)

func finalizedRequest(t *testing.T, leaves int) Request {
	t.Helper()
	tree := merkle.New()
	for i := 0; i < leaves; i++ {
		_, err := tree.Append(merkle.Leaf{CasID: fmt.Sprintf("cas-%d", i), OutputDigest: fmt.Sprintf("d%d", i), Attempt: 1})
		require.NoError(t, err)
	}
	root := tree.Finalize()
	proofs, err := tree.SampleProofs(3, nil)
	require.NoError(t, err)
	return Request{
		PlanID:      "plan-1",
		MerkleRoot:  hex.EncodeToString(root),
		TreeSize:    uint64(leaves),
		Proofs:      proofs,
		RequestedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestVerifyingSinkCertifiesValidProofs(t *testing.T) {
	req := finalizedRequest(t, 5)
	cert, err := VerifyingSink{}.Certify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, cert.Certified, cert.Reason)
	require.Equal(t, "cert_plan-1_"+req.MerkleRoot[:8], cert.CertificateID)
}

func TestVerifyingSinkEmptyTree(t *testing.T) {
	req := finalizedRequest(t, 0)
	cert, err := VerifyingSink{}.Certify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, cert.Certified, cert.Reason)
}

func TestVerifyingSinkRejects(t *testing.T) {
	cases := map[string]func(*Request){
		"tampered leaf": func(r *Request) {
			b := []byte(r.Proofs[0].LeafHash)
			if b[0] == '0' {
				b[0] = '1'
			} else {
				b[0] = '0'
			}
			r.Proofs[0].LeafHash = string(b)
		},
		"other root": func(r *Request) {
			r.Proofs[0].RootHash = strings.Repeat("ab", 32)
		},
		"missing fields": func(r *Request) { r.Proofs[1].LeafCasID = "" },
		"bad root":       func(r *Request) { r.MerkleRoot = "not-hex" },
		"no proofs":      func(r *Request) { r.Proofs = nil },
		"size mismatch":  func(r *Request) { r.TreeSize++ },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := finalizedRequest(t, 4)
			mutate(&req)
			cert, err := VerifyingSink{}.Certify(context.Background(), req)
			require.NoError(t, err)
			require.False(t, cert.Certified)
			require.NotEmpty(t, cert.Reason)

			var failure *domain.CertificationFailure
			require.True(t, errors.As(AsFailure(req, cert), &failure))
			require.Equal(t, req.PlanID, failure.PlanID)
		})
	}
}

func TestVerifyingSinkRejectPartial(t *testing.T) {
	req := finalizedRequest(t, 3)
	req.FailedShards = 1

	cert, err := VerifyingSink{}.Certify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, cert.Certified)

	cert, err = VerifyingSink{RejectPartial: true}.Certify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, cert.Certified)
	require.Contains(t, cert.Reason, "1 failed shards")
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeStore) Put(_ context.Context, bucket, key string, body io.Reader, size int64, _ string) error {
	if f.putErr != nil {
		return f.putErr
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(raw)) != size {
		return fmt.Errorf("size mismatch: %d != %d", len(raw), size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+key] = raw
	return nil
}

func (f *fakeStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func TestObjectStoreSinkArchivesBundle(t *testing.T) {
	store := &fakeStore{}
	sink := ObjectStoreSink{
		Store:  store,
		Bucket: "certs",
		Now:    func() time.Time { return time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) },
	}
	req := finalizedRequest(t, 6)

	cert, err := sink.Certify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, cert.Certified)
	require.Contains(t, store.objects, "certs/certificates/plan-1/"+cert.CertificateID+".json")

	bundle, err := sink.Load(context.Background(), req.PlanID, cert.CertificateID)
	require.NoError(t, err)
	require.Equal(t, req.MerkleRoot, bundle.MerkleRoot)
	require.Len(t, bundle.Proofs, len(req.Proofs))
	require.NoError(t, VerifyBundle(bundle))

	bundle.Proofs[0].Path = append(bundle.Proofs[0].Path, strings.Repeat("00", 32))
	require.Error(t, VerifyBundle(bundle))
}

func TestObjectStoreSinkSkipsArchiveWhenRefused(t *testing.T) {
	store := &fakeStore{}
	req := finalizedRequest(t, 2)
	req.MerkleRoot = strings.Repeat("cd", 32)

	cert, err := ObjectStoreSink{Store: store, Bucket: "certs"}.Certify(context.Background(), req)
	require.NoError(t, err)
	require.False(t, cert.Certified)
	require.Empty(t, store.objects)
}

func TestObjectStoreSinkPutError(t *testing.T) {
	boom := errors.New("unreachable")
	_, err := ObjectStoreSink{Store: &fakeStore{putErr: boom}, Bucket: "certs"}.Certify(context.Background(), finalizedRequest(t, 2))
	require.ErrorIs(t, err, boom)

	_, err = ObjectStoreSink{}.Certify(context.Background(), finalizedRequest(t, 1))
	require.Error(t, err)
}

func TestEventFailureHandlerPublishes(t *testing.T) {
	var got []events.Event
	handler := EventFailureHandler{Emitter: events.Func(func(_ context.Context, e events.Event) error {
		got = append(got, e)
		return nil
	})}
	handler.OnCertificationFailure(context.Background(), "plan-2", "abcd", "rejected")

	require.Len(t, got, 1)
	require.Equal(t, events.TopicAggregateFailed, got[0].Topic)
	require.Equal(t, "plan-2", got[0].PlanID)
	require.Equal(t, map[string]any{"plan_id": "plan-2", "merkle_root": "abcd", "reason": "rejected"}, got[0].Payload)
}
