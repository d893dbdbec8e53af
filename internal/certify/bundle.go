package certify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/animus-labs/hypershard/internal/platform/objectstore"
)

// Bundle is the archived evidence of one certification.
type Bundle struct {
	CertificateID string    `json:"certificate_id"`
	CertifiedAt   time.Time `json:"certified_at"`
	Request
}

// ObjectStoreSink verifies like VerifyingSink and archives every issued
// certificate as a JSON bundle under certificates/<plan_id>/.
type ObjectStoreSink struct {
	Verifier VerifyingSink
	Store    objectstore.Store
	Bucket   string
	Now      func() time.Time
}

func (s ObjectStoreSink) Certify(ctx context.Context, req Request) (Certificate, error) {
	if s.Store == nil {
		return Certificate{}, errNoStore
	}
	cert, err := s.Verifier.Certify(ctx, req)
	if err != nil || !cert.Certified {
		return cert, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	bundle := Bundle{CertificateID: cert.CertificateID, CertifiedAt: now().UTC(), Request: req}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return Certificate{}, fmt.Errorf("marshal bundle: %w", err)
	}
	key := BundleKey(req.PlanID, cert.CertificateID)
	if err := s.Store.Put(ctx, s.Bucket, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return Certificate{}, fmt.Errorf("put %s: %w", key, err)
	}
	return cert, nil
}

// Load fetches an archived bundle.
func (s ObjectStoreSink) Load(ctx context.Context, planID, certificateID string) (Bundle, error) {
	if s.Store == nil {
		return Bundle{}, errNoStore
	}
	rc, err := s.Store.Get(ctx, s.Bucket, BundleKey(planID, certificateID))
	if err != nil {
		return Bundle{}, err
	}
	defer rc.Close()
	return DecodeBundle(rc)
}

func BundleKey(planID, certificateID string) string {
	return path.Join("certificates", planID, certificateID+".json")
}

func DecodeBundle(r io.Reader) (Bundle, error) {
	var b Bundle
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	return b, nil
}

// VerifyBundle re-checks an archived bundle offline.
func VerifyBundle(b Bundle) error {
	if want := CertificateID(b.PlanID, b.MerkleRoot); !strings.EqualFold(b.CertificateID, want) {
		return fmt.Errorf("certificate id %q does not match root, want %q", b.CertificateID, want)
	}
	if reason := (VerifyingSink{}).check(b.Request); reason != "" {
		return AsFailure(b.Request, Certificate{Reason: reason})
	}
	return nil
}
