package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
)

// memStore is an in-memory store.Store for trigger tests. Only the methods
// the trigger service touches are functional.
type memStore struct {
	releases map[string]*models.Release // keyed by target_id/delivery_id
	runs     map[string]*models.DeployRun
}

func newMemStore() *memStore {
	return &memStore{
		releases: make(map[string]*models.Release),
		runs:     make(map[string]*models.DeployRun),
	}
}

type memReleases struct{ s *memStore }

func (m memReleases) Create(_ context.Context, r *models.Release) error {
	key := r.TargetID + "/" + r.DeliveryID
	if _, ok := m.s.releases[key]; ok {
		return postgres.ErrDuplicateKey
	}
	m.s.releases[key] = r
	return nil
}

func (m memReleases) Get(_ context.Context, id string) (*models.Release, error) {
	for _, r := range m.s.releases {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, postgres.ErrNotFound
}

func (m memReleases) GetByDelivery(_ context.Context, targetID, deliveryID string) (*models.Release, error) {
	if r, ok := m.s.releases[targetID+"/"+deliveryID]; ok {
		return r, nil
	}
	return nil, postgres.ErrNotFound
}

func (m memReleases) List(_ context.Context, _ string, _ int) ([]*models.Release, error) {
	return nil, nil
}

type memRuns struct{ s *memStore }

func (m memRuns) Create(_ context.Context, r *models.DeployRun) error {
	m.s.runs[r.ID] = r
	return nil
}

func (m memRuns) Get(_ context.Context, id string) (*models.DeployRun, error) {
	if r, ok := m.s.runs[id]; ok {
		return r, nil
	}
	return nil, postgres.ErrNotFound
}

func (m memRuns) List(_ context.Context, _ string, _ int) ([]*models.DeployRun, error) {
	return nil, nil
}

func (m memRuns) ListByStatus(_ context.Context, _ models.RunStatus) ([]*models.DeployRun, error) {
	return nil, nil
}

func (m memRuns) Update(_ context.Context, r *models.DeployRun) error {
	if _, ok := m.s.runs[r.ID]; !ok {
		return postgres.ErrNotFound
	}
	m.s.runs[r.ID] = r
	return nil
}

func (m memRuns) GetLastLive(_ context.Context, _ string) (*models.DeployRun, error) {
	return nil, postgres.ErrNotFound
}

func (s *memStore) Targets() store.TargetStore     { return nil }
func (s *memStore) Releases() store.ReleaseStore   { return memReleases{s} }
func (s *memStore) Runs() store.RunStore           { return memRuns{s} }
func (s *memStore) Secrets() store.SecretStore     { return nil }
func (s *memStore) Logs() store.LogStore           { return nil }
func (s *memStore) Settings() store.SettingsStore  { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(s)
}

// memQueue records enqueued jobs and optionally fails.
type memQueue struct {
	jobs    []*models.DeployJob
	failing bool
}

func (q *memQueue) Enqueue(_ context.Context, job *models.DeployJob) error {
	if q.failing {
		return errors.New("queue unavailable")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) Dequeue(_ context.Context) (*models.DeployJob, error) { return nil, nil }
func (q *memQueue) Ack(_ context.Context, _ string) error                { return nil }
func (q *memQueue) Nack(_ context.Context, _ string) error               { return nil }

func (q *memQueue) Reclaim(_ context.Context, _ time.Duration) (int, error) { return 0, nil }

func testTarget() *models.DeployTarget {
	return &models.DeployTarget{
		ID:            "tgt-1",
		Name:          "api",
		Branch:        "main",
		WebhookSecret: "s3cret",
	}
}

func pushBody(t *testing.T, ref, after string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref":   ref,
		"after": after,
		"pusher": map[string]string{
			"name": "dev",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHandlePushCreatesExactlyOneJob(t *testing.T) {
	st := newMemStore()
	q := &memQueue{}
	svc := NewService(st, q, nil)
	target := testTarget()

	body := pushBody(t, "refs/heads/main", "abc123abc123abc123abc123abc123abc123abcd")
	sig := ComputeSignature(target.WebhookSecret, body)

	res, err := svc.HandlePush(context.Background(), target, "delivery-1", sig, body)
	if err != nil {
		t.Fatalf("HandlePush: %v", err)
	}
	if res.RunID == "" || res.Duplicate || res.Ignored {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(q.jobs))
	}
	if q.jobs[0].RunID != res.RunID {
		t.Errorf("job run ID %q does not match result %q", q.jobs[0].RunID, res.RunID)
	}

	run := st.runs[res.RunID]
	if run == nil || run.Status != models.RunStatusPending {
		t.Fatalf("expected pending run, got %+v", run)
	}

	// Redelivery of the same delivery ID must not produce a second job.
	res2, err := svc.HandlePush(context.Background(), target, "delivery-1", sig, body)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !res2.Duplicate {
		t.Error("expected duplicate result on redelivery")
	}
	if len(q.jobs) != 1 {
		t.Fatalf("redelivery enqueued a second job, got %d", len(q.jobs))
	}
}

func TestHandlePushRejections(t *testing.T) {
	target := testTarget()
	body := pushBody(t, "refs/heads/main", "abc123abc123abc123abc123abc123abc123abcd")
	goodSig := ComputeSignature(target.WebhookSecret, body)

	tests := []struct {
		name       string
		deliveryID string
		signature  string
		body       []byte
		wantErr    error
	}{
		{"bad signature", "d1", "sha256=deadbeef", body, ErrInvalidSignature},
		{"wrong secret", "d1", ComputeSignature("other", body), body, ErrInvalidSignature},
		{"missing delivery", "", goodSig, body, ErrMissingDelivery},
		{"tampered body", "d1", goodSig, append([]byte{' '}, body...), ErrInvalidSignature},
		{"garbage payload", "d1", ComputeSignature(target.WebhookSecret, []byte("{")), []byte("{"), ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			q := &memQueue{}
			svc := NewService(st, q, nil)

			_, err := svc.HandlePush(context.Background(), target, tt.deliveryID, tt.signature, tt.body)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(q.jobs) != 0 {
				t.Errorf("rejected push enqueued %d jobs", len(q.jobs))
			}
		})
	}
}

func TestHandlePushIgnoresOtherBranches(t *testing.T) {
	st := newMemStore()
	q := &memQueue{}
	svc := NewService(st, q, nil)
	target := testTarget()

	for _, tc := range []struct {
		name  string
		ref   string
		after string
	}{
		{"feature branch", "refs/heads/feature-x", "abc123abc123abc123abc123abc123abc123abcd"},
		{"tag push", "refs/tags/v1.0.0", "abc123abc123abc123abc123abc123abc123abcd"},
		{"branch deletion", "refs/heads/main", zeroCommit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			body := pushBody(t, tc.ref, tc.after)
			sig := ComputeSignature(target.WebhookSecret, body)

			res, err := svc.HandlePush(context.Background(), target, "d-"+tc.name, sig, body)
			if err != nil {
				t.Fatalf("HandlePush: %v", err)
			}
			if !res.Ignored {
				t.Error("expected push to be ignored")
			}
		})
	}

	if len(q.jobs) != 0 {
		t.Errorf("ignored pushes enqueued %d jobs", len(q.jobs))
	}
}

func TestHandlePushEnqueueFailureFailsRun(t *testing.T) {
	st := newMemStore()
	q := &memQueue{failing: true}
	svc := NewService(st, q, nil)
	target := testTarget()

	body := pushBody(t, "refs/heads/main", "abc123abc123abc123abc123abc123abc123abcd")
	sig := ComputeSignature(target.WebhookSecret, body)

	_, err := svc.HandlePush(context.Background(), target, "d1", sig, body)
	if err == nil {
		t.Fatal("expected error when enqueue fails")
	}

	var failed *models.DeployRun
	for _, run := range st.runs {
		failed = run
	}
	if failed == nil || failed.Status != models.RunStatusFailed {
		t.Fatalf("expected failed run, got %+v", failed)
	}
}

// TestSignatureRoundTrip verifies that a signature computed over any body
// with any secret validates, and fails against a tampered body.
func TestSignatureRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genSecret := gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 })

	properties.Property("computed signature verifies", prop.ForAll(
		func(secret string, body []byte) bool {
			sig := ComputeSignature(secret, body)
			return VerifySignature(secret, body, sig)
		},
		genSecret,
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("tampered body fails verification", prop.ForAll(
		func(secret string, body []byte) bool {
			sig := ComputeSignature(secret, body)
			tampered := append(append([]byte{}, body...), 'x')
			return !VerifySignature(secret, tampered, sig)
		},
		genSecret,
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}

func TestVerifySignatureRequiresPrefix(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := ComputeSignature("secret", body)
	raw := sig[len(SignaturePrefix):]

	if VerifySignature("secret", body, raw) {
		t.Error("signature without scheme prefix should not verify")
	}
	if VerifySignature("", body, sig) {
		t.Error("empty secret should never verify")
	}
	if VerifySignature("secret", body, fmt.Sprintf("sha1=%s", raw)) {
		t.Error("wrong scheme should not verify")
	}
}
