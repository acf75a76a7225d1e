package deletion

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinpillai/kbingest/internal/queue"
	"github.com/ashwinpillai/kbingest/internal/store"
)

// cascadeStore deletes from per-type id sets, so a second delete of the
// same id reports not-found like the real cascades do. Each successful
// cascade tombstones three chunk ids the way the real store would.
type cascadeStore struct {
	objects    map[string]map[uuid.UUID]bool
	tombstones []store.VectorTombstone
	nextID     int64
	calls      int
}

func newCascadeStore() *cascadeStore {
	return &cascadeStore{objects: map[string]map[uuid.UUID]bool{
		ObjectTenant: {}, ObjectKB: {}, ObjectSource: {}, ObjectRun: {}, ObjectAgent: {},
	}}
}

func (s *cascadeStore) add(objectType string, id uuid.UUID) {
	s.objects[objectType][id] = true
}

func (s *cascadeStore) delete(objectType string, id uuid.UUID) (store.CascadeCounts, error) {
	s.calls++
	if !s.objects[objectType][id] {
		return store.CascadeCounts{}, store.ErrNotFound
	}
	delete(s.objects[objectType], id)
	if objectType != ObjectAgent {
		for i := 0; i < 3; i++ {
			s.nextID++
			s.tombstones = append(s.tombstones, store.VectorTombstone{
				ID: s.nextID, KBID: id, ChunkID: uuid.New(),
			})
		}
	}
	return store.CascadeCounts{Chunks: 3, Pages: 2, Runs: 1, Tombstones: 3}, nil
}

func (s *cascadeStore) ListVectorTombstones(_ context.Context, limit int) ([]store.VectorTombstone, error) {
	if len(s.tombstones) > limit {
		return s.tombstones[:limit], nil
	}
	return s.tombstones, nil
}

func (s *cascadeStore) DeleteVectorTombstones(_ context.Context, ids []int64) error {
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.tombstones[:0]
	for _, t := range s.tombstones {
		if !drop[t.ID] {
			kept = append(kept, t)
		}
	}
	s.tombstones = kept
	return nil
}

func (s *cascadeStore) CascadeDeleteTenant(_ context.Context, id uuid.UUID) (store.CascadeCounts, error) {
	return s.delete(ObjectTenant, id)
}
func (s *cascadeStore) CascadeDeleteKB(_ context.Context, id uuid.UUID) (store.CascadeCounts, error) {
	return s.delete(ObjectKB, id)
}
func (s *cascadeStore) CascadeDeleteSource(_ context.Context, id uuid.UUID) (store.CascadeCounts, error) {
	return s.delete(ObjectSource, id)
}
func (s *cascadeStore) CascadeDeleteRun(_ context.Context, id uuid.UUID) (store.CascadeCounts, error) {
	return s.delete(ObjectRun, id)
}
func (s *cascadeStore) CascadeDeleteAgent(_ context.Context, id uuid.UUID) (store.CascadeCounts, error) {
	return s.delete(ObjectAgent, id)
}

type recordingQueue struct {
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, _ string, jobName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.jobs = append(q.jobs, queue.Job{Name: jobName, Payload: raw})
	return nil
}

// fakeIndex is a configured vector store that records removals.
type fakeIndex struct {
	removed map[uuid.UUID][]uuid.UUID
	fail    bool
}

func (f *fakeIndex) IsConfigured() bool                 { return true }
func (f *fakeIndex) Initialize(context.Context) error   { return nil }
func (f *fakeIndex) RemoveChunks(_ context.Context, kbID uuid.UUID, chunkIDs []uuid.UUID) error {
	if f.fail {
		return errors.New("index unavailable")
	}
	if f.removed == nil {
		f.removed = make(map[uuid.UUID][]uuid.UUID)
	}
	f.removed[kbID] = append(f.removed[kbID], chunkIDs...)
	return nil
}

func newTestOrchestrator() (*Orchestrator, *cascadeStore, *recordingQueue) {
	st := newCascadeStore()
	q := &recordingQueue{}
	return NewOrchestrator(st, q, nil, slog.New(slog.DiscardHandler)), st, q
}

func TestHardDelete_Idempotent(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()

	id := uuid.New()
	st.add(ObjectKB, id)

	require.NoError(t, o.HardDelete(ctx, ObjectKB, id))
	assert.Empty(t, st.objects[ObjectKB])

	// Deleting again is a success, not an error.
	require.NoError(t, o.HardDelete(ctx, ObjectKB, id))
	assert.Equal(t, 2, st.calls)
}

func TestHardDelete_AllObjectTypes(t *testing.T) {
	o, st, _ := newTestOrchestrator()
	ctx := context.Background()

	for _, objectType := range []string{ObjectTenant, ObjectKB, ObjectSource, ObjectRun, ObjectAgent} {
		id := uuid.New()
		st.add(objectType, id)
		require.NoError(t, o.HardDelete(ctx, objectType, id))
		assert.Empty(t, st.objects[objectType])
	}

	err := o.HardDelete(ctx, "bucket", uuid.New())
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestRequestAndHandleJob(t *testing.T) {
	o, st, q := newTestOrchestrator()
	ctx := context.Background()

	id := uuid.New()
	st.add(ObjectSource, id)

	require.NoError(t, o.Request(ctx, ObjectSource, id))
	require.Len(t, q.jobs, 1)

	require.NoError(t, o.HandleJob(ctx, q.jobs[0]))
	assert.Empty(t, st.objects[ObjectSource])

	// Unknown object types are rejected before anything is enqueued.
	assert.Error(t, o.Request(ctx, "bucket", uuid.New()))
	assert.Len(t, q.jobs, 1)

	// Malformed jobs dead-letter instead of retrying forever.
	err := o.HandleJob(ctx, queue.Job{Name: jobNameHardDelete, Payload: []byte("{")})
	assert.True(t, queue.IsPermanent(err))
	err = o.HandleJob(ctx, queue.Job{Name: "compact", Payload: []byte("{}")})
	assert.True(t, queue.IsPermanent(err))
}

func TestSweepTombstones_DrainsIntoIndex(t *testing.T) {
	st := newCascadeStore()
	q := &recordingQueue{}
	idx := &fakeIndex{}
	o := NewOrchestrator(st, q, idx, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	id := uuid.New()
	st.add(ObjectKB, id)
	require.NoError(t, o.HardDelete(ctx, ObjectKB, id))

	// HardDelete sweeps after a successful cascade.
	assert.Empty(t, st.tombstones)
	assert.Len(t, idx.removed[id], 3)
}

func TestSweepTombstones_FailureKeepsTombstones(t *testing.T) {
	st := newCascadeStore()
	idx := &fakeIndex{fail: true}
	o := NewOrchestrator(st, &recordingQueue{}, idx, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	id := uuid.New()
	st.add(ObjectSource, id)
	require.NoError(t, o.HardDelete(ctx, ObjectSource, id))

	// Removal failed, so the tombstones survive for the next sweep.
	assert.Len(t, st.tombstones, 3)

	idx.fail = false
	o.SweepTombstones(ctx)
	assert.Empty(t, st.tombstones)
	assert.Len(t, idx.removed[id], 3)
}
