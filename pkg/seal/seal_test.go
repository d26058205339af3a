package seal_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealgate/authgate/pkg/seal"
)

// memTracker is an in-memory ExecutionTracker for engine-level tests;
// pkg/ledger carries the real, store-backed implementation.
type memTracker struct {
	mu       sync.Mutex
	executed map[string]time.Time
}

func newMemTracker() *memTracker {
	return &memTracker{executed: make(map[string]time.Time)}
}

func (m *memTracker) MarkExecuted(sealID string, at time.Time) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.executed[sealID]; ok {
		return true, t, nil
	}
	m.executed[sealID] = at
	return false, at, nil
}

func (m *memTracker) ExecutionState(sealID string) (bool, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.executed[sealID]
	return ok, t, nil
}

func newTestEngine(t *testing.T) (*seal.Engine, *memTracker) {
	t.Helper()
	key, err := seal.GenerateKey()
	require.NoError(t, err)
	tracker := newMemTracker()
	return seal.NewEngine(key, tracker, time.Minute), tracker
}

func TestIssue_ApprovedSealVerifiesImmediately(t *testing.T) {
	eng, _ := newTestEngine(t)

	s, err := eng.Issue("mf-1", true, "v1", "")
	require.NoError(t, err)
	assert.True(t, s.Approved)
	assert.Equal(t, "mf-1", s.ManifestID)
	assert.Equal(t, s.IssuedAt.Add(time.Minute), s.ExpiresAt)

	result, err := eng.Verify(s)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.Approved)
	assert.False(t, result.Expired)
	assert.False(t, result.AlreadyExecuted)
}

func TestIssue_DenialProducesEvidentiarySeal(t *testing.T) {
	eng, _ := newTestEngine(t)

	s, err := eng.Issue("mf-2", false, "v1", "amount exceeds limit")
	require.NoError(t, err)
	assert.False(t, s.Approved)
	assert.Equal(t, "amount exceeds limit", s.DenialReason)

	result, err := eng.Verify(s)
	require.NoError(t, err)
	assert.True(t, result.Valid, "a denial seal is still a validly signed artifact")
	assert.False(t, result.Approved)
}

func TestVerify_TamperedSignatureFails(t *testing.T) {
	eng, _ := newTestEngine(t)
	s, err := eng.Issue("mf-3", true, "v1", "")
	require.NoError(t, err)

	// Flip one character of the base64 signature.
	bad := []byte(s.Signature)
	if bad[0] == 'a' {
		bad[0] = 'b'
	} else {
		bad[0] = 'a'
	}
	s.Signature = string(bad)

	result, err := eng.Verify(s)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestVerify_ExpiredSeal(t *testing.T) {
	fixed := time.Now()
	key, err := seal.GenerateKey()
	require.NoError(t, err)
	eng := seal.NewEngine(key, newMemTracker(), time.Minute).WithClock(func() time.Time { return fixed })

	s, err := eng.Issue("mf-4", true, "v1", "")
	require.NoError(t, err)

	// Advance the clock past expiry.
	later := fixed.Add(2 * time.Minute)
	eng = eng.WithClock(func() time.Time { return later })

	result, err := eng.Verify(s)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.Expired)
}

func TestMarkExecuted_OnlyFirstCallSucceeds(t *testing.T) {
	eng, _ := newTestEngine(t)
	s, err := eng.Issue("mf-5", true, "v1", "")
	require.NoError(t, err)

	first, err := eng.MarkExecuted(s)
	require.NoError(t, err)
	assert.True(t, first.MarkedExecuted)
	assert.False(t, first.AlreadyExecuted)

	second, err := eng.MarkExecuted(s)
	require.NoError(t, err)
	assert.False(t, second.MarkedExecuted)
	assert.True(t, second.AlreadyExecuted)
	assert.Equal(t, first.ExecutedAt, second.ExecutedAt)

	result, err := eng.Verify(s)
	require.NoError(t, err)
	assert.True(t, result.AlreadyExecuted)
}

func TestDeriveOrgKey_DeterministicPerOrg(t *testing.T) {
	master, err := seal.GenerateKey()
	require.NoError(t, err)
	seed := master.Seed()

	a1, err := seal.DeriveOrgKey(seed, "org-a")
	require.NoError(t, err)
	a2, err := seal.DeriveOrgKey(seed, "org-a")
	require.NoError(t, err)
	b, err := seal.DeriveOrgKey(seed, "org-b")
	require.NoError(t, err)

	assert.Equal(t, a1, a2, "deriving the same org twice must yield the same key")
	assert.NotEqual(t, a1, b, "different orgs must get different keys")
}

func TestDeriveOrgKey_RejectsEmptyOrgID(t *testing.T) {
	master, err := seal.GenerateKey()
	require.NoError(t, err)
	_, err = seal.DeriveOrgKey(master.Seed(), "")
	assert.Error(t, err)
}

func TestMarkExecuted_ConcurrentCallersSeeExactlyOneSuccess(t *testing.T) {
	eng, _ := newTestEngine(t)
	s, err := eng.Issue("mf-6", true, "v1", "")
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	successes := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := eng.MarkExecuted(s)
			require.NoError(t, err)
			successes[i] = outcome.MarkedExecuted
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one caller should observe success")
}
