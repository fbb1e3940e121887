package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wandererkills/pkg/errs"
)

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.PutWithTTL(NSKillmail, Key(1), "old", time.Hour)
	s.PutWithTTL(NSKillmail, Key(2), "fresh", 48*time.Hour)
	s.PutWithTTL(NSCharacter, Key(3), "old", time.Minute)

	now = now.Add(2 * time.Hour)

	w := NewCleanupWorker(s, time.Hour)
	w.Sweep()

	assert.Equal(t, 1, s.Len(NSKillmail))
	assert.Equal(t, 0, s.Len(NSCharacter))
	_, err := s.Get(NSKillmail, Key(2))
	assert.NoError(t, err)
}

func TestSweepCompactsSystemLists(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	// Kill 1 expires, kill 2 survives.
	s.PutWithTTL(NSKillmail, Key(1), "k1", time.Hour)
	s.PutWithTTL(NSKillmail, Key(2), "k2", 48*time.Hour)
	_, err := s.AddToList(NSSystemKillmails, Key(30000142), 1, SystemListMax)
	require.NoError(t, err)
	_, err = s.AddToList(NSSystemKillmails, Key(30000142), 2, SystemListMax)
	require.NoError(t, err)
	require.NoError(t, s.AddToSet(NSActiveSystems, ActiveSystemsKey, 30000142))

	now = now.Add(2 * time.Hour)
	NewCleanupWorker(s, time.Hour).Sweep()

	list, err := s.List(NSSystemKillmails, Key(30000142))
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, list)

	// System still has a kill, so it stays active.
	in, err := s.InSet(NSActiveSystems, ActiveSystemsKey, 30000142)
	require.NoError(t, err)
	assert.True(t, in)
}

func TestSweepPrunesEmptyActiveSystems(t *testing.T) {
	s := New()
	now := time.Now()
	s.now = func() time.Time { return now }

	s.PutWithTTL(NSKillmail, Key(1), "k1", time.Hour)
	_, err := s.AddToList(NSSystemKillmails, Key(30000142), 1, SystemListMax)
	require.NoError(t, err)
	// Keep the set entry alive past the killmail's expiry.
	s.PutWithTTL(NSActiveSystems, ActiveSystemsKey, map[int64]struct{}{30000142: {}}, 72*time.Hour)
	// Keep the list entry alive too so compaction, not expiry, removes it.
	s.PutWithTTL(NSSystemKillmails, Key(30000142), []int64{1}, 72*time.Hour)

	now = now.Add(2 * time.Hour)
	NewCleanupWorker(s, time.Hour).Sweep()

	in, err := s.InSet(NSActiveSystems, ActiveSystemsKey, 30000142)
	require.NoError(t, err)
	assert.False(t, in)

	_, err = s.List(NSSystemKillmails, Key(30000142))
	assert.True(t, errs.IsNotFound(err))
}

func TestSweepLeavesLiveEntriesUntouched(t *testing.T) {
	s := New()
	s.Put(NSKillmail, Key(5), "live")
	_, err := s.AddToList(NSSystemKillmails, Key(1), 5, SystemListMax)
	require.NoError(t, err)

	NewCleanupWorker(s, time.Hour).Sweep()

	assert.True(t, s.Exists(NSKillmail, Key(5)))
	list, err := s.List(NSSystemKillmails, Key(1))
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, list)
}
