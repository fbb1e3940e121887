package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	killmails "wandererkills/internal/killmails/models"
	"wandererkills/pkg/errs"
)

func ptr(v int64) *int64 { return &v }

func killInSystem(killmailID, systemID int64, characterIDs ...int64) *killmails.Killmail {
	km := &killmails.Killmail{
		KillmailID: killmailID,
		SystemID:   systemID,
		Victim:     killmails.Victim{ShipTypeID: 587},
		Attackers:  []killmails.Attacker{{FinalBlow: true, DamageDone: 1}},
	}
	if len(characterIDs) > 0 {
		km.Victim.CharacterID = ptr(characterIDs[0])
		for _, id := range characterIDs[1:] {
			km.Attackers = append(km.Attackers, killmails.Attacker{CharacterID: ptr(id)})
		}
	}
	return km
}

func TestSubscribeRoundTrip(t *testing.T) {
	r := NewRegistry()

	sub, err := r.Subscribe("client-a", []int64{30000142, 30002187}, []int64{95465499}, "")
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	got, err := r.Get(sub.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{30000142, 30002187}, got.Systems())
	assert.ElementsMatch(t, []int64{95465499}, got.Characters())
}

func TestSubscribeRequiresAFilter(t *testing.T) {
	r := NewRegistry()

	_, err := r.Subscribe("client-a", nil, nil, "")
	assert.Equal(t, errs.Validation, errs.KindOf(err))

	_, err = r.Subscribe("", []int64{1}, nil, "")
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestResubscribeReplacesPrevious(t *testing.T) {
	r := NewRegistry()

	first, err := r.Subscribe("client-a", []int64{30000142}, nil, "")
	require.NoError(t, err)
	second, err := r.Subscribe("client-a", []int64{30002187}, nil, "")
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	_, err = r.Get(first.ID)
	assert.True(t, errs.IsNotFound(err))

	// The old system bucket no longer matches.
	assert.Empty(t, r.FindInterested(killInSystem(1, 30000142)))
	assert.Equal(t, []string{second.ID}, r.FindInterested(killInSystem(2, 30002187)))
}

func TestUnsubscribeRemovesIndexEntries(t *testing.T) {
	r := NewRegistry()

	_, err := r.Subscribe("client-a", []int64{30000142}, []int64{95465499}, "")
	require.NoError(t, err)
	require.NoError(t, r.Unsubscribe("client-a"))

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.FindInterested(killInSystem(1, 30000142)))
	assert.Empty(t, r.FindInterested(killInSystem(2, 31000001, 95465499)))

	assert.True(t, errs.IsNotFound(r.Unsubscribe("client-a")))
}

func TestUpdateReplacesFilterSets(t *testing.T) {
	r := NewRegistry()

	sub, err := r.Subscribe("client-a", []int64{30000142}, nil, "")
	require.NoError(t, err)

	require.NoError(t, r.Update(sub.ID, nil, []int64{95465499}))

	assert.Empty(t, r.FindInterested(killInSystem(1, 30000142)))
	assert.Equal(t, []string{sub.ID}, r.FindInterested(killInSystem(2, 31000001, 95465499)))

	assert.Equal(t, errs.Validation, errs.KindOf(r.Update(sub.ID, nil, nil)))
	assert.True(t, errs.IsNotFound(r.Update("nope", []int64{1}, nil)))
}

func TestFindInterestedUnionsSystemAndCharacterMatches(t *testing.T) {
	r := NewRegistry()

	bySystem, err := r.Subscribe("sys-client", []int64{30000142}, nil, "")
	require.NoError(t, err)
	byChar, err := r.Subscribe("char-client", nil, []int64{95465499}, "")
	require.NoError(t, err)
	_, err = r.Subscribe("other", []int64{31000001}, nil, "")
	require.NoError(t, err)

	// Kill in the watched system with the watched victim matches both, once.
	matched := r.FindInterested(killInSystem(9003, 30000142, 95465499))
	assert.ElementsMatch(t, []string{bySystem.ID, byChar.ID}, matched)

	// Attacker characters match too.
	km := killInSystem(9004, 31000002)
	km.Attackers = append(km.Attackers, killmails.Attacker{CharacterID: ptr(95465499)})
	assert.ElementsMatch(t, []string{byChar.ID}, r.FindInterested(km))
}

func TestMarkDeliveredIsMonotonic(t *testing.T) {
	r := NewRegistry()

	sub, err := r.Subscribe("client-a", []int64{30000142}, nil, "")
	require.NoError(t, err)

	r.MarkDelivered(sub.ID, 5)
	r.MarkDelivered(sub.ID, 3)

	got, err := r.Get(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.LastDelivered)
}
