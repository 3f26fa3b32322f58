package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kimhsiao/learnsync/core/internal/logging"
	"github.com/kimhsiao/learnsync/core/internal/models"
)

func pair() (models.Record, models.Record) {
	local := models.Record{
		Table:           models.TableUsers,
		ID:              "u1",
		Data:            map[string]interface{}{"bio": "local bio", "level": 3.0, "updatedAt": 100.0},
		UpdatedAt:       100,
		LocalModifiedAt: 150,
		Version:         4,
	}
	remote := models.Record{
		Table:     models.TableUsers,
		ID:        "u1",
		Data:      map[string]interface{}{"bio": "remote bio", "xp": 50.0, "updatedAt": 200.0},
		UpdatedAt: 200,
	}
	return local, remote
}

func TestResolve_ClientWins(t *testing.T) {
	local, remote := pair()

	res := Resolve(local, remote, models.ClientWins)

	assert.Equal(t, models.ClientWins, res.Type)
	require.NotNil(t, res.ResolvedData)
	assert.Equal(t, local, *res.ResolvedData)
	assert.Equal(t, local, res.ClientData)
	assert.Equal(t, remote, res.ServerData)
}

func TestResolve_ServerWinsIsDeterministic(t *testing.T) {
	local, remote := pair()

	inputs := []models.Record{
		local,
		{Table: models.TableUsers, ID: "u1", Data: map[string]interface{}{"bio": "anything"}, LocalModifiedAt: 999},
		{Table: models.TableUsers, ID: "u1"},
	}
	for _, l := range inputs {
		res := Resolve(l, remote, models.ServerWins)
		require.NotNil(t, res.ResolvedData)
		assert.Equal(t, remote, *res.ResolvedData)
	}
}

func TestResolve_MergeLocalFieldsServerTimestamp(t *testing.T) {
	local, remote := pair()

	res := Resolve(local, remote, models.Merge)
	require.NotNil(t, res.ResolvedData)
	merged := *res.ResolvedData

	assert.Equal(t, "local bio", merged.Data["bio"], "local wins on collision")
	assert.Equal(t, 3.0, merged.Data["level"], "local-only field kept")
	assert.Equal(t, 50.0, merged.Data["xp"], "remote-only field kept")
	assert.Equal(t, 200.0, merged.Data["updatedAt"], "timestamp is server's")
	assert.Equal(t, remote.UpdatedAt, merged.UpdatedAt)
	assert.True(t, merged.IsDirty())
}

func TestResolve_MergeTimestampWhenOnlyLocalCarriesIt(t *testing.T) {
	local, remote := pair()
	delete(remote.Data, "updatedAt")

	res := Resolve(local, remote, models.Merge)
	require.NotNil(t, res.ResolvedData)
	assert.EqualValues(t, remote.UpdatedAt, res.ResolvedData.Data["updatedAt"])
}

func TestResolve_MergeDoesNotMutateInputs(t *testing.T) {
	local, remote := pair()

	Resolve(local, remote, models.Merge)

	assert.Equal(t, "remote bio", remote.Data["bio"])
	_, ok := remote.Data["level"]
	assert.False(t, ok)
}

func TestResolve_ManualHasNoResolvedData(t *testing.T) {
	local, remote := pair()

	res := Resolve(local, remote, models.Manual)

	assert.Equal(t, models.Manual, res.Type)
	assert.Nil(t, res.ResolvedData)
	assert.Equal(t, local, res.ClientData)
	assert.Equal(t, remote, res.ServerData)
}

func TestResolve_UnknownStrategyFallsBackToServerWins(t *testing.T) {
	local, remote := pair()

	res := Resolve(local, remote, "last_write_wins")

	assert.Equal(t, models.ServerWins, res.Type)
	require.NotNil(t, res.ResolvedData)
	assert.Equal(t, remote, *res.ResolvedData)
}

func TestDetect(t *testing.T) {
	local, remote := pair()
	clean := local
	clean.LocalModifiedAt = 0
	same := remote.Clone()
	same.LocalModifiedAt = 10

	tests := []struct {
		name  string
		local *models.Record
		want  bool
	}{
		{"no local record", nil, false},
		{"clean local record", &clean, false},
		{"dirty and divergent", &local, true},
		{"dirty but identical", &same, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.local, remote))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, models.ServerWins, s)

	s, err = ParseStrategy("merge")
	require.NoError(t, err)
	assert.Equal(t, models.Merge, s)

	_, err = ParseStrategy("coin_flip")
	assert.True(t, IsConflictError(err))
}

func TestResolver_StrategyFor(t *testing.T) {
	r := NewResolver("", WithTableStrategy(models.TableResponses, models.ClientWins))

	assert.Equal(t, models.ServerWins, r.StrategyFor(models.TableUsers))
	assert.Equal(t, models.ClientWins, r.StrategyFor(models.TableResponses))
}

func TestResolver_ValidatesInput(t *testing.T) {
	r := NewResolver(models.Merge)
	local, remote := pair()

	_, err := r.Resolve(models.Record{}, remote)
	assert.Equal(t, ErrInvalidConflict, err)

	other := remote
	other.ID = "u2"
	_, err = r.Resolve(local, other)
	assert.Equal(t, ErrItemIDMismatch, err)

	other = remote
	other.Table = models.TableSessions
	_, err = r.Resolve(local, other)
	assert.Equal(t, ErrTableMismatch, err)
}

func TestResolver_LogsResolution(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := NewResolver(models.Manual, WithLogger(logging.NewFromCore(core)))
	local, remote := pair()

	assert.True(t, r.DetectConflict(&local, remote))
	res, err := r.Resolve(local, remote)
	require.NoError(t, err)
	assert.Nil(t, res.ResolvedData)

	entries := logs.FilterMessage("Conflict queued for manual review").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "u1", entries[0].ContextMap()["record_id"])
	assert.Equal(t, 1, logs.FilterMessage("Concurrent edit conflict detected").Len())
}
