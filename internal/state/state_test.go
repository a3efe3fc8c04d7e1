package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(id string, sec int64) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv-1",
		Sender:         "u1",
		Content:        "hello " + id,
		CreatedAt:      models.NewTimestamp(time.Unix(sec, 0).UTC()),
	}
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "state.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SetToken("persist-me"))
	require.NoError(t, s1.CacheMessages("conv-1", []models.Message{msg("m1", 10)}))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, "persist-me", s2.Token())

	got, err := s2.CachedMessages("conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}

// --- Token ---

func TestToken_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	assert.Equal(t, "", s.Token())
}

func TestSetToken_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok_abc123"))
	assert.Equal(t, "tok_abc123", s.Token())
}

func TestSetToken_Overwrite(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("first"))
	require.NoError(t, s.SetToken("second"))
	assert.Equal(t, "second", s.Token())
}

func TestClearToken(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok"))
	require.NoError(t, s.ClearToken())
	assert.Equal(t, "", s.Token())
}

func TestClearToken_WhenAbsent(t *testing.T) {
	s := testDB(t)
	assert.NoError(t, s.ClearToken())
}

// --- User ---

func TestUser_NilByDefault(t *testing.T) {
	s := testDB(t)
	u, err := s.User()
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSetUser_RoundTrip(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetUser(models.User{ID: "u1", Name: "Ada", Email: "ada@example.com"}))

	u, err := s.User()
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "Ada", u.Name)
}

// --- Directory ---

func TestDirectory_RoundTrip(t *testing.T) {
	s := testDB(t)

	convs := []models.Conversation{{
		ID:           "c1",
		Participants: []models.User{{ID: "u1"}, {ID: "u2"}},
		UnreadCount:  map[string]int{"u1": 2},
	}}
	require.NoError(t, s.SetDirectory(convs))

	got, err := s.Directory()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Unread("u1"))
}

// --- Message cache ---

func TestCachedMessages_EmptyByDefault(t *testing.T) {
	s := testDB(t)
	got, err := s.CachedMessages("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCacheMessages_PreservesOrder(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.CacheMessages("conv-1", []models.Message{msg("m1", 10), msg("m2", 20)}))

	got, err := s.CachedMessages("conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
	assert.True(t, got[0].CreatedAt.Time.Equal(time.Unix(10, 0)))
}

func TestCacheMessages_SkipsOptimistic(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.CacheMessages("conv-1", []models.Message{msg("m1", 10), msg("temp-1", 20)}))

	got, err := s.CachedMessages("conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].ID)
}

func TestCacheMessages_InvalidTimestampKept(t *testing.T) {
	s := testDB(t)
	bad := msg("m1", 0)
	bad.CreatedAt = models.ParseTimestamp("yesterday-ish")
	require.NoError(t, s.CacheMessages("conv-1", []models.Message{bad}))

	got, err := s.CachedMessages("conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].CreatedAt.Valid())
	assert.Equal(t, "yesterday-ish", got[0].CreatedAt.Raw)
}

func TestDeleteMessages(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.CacheMessages("conv-1", []models.Message{msg("m1", 10)}))
	require.NoError(t, s.CacheMessages("conv-2", []models.Message{msg("m2", 10)}))
	assert.Equal(t, 2, s.CachedConversationCount())

	require.NoError(t, s.DeleteMessages("conv-1"))
	assert.Equal(t, 1, s.CachedConversationCount())
}

// --- SignOut ---

func TestSignOut_ClearsEverything(t *testing.T) {
	s := testDB(t)
	require.NoError(t, s.SetToken("tok"))
	require.NoError(t, s.SetUser(models.User{ID: "u1"}))
	require.NoError(t, s.SetDirectory([]models.Conversation{{ID: "c1"}}))
	require.NoError(t, s.CacheMessages("conv-1", []models.Message{msg("m1", 10)}))

	require.NoError(t, s.SignOut())

	assert.Equal(t, "", s.Token())
	u, err := s.User()
	require.NoError(t, err)
	assert.Nil(t, u)
	convs, err := s.Directory()
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Equal(t, 0, s.CachedConversationCount())
}
