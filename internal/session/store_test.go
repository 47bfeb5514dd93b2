package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	return New(path, 24*time.Hour, zerolog.Nop()), path
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "slack:1700000000.1:U1", SlackKey("1700000000.1", "U1"))
	assert.Equal(t, "github:o/r#12", GitHubKey("o", "r", 12))
	assert.Equal(t, "line:L1", LineKey("L1"))
	assert.Equal(t, "http:c1", HTTPKey("c1"))
}

func TestSetGetDelete(t *testing.T) {
	s, _ := newTestStore(t)

	_, ok := s.Get("slack:1:U1")
	assert.False(t, ok)

	require.NoError(t, s.Set("slack:1:U1", "sess-1", "/work"))
	rec, ok := s.Get("slack:1:U1")
	require.True(t, ok)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, "/work", rec.WorkDir)

	created := rec.CreatedAt
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Set("slack:1:U1", "sess-2", "/work"))
	rec, _ = s.Get("slack:1:U1")
	assert.Equal(t, "sess-2", rec.SessionID)
	assert.Equal(t, created, rec.CreatedAt)
	assert.True(t, rec.LastUsed.After(created))

	require.NoError(t, s.Delete("slack:1:U1"))
	_, ok = s.Get("slack:1:U1")
	assert.False(t, ok)
	require.NoError(t, s.Delete("slack:1:U1"))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	s, path := newTestStore(t)
	require.NoError(t, s.Set("line:L1", "sess-9", "/w"))
	require.NoError(t, s.LinkThreadIssue("1.23", IssueRef{Owner: "o", Repo: "r", IssueNumber: 4}))
	require.NoError(t, s.SetThreadRepo("1.99", "o/r2"))

	reopened := New(path, 24*time.Hour, zerolog.Nop())
	rec, ok := reopened.Get("line:L1")
	require.True(t, ok)
	assert.Equal(t, "sess-9", rec.SessionID)

	ref, ok := reopened.IssueForThread("1.23")
	require.True(t, ok)
	assert.Equal(t, 4, ref.IssueNumber)

	repo, ok := reopened.RepoForThread("1.99")
	require.True(t, ok)
	assert.Equal(t, "o/r2", repo)
}

func TestExpiredDroppedOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	ff := fileFormat{
		Sessions: map[string]Record{
			"old": {SessionID: "a", LastUsed: time.Now().Add(-48 * time.Hour)},
			"new": {SessionID: "b", LastUsed: time.Now()},
		},
	}
	data, err := json.Marshal(ff)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s := New(path, 24*time.Hour, zerolog.Nop())
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("new")
	assert.True(t, ok)
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	s := New(path, 24*time.Hour, zerolog.Nop())
	_, ok := s.Get("anything")
	assert.False(t, ok)
	require.NoError(t, s.Set("k", "sess", "/w"))
}

func TestUnlinkThread(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.LinkThreadIssue("t1", IssueRef{Owner: "o", Repo: "r", IssueNumber: 1}))
	require.NoError(t, s.UnlinkThread("t1"))
	_, ok := s.IssueForThread("t1")
	assert.False(t, ok)
	require.NoError(t, s.UnlinkThread("t1"))
}
