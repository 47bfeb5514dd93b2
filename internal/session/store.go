// Package session persists agent conversation continuity across restarts.
//
// Records are keyed by channel-specific thread or user identifiers and map
// to the agent session ID plus the working directory it ran in. The whole
// store is a single JSON file rewritten atomically on every mutation.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record ties an agent session to the workspace it ran in.
type Record struct {
	SessionID string    `json:"session_id"`
	WorkDir   string    `json:"work_dir"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// IssueRef identifies a GitHub issue linked to a notification thread.
type IssueRef struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
}

// SlackKey keys a Slack thread conversation.
func SlackKey(threadTS, userID string) string {
	return fmt.Sprintf("slack:%s:%s", threadTS, userID)
}

// GitHubKey keys an issue conversation.
func GitHubKey(owner, repo string, issueNumber int) string {
	return fmt.Sprintf("github:%s/%s#%d", owner, repo, issueNumber)
}

// LineKey keys a LINE user conversation.
func LineKey(userID string) string {
	return fmt.Sprintf("line:%s", userID)
}

// HTTPKey keys a poll-client conversation.
func HTTPKey(correlationID string) string {
	return fmt.Sprintf("http:%s", correlationID)
}

type fileFormat struct {
	Sessions     map[string]Record   `json:"sessions"`
	ThreadIssues map[string]IssueRef `json:"thread_issues"`
	ThreadRepos  map[string]string   `json:"thread_repos"`
}

// Store is a file-backed session map with a freshness TTL.
type Store struct {
	mu           sync.Mutex
	path         string
	maxAge       time.Duration
	sessions     map[string]Record
	threadIssues map[string]IssueRef
	threadRepos  map[string]string
	logger       zerolog.Logger
}

// New loads the store from path, dropping records older than maxAge. A
// missing or corrupt file starts the store empty.
func New(path string, maxAge time.Duration, logger zerolog.Logger) *Store {
	s := &Store{
		path:         path,
		maxAge:       maxAge,
		sessions:     make(map[string]Record),
		threadIssues: make(map[string]IssueRef),
		threadRepos:  make(map[string]string),
		logger:       logger.With().Str("component", "session-store").Logger(),
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Msg("failed to read session file, starting empty")
		}
		return
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		s.logger.Warn().Err(err).Msg("failed to parse session file, starting empty")
		return
	}

	cutoff := time.Now().Add(-s.maxAge)
	dropped := 0
	for key, rec := range ff.Sessions {
		if rec.LastUsed.Before(cutoff) {
			dropped++
			continue
		}
		s.sessions[key] = rec
	}
	if ff.ThreadIssues != nil {
		s.threadIssues = ff.ThreadIssues
	}
	if ff.ThreadRepos != nil {
		s.threadRepos = ff.ThreadRepos
	}
	s.logger.Info().
		Int("sessions", len(s.sessions)).
		Int("expired", dropped).
		Msg("session store loaded")
}

// Get returns the record for key. Records older than the TTL are treated as
// absent.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[key]
	if !ok {
		return Record{}, false
	}
	if time.Since(rec.LastUsed) > s.maxAge {
		return Record{}, false
	}
	return rec, true
}

// Set stores a session for key, preserving the original CreatedAt when a
// record already exists, and persists the store.
func (s *Store) Set(key, sessionID, workDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	created := now
	if prev, ok := s.sessions[key]; ok {
		created = prev.CreatedAt
	}
	s.sessions[key] = Record{
		SessionID: sessionID,
		WorkDir:   workDir,
		CreatedAt: created,
		LastUsed:  now,
	}
	return s.save()
}

// Delete removes the record for key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[key]; !ok {
		return nil
	}
	delete(s.sessions, key)
	return s.save()
}

// LinkThreadIssue binds a notification thread to an issue so replies in the
// thread continue the issue conversation.
func (s *Store) LinkThreadIssue(threadID string, ref IssueRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadIssues[threadID] = ref
	return s.save()
}

// IssueForThread returns the issue linked to a thread, if any.
func (s *Store) IssueForThread(threadID string) (IssueRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.threadIssues[threadID]
	return ref, ok
}

// ThreadForIssue returns the thread bound to an issue, if any.
func (s *Store) ThreadForIssue(ref IssueRef) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for threadID, r := range s.threadIssues {
		if r == ref {
			return threadID, true
		}
	}
	return "", false
}

// UnlinkThread removes any issue binding for a thread.
func (s *Store) UnlinkThread(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threadIssues[threadID]; !ok {
		return nil
	}
	delete(s.threadIssues, threadID)
	return s.save()
}

// SetThreadRepo binds a thread to an explicit target repository.
func (s *Store) SetThreadRepo(threadID, repo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadRepos[threadID] = repo
	return s.save()
}

// RepoForThread returns the repository bound to a thread, if any.
func (s *Store) RepoForThread(threadID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.threadRepos[threadID]
	return repo, ok
}

// save writes the store atomically. Callers must hold s.mu.
func (s *Store) save() error {
	ff := fileFormat{
		Sessions:     s.sessions,
		ThreadIssues: s.threadIssues,
		ThreadRepos:  s.threadRepos,
	}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding sessions: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing sessions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing sessions: %w", err)
	}
	return nil
}
