// Package task defines the task model and the in-memory FIFO queue that
// feeds the engine.
package task

import "time"

// Source identifies the channel a task originated from.
type Source string

const (
	SourceGitHub Source = "github"
	SourceSlack  Source = "slack"
	SourceLine   Source = "line"
	SourceHTTP   Source = "http"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// GitHubMeta carries origin details for issue-driven tasks.
type GitHubMeta struct {
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	IssueTitle  string `json:"issue_title,omitempty"`
	IssueURL    string `json:"issue_url,omitempty"`
	User        string `json:"user,omitempty"`      // requesting GitHub handle
	ThreadID    string `json:"thread_id,omitempty"` // linked notification thread
}

// SlackMeta carries origin details for Slack messages.
type SlackMeta struct {
	ChannelID  string `json:"channel_id"`
	ThreadTS   string `json:"thread_ts"`
	UserID     string `json:"user_id"`
	Text       string `json:"text"`
	TargetRepo string `json:"target_repo,omitempty"` // owner/repo
}

// LineMeta carries origin details for LINE messages.
type LineMeta struct {
	UserID     string `json:"user_id"`
	ReplyToken string `json:"reply_token"`
	Text       string `json:"text"`
	TargetRepo string `json:"target_repo,omitempty"`
}

// HTTPMeta carries origin details for poll-based HTTP clients.
type HTTPMeta struct {
	CorrelationID string `json:"correlation_id"` // doubles as the task ID
	DeviceID      string `json:"device_id,omitempty"`
	Text          string `json:"text"`
	TargetRepo    string `json:"target_repo,omitempty"`
}

// Metadata is a tagged variant discriminated by Source. Exactly one of the
// pointer fields matching Source is set.
type Metadata struct {
	Source Source      `json:"source"`
	GitHub *GitHubMeta `json:"github,omitempty"`
	Slack  *SlackMeta  `json:"slack,omitempty"`
	Line   *LineMeta   `json:"line,omitempty"`
	HTTP   *HTTPMeta   `json:"http,omitempty"`
}

// TargetRepo returns the explicit target repository, if any.
func (m Metadata) TargetRepo() string {
	switch m.Source {
	case SourceSlack:
		if m.Slack != nil {
			return m.Slack.TargetRepo
		}
	case SourceLine:
		if m.Line != nil {
			return m.Line.TargetRepo
		}
	case SourceHTTP:
		if m.HTTP != nil {
			return m.HTTP.TargetRepo
		}
	case SourceGitHub:
		if m.GitHub != nil && m.GitHub.Owner != "" {
			return m.GitHub.Owner + "/" + m.GitHub.Repo
		}
	}
	return ""
}

// UserID returns the channel-specific requesting user identifier.
func (m Metadata) UserID() string {
	switch m.Source {
	case SourceGitHub:
		if m.GitHub != nil {
			return m.GitHub.User
		}
	case SourceSlack:
		if m.Slack != nil {
			return m.Slack.UserID
		}
	case SourceLine:
		if m.Line != nil {
			return m.Line.UserID
		}
	case SourceHTTP:
		if m.HTTP != nil {
			return m.HTTP.DeviceID
		}
	}
	return ""
}

// Result holds the outcome of a finished task.
type Result struct {
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Task is a unit of work flowing through the queue. Once completed it is
// read-only.
type Task struct {
	ID          string     `json:"id"`
	Source      Source     `json:"source"`
	CreatedAt   time.Time  `json:"created_at"`
	Prompt      string     `json:"prompt"`
	Meta        Metadata   `json:"meta"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Result    `json:"result,omitempty"`
}
