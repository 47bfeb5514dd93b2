// Package identity resolves a canonical user identity across channels.
//
// The canonical identity is the Slack user ID when the admin config maps
// one; otherwise the channel-specific ID stands on its own. Canonical IDs
// key the cross-channel session fallback records.
package identity

import (
	"fmt"

	"github.com/claps-dev/claps/internal/config"
)

// Resolver maps channel-specific user IDs onto canonical identities.
type Resolver struct {
	byGitHub map[string]config.UserMapping
	bySlack  map[string]config.UserMapping
	byLine   map[string]config.UserMapping
	byHTTP   map[string]config.UserMapping
	admin    string
}

// NewResolver builds a resolver from the admin config's mapping table.
func NewResolver(ac *config.AdminConfig) *Resolver {
	r := &Resolver{
		byGitHub: make(map[string]config.UserMapping),
		bySlack:  make(map[string]config.UserMapping),
		byLine:   make(map[string]config.UserMapping),
		byHTTP:   make(map[string]config.UserMapping),
	}
	if ac == nil {
		return r
	}
	r.admin = ac.AdminSlackID
	for _, m := range ac.UserMappings {
		if m.GitHub != "" {
			r.byGitHub[m.GitHub] = m
		}
		if m.Slack != "" {
			r.bySlack[m.Slack] = m
		}
		if m.Line != "" {
			r.byLine[m.Line] = m
		}
		if m.HTTP != "" {
			r.byHTTP[m.HTTP] = m
		}
	}
	return r
}

// Canonical returns the canonical identity for a (source, id) pair.
// Slack IDs are preferred; unmapped IDs fall back to "<source>:<id>".
func (r *Resolver) Canonical(source, id string) string {
	if id == "" {
		return ""
	}
	var m config.UserMapping
	var ok bool
	switch source {
	case "github":
		m, ok = r.byGitHub[id]
	case "slack":
		m, ok = r.bySlack[id]
	case "line":
		m, ok = r.byLine[id]
	case "http":
		m, ok = r.byHTTP[id]
	}
	if ok && m.Slack != "" {
		return m.Slack
	}
	if source == "slack" {
		return id
	}
	return fmt.Sprintf("%s:%s", source, id)
}

// SlackFor returns the Slack user ID mapped to a GitHub handle, or the
// admin Slack ID when no mapping exists. Empty when neither is configured.
func (r *Resolver) SlackFor(githubHandle string) string {
	if m, ok := r.byGitHub[githubHandle]; ok && m.Slack != "" {
		return m.Slack
	}
	return r.admin
}

// UserKey builds the cross-channel session fallback key.
func UserKey(canonical, targetRepo string) string {
	if targetRepo == "" {
		targetRepo = "default"
	}
	return fmt.Sprintf("user:%s:%s", canonical, targetRepo)
}
