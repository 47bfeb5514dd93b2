package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// UserMapping links one person's identifiers across channels. The Slack ID
// acts as the canonical identity when present.
type UserMapping struct {
	GitHub string `json:"github,omitempty"`
	Slack  string `json:"slack,omitempty"`
	Line   string `json:"line,omitempty"`
	HTTP   string `json:"http,omitempty"` // device id
}

// AdminConfig holds operator-maintained settings stored in
// ~/.claps/admin-config.json (mode 0600).
type AdminConfig struct {
	// AllowedUsers maps a source name to the user IDs permitted to issue
	// tasks on that channel. An absent source means no restriction.
	AllowedUsers map[string][]string `json:"allowed_users,omitempty"`

	// AdminSlackID receives GitHub-originated approval requests when the
	// requesting GitHub user has no Slack mapping.
	AdminSlackID string `json:"admin_slack_id,omitempty"`

	// UserMappings enables cross-channel session continuity.
	UserMappings []UserMapping `json:"user_mappings,omitempty"`
}

// LoadAdminConfig reads the admin config file. A missing file yields an
// empty config rather than an error.
func LoadAdminConfig(path string) (*AdminConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AdminConfig{}, nil
		}
		return nil, fmt.Errorf("reading admin config: %w", err)
	}

	var ac AdminConfig
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, fmt.Errorf("parsing admin config: %w", err)
	}
	return &ac, nil
}

// IsUserAllowed reports whether the given user may use the given source.
func (a *AdminConfig) IsUserAllowed(source, userID string) bool {
	if a == nil || len(a.AllowedUsers) == 0 {
		return true
	}
	ids, ok := a.AllowedUsers[source]
	if !ok || len(ids) == 0 {
		return true
	}
	for _, id := range ids {
		if id == userID {
			return true
		}
	}
	return false
}
