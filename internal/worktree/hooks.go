package worktree

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed hooks/approve.sh hooks/notify.sh
var hookScripts embed.FS

const (
	approveScript  = "approve.sh"
	notifyScript   = "notify.sh"
	approveTimeout = 320
	notifyTimeout  = 5
)

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher"`
	Hooks   []hookEntry `json:"hooks"`
}

// InjectHooks installs the approval and notification hook scripts into
// <dir>/.claude and merges them into settings.json. Existing settings keys
// are preserved and hook entries already pointing at our scripts are not
// duplicated.
func InjectHooks(dir string) error {
	hooksDir := filepath.Join(dir, ".claude", "hooks")
	if err := os.MkdirAll(hooksDir, 0o755); err != nil {
		return fmt.Errorf("creating hooks dir: %w", err)
	}

	for _, name := range []string{approveScript, notifyScript} {
		data, err := hookScripts.ReadFile("hooks/" + name)
		if err != nil {
			return fmt.Errorf("reading embedded hook %s: %w", name, err)
		}
		dst := filepath.Join(hooksDir, name)
		if err := os.WriteFile(dst, data, 0o755); err != nil {
			return fmt.Errorf("writing hook %s: %w", name, err)
		}
	}

	settingsPath := filepath.Join(dir, ".claude", "settings.json")
	settings := make(map[string]json.RawMessage)
	if data, err := os.ReadFile(settingsPath); err == nil {
		// A corrupt settings file is replaced rather than failing injection.
		json.Unmarshal(data, &settings)
	}

	var matchers []hookMatcher
	if raw, ok := settings["hooks"]; ok {
		var hooks map[string]json.RawMessage
		if err := json.Unmarshal(raw, &hooks); err == nil {
			json.Unmarshal(hooks["PreToolUse"], &matchers)
		}
	}

	approvePath := filepath.Join(hooksDir, approveScript)
	notifyPath := filepath.Join(hooksDir, notifyScript)

	if !hasHook(matchers, approveScript) {
		entry := hookMatcher{
			Matcher: "",
			Hooks:   []hookEntry{{Type: "command", Command: approvePath, Timeout: approveTimeout}},
		}
		matchers = append([]hookMatcher{entry}, matchers...)
	}
	if !hasHook(matchers, notifyScript) {
		matchers = append(matchers, hookMatcher{
			Matcher: ".*",
			Hooks:   []hookEntry{{Type: "command", Command: notifyPath, Timeout: notifyTimeout}},
		})
	}

	pre, err := json.Marshal(matchers)
	if err != nil {
		return fmt.Errorf("encoding hook matchers: %w", err)
	}
	hooksObj := map[string]json.RawMessage{"PreToolUse": pre}
	if raw, ok := settings["hooks"]; ok {
		var existing map[string]json.RawMessage
		if err := json.Unmarshal(raw, &existing); err == nil {
			for k, v := range existing {
				if k != "PreToolUse" {
					hooksObj[k] = v
				}
			}
		}
	}
	encoded, err := json.Marshal(hooksObj)
	if err != nil {
		return fmt.Errorf("encoding hooks: %w", err)
	}
	settings["hooks"] = encoded

	out, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.WriteFile(settingsPath, out, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

// hasHook reports whether any matcher already runs a command containing the
// given script name.
func hasHook(matchers []hookMatcher, script string) bool {
	for _, m := range matchers {
		for _, h := range m.Hooks {
			if strings.Contains(h.Command, script) {
				return true
			}
		}
	}
	return false
}
