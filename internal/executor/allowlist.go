package executor

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// defaultDeniedPatterns are command patterns that are never allowed, even
// when an allow entry matches.
var defaultDeniedPatterns = []string{"sudo", "**/sudo", "su", "**/su"}

// Decision is the result of an allow-list check.
type Decision struct {
	Allowed bool
	Reason  string
}

// AllowList decides which commands the action pipeline may run. Entries are
// exact commands, directory prefixes ending in "/", or doublestar globs.
type AllowList struct {
	mu      sync.RWMutex
	allowed []string
	denied  []string
}

// NewAllowList builds a list from allow entries plus the default denials.
func NewAllowList(allowed []string) *AllowList {
	l := &AllowList{denied: append([]string(nil), defaultDeniedPatterns...)}
	l.Replace(allowed)
	return l
}

// Replace swaps the allow entries, used on config reload.
func (l *AllowList) Replace(allowed []string) {
	cleaned := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			cleaned = append(cleaned, a)
		}
	}
	l.mu.Lock()
	l.allowed = cleaned
	l.mu.Unlock()
}

// Entries returns a copy of the allow entries.
func (l *AllowList) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.allowed...)
}

// Check reports whether command may run. The command is cleaned first, so
// "dir/../x" is judged as "x".
func (l *AllowList) Check(command string) Decision {
	command = strings.TrimSpace(command)
	if command == "" {
		return Decision{Reason: "empty command"}
	}
	command = path.Clean(command)

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, pattern := range l.denied {
		if matchEntry(pattern, command) || matchEntry(pattern, path.Base(command)) {
			return Decision{Reason: fmt.Sprintf("denied by pattern %q", pattern)}
		}
	}
	for _, entry := range l.allowed {
		if matchEntry(entry, command) {
			return Decision{Allowed: true, Reason: fmt.Sprintf("allowed by %q", entry)}
		}
	}
	return Decision{Reason: "command not in allow-list"}
}

// matchEntry supports exact match, prefix match for entries ending in "/",
// and glob match against the whole command path. A glob never matches on the
// base name alone: "go*" does not allow "/tmp/x/gopher".
func matchEntry(entry, command string) bool {
	if command == entry {
		return true
	}
	if strings.HasSuffix(entry, "/") {
		return strings.HasPrefix(command, entry) && len(command) > len(entry)
	}
	if !strings.ContainsAny(entry, "*?[{") {
		return false
	}
	ok, err := doublestar.Match(entry, command)
	return err == nil && ok
}
