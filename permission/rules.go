package permission

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/claudego/server/errdefs"
)

// toolNamePattern matches built-in tool names (Bash, Edit) and MCP tool
// names (mcp__server__tool).
var toolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)

// IsValidToolName reports whether name can carry a standing rule.
func IsValidToolName(name string) bool {
	return toolNamePattern.MatchString(name)
}

// StandingRule auto-approves every future request for ToolName.
type StandingRule struct {
	ToolName  string    `json:"tool_name"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleStore persists standing rules as JSON in a directory.
type RuleStore struct {
	dir   string
	mu    sync.RWMutex
	rules []StandingRule // in-memory cache
}

// NewRuleStore loads the rules kept in dir. A missing file means no rules.
func NewRuleStore(dir string) (*RuleStore, error) {
	store := &RuleStore{dir: dir}

	rules, err := store.readFromDisk()
	if err != nil {
		return nil, err
	}
	store.rules = rules

	return store, nil
}

func (s *RuleStore) filePath() string {
	return filepath.Join(s.dir, "rules.json")
}

func (s *RuleStore) readFromDisk() ([]StandingRule, error) {
	data, err := os.ReadFile(s.filePath())
	if os.IsNotExist(err) {
		return []StandingRule{}, nil
	}
	if err != nil {
		return nil, err
	}

	var rules []StandingRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.filePath(), err)
	}
	return deduplicateRules(rules), nil
}

func deduplicateRules(rules []StandingRule) []StandingRule {
	earliest := make(map[string]StandingRule)
	for _, r := range rules {
		if existing, ok := earliest[r.ToolName]; !ok || r.CreatedAt.Before(existing.CreatedAt) {
			earliest[r.ToolName] = r
		}
	}

	result := make([]StandingRule, 0, len(earliest))
	for _, r := range earliest {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *RuleStore) persist() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath(), data, 0644)
}

// Allowed reports whether a standing rule covers toolName.
func (s *RuleStore) Allowed(toolName string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.rules, func(r StandingRule) bool {
		return r.ToolName == toolName
	})
}

// Allow records a standing rule for toolName. Recording an existing rule
// is a no-op.
func (s *RuleStore) Allow(toolName string) error {
	if !IsValidToolName(toolName) {
		return fmt.Errorf("%w: tool name %q", errdefs.ErrInvalidArgument, toolName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.rules, func(r StandingRule) bool { return r.ToolName == toolName }) {
		return nil
	}

	old := s.rules
	s.rules = append(slices.Clone(s.rules), StandingRule{ToolName: toolName, CreatedAt: time.Now()})
	if err := s.persist(); err != nil {
		s.rules = old
		return err
	}
	return nil
}

// List returns the standing rules, oldest first.
func (s *RuleStore) List() []StandingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rules)
}

// MemoryRules keeps standing rules for the life of the process only.
type MemoryRules struct {
	mu    sync.RWMutex
	tools map[string]bool
}

func NewMemoryRules() *MemoryRules {
	return &MemoryRules{tools: make(map[string]bool)}
}

func (m *MemoryRules) Allowed(toolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tools[toolName]
}

func (m *MemoryRules) Allow(toolName string) error {
	if !IsValidToolName(toolName) {
		return fmt.Errorf("%w: tool name %q", errdefs.ErrInvalidArgument, toolName)
	}
	m.mu.Lock()
	m.tools[toolName] = true
	m.mu.Unlock()
	return nil
}
