package coordinator

import "github.com/aristath/taskgraph/internal/scheduler"

// Matcher decides whether this coordinator's executor can take a task.
type Matcher interface {
	Match(task scheduler.Task) bool
}

// MatchAll accepts every task.
type MatchAll struct{}

func (MatchAll) Match(scheduler.Task) bool { return true }

// SkillMatcher accepts a task when every skill it requires is offered.
type SkillMatcher struct {
	skills map[string]bool
}

// NewSkillMatcher creates a matcher offering skills.
func NewSkillMatcher(skills []string) *SkillMatcher {
	m := &SkillMatcher{skills: make(map[string]bool, len(skills))}
	for _, s := range skills {
		m.skills[s] = true
	}
	return m
}

func (m *SkillMatcher) Match(task scheduler.Task) bool {
	for _, req := range task.Requires {
		if !m.skills[req] {
			return false
		}
	}
	return true
}
