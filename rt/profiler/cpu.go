package profiler

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scopes times named CPU scopes and keeps plain counters alongside them.
type Scopes struct {
	durations map[string]time.Duration
	starts    map[string]time.Time
	counts    map[string]int
	order     []string
	now       func() time.Time
}

func NewScopes() *Scopes {
	return &Scopes{
		durations: make(map[string]time.Duration),
		starts:    make(map[string]time.Time),
		counts:    make(map[string]int),
		now:       time.Now,
	}
}

func (s *Scopes) BeginScope(name string) {
	if _, ok := s.durations[name]; !ok {
		s.durations[name] = 0
		s.order = append(s.order, name)
	}
	s.starts[name] = s.now()
}

func (s *Scopes) EndScope(name string) {
	if start, ok := s.starts[name]; ok {
		s.durations[name] = s.now().Sub(start)
		delete(s.starts, name)
	}
}

// Duration is the length of the last completed run of name.
func (s *Scopes) Duration(name string) time.Duration { return s.durations[name] }

func (s *Scopes) SetCount(name string, n int) { s.counts[name] = n }

func (s *Scopes) Count(name string) int { return s.counts[name] }

// String lists scopes in first-use order, then counters sorted by name.
func (s *Scopes) String() string {
	var sb strings.Builder
	sb.WriteString("cpu:\n")
	for _, name := range s.order {
		ms := float64(s.durations[name].Microseconds()) / 1000.0
		fmt.Fprintf(&sb, "  %-12s %.2f ms\n", name, ms)
	}
	if len(s.counts) == 0 {
		return sb.String()
	}
	keys := make([]string, 0, len(s.counts))
	for k := range s.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sb.WriteString("counts:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %-12s %d\n", k, s.counts[k])
	}
	return sb.String()
}
