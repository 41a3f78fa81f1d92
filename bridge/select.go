package bridge

import (
	"fmt"
	"strings"
)

// SelectPolicy decides which enumerated port wins when several match.
type SelectPolicy int

const (
	// SelectFirstCandidate picks the earliest entry of the candidate list
	// that is present among the enumerated ports.
	SelectFirstCandidate SelectPolicy = iota
	// SelectLastEnumerated picks the last enumerated port that matches any
	// candidate. Earlier releases behaved this way.
	SelectLastEnumerated
)

func (p SelectPolicy) String() string {
	switch p {
	case SelectFirstCandidate:
		return "first"
	case SelectLastEnumerated:
		return "last"
	default:
		return fmt.Sprintf("SelectPolicy(%d)", int(p))
	}
}

// ParseSelectPolicy accepts "first" and "last".
func ParseSelectPolicy(s string) (SelectPolicy, error) {
	switch strings.ToLower(s) {
	case "", "first":
		return SelectFirstCandidate, nil
	case "last":
		return SelectLastEnumerated, nil
	default:
		return 0, fmt.Errorf("unknown select policy %q", s)
	}
}

// SelectPort matches enumerated port names against candidates. Matching is
// exact and case-sensitive.
func SelectPort(ports, candidates []string, policy SelectPolicy) (string, bool) {
	switch policy {
	case SelectLastEnumerated:
		found, ok := "", false
		for _, port := range ports {
			for _, name := range candidates {
				if port == name {
					found, ok = port, true
					break
				}
			}
		}
		return found, ok
	default:
		present := make(map[string]struct{}, len(ports))
		for _, port := range ports {
			present[port] = struct{}{}
		}
		for _, name := range candidates {
			if _, ok := present[name]; ok {
				return name, true
			}
		}
		return "", false
	}
}
