// Package autonomy converts scored threat assessments into firewall
// deployments, under hard safety gates: never-block, circuit breaker,
// cooldowns, conflict checks against user rules, self-lockout protection
// and the operator's autonomy level.
package autonomy

import "fmt"

// Level is the policy dial: whether the agent alerts, proposes for
// approval, or applies autonomously.
type Level string

const (
	// LevelMonitor never deploys; assessments become alerts and
	// pending proposals only.
	LevelMonitor Level = "monitor"

	// LevelCautious deploys on high scores corroborated by at least two
	// distinct event sources.
	LevelCautious Level = "cautious"

	// LevelAggressive deploys on a single high-score signal.
	LevelAggressive Level = "aggressive"
)

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelMonitor, LevelCautious, LevelAggressive:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown autonomy level %q (monitor|cautious|aggressive)", s)
	}
}
