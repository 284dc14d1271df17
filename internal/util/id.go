package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier, optionally namespaced as prefix_<hex>.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// ColorFor picks a stable cursor color for userID.
func ColorFor(userID string) string {
	palette := []string{"#ef4444", "#f97316", "#eab308", "#22c55e", "#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899"}
	sum := 0
	for _, r := range userID {
		sum += int(r)
	}
	return palette[sum%len(palette)]
}
