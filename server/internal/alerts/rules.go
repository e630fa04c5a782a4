package alerts

import (
	"sort"
	"strconv"
	"strings"

	"github.com/obsidianstack/pulse/server/internal/config"
	"github.com/obsidianstack/pulse/server/internal/model"
)

// SourceDefault marks destinations chosen by the severity defaults rather
// than an explicit rule.
const SourceDefault = "default"

// ruleMatches reports whether rule covers a. Empty or "*" fields match
// anything; comparisons ignore case.
func ruleMatches(rule config.RoutingRule, a model.Alert) bool {
	return fieldMatches(rule.Severity, string(a.Severity)) && fieldMatches(rule.Kind, string(a.Kind))
}

func fieldMatches(pattern, v string) bool {
	return pattern == "" || pattern == model.Wildcard || strings.EqualFold(pattern, v)
}

// resolve returns the destination IDs for a and what chose them: the name
// of the first matching rule, or SourceDefault. Disabled and unknown
// destinations are never returned.
func resolve(cfg config.ServerConfig, a model.Alert) ([]string, string) {
	for i, rule := range cfg.Routing.Rules {
		if !ruleMatches(rule, a) {
			continue
		}
		var ids []string
		for _, id := range rule.Destinations {
			if d, ok := cfg.Destination(id); ok && d.IsEnabled() {
				ids = append(ids, id)
			}
		}
		name := rule.Name
		if name == "" {
			name = "rule-" + strconv.Itoa(i)
		}
		return ids, name
	}
	return defaults(cfg.Destinations, a.Severity), SourceDefault
}

// defaults maps severity to destinations: CRITICAL to every enabled
// destination, WARNING to the chat channels, INFO to the least critical
// destination. A WARNING with no chat channel falls back to the INFO choice.
func defaults(dests []config.Destination, sev model.Severity) []string {
	var enabled []config.Destination
	for _, d := range dests {
		if d.IsEnabled() {
			enabled = append(enabled, d)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	switch sev {
	case model.SeverityCritical:
		ids := make([]string, len(enabled))
		for i, d := range enabled {
			ids[i] = d.ID
		}
		return ids
	case model.SeverityWarning:
		var ids []string
		for _, d := range enabled {
			if d.IsChat() {
				ids = append(ids, d.ID)
			}
		}
		if len(ids) > 0 {
			return ids
		}
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		if enabled[i].Criticality != enabled[j].Criticality {
			return enabled[i].Criticality < enabled[j].Criticality
		}
		return enabled[i].ID < enabled[j].ID
	})
	return []string{enabled[0].ID}
}
