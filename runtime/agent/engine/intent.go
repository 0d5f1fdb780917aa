package engine

import (
	"regexp"
	"strconv"
	"strings"

	"goa.design/deskagent/runtime/agent"
)

// keyTable normalizes the fixed set of key names the Act node recognizes
// for PressKey. Matching is case-insensitive.
var keyTable = map[string]string{
	"enter":     "Enter",
	"return":    "Enter",
	"tab":       "Tab",
	"escape":    "Escape",
	"esc":       "Escape",
	"up":        "ArrowUp",
	"down":      "ArrowDown",
	"left":      "ArrowLeft",
	"right":     "ArrowRight",
	"f1":        "F1",
	"f2":        "F2",
	"f3":        "F3",
	"f4":        "F4",
	"f5":        "F5",
	"f6":        "F6",
	"f7":        "F7",
	"f8":        "F8",
	"f9":        "F9",
	"f10":       "F10",
	"f11":       "F11",
	"f12":       "F12",
}

var (
	reLaunch   = regexp.MustCompile(`(?i)\b(?:launch|open|start)\b\s+(?:the\s+)?(?:app(?:lication)?\s+)?"?([A-Za-z0-9 ._\-]+?)"?\s*$`)
	reTypeWord = regexp.MustCompile(`(?i)\b(?:type|write|enter)\b`)
	reQuoted   = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)
	rePress    = regexp.MustCompile(`(?i)\b(?:press|hit)\b\s+([A-Za-z0-9]+)`)
	reClick    = regexp.MustCompile(`(?i)\bclick\b`)
	reCoords   = regexp.MustCompile(`\(?\s*(-?\d+)\s*,\s*(-?\d+)\s*\)?`)
	reAnalyze  = regexp.MustCompile(`(?i)\b(?:analyze|look|check)\b`)
	reDone     = regexp.MustCompile(`(?i)\b(?:done|finished|complete)\b`)
	reSecret   = regexp.MustCompile(`(?i)\b(?:password|passwd|secret|api[- ]?key|access[- ]?token|auth[- ]?token)\b`)
)

// ParseIntent maps reasoning text into an ActionRecord using the
// priority-ordered, deterministic rules in spec §4.5. recentKinds holds
// the last (up to two) action kinds recorded so far in the worker's
// history; two consecutive NoAction kinds force an AnalyzeScreen instead
// of evaluating the rules normally, breaking idle loops.
func ParseIntent(reasoning string, task agent.Task, scopedContext map[string]any, allowlist agent.AppAllowlist, recentKinds []agent.ActionKind) agent.ActionRecord {
	if idleStreak(recentKinds) {
		return agent.ActionRecord{Kind: agent.ActionAnalyzeScreen, Query: reasoning}
	}

	if m := reLaunch.FindStringSubmatch(reasoning); m != nil {
		name := strings.TrimSpace(m[1])
		if name != "" {
			return agent.ActionRecord{Kind: agent.ActionLaunchApp, AppName: name}
		}
	}

	if reTypeWord.MatchString(reasoning) {
		text := firstQuoted(reasoning)
		if text == "" {
			if v, ok := scopedContext["text"].(string); ok && v != "" {
				text = v
			}
		}
		if text == "" {
			text = task.Description
		}
		if text == "" {
			return agent.ActionRecord{Kind: agent.ActionNoAction, NoneReason: "no text to type"}
		}
		return agent.ActionRecord{Kind: agent.ActionTypeText, Text: text, Sensitive: reSecret.MatchString(reasoning)}
	}

	if m := rePress.FindStringSubmatch(reasoning); m != nil {
		if key, ok := keyTable[strings.ToLower(m[1])]; ok {
			return agent.ActionRecord{Kind: agent.ActionPressKey, Key: key}
		}
	}

	if reClick.MatchString(reasoning) {
		if m := reCoords.FindStringSubmatch(reasoning); m != nil {
			x, errX := strconv.Atoi(m[1])
			y, errY := strconv.Atoi(m[2])
			if errX == nil && errY == nil {
				return agent.ActionRecord{Kind: agent.ActionClick, X: x, Y: y, Button: "left"}
			}
		}
		return agent.ActionRecord{Kind: agent.ActionClick, Button: "left"}
	}

	if reAnalyze.MatchString(reasoning) {
		return agent.ActionRecord{Kind: agent.ActionAnalyzeScreen, Query: reasoning}
	}

	if reDone.MatchString(reasoning) {
		return agent.ActionRecord{Kind: agent.ActionTaskComplete}
	}

	return agent.ActionRecord{Kind: agent.ActionNoAction, NoneReason: "no actionable command detected"}
}

func idleStreak(recentKinds []agent.ActionKind) bool {
	if len(recentKinds) < 2 {
		return false
	}
	last := recentKinds[len(recentKinds)-2:]
	return last[0] == agent.ActionNoAction && last[1] == agent.ActionNoAction
}

func firstQuoted(s string) string {
	m := reQuoted.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}
