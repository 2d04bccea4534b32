package policy

import (
	"regexp"
	"strings"
)

type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskElevated RiskLevel = "elevated"
	RiskCrisis   RiskLevel = "crisis"
)

// SafetyDecision is the result of screening one user utterance.
type SafetyDecision struct {
	Level  RiskLevel
	Reason string
}

// CrisisResources is shown to the user alongside a crisis decision.
const CrisisResources = "If you are in danger or thinking about harming yourself, call or text 988 (US) or your local emergency number now."

var (
	crisisPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+my\s*self\b`),
		regexp.MustCompile(`(?i)\b(end|take)\s+my\s+(own\s+)?life\b`),
		regexp.MustCompile(`(?i)\bsuicid(e|al)\b`),
		regexp.MustCompile(`(?i)\b(don'?t|do not)\s+want\s+to\s+(live|be alive|wake up)\b`),
		regexp.MustCompile(`(?i)\bbetter\s+off\s+(dead|without me)\b`),
	}
	elevatedKeywords = []string{
		"hopeless", "worthless", "can't go on", "cannot go on",
		"self harm", "self-harm", "cutting", "overdose",
		"no reason to live", "give up on everything", "panic attack",
	}
)

// ScreenUtterance flags language that should surface crisis resources.
func ScreenUtterance(text string) SafetyDecision {
	in := strings.ToLower(strings.TrimSpace(text))
	if in == "" {
		return SafetyDecision{Level: RiskNone}
	}

	for _, re := range crisisPatterns {
		if re.MatchString(in) {
			return SafetyDecision{
				Level:  RiskCrisis,
				Reason: "Utterance mentions self-harm or suicide.",
			}
		}
	}

	for _, kw := range elevatedKeywords {
		if strings.Contains(in, kw) {
			return SafetyDecision{
				Level:  RiskElevated,
				Reason: "Utterance contains distress language: " + kw,
			}
		}
	}

	return SafetyDecision{Level: RiskNone}
}
