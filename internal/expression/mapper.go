// Package expression turns emotion scores from the voice stream into avatar
// expression commands.
package expression

import (
	"strings"
	"time"
)

// Avatar expression vocabulary understood by the rendering service.
const (
	Neutral   = "neutral"
	Happy     = "happy"
	Sad       = "sad"
	Worried   = "worried"
	Surprised = "surprised"
	Calm      = "calm"
	Thinking  = "thinking"
	Serious   = "serious"
	Caring    = "caring"
)

// DefaultDuration is how long an expression is held when the caller does not say.
const DefaultDuration = 2000 * time.Millisecond

// Amplification makes subtle emotions visible on the avatar face.
const Amplification = 1.5

// Command is a single expression change sent to the avatar.
type Command struct {
	Emotion    string  `json:"emotion"`
	Intensity  float64 `json:"intensity"`
	DurationMs int     `json:"duration"`
}

// Score is one (label, score) pair from an emotion vector.
type Score struct {
	Name  string
	Score float64
}

var vocabulary = map[string]string{
	"joy":                 Happy,
	"happiness":           Happy,
	"amusement":           Happy,
	"contentment":         Happy,
	"satisfaction":        Happy,
	"excitement":          Happy,
	"ecstasy":             Happy,
	"triumph":             Happy,
	"pride":               Happy,
	"sadness":             Sad,
	"disappointment":      Sad,
	"distress":            Sad,
	"grief":               Sad,
	"guilt":               Sad,
	"shame":               Sad,
	"tiredness":           Sad,
	"anxiety":             Worried,
	"fear":                Worried,
	"horror":              Worried,
	"nervousness":         Worried,
	"awkwardness":         Worried,
	"embarrassment":       Worried,
	"doubt":               Worried,
	"surprise":            Surprised,
	"surprise (positive)": Surprised,
	"surprise (negative)": Surprised,
	"awe":                 Surprised,
	"realization":         Surprised,
	"calmness":            Calm,
	"relief":              Calm,
	"serenity":            Calm,
	"interest":            Thinking,
	"concentration":       Thinking,
	"contemplation":       Thinking,
	"confusion":           Thinking,
	"determination":       Thinking,
	"anger":               Serious,
	"annoyance":           Serious,
	"frustration":         Serious,
	"contempt":            Serious,
	"disgust":             Serious,
	"empathic pain":       Caring,
	"sympathy":            Caring,
	"love":                Caring,
	"adoration":           Caring,
	"admiration":          Caring,
	"nostalgia":           Caring,
	"romance":             Caring,
	"entrancement":        Caring,
}

// Map converts an emotion label and its score into an expression command with
// the default duration.
func Map(label string, score float64) Command {
	return MapWithDuration(label, score, DefaultDuration)
}

// MapWithDuration is Map with an explicit hold duration. Unknown labels map to
// the neutral expression.
func MapWithDuration(label string, score float64, d time.Duration) Command {
	if d <= 0 {
		d = DefaultDuration
	}
	name, ok := vocabulary[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		name = Neutral
	}
	return Command{
		Emotion:    name,
		Intensity:  Intensity(score),
		DurationMs: int(d.Milliseconds()),
	}
}

// Intensity amplifies a raw score and clamps it to [0,1].
func Intensity(score float64) float64 {
	return clamp(score*Amplification, 0, 1)
}

// Top returns the highest scoring entry. ok is false for an empty vector.
func Top(scores []Score) (top Score, ok bool) {
	for i, s := range scores {
		if i == 0 || s.Score > top.Score {
			top = s
			ok = true
		}
	}
	return top, ok
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
