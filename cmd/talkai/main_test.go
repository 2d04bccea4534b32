package main

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestParseScores(t *testing.T) {
	scores, err := parseScores([]string{"joy=0.4", " anxiety = 0.7"})
	if err != nil {
		t.Fatalf("parseScores() error = %v", err)
	}
	if len(scores) != 2 || scores[1].Name != "anxiety" || scores[1].Score != 0.7 {
		t.Fatalf("unexpected scores: %+v", scores)
	}

	for _, bad := range []string{"joy", "=0.3", "joy=high"} {
		if _, err := parseScores([]string{bad}); err == nil {
			t.Fatalf("parseScores(%q) expected error", bad)
		}
	}
}

func TestMapEmotionCommand(t *testing.T) {
	cmd := mapEmotionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"joy=0.2", "sadness=0.5", "--duration=1s"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var got struct {
		TopEmotion string `json:"top_emotion"`
		Command    struct {
			Emotion    string  `json:"emotion"`
			Intensity  float64 `json:"intensity"`
			DurationMs int     `json:"duration"`
		} `json:"command"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v (%s)", err, out.String())
	}
	if got.TopEmotion != "sadness" || got.Command.Emotion != "sad" {
		t.Fatalf("unexpected mapping: %+v", got)
	}
	if got.Command.DurationMs != 1000 {
		t.Fatalf("duration = %d, want 1000", got.Command.DurationMs)
	}
}
