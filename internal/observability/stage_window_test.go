package observability

import "testing"

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("avatar_negotiate", 500)
	w.Observe("avatar_negotiate", 700)
	w.Observe("avatar_negotiate", 900)
	w.ObserveIndicator("avatar_degraded")
	w.ObserveIndicator("avatar_degraded")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != "avatar_negotiate" {
		t.Fatalf("Stage = %q, want %q", s.Stage, "avatar_negotiate")
	}
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 2500 {
		t.Fatalf("TargetP95MS = %.2f, want 2500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 {
		t.Fatalf("len(Indicators) = %d, want 1", len(snap.Indicators))
	}
	if snap.Indicators[0].Name != "avatar_degraded" || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators[0] = %+v, want avatar_degraded x2", snap.Indicators[0])
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe("voice_connect", 100)
	w.Observe("voice_connect", 200)
	w.Observe("voice_connect", 300)
	w.Observe("", 50)
	w.Observe("voice_connect", -1)

	snap := w.Snapshot()
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	if snap.Stages[0].Samples != 2 {
		t.Fatalf("Samples = %d, want 2", snap.Stages[0].Samples)
	}
	if snap.Stages[0].AvgMS != 250 {
		t.Fatalf("AvgMS = %.2f, want 250", snap.Stages[0].AvgMS)
	}
}

func TestStageWindowCountsSlowSamples(t *testing.T) {
	w := newStageWindow(4)
	for _, ms := range []float64{700, 900, 1200, 2000} {
		w.Observe("voice_token", ms)
	}
	w.Observe("custom_stage", 10)

	snap := w.Snapshot()
	if len(snap.Stages) != 2 || snap.Stages[0].Stage != "custom_stage" {
		t.Fatalf("stages should be sorted by name: %+v", snap.Stages)
	}
	if snap.Stages[0].TargetP95MS != 0 || snap.Stages[0].OverTarget != 0 {
		t.Fatalf("untracked stage should have no target: %+v", snap.Stages[0])
	}
	token := snap.Stages[1]
	if token.OverTarget != 3 {
		t.Fatalf("OverTarget = %d, want 3", token.OverTarget)
	}
	if token.MaxMS != 2000 {
		t.Fatalf("MaxMS = %.2f, want 2000", token.MaxMS)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.SessionEvent("created")
	m.AvatarAudio("datachannel", "ok")
	m.QueueDrop("overflow")
	m.Expression("http", "error")
	m.ProviderError("hume", "E0100")
	m.WSMessage("inbound", "client_audio_chunk")
	m.SetActiveSessions(3)
	m.ObserveStage("voice_connect", 0)
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot should be empty: %+v", snap)
	}
}
