package config

import "testing"

func TestTrigModeListenAndConnET(t *testing.T) {
	cases := []struct {
		mode             TrigMode
		listenET, connET bool
	}{
		{TrigLevelLevel, false, false},
		{TrigLevelEdge, false, true},
		{TrigEdgeLevel, true, false},
		{TrigEdgeEdge, true, true},
	}
	for _, c := range cases {
		if got := c.mode.ListenET(); got != c.listenET {
			t.Errorf("TrigMode(%d).ListenET() = %v, want %v", c.mode, got, c.listenET)
		}
		if got := c.mode.ConnET(); got != c.connET {
			t.Errorf("TrigMode(%d).ConnET() = %v, want %v", c.mode, got, c.connET)
		}
	}
}

func TestApplyOverridesLayersManagerValuesOverFlagDefaults(t *testing.T) {
	cfg := &Config{Port: 1316, ThreadNum: 8, OpenLog: true}
	mgr := NewManager()
	mgr.Set("port", 9000)
	mgr.Set("thread-num", 16)

	applyOverrides(cfg, mgr)

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.ThreadNum != 16 {
		t.Errorf("ThreadNum = %d, want 16", cfg.ThreadNum)
	}
	if !cfg.OpenLog {
		t.Error("OpenLog should remain unchanged when Manager has no override")
	}
}
