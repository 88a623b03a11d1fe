package printerhost

import "testing"

func TestLoggingExtruderRecordsMoves(t *testing.T) {
	e := &LoggingExtruder{}
	if err := e.MoveRelative(-50, 50); err != nil {
		t.Fatal(err)
	}
	if err := e.MoveRelative(100, 25); err != nil {
		t.Fatal(err)
	}
	want := []Move{{Length: -50, Speed: 50}, {Length: 100, Speed: 25}}
	if len(e.Moves) != len(want) {
		t.Fatalf("got %d moves, want %d", len(e.Moves), len(want))
	}
	for i, m := range want {
		if e.Moves[i] != m {
			t.Errorf("move %d = %+v, want %+v", i, e.Moves[i], m)
		}
	}
}

func TestPrintStateProbe(t *testing.T) {
	tests := []struct {
		name  string
		probe PrintStateProbe
		want  bool
	}{
		{"all nil", PrintStateProbe{}, false},
		{"homed axes", PrintStateProbe{HomedAxes: func() string { return "xyz" }}, true},
		{"no homed axes", PrintStateProbe{HomedAxes: func() string { return "" }}, false},
		{"print stats printing", PrintStateProbe{PrintState: func() string { return "printing" }}, true},
		{"print stats standby", PrintStateProbe{PrintState: func() string { return "standby" }}, false},
		{"idle timeout printing", PrintStateProbe{IdleState: func() string { return "Printing" }}, true},
		{"idle timeout ready", PrintStateProbe{IdleState: func() string { return "Ready" }}, true},
		{"idle timeout idle", PrintStateProbe{IdleState: func() string { return "Idle" }}, false},
		{
			"any reading wins",
			PrintStateProbe{
				HomedAxes:  func() string { return "" },
				PrintState: func() string { return "standby" },
				IdleState:  func() string { return "Ready" },
			},
			true,
		},
	}
	for _, tt := range tests {
		if got := tt.probe.Printing(); got != tt.want {
			t.Errorf("%s: Printing() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLoggingScriptsRecordsCalls(t *testing.T) {
	s := &LoggingScripts{}
	if err := s.Run("CUT_TIP", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Run("_ACE_PRE_TOOLCHANGE", map[string]string{"FROM": "1", "TO": "2"}); err != nil {
		t.Fatal(err)
	}
	if len(s.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(s.Calls))
	}
	if s.Calls[0].Name != "CUT_TIP" {
		t.Errorf("first call = %q, want CUT_TIP", s.Calls[0].Name)
	}
	if s.Calls[1].Params["TO"] != "2" {
		t.Errorf("second call params = %v", s.Calls[1].Params)
	}
}
