package systemd

import "testing"

func TestUnitName(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"mediaqd":         "mediaqd.service",
		"mediaqd.service": "mediaqd.service",
		" mediaqd.timer ": "mediaqd.timer",
		"media.q":         "media.q.service",
		"":                "",
	}
	for in, want := range tests {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNotifyOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	sent, err := Ready()
	if sent || err != nil {
		t.Fatalf("Ready() = %v, %v; want false, nil", sent, err)
	}
}
