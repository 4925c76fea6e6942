package logging

import "testing"

func TestParseSeverity(t *testing.T) {
	cases := []struct {
		in   string
		want Severity
	}{
		{"verbose", SeverityVerbose},
		{"V", SeverityVerbose},
		{"debug", SeverityDebug},
		{"d", SeverityDebug},
		{"info", SeverityInfo},
		{"I", SeverityInfo},
		{"warn", SeverityWarn},
		{"warning", SeverityWarn},
		{"error", SeverityError},
		{"E", SeverityError},
	}
	for _, c := range cases {
		got, err := ParseSeverity(c.in)
		if err != nil {
			t.Fatalf("ParseSeverity(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("ParseSeverity(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseSeverity_Unknown(t *testing.T) {
	if _, err := ParseSeverity("catastrophic"); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}
