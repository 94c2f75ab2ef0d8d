package main

import "testing"

func TestParseViewer(t *testing.T) {
	p, err := parseViewer("100.5, -200, 350")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p[0] != 100.5 || p[1] != -200 || p[2] != 350 {
		t.Fatalf("viewer = %v", p)
	}

	for _, bad := range []string{"", "1,2", "1,2,3,4", "a,b,c"} {
		if _, err := parseViewer(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
