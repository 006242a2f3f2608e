package slug

import "testing"

func TestMake(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Demo", "demo"},
		{"  demo  ", "demo"},
		{"DEMO", "demo"},
		{"My First Track", "my-first-track"},
		{"my   first---track", "my-first-track"},
		{"Café Crème", "cafe-creme"},
		{"rock & roll!", "rock-roll"},
		{"under_score", "under_score"},
		{"_edge-", "edge"},
		{"日本語", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := Make(tt.in); got != tt.want {
			t.Errorf("Make(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMakeCollapsesCaseAndWhitespaceVariants(t *testing.T) {
	variants := []string{"Demo", "demo", " DEMO ", "Demo\t"}
	for _, v := range variants {
		if Make(v) != "demo" {
			t.Errorf("variant %q produced %q", v, Make(v))
		}
	}
}
