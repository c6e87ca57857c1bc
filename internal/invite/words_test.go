package invite

import "testing"

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"apple-banana-cherry", "apple-banana-cherry"},
		{"Apple-Banana-CHERRY", "apple-banana-cherry"},
		{"  apple-banana-cherry\n", "apple-banana-cherry"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeCode(tt.in); got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
