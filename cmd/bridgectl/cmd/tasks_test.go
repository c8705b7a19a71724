package cmd

import "testing"

func TestShortID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"short", "abc123", "abc123"},
		{"exact eight", "abcdefgh", "abcdefgh"},
		{"uuid", "a1b2c3d4-e5f6-7890-abcd-ef1234567890", "a1b2c3d4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shortID(tt.id); got != tt.want {
				t.Errorf("shortID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}
