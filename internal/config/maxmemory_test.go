package config

import "testing"

func TestParseMaxMemory(t *testing.T) {
	cases := []struct {
		raw       string
		available uint64
		want      uint64
	}{
		{"", 0, 0},
		{"0", 123, 0},
		{"1024", 0, 1024},
		{"512mb", 0, 512 * 1024 * 1024},
		{"2gb", 0, 2 * 1024 * 1024 * 1024},
		{"100kb", 0, 100 * 1024},
		{"50%", 1000, 500},
	}
	for _, c := range cases {
		got, err := ParseMaxMemory(c.raw, c.available)
		if err != nil {
			t.Fatalf("ParseMaxMemory(%q): %v", c.raw, err)
		}
		if got != c.want {
			t.Errorf("ParseMaxMemory(%q, %d) = %d, want %d", c.raw, c.available, got, c.want)
		}
	}
}

func TestParseMaxMemoryInvalid(t *testing.T) {
	for _, raw := range []string{"150%", "abc", "-5mb"} {
		if _, err := ParseMaxMemory(raw, 0); err == nil {
			t.Errorf("ParseMaxMemory(%q) expected error", raw)
		}
	}
}
