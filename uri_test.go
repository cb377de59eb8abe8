package redis

import "testing"

func TestParseURI(t *testing.T) {
	cases := []struct {
		uri  string
		want ParsedURI
	}{
		{
			"redis://localhost:6379",
			ParsedURI{Host: "localhost", Port: "6379"},
		},
		{
			"redis://:hunter2@cache.internal:6380/3",
			ParsedURI{Host: "cache.internal", Port: "6380", Password: "hunter2", Database: 3},
		},
		{
			"redis://cache.internal",
			ParsedURI{Host: "cache.internal", Port: "6379"},
		},
		{
			"redis://",
			ParsedURI{Host: "localhost", Port: "6379"},
		},
	}
	for _, c := range cases {
		got, err := ParseURI(c.uri)
		if err != nil {
			t.Errorf("ParseURI(%q): %v", c.uri, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseURI(%q) = %+v, want %+v", c.uri, got, c.want)
		}
	}
}

func TestParseURIInvalidDatabase(t *testing.T) {
	if _, err := ParseURI("redis://localhost/not-a-number"); err == nil {
		t.Errorf("ParseURI with a non-numeric database path: want an error, got nil")
	}
}
