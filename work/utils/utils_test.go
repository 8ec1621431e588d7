package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestObfuscateURL(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"path and query masked", "http://cdn.example.com/live/channel.m3u8?token=secret", "http://cdn.example.com/***?***"},
		{"host kept", "https://cdn.example.com/stream.mp4", "https://cdn.example.com/***"},
		{"bare host", "http://cdn.example.com", "http://cdn.example.com"},
		{"root path only", "http://cdn.example.com/", "http://cdn.example.com"},
		{"fragment masked", "http://cdn.example.com/live#t=30", "http://cdn.example.com/***#***"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ObfuscateURL(tc.in))
		})
	}
}

func TestLogURL(t *testing.T) {
	raw := "http://cdn.example.com/live.m3u8?token=secret"
	assert.Equal(t, raw, LogURL(false, raw))
	assert.NotContains(t, LogURL(true, raw), "token=secret")
}
