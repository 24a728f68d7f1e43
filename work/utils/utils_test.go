package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"streamgate/work/config"
)

func TestSanitizeChannelName(t *testing.T) {
	cases := map[string]string{
		"BBC One":           "BBC_One",
		"Sky Sports | Main": "Sky_Sports_Main",
		`"Quoted" Channel`:  "Quoted_Channel",
		"a//b":              "a_b",
		"___":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, SanitizeChannelName(in), "input %q", in)
	}
}

func TestLogURLRespectsObfuscation(t *testing.T) {
	cfg := config.Default()
	raw := "http://provider.example.com/secret/stream.m3u8?token=abc"

	cfg.ObfuscateUrls = false
	assert.Equal(t, raw, LogURL(cfg, raw))

	cfg.ObfuscateUrls = true
	obfuscated := LogURL(cfg, raw)
	assert.NotContains(t, obfuscated, "secret")
	assert.NotContains(t, obfuscated, "token")
	assert.Contains(t, obfuscated, "provider.example.com")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
}
