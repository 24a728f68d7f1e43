package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, INFO, ParseLevel("INFO"))
	assert.Equal(t, WARN, ParseLevel("Warning"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("garbage"), "unknown levels default to INFO")
}

func TestLevelFiltering(t *testing.T) {
	l := New("WARN")

	assert.False(t, l.shouldLog(DEBUG))
	assert.False(t, l.shouldLog(INFO))
	assert.True(t, l.shouldLog(WARN))
	assert.True(t, l.shouldLog(ERROR))
}

func TestSetLevelRoundTrip(t *testing.T) {
	l := New("INFO")
	assert.Equal(t, "INFO", l.GetLevel())

	l.SetLevel("DEBUG")
	assert.Equal(t, "DEBUG", l.GetLevel())
	assert.True(t, l.shouldLog(DEBUG))
}
