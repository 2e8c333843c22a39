package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRateLimitFromOutputExplicitSeconds(t *testing.T) {
	info := ParseRateLimitFromOutput("rate limit hit, retry in 42 seconds")
	require.NotNil(t, info)
	assert.InDelta(t, 42, info.TimeUntilReset().Seconds(), 2)
}

func TestParseRateLimitFromOutputFallsBackWithoutDuration(t *testing.T) {
	info := ParseRateLimitFromOutput("429 too many requests")
	require.NotNil(t, info)
	assert.InDelta(t, defaultRateLimitBackoff.Seconds(), info.TimeUntilReset().Seconds(), 2)
}

func TestParseRateLimitFromOutputIgnoresUnrelatedText(t *testing.T) {
	assert.Nil(t, ParseRateLimitFromOutput("task completed successfully"))
	assert.Nil(t, ParseRateLimitFromOutput(""))
}
