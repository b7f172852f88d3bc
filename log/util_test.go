package log

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func callerOfHelper() string {
	return SkipCaller(2)
}

func TestSkipCaller(t *testing.T) {
	location := callerOfHelper()
	assert.True(t, strings.Contains(location, "util_test.go:"), location)
	assert.Equal(t, "?", SkipCaller(1000))
}
