package slogx

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttrs(t *testing.T) {
	assert.Equal(t, "error", Error(errors.New("boom")).Key)
	assert.Equal(t, "boom", Error(errors.New("boom")).Value.String())
	assert.Equal(t, "<nil>", Error(nil).Value.String())

	assert.Equal(t, "1s", Stringer("d", time.Second).Value.String())
	assert.Equal(t, KeyLoggerName, LoggerName("broker").Key)
	assert.Equal(t, "tts.echo", Capability("tts.echo").Value.String())
	assert.Equal(t, KeyCorrelationID, CorrelationID("x").Key)
}
