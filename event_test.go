package backchannel_test

import (
	"testing"

	"github.com/jjasinski/backchannel"
	"github.com/stretchr/testify/assert"
)

func TestTurnEvent_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: "success"}.Terminal())
	assert.False(t, backchannel.TurnEvent{Code: backchannel.CodeText, Data: "hi"}.Terminal())
}

func TestTurnEvent_FinishData(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "retry", backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: "retry"}.FinishData())
	assert.Equal(t, "", backchannel.TurnEvent{Code: backchannel.CodeText, Data: "retry"}.FinishData())
	assert.Equal(t, "", backchannel.TurnEvent{Code: backchannel.CodeFinish, Data: 7.0}.FinishData())
}
