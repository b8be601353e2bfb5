package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualSourceFanOut(t *testing.T) {
	src := NewManualSource()

	var first, second []State
	unsubFirst := src.Subscribe(func(s State) { first = append(first, s) })
	src.Subscribe(func(s State) { second = append(second, s) })

	src.NotifyBackground()
	src.NotifyForeground()

	assert.Equal(t, []State{Background, Foreground}, first)
	assert.Equal(t, []State{Background, Foreground}, second)

	unsubFirst()
	src.NotifyBackground()

	assert.Len(t, first, 2, "unsubscribed listeners stop receiving")
	assert.Len(t, second, 3)
}
