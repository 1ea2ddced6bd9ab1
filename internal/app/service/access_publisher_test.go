package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccessEventID(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	id := accessEventID("abc", at, 3)
	assert.Equal(t, id, accessEventID("abc", at, 3), "a re-sent batch keeps its id")
	assert.NotEqual(t, id, accessEventID("abc", at, 4))
	assert.NotEqual(t, id, accessEventID("abd", at, 3))
	assert.NotEqual(t, id, accessEventID("abc", at.Add(time.Nanosecond), 3))
}
