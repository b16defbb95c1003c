package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDrainAndSaveSavesAfterTimeout(t *testing.T) {
	saves := 0
	completed, err := drainAndSave(make(chan struct{}), 10*time.Millisecond, func() error {
		saves++
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, completed)
	assert.Equal(t, 1, saves, "pool state is saved even when workers never finish")
}

func TestDrainAndSaveAfterCleanStop(t *testing.T) {
	done := make(chan struct{})
	close(done)
	saveErr := errors.New("disk full")
	completed, err := drainAndSave(done, time.Minute, func() error { return saveErr })
	assert.True(t, completed)
	assert.ErrorIs(t, err, saveErr)
}
