package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltasAgainstJournal(t *testing.T) {
	rx, tx := deltas(1000, 500, 600, 200)
	assert.Equal(t, int64(400), rx)
	assert.Equal(t, int64(300), tx)

	rx, tx = deltas(1000, 500, 1000, 500)
	assert.Zero(t, rx)
	assert.Zero(t, tx)
}

func TestDeltasAfterCounterReset(t *testing.T) {
	// journal ahead of the kernel: interface bounced, totals start over
	rx, tx := deltas(100, 900, 600, 200)
	assert.Equal(t, int64(100), rx)
	assert.Equal(t, int64(900), tx)
}
