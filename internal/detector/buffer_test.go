package detector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBufferEvictsBeyondRetention(t *testing.T) {
	var b buffer
	now := time.Now().UTC()

	b.append(now.Add(-25*time.Hour), 1, now)
	b.append(now.Add(-23*time.Hour), 2, now)
	b.append(now.Add(-time.Minute), 3, now)

	assert.Equal(t, 2, b.len())
	_, values := b.sorted()
	assert.Equal(t, []float64{2, 3}, values)
}

func TestBufferSortedHandlesOutOfOrderArrival(t *testing.T) {
	var b buffer
	now := time.Now().UTC()

	b.append(now.Add(-1*time.Minute), 3, now)
	b.append(now.Add(-3*time.Minute), 1, now)
	b.append(now.Add(-2*time.Minute), 2, now)

	timestamps, values := b.sorted()
	assert.Equal(t, []float64{1, 2, 3}, values)
	assert.True(t, timestamps[0].Before(timestamps[1]))
	assert.True(t, timestamps[1].Before(timestamps[2]))
}
