package worker_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/interplex/internal/worker"
)

func TestOutputBrokerReadFromOffset(t *testing.T) {
	b := worker.NewOutputBroker()
	b.Open("p1")
	b.Publish("p1", "hello ")
	b.Publish("p1", "world")

	data, next, done, ok := b.Read(context.Background(), "p1", 0, 0)
	require.True(t, ok)
	assert.Equal(t, "hello world", data)
	assert.Equal(t, 11, next)
	assert.False(t, done)

	data, next, _, _ = b.Read(context.Background(), "p1", 6, 0)
	assert.Equal(t, "world", data)
	assert.Equal(t, 11, next)
}

func TestOutputBrokerReadWaitsForPublish(t *testing.T) {
	b := worker.NewOutputBroker()
	b.Open("p1")

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Publish("p1", "late")
	}()

	start := time.Now()
	data, next, done, ok := b.Read(context.Background(), "p1", 0, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", data)
	assert.Equal(t, 4, next)
	assert.False(t, done)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOutputBrokerCloseWakesReaders(t *testing.T) {
	b := worker.NewOutputBroker()
	b.Open("p1")
	b.Publish("p1", "x")

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.Close("p1")
	}()

	data, next, done, ok := b.Read(context.Background(), "p1", 1, 5*time.Second)
	require.True(t, ok)
	assert.Empty(t, data)
	assert.Equal(t, 1, next)
	assert.True(t, done)

	// Publishing after Close is dropped.
	b.Publish("p1", "y")
	data, _, done, _ = b.Read(context.Background(), "p1", 0, 0)
	assert.Equal(t, "x", data)
	assert.True(t, done)
}

func TestOutputBrokerReadTimesOut(t *testing.T) {
	b := worker.NewOutputBroker()
	b.Open("p1")

	data, next, done, ok := b.Read(context.Background(), "p1", 0, 30*time.Millisecond)
	require.True(t, ok)
	assert.Empty(t, data)
	assert.Zero(t, next)
	assert.False(t, done)
}

func TestOutputBrokerUnknownParagraph(t *testing.T) {
	b := worker.NewOutputBroker()
	b.Publish("nope", "line")
	b.Close("nope")

	_, _, _, ok := b.Read(context.Background(), "nope", 0, 0)
	assert.False(t, ok)
}

func TestOutputBrokerOpenResetsRerun(t *testing.T) {
	b := worker.NewOutputBroker()
	b.Open("p1")
	b.Publish("p1", "first run")
	b.Close("p1")

	b.Open("p1")
	b.Publish("p1", "second")
	data, next, done, ok := b.Read(context.Background(), "p1", 0, 0)
	require.True(t, ok)
	assert.Equal(t, "second", data)
	assert.Equal(t, 6, next)
	assert.False(t, done)
}

func TestOutputBrokerEvictsOldestFinished(t *testing.T) {
	b := worker.NewOutputBroker()
	for i := range 300 {
		id := fmt.Sprintf("p%d", i)
		b.Open(id)
		b.Publish(id, id)
		b.Close(id)
	}

	_, _, _, ok := b.Read(context.Background(), "p0", 0, 0)
	assert.False(t, ok, "oldest finished output is evicted")
	data, _, done, ok := b.Read(context.Background(), "p299", 0, 0)
	require.True(t, ok)
	assert.Equal(t, "p299", data)
	assert.True(t, done)
}
