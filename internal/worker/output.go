package worker

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// subscriberBufferSize is the wake-up buffer of each waiting reader. A
	// full buffer drops the signal; the reader re-reads the whole tail.
	subscriberBufferSize = 64

	// maxFinishedOutputs bounds how many ended paragraphs keep their output
	// for late readers.
	maxFinishedOutputs = 256
)

// OutputBroker keeps the output of each paragraph run on this worker and
// wakes readers waiting for more. It is safe for concurrent use.
//
// Ended paragraphs are retained so that a reader arriving after the job
// finished still gets the full output and a done marker. Only the most
// recent maxFinishedOutputs are kept.
type OutputBroker struct {
	mu       sync.Mutex
	topics   map[string]*outputTopic
	finished []string
}

type outputTopic struct {
	data   strings.Builder
	subs   map[int]chan struct{}
	nextID int
	closed bool
}

// NewOutputBroker creates an empty broker.
func NewOutputBroker() *OutputBroker {
	return &OutputBroker{topics: make(map[string]*outputTopic)}
}

// Open starts a fresh topic for paragraphID, dropping output of an earlier
// run of the same paragraph.
func (b *OutputBroker) Open(paragraphID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[paragraphID]; ok {
		t.wakeAll()
	}
	b.topics[paragraphID] = &outputTopic{subs: make(map[int]chan struct{})}
}

// Publish appends chunk to the paragraph's output. Publishing to an unknown
// or closed paragraph is a no-op.
func (b *OutputBroker) Publish(paragraphID, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[paragraphID]
	if !ok || t.closed {
		return
	}
	t.data.WriteString(chunk)
	for _, ch := range t.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close marks the paragraph's output complete and wakes every reader.
func (b *OutputBroker) Close(paragraphID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[paragraphID]
	if !ok || t.closed {
		return
	}
	t.closed = true
	t.wakeAll()

	b.finished = append(b.finished, paragraphID)
	for len(b.finished) > maxFinishedOutputs {
		oldest := b.finished[0]
		b.finished = b.finished[1:]
		if old, ok := b.topics[oldest]; ok && old.closed {
			delete(b.topics, oldest)
		}
	}
}

// Read returns the paragraph's output from offset on. When there is nothing
// new and the paragraph is still running it waits up to wait for more. The
// returned offset is where the next Read should start. ok is false for a
// paragraph the broker does not know.
func (b *OutputBroker) Read(ctx context.Context, paragraphID string, offset int, wait time.Duration) (data string, next int, done, ok bool) {
	data, next, done, ch, unsub, ok := b.read(paragraphID, offset, wait > 0)
	if !ok || ch == nil {
		return data, next, done, ok
	}
	defer unsub()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	data, next, done, _, _, ok = b.read(paragraphID, offset, false)
	return data, next, done, ok
}

// read returns the tail after offset. With subscribe set and nothing to
// return it also registers a wake-up channel.
func (b *OutputBroker) read(paragraphID string, offset int, subscribe bool) (string, int, bool, <-chan struct{}, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[paragraphID]
	if !ok {
		return "", offset, false, nil, nil, false
	}
	all := t.data.String()
	offset = min(max(offset, 0), len(all))
	if offset < len(all) || t.closed || !subscribe {
		return all[offset:], len(all), t.closed, nil, nil, true
	}

	ch := make(chan struct{}, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	return "", offset, false, ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}, true
}

func (t *outputTopic) wakeAll() {
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
