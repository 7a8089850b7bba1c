package kafka

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafkaGo.Message
	fetchErrs []error
	committed []int64
	drained   chan struct{}
}

func newFakeReader(messages ...kafkaGo.Message) *fakeReader {
	return &fakeReader{messages: messages, drained: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafkaGo.Message, error) {
	r.mu.Lock()
	if len(r.fetchErrs) > 0 {
		err := r.fetchErrs[0]
		r.fetchErrs = r.fetchErrs[1:]
		r.mu.Unlock()
		return kafkaGo.Message{}, err
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	select {
	case <-r.drained:
	default:
		close(r.drained)
	}
	<-ctx.Done()
	return kafkaGo.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafkaGo.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func testConsumer(t *testing.T, reader messageReader, handler func(ctx context.Context, payload []byte) error) *consumer {
	c := newConsumer(reader, handler, zaptest.NewLogger(t))
	c.minBackoff = time.Millisecond
	c.maxBackoff = 4 * time.Millisecond
	return c
}

func TestProcessCommitsOnlyAfterHandlerSucceeds(t *testing.T) {
	reader := newFakeReader()
	attempts := 0
	c := testConsumer(t, reader, func(context.Context, []byte) error {
		attempts++
		if attempts < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})

	err := c.process(context.Background(), kafkaGo.Message{Offset: 7, Value: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, []int64{7}, reader.commits())
}

func TestProcessLeavesOffsetUncommittedOnShutdown(t *testing.T) {
	reader := newFakeReader()
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(t, reader, func(context.Context, []byte) error {
		cancel()
		return errors.New("store unavailable")
	})

	err := c.process(ctx, kafkaGo.Message{Offset: 3})
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, reader.commits())
}

func TestRunRetriesReadErrorsAndKeepsOrder(t *testing.T) {
	reader := newFakeReader(
		kafkaGo.Message{Offset: 1, Value: []byte("a")},
		kafkaGo.Message{Offset: 2, Value: []byte("b")},
	)
	reader.fetchErrs = []error{errors.New("broker down"), errors.New("broker down")}

	var seen []string
	failedOnce := false
	c := testConsumer(t, reader, func(_ context.Context, payload []byte) error {
		seen = append(seen, string(payload))
		if string(payload) == "b" && !failedOnce {
			failedOnce = true
			return errors.New("transient")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.run(ctx)
	}()

	select {
	case <-reader.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	<-done

	require.Equal(t, []string{"a", "b", "b"}, seen)
	require.Equal(t, []int64{1, 2}, reader.commits())
}

func TestBackoffIsCapped(t *testing.T) {
	c := testConsumer(t, newFakeReader(), nil)

	require.Equal(t, 2*time.Millisecond, c.next(time.Millisecond))
	require.Equal(t, 4*time.Millisecond, c.next(3*time.Millisecond))
	require.Equal(t, 4*time.Millisecond, c.next(4*time.Millisecond))
}
