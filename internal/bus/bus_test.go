package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeMsg struct {
	data   []byte
	result string
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.result = "ack"; return nil }
func (m *fakeMsg) Nak() error   { m.result = "nak"; return nil }
func (m *fakeMsg) Term() error  { m.result = "term"; return nil }

var errNoMessages = errors.New("timeout")

type fakeConsumer struct {
	batches [][]Message
	cancel  context.CancelFunc
}

func (f *fakeConsumer) Fetch(ctx context.Context, _ int, _ time.Duration) ([]Message, error) {
	if len(f.batches) == 0 {
		f.cancel()
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	if b == nil {
		return nil, errNoMessages
	}
	return b, nil
}

func TestConsumeAcksNaksAndTerms(t *testing.T) {
	ok, retry, poison := &fakeMsg{data: []byte("ok")}, &fakeMsg{data: []byte("retry")}, &fakeMsg{data: []byte("poison")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pc := &fakeConsumer{batches: [][]Message{{ok}, nil, {retry, poison}}, cancel: cancel}

	err := Consume(ctx, pc, 10, time.Millisecond, func(err error) bool { return errors.Is(err, errNoMessages) },
		func(_ context.Context, data []byte) error {
			switch string(data) {
			case "retry":
				return errors.New("later")
			case "poison":
				return fmt.Errorf("bad payload: %w", ErrPoison)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if ok.result != "ack" || retry.result != "nak" || poison.result != "term" {
		t.Fatalf("results = %s %s %s", ok.result, retry.result, poison.result)
	}
}

func TestConsumeReturnsFetchErrors(t *testing.T) {
	boom := errors.New("boom")
	pc := consumerFunc(func(context.Context, int, time.Duration) ([]Message, error) { return nil, boom })
	err := Consume(context.Background(), pc, 1, time.Millisecond, nil, func(context.Context, []byte) error { return nil })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}

type consumerFunc func(context.Context, int, time.Duration) ([]Message, error)

func (f consumerFunc) Fetch(ctx context.Context, batch int, wait time.Duration) ([]Message, error) {
	return f(ctx, batch, wait)
}
