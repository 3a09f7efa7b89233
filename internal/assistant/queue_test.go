package assistant

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFOBeforeConsumer(t *testing.T) {
	q := newPromptQueue()
	if err := q.push(turn{Text: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := q.push(turn{Text: "second"}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	a, err := q.pull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	b, err := q.pull(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if a.Text != "first" || b.Text != "second" {
		t.Fatalf("got %q then %q, want first then second", a.Text, b.Text)
	}
}

func TestQueueHandsToParkedConsumer(t *testing.T) {
	q := newPromptQueue()
	got := make(chan turn, 1)
	go func() {
		tn, err := q.pull(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		got <- tn
	}()

	// Let the consumer park before pushing.
	time.Sleep(20 * time.Millisecond)
	if err := q.push(turn{Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	select {
	case tn := <-got:
		if tn.Text != "hello" {
			t.Fatalf("got %q", tn.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("parked consumer never woke")
	}
}

func TestQueuePullHonorsContext(t *testing.T) {
	q := newPromptQueue()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.pull(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("pull did not return after cancellation")
	}

	// The queue stays usable after a cancelled pull.
	if err := q.push(turn{Text: "later"}); err != nil {
		t.Fatal(err)
	}
	tn, err := q.pull(context.Background())
	if err != nil || tn.Text != "later" {
		t.Fatalf("got %q, %v", tn.Text, err)
	}
}

func TestQueueCloseWakesConsumer(t *testing.T) {
	q := newPromptQueue()
	done := make(chan error, 1)
	go func() {
		_, err := q.pull(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after close")
		}
	case <-time.After(time.Second):
		t.Fatal("pull did not return after close")
	}

	if err := q.push(turn{Text: "x"}); err == nil {
		t.Fatal("push after close should fail")
	}
}
