package eventlog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leash-dev/leash/internal/storage"
	"github.com/leash-dev/leash/pkg/event"
)

func setupLog(t *testing.T, queueCap int) *Log {
	t.Helper()

	backend, err := storage.NewFileBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	t.Cleanup(func() {
		_ = backend.Close()
	})
	return New(backend, queueCap)
}

func output(text string) *event.OutputPayload {
	return &event.OutputPayload{Stream: "agent", Text: text, Kind: event.KindStep}
}

func TestLog_EmitAssignsSequentialSeq(t *testing.T) {
	l := setupLog(t, 0)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		ev, err := l.Emit(ctx, "sess-1", output(fmt.Sprintf("line %d", want)))
		if err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
		if ev.Seq != want {
			t.Errorf("Seq = %d, want %d", ev.Seq, want)
		}
	}

	// Independent sessions get independent counters.
	ev, err := l.Emit(ctx, "sess-2", output("other"))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if ev.Seq != 1 {
		t.Errorf("second session Seq = %d, want 1", ev.Seq)
	}
}

func TestLog_SeqRestoredFromBackend(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileBackend failed: %v", err)
	}
	defer func() { _ = backend.Close() }()
	ctx := context.Background()

	first := New(backend, 0)
	for i := 0; i < 4; i++ {
		if _, err := first.Emit(ctx, "sess-1", output("x")); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	// A fresh log over the same backend continues the sequence.
	second := New(backend, 0)
	ev, err := second.Emit(ctx, "sess-1", output("y"))
	if err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if ev.Seq != 5 {
		t.Errorf("Seq after restart = %d, want 5", ev.Seq)
	}
}

func TestLog_SubscribeReplaysThenGoesLive(t *testing.T) {
	l := setupLog(t, 0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if _, err := l.Emit(ctx, "sess-1", output(fmt.Sprintf("pre %d", i))); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	sub, err := l.Subscribe(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 6; i <= 10; i++ {
			if _, err := l.Emit(ctx, "sess-1", output(fmt.Sprintf("live %d", i))); err != nil {
				t.Errorf("Emit failed: %v", err)
				return
			}
		}
	}()

	var seqs []int64
	timeout := time.After(5 * time.Second)
	for len(seqs) < 10 {
		select {
		case ev := <-sub.Events():
			seqs = append(seqs, ev.Seq)
		case <-timeout:
			t.Fatalf("timed out after %d events: %v", len(seqs), seqs)
		}
	}
	<-done

	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("stream has gap or duplicate: %v", seqs)
		}
	}
}

func TestLog_SubscribeSinceSeq(t *testing.T) {
	l := setupLog(t, 0)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		if _, err := l.Emit(ctx, "sess-1", output("x")); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	sub, err := l.Subscribe(ctx, "sess-1", 4)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	for _, want := range []int64{5, 6} {
		select {
		case ev := <-sub.Events():
			if ev.Seq != want {
				t.Errorf("Seq = %d, want %d", ev.Seq, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
}

func TestLog_SlowSubscriberDropsOldest(t *testing.T) {
	l := setupLog(t, 4)
	ctx := context.Background()

	sub, err := l.Subscribe(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	// Far more events than the queue plus the delivery buffer can hold,
	// with nobody reading.
	const total = 100
	for i := 1; i <= total; i++ {
		if _, err := l.Emit(ctx, "sess-1", output(fmt.Sprintf("line %d", i))); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	var seqs []int64
	for {
		select {
		case ev := <-sub.Events():
			seqs = append(seqs, ev.Seq)
			if ev.Seq == total {
				goto done
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("never saw final event; got %v", seqs)
		}
	}
done:
	if len(seqs) == total {
		t.Fatal("expected drops for a slow subscriber, got the full stream")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("stream out of order: %v", seqs)
		}
	}
}

func TestLog_DropSessionClosesSubscribers(t *testing.T) {
	l := setupLog(t, 0)
	ctx := context.Background()

	sub, err := l.Subscribe(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	l.DropSession("sess-1")

	select {
	case _, open := <-sub.Events():
		if open {
			t.Error("expected closed channel after DropSession")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel close")
	}
	if n := l.SubscriberCount("sess-1"); n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func TestLog_ShouldEmitOutput(t *testing.T) {
	l := setupLog(t, 0)

	if !l.ShouldEmitOutput("sess-1", "building project") {
		t.Error("first fragment should be emitted")
	}
	if l.ShouldEmitOutput("sess-1", "building project") {
		t.Error("exact duplicate should be suppressed")
	}
	if l.ShouldEmitOutput("sess-1", "\x1b[32mbuilding   project\x1b[0m") {
		t.Error("ANSI-wrapped duplicate should be suppressed")
	}
	if l.ShouldEmitOutput("sess-1", "   ") {
		t.Error("whitespace-only fragment should be suppressed")
	}
	if !l.ShouldEmitOutput("sess-1", "running tests") {
		t.Error("new fragment should be emitted")
	}

	// The window is bounded; old fragments age out.
	for i := 0; i < recentOutputWindow; i++ {
		l.ShouldEmitOutput("sess-1", fmt.Sprintf("filler %d", i))
	}
	if !l.ShouldEmitOutput("sess-1", "building project") {
		t.Error("fragment outside the window should be emitted again")
	}
}
