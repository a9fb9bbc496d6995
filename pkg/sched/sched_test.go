package sched

import (
	"testing"
	"time"
)

func TestCreateRunsRoundRobin(t *testing.T) {
	s := New(4)

	var order []string
	done := make(chan struct{})

	_, err := s.Create("a", 0, func(h *TaskHandle, arg any) {
		order = append(order, "a1")
		h.Yield()
		order = append(order, "a2")
	}, nil)
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}

	_, err = s.Create("b", 0, func(h *TaskHandle, arg any) {
		order = append(order, "b1")
		h.Yield()
		order = append(order, "b2")
		close(done)
	}, nil)
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}

	go s.Start()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tasks to complete")
	}

	want := []string{"a1", "b1", "a2", "b2"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCreateNoMem(t *testing.T) {
	s := New(1)

	block := make(chan struct{})
	_, err := s.Create("hog", 0, func(h *TaskHandle, arg any) {
		<-block
	}, nil)
	if err != nil {
		t.Fatalf("Create(hog) error = %v", err)
	}

	_, err = s.Create("overflow", 0, func(h *TaskHandle, arg any) {}, nil)
	if err != ErrNoMem {
		t.Fatalf("Create(overflow) error = %v, want ErrNoMem", err)
	}
	close(block)
}

func TestSleepWakesOnTickAdvance(t *testing.T) {
	s := New(2)
	woke := make(chan struct{}, 1)

	_, err := s.Create("sleeper", 0, func(h *TaskHandle, arg any) {
		h.Sleep(100)
		woke <- struct{}{}
	}, nil)
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	go s.Start()

	// Give the task a chance to reach Sleep and register its wake tick.
	time.Sleep(20 * time.Millisecond)

	infos := s.List()
	if len(infos) != 1 || infos[0].State != Sleeping {
		t.Fatalf("List() = %+v, want one Sleeping task", infos)
	}

	s.TickAdvance(50)
	select {
	case <-woke:
		t.Fatal("woke too early, before deadline")
	case <-time.After(50 * time.Millisecond):
	}

	s.TickAdvance(60)
	select {
	case <-woke:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sleeper to wake")
	}
}

func TestBlockAndWake(t *testing.T) {
	s := New(2)
	resumed := make(chan struct{})

	h, err := s.Create("blocker", 0, func(h *TaskHandle, arg any) {
		h.Block()
		close(resumed)
	}, nil)
	if err != nil {
		t.Fatalf("Create error = %v", err)
	}

	go s.Start()
	time.Sleep(20 * time.Millisecond)

	infos := s.List()
	if len(infos) != 1 || infos[0].State != Blocked {
		t.Fatalf("List() = %+v, want one Blocked task", infos)
	}

	if err := s.Wake(h); err != nil {
		t.Fatalf("Wake() error = %v", err)
	}

	select {
	case <-resumed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked task to resume")
	}
}

func TestWakeInvalidHandle(t *testing.T) {
	s := New(2)
	if err := s.Wake(Handle(7)); err == nil {
		t.Fatal("Wake() on invalid handle should error")
	}
}

func TestStartIdempotent(t *testing.T) {
	s := New(1)
	go s.Start()
	time.Sleep(10 * time.Millisecond)
	// second call must return promptly, not block or panic
	done := make(chan struct{})
	go func() {
		s.Start()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Start() call did not return")
	}
}
