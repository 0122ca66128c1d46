package broadcaster

import (
	"testing"
	"time"
)

func TestAddRemove(t *testing.T) {
	b := New[int]()
	sub, err := b.Add()
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if b.Count() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.Count())
	}
	b.Remove(sub.ID)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New[int]()
	sub, _ := b.Add()

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}

	for i := 0; i < 5; i++ {
		select {
		case v := <-sub.C():
			if v != i {
				t.Errorf("expected %d, got %d", i, v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for published value")
		}
	}
}

func TestAtCapacity(t *testing.T) {
	b := NewWithCapacity[int](1, 4)
	if _, err := b.Add(); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if _, err := b.Add(); err == nil {
		t.Fatal("expected second Add to fail at capacity")
	}
}

func TestSlowSubscriberOverflows(t *testing.T) {
	b := NewWithCapacity[int](4, 2)
	fast, _ := b.Add()
	slow, _ := b.Add()

	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	select {
	case <-slow.Overflowed():
	case <-time.After(time.Second):
		t.Fatal("expected slow subscriber to overflow")
	}

	drained := 0
	for range fast.C() {
		drained++
		if drained == 2 {
			break
		}
	}
	if drained == 0 {
		t.Fatal("expected fast subscriber to receive published values")
	}
}
