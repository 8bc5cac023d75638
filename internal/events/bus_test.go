package events

import (
	"testing"
)

func TestBusPublishOrder(t *testing.T) {
	bus := NewBus[string]()

	var got []string
	bus.Subscribe(func(s string) { got = append(got, "first:"+s) })
	bus.Subscribe(func(s string) { got = append(got, "second:"+s) })

	bus.Publish("x")

	if len(got) != 2 || got[0] != "first:x" || got[1] != "second:x" {
		t.Errorf("Unexpected deliveries: %v", got)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus[int]()

	calls := 0
	unsub := bus.Subscribe(func(int) { calls++ })
	bus.Publish(1)
	unsub()
	unsub() // idempotent
	bus.Publish(2)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if bus.Len() != 0 {
		t.Errorf("Expected no subscribers, got %d", bus.Len())
	}
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus[int]()

	var unsub func()
	calls := 0
	unsub = bus.Subscribe(func(int) {
		calls++
		unsub()
	})

	bus.Publish(1)
	bus.Publish(2)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestNoticesShow(t *testing.T) {
	notices := NewNotices()

	var got []Notice
	notices.Subscribe(func(n Notice) { got = append(got, n) })

	notices.Error("Download failed")
	notices.Show(LevelSuccess, "Saved")

	if len(got) != 2 {
		t.Fatalf("Expected 2 notices, got %d", len(got))
	}
	if got[0].Level != LevelError || got[0].Message != "Download failed" {
		t.Errorf("Unexpected first notice: %+v", got[0])
	}
	if got[1].ID <= got[0].ID {
		t.Errorf("Expected increasing ids, got %d then %d", got[0].ID, got[1].ID)
	}
}
