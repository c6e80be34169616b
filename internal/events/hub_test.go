package events

import (
	"context"
	"testing"
)

func TestHubDeliversToJobSubscribers(t *testing.T) {
	hub := NewHub()
	_, ch, unsubscribe := hub.Subscribe("job-1", 4)
	_, other, unsubscribeOther := hub.Subscribe("job-2", 4)
	defer unsubscribeOther()

	hub.Publish(context.Background(), Event{Type: TypeImage, JobID: "job-1", ImageID: "img-1"})

	select {
	case evt := <-ch:
		if evt.ImageID != "img-1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	default:
		t.Fatal("expected event for job-1")
	}
	select {
	case evt := <-other:
		t.Fatalf("job-2 subscriber received %+v", evt)
	default:
	}

	unsubscribe()
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if n := hub.Subscribers("job-1"); n != 0 {
		t.Fatalf("subscribers = %d, want 0", n)
	}
	unsubscribe()
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	hub := NewHub()
	_, ch, unsubscribe := hub.Subscribe("job-1", 1)
	defer unsubscribe()

	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), Event{JobID: "job-1"})
	}
	if len(ch) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(ch))
	}
}

func TestMultiSkipsNilPublishers(t *testing.T) {
	hub := NewHub()
	_, ch, unsubscribe := hub.Subscribe("job-1", 1)
	defer unsubscribe()

	Multi{nil, Discard{}, hub}.Publish(context.Background(), Event{JobID: "job-1"})
	if len(ch) != 1 {
		t.Fatal("hub should receive the event")
	}
}

func TestDecodeEvent(t *testing.T) {
	evt, err := DecodeEvent(`{"type":"job","job_id":"j","job_status":"completed","total_images":3,"completed_images":3}`)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.JobStatus != "completed" || evt.CompletedImages != 3 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if _, err := DecodeEvent(`{"type":"job"}`); err == nil {
		t.Fatal("expected error for missing job id")
	}
	if _, err := DecodeEvent(`not json`); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
