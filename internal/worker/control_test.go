package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"testing"

	"github.com/tvboard/tvboard-edge/internal/fetch"
)

func seedVideos(t *testing.T, w *Worker, names ...string) []string {
	t.Helper()
	keys := make([]string, 0, len(names))
	for _, name := range names {
		key := testOrigin + "/videos/" + name
		if _, err := w.Videos().Store(context.Background(), key, fetch.NewBytesResponse(http.StatusOK, nil, []byte(name))); err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
		keys = append(keys, key)
	}
	return keys
}

func send(t *testing.T, w *Worker, msgType string) Reply {
	t.Helper()
	port := NewChanPort()
	w.HandleMessage(context.Background(), Message{Type: msgType}, port)
	select {
	case reply := <-port:
		return reply
	default:
		t.Fatalf("no reply posted for %q", msgType)
		return Reply{}
	}
}

func TestMessageVideoCacheStatus(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	want := seedVideos(t, w, "b.mp4", "a.mp4", "c.webm")

	reply := send(t, w, MessageGetVideoCacheStatus)
	if !reply.Success || reply.VideoCacheStatus == nil {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Count != 3 {
		t.Fatalf("expected count 3, got %d", reply.Count)
	}
	got := append([]string(nil), reply.CachedVideos...)
	sort.Strings(got)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("cached videos mismatch: %v vs %v", got, want)
	}
}

func TestMessageStatusOnEmptyCache(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	reply := send(t, w, MessageGetVideoCacheStatus)

	encoded, err := json.Marshal(reply)
	if err != nil {
		t.Fatalf("marshal reply: %v", err)
	}
	if string(encoded) != `{"success":true,"count":0,"cachedVideos":[]}` {
		t.Fatalf("unexpected wire format %s", encoded)
	}
}

func TestMessagePing(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	reply := send(t, w, MessagePing)
	if !reply.Success || reply.Message != "Service worker is active" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	encoded, _ := json.Marshal(reply)
	if strings.Contains(string(encoded), "count") {
		t.Fatalf("ping reply must not carry cache fields: %s", encoded)
	}
}

func TestMessageUnknownType(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	reply := send(t, w, "FOO")
	if reply.Success || reply.Error != "Unknown message type" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestMessageMissingType(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	reply := send(t, w, "")
	if reply.Success || reply.Error != "type: cannot be blank" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestMessageWithoutPortIsDropped(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	seedVideos(t, w, "a.mp4")

	w.HandleMessage(context.Background(), Message{Type: MessageClearVideoCache}, nil)

	keys, _ := w.Videos().Keys(context.Background())
	if len(keys) != 1 {
		t.Fatalf("message without port must not be processed, got %v", keys)
	}
}

func TestMessageClearVideoCache(t *testing.T) {
	w, storage := newActiveWorker(t, &stubNetwork{}, nil)
	seedVideos(t, w, "a.mp4", "b.mp4")

	reply := send(t, w, MessageClearVideoCache)
	if !reply.Success {
		t.Fatalf("clear failed: %+v", reply)
	}
	exists, err := storage.Has(context.Background(), "tvboard-videos-v1")
	if err != nil || exists {
		t.Fatalf("video generation should be deleted, exists=%v err=%v", exists, err)
	}

	status := send(t, w, MessageGetVideoCacheStatus)
	if status.Count != 0 {
		t.Fatalf("expected empty cache after clear, got %d", status.Count)
	}
}

func TestMessageCleanupVideoCache(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	names := make([]string, 12)
	for i := range names {
		names[i] = "clip-" + string(rune('a'+i)) + ".mp4"
	}
	seedVideos(t, w, names...)

	reply := send(t, w, MessageCleanupVideoCache)
	if !reply.Success {
		t.Fatalf("cleanup failed: %+v", reply)
	}
	if len(reply.Removed) != 2 ||
		reply.Removed[0] != testOrigin+"/videos/clip-a.mp4" ||
		reply.Removed[1] != testOrigin+"/videos/clip-b.mp4" {
		t.Fatalf("expected the two smallest keys removed, got %v", reply.Removed)
	}
	keys, _ := w.Videos().Keys(context.Background())
	if len(keys) != 10 {
		t.Fatalf("expected 10 videos left, got %d", len(keys))
	}
}

func TestMessageClaimClientsRequiresActivation(t *testing.T) {
	w, _ := newTestWorker(t, &stubNetwork{}, func(o *Options) {
		o.SkipWaiting = false
	})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	reply := send(t, w, MessageClaimClients)
	if reply.Success || reply.Error == "" {
		t.Fatalf("claim before activation should fail, got %+v", reply)
	}

	active, _ := newActiveWorker(t, &stubNetwork{}, nil)
	reply = send(t, active, MessageClaimClients)
	if !reply.Success || reply.Message != "Clients claimed" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestPortFuncReceivesReply(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	var got []Reply
	w.HandleMessage(context.Background(), Message{Type: MessagePing}, PortFunc(func(r Reply) error {
		got = append(got, r)
		return nil
	}))
	if len(got) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(got))
	}
}

func TestChanPortRejectsSecondReply(t *testing.T) {
	port := NewChanPort()
	if err := port.PostMessage(Reply{Success: true}); err != nil {
		t.Fatalf("first post: %v", err)
	}
	if err := port.PostMessage(Reply{Success: true}); err != ErrPortClosed {
		t.Fatalf("expected ErrPortClosed, got %v", err)
	}
}
