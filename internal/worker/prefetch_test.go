package worker

import (
	"context"
	"net/http"
	"testing"

	"github.com/tvboard/tvboard-edge/internal/fetch"
)

func TestPrefetchStoresAndSkipsCached(t *testing.T) {
	network := &stubNetwork{handler: rangeIgnoringOrigin(videoBytes(300))}
	w, _ := newActiveWorker(t, network, nil)
	seedVideos(t, w, "cached.mp4")

	results, err := w.Prefetch(context.Background(), []string{
		testOrigin + "/videos/new.mp4?v=2",
		testOrigin + "/videos/cached.mp4",
	})
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected two results, got %d", len(results))
	}

	if results[0].Status != PrefetchStored || results[0].Key != testOrigin+"/videos/new.mp4" || results[0].SizeBytes != 300 {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if results[1].Status != PrefetchCached {
		t.Fatalf("cached video should be skipped, got %+v", results[1])
	}
	if network.callCount() != 1 {
		t.Fatalf("expected one network fetch, got %d", network.callCount())
	}
	if network.call(0).Destination != fetch.DestinationVideo {
		t.Fatalf("prefetch should request as video destination")
	}
}

func TestPrefetchReportsFailures(t *testing.T) {
	network := &stubNetwork{}
	network.handler = func(_ context.Context, req *fetch.Request) (*fetch.Response, error) {
		return fetch.Synthetic(http.StatusNotFound, "missing"), nil
	}
	w, _ := newActiveWorker(t, network, nil)

	results, err := w.Prefetch(context.Background(), []string{testOrigin + "/videos/gone.mp4"})
	if err != nil {
		t.Fatalf("prefetch: %v", err)
	}
	if results[0].Status != PrefetchFailed || results[0].Error == "" {
		t.Fatalf("expected failure result, got %+v", results[0])
	}
	if keys, _ := w.Videos().Keys(context.Background()); len(keys) != 0 {
		t.Fatalf("404 must not be cached: %v", keys)
	}
}

func TestPrefetchRejectsInvalidURLs(t *testing.T) {
	w, _ := newActiveWorker(t, &stubNetwork{}, nil)
	for _, raw := range []string{"", "not a url", "ftp://example.com/a.mp4", "/videos/a.mp4"} {
		if _, err := w.Prefetch(context.Background(), []string{raw}); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
