package worker

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"testing"

	"github.com/tvboard/tvboard-edge/internal/cache"
)

type memBody struct {
	*bytes.Reader
	closed bool
}

func (m *memBody) Close() error {
	m.closed = true
	return nil
}

// seekOnly 隐藏 ReaderAt，覆盖 Seek 分支。
type seekOnly struct {
	body *memBody
}

func (s seekOnly) Read(p []byte) (int, error) {
	return s.body.Read(p)
}

func (s seekOnly) Seek(offset int64, whence int) (int64, error) {
	return s.body.Seek(offset, whence)
}

func (s seekOnly) Close() error {
	return s.body.Close()
}

func storedVideo(payload []byte, contentType string) (*cache.ReadResult, *memBody) {
	header := http.Header{}
	if contentType != "" {
		header.Set("Content-Type", contentType)
	}
	body := &memBody{Reader: bytes.NewReader(payload)}
	return &cache.ReadResult{
		Entry: cache.Entry{Metadata: cache.Metadata{
			Key:       "http://board.local/videos/a.mp4",
			URL:       "http://board.local/videos/a.mp4",
			Status:    http.StatusOK,
			Type:      "basic",
			Header:    header,
			SizeBytes: int64(len(payload)),
		}},
		Reader: body,
	}, body
}

func TestSliceServesRequestedWindow(t *testing.T) {
	payload := videoBytes(5000)
	stored, _ := storedVideo(payload, "video/webm")

	resp := Slice(stored, "bytes=1000-1999")
	if resp.Status != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", resp.Status)
	}
	if got := resp.Header.Get("Content-Range"); got != "bytes 1000-1999/5000" {
		t.Fatalf("unexpected Content-Range %q", got)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatalf("Accept-Ranges missing")
	}
	if resp.Header.Get("Content-Length") != "1000" {
		t.Fatalf("unexpected Content-Length %q", resp.Header.Get("Content-Length"))
	}
	if resp.Header.Get("Content-Type") != "video/webm" {
		t.Fatalf("Content-Type should be inherited, got %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("Cache-Control") != "public, max-age=31536000" {
		t.Fatalf("unexpected Cache-Control %q", resp.Header.Get("Cache-Control"))
	}
	body := readBody(t, resp)
	if !bytes.Equal(body, payload[1000:2000]) {
		t.Fatalf("body is not the exact window")
	}
}

func TestSliceOpenEndedRangeAndDefaultType(t *testing.T) {
	payload := videoBytes(300)
	stored, _ := storedVideo(payload, "")

	resp := Slice(stored, "bytes=100-")
	if resp.Header.Get("Content-Range") != "bytes 100-299/300" {
		t.Fatalf("unexpected Content-Range %q", resp.Header.Get("Content-Range"))
	}
	if resp.Header.Get("Content-Type") != "video/mp4" {
		t.Fatalf("expected default content type, got %q", resp.Header.Get("Content-Type"))
	}
	if body := readBody(t, resp); !bytes.Equal(body, payload[100:]) {
		t.Fatalf("unexpected body length %d", len(body))
	}
}

func TestSliceUnsatisfiableRanges(t *testing.T) {
	for _, header := range []string{"bytes=6000-", "bytes=0-5000", "bytes=300-200", "bytes=-0"} {
		stored, body := storedVideo(videoBytes(5000), "video/mp4")
		resp := Slice(stored, header)
		if resp.Status != http.StatusRequestedRangeNotSatisfiable {
			t.Fatalf("%s: expected 416, got %d", header, resp.Status)
		}
		if got := resp.Header.Get("Content-Range"); got != "bytes */5000" {
			t.Fatalf("%s: unexpected Content-Range %q", header, got)
		}
		if resp.Header.Get("Accept-Ranges") != "bytes" {
			t.Fatalf("%s: Accept-Ranges missing", header)
		}
		if len(readBody(t, resp)) != 0 {
			t.Fatalf("%s: 416 must not carry a body", header)
		}
		if !body.closed {
			t.Fatalf("%s: stored body should be released", header)
		}
	}
}

func TestSliceWithoutRangeReturnsStoredResponse(t *testing.T) {
	payload := videoBytes(1234)
	stored, _ := storedVideo(payload, "video/mp4")

	resp := Slice(stored, "")
	if resp.Status != http.StatusOK {
		t.Fatalf("expected stored status 200, got %d", resp.Status)
	}
	if resp.Header.Get("Content-Range") != "" {
		t.Fatalf("full response must not carry Content-Range")
	}
	if body := readBody(t, resp); !bytes.Equal(body, payload) {
		t.Fatalf("expected full body")
	}
}

func TestSliceSuffixAndMultiRange(t *testing.T) {
	payload := videoBytes(1000)

	stored, _ := storedVideo(payload, "video/mp4")
	resp := Slice(stored, "bytes=-100")
	if resp.Header.Get("Content-Range") != "bytes 900-999/1000" {
		t.Fatalf("unexpected suffix Content-Range %q", resp.Header.Get("Content-Range"))
	}
	if body := readBody(t, resp); !bytes.Equal(body, payload[900:]) {
		t.Fatalf("unexpected suffix body")
	}

	stored, _ = storedVideo(payload, "video/mp4")
	resp = Slice(stored, "bytes=0-9, 20-29")
	if resp.Header.Get("Content-Range") != "bytes 0-9/1000" {
		t.Fatalf("multi-range should use the first range, got %q", resp.Header.Get("Content-Range"))
	}
	readBody(t, resp)
}

func TestSliceIgnoresMalformedHeaders(t *testing.T) {
	for _, header := range []string{"items=0-10", "bytes=10", "bytes=abc"} {
		stored, _ := storedVideo(videoBytes(64), "video/mp4")
		resp := Slice(stored, header)
		if resp.Status != http.StatusOK {
			t.Fatalf("%s: malformed header should yield full response, got %d", header, resp.Status)
		}
		if body := readBody(t, resp); len(body) != 64 {
			t.Fatalf("%s: expected full body, got %d bytes", header, len(body))
		}
	}
}

func TestSliceNonNumericBoundsFallBackToDefaults(t *testing.T) {
	cases := []struct {
		header     string
		start, end int64
	}{
		{"bytes=abc-99", 0, 99},
		{"bytes=100-xyz", 100, 999},
		{"bytes=abc-def", 0, 999},
		{"bytes=-abc", 0, 999},
		{"bytes=10abc-19zz", 10, 19},
		{"bytes=0-0", 0, 0},
	}
	for _, tc := range cases {
		payload := videoBytes(1000)
		stored, _ := storedVideo(payload, "video/mp4")
		resp := Slice(stored, tc.header)
		if resp.Status != http.StatusPartialContent {
			t.Fatalf("%s: expected 206, got %d", tc.header, resp.Status)
		}
		want := fmt.Sprintf("bytes %d-%d/1000", tc.start, tc.end)
		if got := resp.Header.Get("Content-Range"); got != want {
			t.Fatalf("%s: expected %q, got %q", tc.header, want, got)
		}
		if body := readBody(t, resp); !bytes.Equal(body, payload[tc.start:tc.end+1]) {
			t.Fatalf("%s: unexpected body window", tc.header)
		}
	}
}

func TestSliceWithSeekOnlyReader(t *testing.T) {
	payload := videoBytes(500)
	stored, body := storedVideo(payload, "video/mp4")
	stored.Reader = seekOnly{body: body}

	resp := Slice(stored, "bytes=10-19")
	got := readBody(t, resp)
	if !bytes.Equal(got, payload[10:20]) {
		t.Fatalf("unexpected body %v", got)
	}
	if !body.closed {
		t.Fatalf("closing the slice should close the stored body")
	}
}

func TestParseRangeDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		window, outcome := parseRange("bytes=5-"+strconv.Itoa(9), 10)
		if outcome != rangeSatisfiable || window.Start != 5 || window.End != 9 {
			t.Fatalf("unexpected parse result %+v %v", window, outcome)
		}
	}
}
