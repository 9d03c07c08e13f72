package worker

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tvboard/tvboard-edge/internal/cache"
	"github.com/tvboard/tvboard-edge/internal/fetch"
)

const (
	defaultVideoContentType = "video/mp4"
	rangeCacheControl       = "public, max-age=31536000"
)

type rangeOutcome int

const (
	rangeIgnored rangeOutcome = iota
	rangeSatisfiable
	rangeUnsatisfiable
)

// byteRange 是闭区间 [Start, End]。
type byteRange struct {
	Start int64
	End   int64
}

func (r byteRange) length() int64 {
	return r.End - r.Start + 1
}

// parseRange 解析 Range 头。只处理 bytes 单位与首个区间；缺少 "bytes=" 或 "-" 时忽略该头。
// 边界按前导数字解析，起点无数字时取 0，终点为空或无数字时取 total-1。
func parseRange(header string, total int64) (byteRange, rangeOutcome) {
	header = strings.TrimSpace(header)
	if header == "" {
		return byteRange{}, rangeIgnored
	}
	const unit = "bytes="
	if len(header) < len(unit) || !strings.EqualFold(header[:len(unit)], unit) {
		return byteRange{}, rangeIgnored
	}
	rangeSet := header[len(unit):]
	if idx := strings.IndexByte(rangeSet, ','); idx >= 0 {
		rangeSet = rangeSet[:idx]
	}
	rangeSet = strings.TrimSpace(rangeSet)

	dash := strings.IndexByte(rangeSet, '-')
	if dash < 0 {
		return byteRange{}, rangeIgnored
	}
	startRaw := strings.TrimSpace(rangeSet[:dash])
	endRaw := strings.TrimSpace(rangeSet[dash+1:])

	if startRaw == "" {
		// bytes=-N 表示最后 N 个字节。
		suffix, ok := leadingInt(endRaw)
		if !ok {
			suffix = total
		}
		if suffix == 0 || total == 0 {
			return byteRange{}, rangeUnsatisfiable
		}
		if suffix > total {
			suffix = total
		}
		return byteRange{Start: total - suffix, End: total - 1}, rangeSatisfiable
	}

	start, ok := leadingInt(startRaw)
	if !ok {
		start = 0
	}
	end, ok := leadingInt(endRaw)
	if !ok {
		end = total - 1
	}

	if start >= total || end >= total || start > end {
		return byteRange{}, rangeUnsatisfiable
	}
	return byteRange{Start: start, End: end}, rangeSatisfiable
}

// leadingInt 解析 raw 开头的十进制数字，没有数字或溢出时返回 false。
func leadingInt(raw string) (int64, bool) {
	digits := 0
	for digits < len(raw) && raw[digits] >= '0' && raw[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(raw[:digits], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Slice 基于缓存的完整正文返回 Range 请求对应的响应，调用方负责关闭返回响应的 Body。
// 无 Range 头时原样返回缓存响应；区间非法时返回 416 且不带正文。
func Slice(stored *cache.ReadResult, rangeHeader string) *fetch.Response {
	total := stored.Entry.SizeBytes
	window, outcome := parseRange(rangeHeader, total)

	switch outcome {
	case rangeIgnored:
		return cache.ToResponse(stored)
	case rangeUnsatisfiable:
		stored.Close()
		header := http.Header{}
		header.Set("Content-Range", fmt.Sprintf("bytes */%d", total))
		header.Set("Accept-Ranges", "bytes")
		return &fetch.Response{
			Status: http.StatusRequestedRangeNotSatisfiable,
			Header: header,
			Body:   http.NoBody,
			Type:   fetch.TypeBasic,
			URL:    stored.Entry.URL,
		}
	}

	contentType := ""
	if stored.Entry.Header != nil {
		contentType = stored.Entry.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = defaultVideoContentType
	}

	header := http.Header{}
	header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", window.Start, window.End, total))
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(window.length(), 10))
	header.Set("Content-Type", contentType)
	header.Set("Cache-Control", rangeCacheControl)

	return &fetch.Response{
		Status:        http.StatusPartialContent,
		Header:        header,
		Body:          sectionOf(stored.Reader, window),
		ContentLength: window.length(),
		Type:          fetch.TypeBasic,
		URL:           stored.Entry.URL,
	}
}

type sectionBody struct {
	io.Reader
	io.Closer
}

func sectionOf(src io.ReadSeekCloser, window byteRange) io.ReadCloser {
	if ra, ok := src.(io.ReaderAt); ok {
		return sectionBody{Reader: io.NewSectionReader(ra, window.Start, window.length()), Closer: src}
	}
	if _, err := src.Seek(window.Start, io.SeekStart); err != nil {
		return sectionBody{Reader: errReader{err: err}, Closer: src}
	}
	return sectionBody{Reader: io.LimitReader(src, window.length()), Closer: src}
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}
