package cache

import (
	"context"
	"errors"
	"net/http"

	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// ErrNotStorable 表示响应既非 2xx 也非 opaque，不应进入缓存。
var ErrNotStorable = errors.New("response not storable")

// Storable 判断响应能否写入缓存：ok（含 206）或 opaque。
func Storable(resp *fetch.Response) bool {
	return resp.OK() || resp.IsOpaque()
}

// PutResponse 消费并关闭 resp.Body，把完整响应写入 c。
func PutResponse(ctx context.Context, c Cache, key string, resp *fetch.Response) (*Entry, error) {
	if resp == nil {
		return nil, errors.New("response is nil")
	}
	defer resp.Close()
	if !Storable(resp) {
		return nil, ErrNotStorable
	}

	header := resp.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	// 长度以实际落盘字节为准，读取时重新计算。
	header.Del("Content-Length")

	meta := Metadata{
		URL:    resp.URL,
		Status: resp.Status,
		Type:   string(resp.Type),
		Header: header,
	}
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	return c.Put(ctx, key, meta, body)
}

// ToResponse 把命中结果转换为可直接返回的响应，Body 即缓存文件，由调用方关闭。
func ToResponse(result *ReadResult) *fetch.Response {
	header := result.Entry.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	respType := fetch.ResponseType(result.Entry.Type)
	if respType == "" {
		respType = fetch.TypeBasic
	}
	return &fetch.Response{
		Status:        result.Entry.Status,
		Header:        header,
		Body:          result.Reader,
		ContentLength: result.Entry.SizeBytes,
		Type:          respType,
		URL:           result.Entry.URL,
	}
}
