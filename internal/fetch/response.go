package fetch

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// ResponseType 对应浏览器 Response.type。
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
)

// Response 是 worker 返回给页面（或写入缓存）的响应。opaque 响应的 Status 为 0、
// Header 为空，Body 仍可被 edge 读取用于透传。
type Response struct {
	Status        int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Type          ResponseType
	URL           string
}

// OK 与浏览器 Response.ok 一致：2xx 为真，opaque 恒为假。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// IsOpaque 返回是否为 no-cors 跨域得到的不透明响应。
func (r *Response) IsOpaque() bool {
	return r != nil && r.Type == TypeOpaque
}

// Close 释放响应体，nil 安全。
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// NewBytesResponse 用内存字节构造响应，并补齐 Content-Length。
func NewBytesResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	resp := &Response{
		Status:        status,
		Header:        header,
		ContentLength: int64(len(body)),
		Type:          TypeBasic,
	}
	if body != nil {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		header.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return resp
}

// Synthetic 构造 worker 自己生成的纯文本响应，例如 503 兜底。
func Synthetic(status int, text string) *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return NewBytesResponse(status, header, []byte(text))
}
