package worker

import (
	"context"
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"
)

// 控制消息类型。
const (
	MessagePing                = "PING"
	MessageGetVideoCacheStatus = "GET_VIDEO_CACHE_STATUS"
	MessageCleanupVideoCache   = "CLEANUP_VIDEO_CACHE"
	MessageClearVideoCache     = "CLEAR_VIDEO_CACHE"
	MessageSkipWaiting         = "SKIP_WAITING"
	MessageClaimClients        = "CLAIM_CLIENTS"
)

const (
	errUnknownMessageType    = "Unknown message type"
	pingReplyMessage         = "Service worker is active"
	skipWaitingReplyMessage  = "Skip waiting called"
	claimClientsReplyMessage = "Clients claimed"
)

// ErrPortClosed 表示回复端口已无法接收消息。
var ErrPortClosed = errors.New("reply port closed")

// Message 是页面或 CLI 发来的控制消息。
type Message struct {
	Type string `json:"type"`
}

// Validate 校验消息结构。
func (m Message) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Type, validation.Required),
	)
}

// VideoCacheStatus 是 GET_VIDEO_CACHE_STATUS 的结果字段。
type VideoCacheStatus struct {
	Count        int      `json:"count"`
	CachedVideos []string `json:"cachedVideos"`
}

// Reply 是写回端口的唯一回复。
type Reply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	*VideoCacheStatus
	// Removed 列出 CLEANUP_VIDEO_CACHE 删除的 key。
	Removed []string `json:"removed,omitempty"`
}

// Port 是回复通道，每条消息只回复一次。
type Port interface {
	PostMessage(Reply) error
}

// PortFunc adapts a function to the Port interface.
type PortFunc func(Reply) error

// PostMessage makes PortFunc satisfy Port.
func (f PortFunc) PostMessage(reply Reply) error {
	return f(reply)
}

// ChanPort 以带缓冲的 channel 作为回复端口，缓冲满时返回 ErrPortClosed。
type ChanPort chan Reply

// NewChanPort 返回容量为 1 的端口。
func NewChanPort() ChanPort {
	return make(ChanPort, 1)
}

// PostMessage 非阻塞地写入回复。
func (p ChanPort) PostMessage(reply Reply) error {
	select {
	case p <- reply:
		return nil
	default:
		return ErrPortClosed
	}
}

// HandleMessage 处理一条控制消息。任何消息都会先尝试接管页面；没有端口的消息只记录日志。
func (w *Worker) HandleMessage(ctx context.Context, msg Message, port Port) {
	fields := logrus.Fields{"action": "control_message", "type": msg.Type}
	logger := w.logger.WithFields(fields)

	if _, err := w.ClaimClients(); err != nil {
		logger.WithError(err).Debug("claim clients on message failed")
	}

	if port == nil {
		logger.Warn("no reply port available, message dropped")
		return
	}

	reply := w.dispatch(ctx, msg, logger)
	if err := port.PostMessage(reply); err != nil {
		logger.WithError(err).Warn("post reply failed")
	}
}

func (w *Worker) dispatch(ctx context.Context, msg Message, logger *logrus.Entry) Reply {
	if err := msg.Validate(); err != nil {
		logger.WithError(err).Warn("invalid control message")
		return failure(strings.TrimSuffix(err.Error(), "."))
	}

	switch msg.Type {
	case MessagePing:
		return Reply{Success: true, Message: pingReplyMessage}

	case MessageGetVideoCacheStatus:
		keys, err := w.videos.Keys(ctx)
		if err != nil {
			logger.WithError(err).Error("get video cache status failed")
			return failure(err.Error())
		}
		logger.WithField("count", len(keys)).Info("video cache status")
		return Reply{Success: true, VideoCacheStatus: &VideoCacheStatus{Count: len(keys), CachedVideos: keys}}

	case MessageCleanupVideoCache:
		removed, err := w.CleanupVideoCache(ctx)
		if err != nil {
			logger.WithError(err).Error("video cache cleanup failed")
			return failure(err.Error())
		}
		logger.WithField("removed", len(removed)).Info("video cache cleanup completed")
		return Reply{Success: true, Removed: removed}

	case MessageClearVideoCache:
		if _, err := w.videos.Clear(ctx); err != nil {
			logger.WithError(err).Error("clear video cache failed")
			return failure(err.Error())
		}
		logger.Info("video cache cleared")
		return Reply{Success: true}

	case MessageSkipWaiting:
		if err := w.SkipWaiting(ctx); err != nil {
			logger.WithError(err).Warn("skip waiting activation reported errors")
		}
		return Reply{Success: true, Message: skipWaitingReplyMessage}

	case MessageClaimClients:
		if _, err := w.ClaimClients(); err != nil {
			logger.WithError(err).Error("claim clients failed")
			return failure(err.Error())
		}
		return Reply{Success: true, Message: claimClientsReplyMessage}

	default:
		logger.Warn("unknown message type")
		return failure(errUnknownMessageType)
	}
}

func failure(message string) Reply {
	return Reply{Success: false, Error: message}
}
