package routes

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/tvboard/tvboard-edge/internal/server"
	"github.com/tvboard/tvboard-edge/internal/worker"
)

// Controller 是路由层需要的 Worker 能力子集。
type Controller interface {
	Status(ctx context.Context) (worker.Status, error)
	HandleMessage(ctx context.Context, msg worker.Message, port worker.Port)
	Sync(ctx context.Context, tag string) error
}

// RegisterWorkerRoutes 暴露 /-/worker 诊断接口与控制通道：
//
//	GET  /-/worker             生命周期、缓存代、客户端与视频缓存概况
//	POST /-/worker/message     控制消息，响应体即回复
//	POST /-/worker/sync/:tag   触发后台同步
func RegisterWorkerRoutes(app *fiber.App, registry *server.OriginRegistry, ctrl Controller) {
	if app == nil || ctrl == nil {
		return
	}

	app.Get("/-/worker", func(c fiber.Ctx) error {
		status, err := ctrl.Status(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_failed"})
		}
		return c.JSON(fiber.Map{
			"worker":      status,
			"cached_size": humanize.IBytes(uint64(status.CachedBytes)),
			"origins":     encodeOrigins(registry.List()),
		})
	})

	app.Post("/-/worker/message", func(c fiber.Ctx) error {
		var msg worker.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}

		port := worker.NewChanPort()
		ctrl.HandleMessage(c.Context(), msg, port)
		select {
		case reply := <-port:
			return c.JSON(reply)
		default:
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "no_reply"})
		}
	})

	app.Post("/-/worker/sync/:tag", func(c fiber.Ctx) error {
		tag := strings.TrimSpace(c.Params("tag"))
		if err := ctrl.Sync(c.Context(), tag); err != nil {
			if errors.Is(err, worker.ErrUnknownSyncTag) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_sync_tag"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sync_failed"})
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type originPayload struct {
	Name     string `json:"name"`
	Role     string `json:"role"`
	URL      string `json:"url"`
	Upstream string `json:"upstream"`
	Proxied  bool   `json:"proxied"`
}

func encodeOrigins(routes []server.OriginRoute) []originPayload {
	if len(routes) == 0 {
		return nil
	}
	result := make([]originPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, originPayload{
			Name:     route.Config.Name,
			Role:     route.Config.Role,
			URL:      route.Origin(),
			Upstream: route.UpstreamURL.String(),
			Proxied:  route.ProxyURL != nil,
		})
	}
	return result
}
