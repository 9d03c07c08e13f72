package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tvboard/tvboard-edge/internal/config"
	"github.com/tvboard/tvboard-edge/internal/worker"
)

const controlTimeout = 30 * time.Second

// cacheActions 把子命令映射为控制消息类型。
var cacheActions = []struct {
	use     string
	short   string
	message string
}{
	{"status", "列出已缓存的视频", worker.MessageGetVideoCacheStatus},
	{"cleanup", "按数量上限清理视频缓存", worker.MessageCleanupVideoCache},
	{"clear", "清空视频缓存", worker.MessageClearVideoCache},
	{"ping", "检查 worker 是否在线", worker.MessagePing},
}

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "通过控制通道管理运行中 edge 的视频缓存",
	}
	cmd.PersistentFlags().String("addr", "", "edge 地址（默认 http://127.0.0.1:<ListenPort>）")

	for _, action := range cacheActions {
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				addr, _ := cmd.Flags().GetString("addr")
				return exitWith(runCacheAction(cmd.Context(), resolveControlAddr(addr, resolveConfigPath(cmd)), action.message))
			},
		})
	}
	return cmd
}

// resolveControlAddr 优先使用 --addr，否则根据配置中的 ListenPort 推导本机地址。
func resolveControlAddr(flag, configPath string) string {
	if flag = strings.TrimSpace(flag); flag != "" {
		if !strings.Contains(flag, "://") {
			flag = "http://" + flag
		}
		return strings.TrimSuffix(flag, "/")
	}
	port := 5000
	if cfg, err := config.Load(configPath); err == nil {
		port = cfg.Global.ListenPort
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port)
}

func runCacheAction(ctx context.Context, addr, messageType string) int {
	if ctx == nil {
		ctx = context.Background()
	}
	reply, err := postControlMessage(ctx, addr, worker.Message{Type: messageType})
	if err != nil {
		fmt.Fprintf(stdErr, "发送控制消息失败: %v\n", err)
		return 1
	}
	if !reply.Success {
		fmt.Fprintf(stdErr, "%s 失败: %s\n", messageType, reply.Error)
		return 1
	}
	printReply(reply)
	return 0
}

// postControlMessage 把消息 POST 到 /-/worker/message 并解析唯一回复。
func postControlMessage(ctx context.Context, addr string, msg worker.Message) (worker.Reply, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return worker.Reply{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, controlTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+"/-/worker/message", bytes.NewReader(payload))
	if err != nil {
		return worker.Reply{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return worker.Reply{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return worker.Reply{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return worker.Reply{}, fmt.Errorf("edge 返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var reply worker.Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return worker.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func printReply(reply worker.Reply) {
	if reply.Message != "" {
		fmt.Fprintln(stdOut, reply.Message)
	}
	if reply.VideoCacheStatus != nil {
		fmt.Fprintf(stdOut, "cached videos: %d\n", reply.Count)
		for _, key := range reply.CachedVideos {
			fmt.Fprintf(stdOut, "  %s\n", key)
		}
	}
	for _, key := range reply.Removed {
		fmt.Fprintf(stdOut, "removed %s\n", key)
	}
}

func newPrefetchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prefetch <url>...",
		Short: "离线预取视频到视频缓存",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return exitWith(runPrefetch(cmd.Context(), resolveConfigPath(cmd), args))
		},
	}
}

func runPrefetch(ctx context.Context, configPath string, urls []string) int {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := loadEdge(configPath)
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		return 1
	}

	results, err := e.worker.Prefetch(ctx, urls)
	if err != nil {
		fmt.Fprintf(stdErr, "预取参数无效: %v\n", err)
		return 2
	}

	failed := 0
	tw := tabwriter.NewWriter(stdOut, 0, 0, 2, ' ', 0)
	for _, result := range results {
		detail := humanize.IBytes(uint64(result.SizeBytes))
		if result.Status == worker.PrefetchFailed {
			failed++
			detail = result.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", result.Status, result.URL, detail)
	}
	tw.Flush()

	if failed > 0 {
		return 1
	}
	return 0
}
