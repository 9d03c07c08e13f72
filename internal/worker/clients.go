package worker

import (
	"time"

	"github.com/tvboard/tvboard-edge/internal/fetch"
)

// clientInfo 记录一个通过 edge 加载的页面（由 tvboard_client cookie 标识）。
type clientInfo struct {
	id         string
	controlled bool
	firstSeen  time.Time
	lastSeen   time.Time
}

// maxTrackedClients 是同时记录的页面上限，超出时淘汰最久未出现的记录。
const maxTrackedClients = 1024

// admit 记录请求来源页面，并判断该请求是否由 Worker 接管。
// 激活前一律放行；激活后导航请求总被接管，子资源请求需要页面已被接管或 Worker 已 claim。
// 只有导航请求会登记新页面，未知页面的子资源请求不进入 clients。
func (w *Worker) admit(req *fetch.Request) bool {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	var client *clientInfo
	if req.ClientID != "" {
		client = w.clients[req.ClientID]
		if client == nil && req.IsNavigation() {
			if len(w.clients) >= maxTrackedClients {
				w.evictStalestClientLocked()
			}
			client = &clientInfo{id: req.ClientID, firstSeen: now}
			w.clients[req.ClientID] = client
		}
		if client != nil {
			client.lastSeen = now
		}
	}

	if w.state != StateActivated {
		return false
	}
	if req.IsNavigation() || w.claimed {
		if client != nil {
			client.controlled = true
		}
		return true
	}
	return client != nil && client.controlled
}

// ClaimClients 让 Worker 立即接管所有页面，返回当前已知页面数。未激活时返回 ErrInvalidState。
func (w *Worker) ClaimClients() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateActivated {
		return 0, ErrInvalidState
	}
	w.claimed = true
	for _, client := range w.clients {
		client.controlled = true
	}
	return len(w.clients), nil
}

func (w *Worker) evictStalestClientLocked() {
	var stalest *clientInfo
	for _, client := range w.clients {
		if stalest == nil || client.lastSeen.Before(stalest.lastSeen) {
			stalest = client
		}
	}
	if stalest != nil {
		delete(w.clients, stalest.id)
	}
}

// pruneClients 移除超过 maxIdle 未出现的页面记录。
func (w *Worker) pruneClients(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for id, client := range w.clients {
		if client.lastSeen.Before(cutoff) {
			delete(w.clients, id)
			removed++
		}
	}
	return removed
}
