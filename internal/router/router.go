package router

import (
	"fmt"
	"strings"
	"sync"

	"wisefido-ingest/internal/models"

	"go.uber.org/zap"
)

// Handler 路由处理函数
// deviceID 为匹配过滤器时第一个通配符捕获的主题段
type Handler func(raw *models.RawMessage, deviceID string)

// route 一条注册的路由
type route struct {
	pattern  string
	segments []string
	literals int // 字面段数量，用于特异性排序
	handler  Handler
}

// Router 主题路由器
// 将 (topic, payload) 按通配符过滤器分发到处理函数，纯内存匹配，无 I/O
type Router struct {
	logger *zap.Logger

	mu     sync.RWMutex
	routes []route

	statMu    sync.Mutex
	unmatched int64 // 未命中任何过滤器的消息数
}

// New 创建主题路由器
func New(logger *zap.Logger) *Router {
	return &Router{logger: logger}
}

// Register 注册路由
// 过滤器支持 "+"（单级通配）与末位 "#"（多级通配）
func (r *Router) Register(pattern string, handler Handler) error {
	segments := strings.Split(pattern, "/")
	literals := 0
	for i, seg := range segments {
		switch seg {
		case "+":
			continue
		case "#":
			if i != len(segments)-1 {
				return fmt.Errorf("invalid topic filter %q: # must be the last segment", pattern)
			}
		default:
			if strings.Contains(seg, "+") || strings.Contains(seg, "#") {
				return fmt.Errorf("invalid topic filter %q: wildcard must occupy a whole segment", pattern)
			}
			literals++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{
		pattern:  pattern,
		segments: segments,
		literals: literals,
		handler:  handler,
	})
	return nil
}

// Dispatch 将原始消息分发到最匹配的路由
// 多条路由命中时字面段最多者优先，并列按注册顺序取先注册者
// 未命中的主题计数后丢弃（代理可能投递无人关心的管理主题），不算错误
func (r *Router) Dispatch(raw *models.RawMessage) bool {
	r.mu.RLock()
	var best *route
	var bestDevice string
	for i := range r.routes {
		rt := &r.routes[i]
		deviceID, ok := matchSegments(rt.segments, raw.Topic)
		if !ok {
			continue
		}
		if best == nil || rt.literals > best.literals {
			best = rt
			bestDevice = deviceID
		}
	}
	if best == nil {
		r.mu.RUnlock()
		r.statMu.Lock()
		r.unmatched++
		r.statMu.Unlock()
		r.logger.Debug("No route matched topic, dropping message",
			zap.String("topic", raw.Topic),
		)
		return false
	}
	handler := best.handler
	r.mu.RUnlock()

	handler(raw, bestDevice)
	return true
}

// Unmatched 未命中路由被丢弃的消息数
func (r *Router) Unmatched() int64 {
	r.statMu.Lock()
	defer r.statMu.Unlock()
	return r.unmatched
}

// MatchTopic 将主题与过滤器匹配
// 返回第一个通配符捕获的段；过滤器不含通配符时返回空串
func MatchTopic(pattern, topic string) (string, bool) {
	return matchSegments(strings.Split(pattern, "/"), topic)
}

func matchSegments(pattern []string, topic string) (string, bool) {
	segments := strings.Split(topic, "/")
	captured := ""

	for i, p := range pattern {
		switch p {
		case "#":
			// 多级通配：匹配一个或多个剩余段
			if i >= len(segments) {
				return "", false
			}
			if captured == "" {
				captured = segments[i]
			}
			return captured, true
		case "+":
			if i >= len(segments) {
				return "", false
			}
			if captured == "" {
				captured = segments[i]
			}
		default:
			if i >= len(segments) || segments[i] != p {
				return "", false
			}
		}
	}

	if len(segments) != len(pattern) {
		return "", false
	}
	return captured, true
}
