// Package xstream 实现双子流应用层协议
package xstream

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/solarw/netcom/pkg/interfaces"
	"github.com/solarw/netcom/pkg/types"
)

// pairingKey 半配对子流的匹配键
//
// 两条子流属于同一对，当且仅当键完全相同且角色互异。
type pairingKey struct {
	direction types.Direction
	peerID    string
	connID    string
	streamID  types.XStreamID
}

// pendingSubstream 等待配对的半对
type pendingSubstream struct {
	key       pairingKey
	role      types.SubstreamRole
	stream    interfaces.Stream
	arrivedAt time.Time
}

// substreamPair 配对完成的一对子流
//
// Main 永远在第一个槽位。
type substreamPair struct {
	key  pairingKey
	main interfaces.Stream
	err  interfaces.Stream
}

// pairingFailure 配对失败
type pairingFailure struct {
	key  pairingKey
	role types.SubstreamRole
	kind interfaces.PairingFailureKind
}

// pairingTable 半配对子流缓冲表
//
// 由行为适配器的入站回调与出站打开 goroutine 并发喂入，
// 内部互斥锁串行化所有操作。
// 表从不阻塞：每次喂入要么驻留、要么立即产出配对或失败。
type pairingTable struct {
	mu sync.Mutex

	clk        clock.Clock
	timeout    time.Duration
	maxPerConn int

	entries map[pairingKey]*pendingSubstream
	perConn map[string]int
	closed  bool
}

// newPairingTable 创建配对表
func newPairingTable(clk clock.Clock, timeout time.Duration, maxPerConn int) *pairingTable {
	return &pairingTable{
		clk:        clk,
		timeout:    timeout,
		maxPerConn: maxPerConn,
		entries:    make(map[pairingKey]*pendingSubstream),
		perConn:    make(map[string]int),
	}
}

// add 喂入一条已读完头部的子流
//
// 返回至多一个非空结果：
//   - 表已关停或单连接半对数已达上限 → DroppedBecauseClosed 失败，子流被关闭
//   - 首条子流 → (nil, nil)，驻留等待
//   - 角色互异 → 配对完成
//   - 角色相同 → SameRole 失败，两条子流都被关闭
func (t *pairingTable) add(key pairingKey, role types.SubstreamRole, s interfaces.Stream) (*substreamPair, *pairingFailure) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		closeQuietly(s)
		return nil, &pairingFailure{key: key, role: role, kind: interfaces.PairingFailureDroppedBecauseClosed}
	}

	prior, ok := t.entries[key]
	if !ok {
		if t.maxPerConn > 0 && t.perConn[key.connID] >= t.maxPerConn {
			closeQuietly(s)
			return nil, &pairingFailure{key: key, role: role, kind: interfaces.PairingFailureDroppedBecauseClosed}
		}
		t.entries[key] = &pendingSubstream{
			key:       key,
			role:      role,
			stream:    s,
			arrivedAt: t.clk.Now(),
		}
		t.perConn[key.connID]++
		return nil, nil
	}

	if prior.role == role {
		// 同角色冲突：对端协议违例，两条都关掉
		t.remove(key)
		closeQuietly(prior.stream)
		closeQuietly(s)
		return nil, &pairingFailure{key: key, role: role, kind: interfaces.PairingFailureSameRole}
	}

	t.remove(key)
	pair := &substreamPair{key: key}
	if role == types.RoleMain {
		pair.main, pair.err = s, prior.stream
	} else {
		pair.main, pair.err = prior.stream, s
	}
	return pair, nil
}

// remove 删除表项并维护连接计数（需持锁）
func (t *pairingTable) remove(key pairingKey) {
	if _, ok := t.entries[key]; !ok {
		return
	}
	delete(t.entries, key)
	if n := t.perConn[key.connID]; n <= 1 {
		delete(t.perConn, key.connID)
	} else {
		t.perConn[key.connID] = n - 1
	}
}

// expire 清理到龄的半对
//
// 到龄判定为 age >= timeout：恰好到达超时即过期。
// 孤儿子流被静默关闭。
func (t *pairingTable) expire() []*pairingFailure {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	var expired []*pairingFailure
	for key, entry := range t.entries {
		if now.Sub(entry.arrivedAt) < t.timeout {
			continue
		}
		t.remove(key)
		closeQuietly(entry.stream)
		expired = append(expired, &pairingFailure{
			key:  key,
			role: entry.role,
			kind: interfaces.PairingFailureTimeout,
		})
	}
	return expired
}

// take 取走指定键的半对（出站超时路径回收用）
func (t *pairingTable) take(key pairingKey) *pendingSubstream {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return nil
	}
	t.remove(key)
	return entry
}

// connIDsFor 返回指定方向、对端与流标识的半对所在的连接标识
func (t *pairingTable) connIDsFor(direction types.Direction, peerID string, id types.XStreamID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for key := range t.entries {
		if key.direction == direction && key.peerID == peerID && key.streamID == id {
			ids = append(ids, key.connID)
		}
	}
	return ids
}

// count 返回当前半对数量
func (t *pairingTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// close 关停配对表，丢弃所有半对
func (t *pairingTable) close() []*pairingFailure {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var dropped []*pairingFailure
	for key, entry := range t.entries {
		closeQuietly(entry.stream)
		dropped = append(dropped, &pairingFailure{
			key:  key,
			role: entry.role,
			kind: interfaces.PairingFailureDroppedBecauseClosed,
		})
		delete(t.entries, key)
	}
	t.perConn = make(map[string]int)
	return dropped
}

// closeQuietly 关闭子流并把失败降级为日志
func closeQuietly(s interfaces.Stream) {
	if s == nil {
		return
	}
	if err := s.Close(); err != nil {
		logger.Debug("关闭子流失败", "err", err)
	}
}
