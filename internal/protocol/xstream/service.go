// Package xstream 实现双子流应用层协议
package xstream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/solarw/netcom/pkg/interfaces"
	"github.com/solarw/netcom/pkg/lib/log"
	"github.com/solarw/netcom/pkg/types"
)

var logger = log.Logger("protocol/xstream")

// openResult 出站配对的结果
type openResult struct {
	pair    *substreamPair
	failure *pairingFailure
}

// Service 实现 XStreams 接口
//
// 行为适配器：对接底层主机，接收入站子流、发起出站子流、
// 驱动配对表，并把 XStream 的建立与终止以事件形式对外暴露。
// 构造完成的 XStream 所有权移交给调用方，服务只保留终止
// 通知路径。
type Service struct {
	host interfaces.Host

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc

	table  *pairingTable
	queue  *eventQueue
	events chan interfaces.XStreamEvent

	opensMu      sync.Mutex
	pendingOpens map[types.XStreamID]chan openResult

	metrics *metrics
	wg      sync.WaitGroup

	// 配置
	config *Config
}

// 确保 Service 实现了 interfaces.XStreams 接口
var _ interfaces.XStreams = (*Service)(nil)

// New 创建 XStream 服务
func New(host interfaces.Host, opts ...Option) (*Service, error) {
	if host == nil {
		return nil, ErrNilHost
	}

	// 应用配置
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}

	s := &Service{
		host:         host,
		table:        newPairingTable(config.Clock, config.PairingTimeout, config.MaxPendingPerConn),
		queue:        newEventQueue(),
		events:       make(chan interfaces.XStreamEvent, config.EventBuffer),
		pendingOpens: make(map[types.XStreamID]chan openResult),
		metrics:      newMetrics(config.Registerer),
		config:       config,
	}

	return s, nil
}

// Start 启动服务
func (s *Service) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	logger.Info("正在启动 XStream 服务")

	// 使用 context.Background() 而不是传入的 ctx
	// 传入的 ctx 在 Start 返回后可能被取消，导致后台循环提前退出
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.started = true

	// 头部读取可能被恶意对端拖住，不纳入 Stop 的等待集；
	// 子流随底层连接关闭而终止
	s.host.SetStreamHandler(ProtocolID, func(stream interfaces.Stream) {
		go s.handleInbound(stream)
	})

	go s.queue.pump(s.events)

	// Ticker 在这里同步创建，保证 Start 返回后时钟推进一定可见
	ticker := s.config.Clock.Ticker(s.config.CleanupInterval)
	s.wg.Add(1)
	go s.cleanupLoop(ticker)

	logger.Info("XStream 服务启动成功")
	return nil
}

// Stop 停止服务
func (s *Service) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrNotStarted
	}

	logger.Info("正在停止 XStream 服务")

	s.host.RemoveStreamHandler(ProtocolID)
	if s.cancel != nil {
		s.cancel()
	}

	// 丢弃尚未配对的半对
	for _, failure := range s.table.close() {
		s.emitPairingFailure(failure)
	}
	s.metrics.pendingPairs.Set(0)

	s.wg.Wait()
	s.queue.close()
	s.started = false

	logger.Info("XStream 服务已停止")
	return nil
}

// Close 关闭服务
func (s *Service) Close() error {
	err := s.Stop(context.Background())
	if errors.Is(err, ErrNotStarted) {
		return nil
	}
	return err
}

// Events 返回服务事件通道
func (s *Service) Events() <-chan interfaces.XStreamEvent {
	return s.events
}

// ============================================================================
//                              出站打开
// ============================================================================

// Open 打开到指定节点的 XStream
//
// 生成新的 XStreamID，并发打开 Main 和 Error 两条子流并
// 写入头部；两条子流经配对表汇合后构造 XStream。
// 配对在 PairingTimeout 内未完成时返回 ErrOpenTimeout，
// 已成功打开的半对被回收关闭。
func (s *Service) Open(ctx context.Context, peerID string) (interfaces.XStream, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	s.mu.Unlock()

	if peerID == "" {
		return nil, ErrInvalidPeerID
	}

	id := types.NewXStreamID()
	logger.Debug("打开 XStream",
		"peerID", log.TruncateID(peerID, 8),
		"streamID", id.String())

	resultCh := make(chan openResult, 1)
	s.registerOpen(id, resultCh)
	defer s.unregisterOpen(id)

	openCtx, cancel := context.WithTimeout(ctx, s.config.PairingTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(openCtx)
	for _, role := range []types.SubstreamRole{types.RoleMain, types.RoleError} {
		role := role
		g.Go(func() error {
			sub, err := s.host.NewStream(gctx, peerID, ProtocolID)
			if err != nil {
				return fmt.Errorf("open %s substream: %w", role, err)
			}
			if err := WriteHeader(sub, Header{StreamID: id, Role: role}); err != nil {
				closeQuietly(sub)
				return err
			}
			s.feedSubstream(types.DirOutbound, sub, id, role)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.reclaimHalfOpen(peerID, id)
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.failure != nil {
			if res.failure.kind == interfaces.PairingFailureTimeout {
				s.reclaimHalfOpen(peerID, id)
				return nil, ErrOpenTimeout
			}
			return nil, fmt.Errorf("pairing failed: %s", res.failure.kind)
		}
		xs := s.buildStream(res.pair, types.DirOutbound)
		s.metrics.streamsOpened.Inc()
		s.queue.push(interfaces.EventStreamEstablished{PeerID: peerID, StreamID: id})
		return xs, nil

	case <-openCtx.Done():
		s.reclaimHalfOpen(peerID, id)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.metrics.pairingFailures.WithLabelValues(interfaces.PairingFailureTimeout.String()).Inc()
		s.queue.push(interfaces.EventPairingFailure{
			PeerID:   peerID,
			StreamID: id,
			Kind:     interfaces.PairingFailureTimeout,
		})
		return nil, ErrOpenTimeout
	}
}

// registerOpen 登记在途的出站配对
func (s *Service) registerOpen(id types.XStreamID, ch chan openResult) {
	s.opensMu.Lock()
	defer s.opensMu.Unlock()
	s.pendingOpens[id] = ch
}

// unregisterOpen 注销在途的出站配对
func (s *Service) unregisterOpen(id types.XStreamID) {
	s.opensMu.Lock()
	defer s.opensMu.Unlock()
	delete(s.pendingOpens, id)
}

// lookupOpen 查找在途的出站配对
func (s *Service) lookupOpen(id types.XStreamID) (chan openResult, bool) {
	s.opensMu.Lock()
	defer s.opensMu.Unlock()
	ch, ok := s.pendingOpens[id]
	return ch, ok
}

// reclaimHalfOpen 回收超时/失败后仍驻留在配对表里的半对
func (s *Service) reclaimHalfOpen(peerID string, id types.XStreamID) {
	for _, connID := range s.knownConnIDs(peerID, id) {
		key := pairingKey{
			direction: types.DirOutbound,
			peerID:    peerID,
			connID:    connID,
			streamID:  id,
		}
		if entry := s.table.take(key); entry != nil {
			closeQuietly(entry.stream)
		}
	}
	s.metrics.pendingPairs.Set(float64(s.table.count()))
}

// knownConnIDs 返回半对可能驻留的连接标识
//
// 同一次 Open 的两条子流理论上共享连接；个别主机实现会
// 把它们放在不同连接上，此时配对本身会超时，这里逐个
// 连接尝试回收。
func (s *Service) knownConnIDs(peerID string, id types.XStreamID) []string {
	return s.table.connIDsFor(types.DirOutbound, peerID, id)
}

// ============================================================================
//                              入站接收
// ============================================================================

// handleInbound 处理一条新的入站子流
//
// 读取头部失败时静默关闭，不产生事件。
func (s *Service) handleInbound(sub interfaces.Stream) {
	header, err := ReadHeader(sub)
	if err != nil {
		logger.Debug("入站子流头部非法",
			"peerID", log.TruncateID(sub.Conn().RemotePeer(), 8),
			"err", err)
		s.metrics.pairingFailures.WithLabelValues(interfaces.PairingFailureHeaderError.String()).Inc()
		closeQuietly(sub)
		return
	}
	s.feedSubstream(types.DirInbound, sub, header.StreamID, header.Role)
}

// feedSubstream 把读完头部的子流喂入配对表
func (s *Service) feedSubstream(direction types.Direction, sub interfaces.Stream, id types.XStreamID, role types.SubstreamRole) {
	conn := sub.Conn()
	key := pairingKey{
		direction: direction,
		peerID:    conn.RemotePeer(),
		connID:    conn.ID(),
		streamID:  id,
	}

	pair, failure := s.table.add(key, role, sub)
	s.metrics.pendingPairs.Set(float64(s.table.count()))

	if failure != nil {
		s.emitPairingFailure(failure)
		if direction == types.DirOutbound {
			if ch, ok := s.lookupOpen(id); ok {
				select {
				case ch <- openResult{failure: failure}:
				default:
				}
			}
		}
		return
	}
	if pair == nil {
		return
	}

	if direction == types.DirOutbound {
		ch, ok := s.lookupOpen(id)
		if !ok {
			// 打开方已放弃（超时或取消）
			closeQuietly(pair.main)
			closeQuietly(pair.err)
			return
		}
		select {
		case ch <- openResult{pair: pair}:
		default:
		}
		return
	}

	s.admitInbound(pair)
}

// admitInbound 对配对完成的入站流应用准入策略
func (s *Service) admitInbound(pair *substreamPair) {
	switch s.config.InboundPolicy {
	case interfaces.PolicyApproveViaEvent:
		decisionCh := make(chan interfaces.Decision, 1)
		s.queue.push(interfaces.EventInboundUpgradeRequest{
			PeerID:   pair.key.peerID,
			ConnID:   pair.key.connID,
			StreamID: pair.key.streamID,
			Decision: interfaces.NewDecisionSender(decisionCh),
		})

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			select {
			case d := <-decisionCh:
				if d.Approved {
					s.acceptInbound(pair)
				} else {
					s.rejectInbound(pair, d.Reason)
				}
			case <-s.ctx.Done():
				closeQuietly(pair.err)
				closeQuietly(pair.main)
			}
		}()

	default:
		s.acceptInbound(pair)
	}
}

// acceptInbound 构造入站 XStream 并对外发布
func (s *Service) acceptInbound(pair *substreamPair) {
	xs := s.buildStream(pair, types.DirInbound)
	s.metrics.streamsAccepted.Inc()
	s.queue.push(interfaces.EventStreamEstablished{
		PeerID:   pair.key.peerID,
		StreamID: pair.key.streamID,
	})
	s.queue.push(interfaces.EventIncomingStream{Stream: xs})

	logger.Debug("入站 XStream 已放行",
		"peerID", log.TruncateID(pair.key.peerID, 8),
		"streamID", pair.key.streamID.String())
}

// rejectInbound 拒绝入站流
//
// 方向为入站，写错误子流是允许的：先把拒绝原因写给对端，
// 再关闭两条子流。
func (s *Service) rejectInbound(pair *substreamPair, reason string) {
	logger.Debug("入站 XStream 被拒绝",
		"peerID", log.TruncateID(pair.key.peerID, 8),
		"streamID", pair.key.streamID.String(),
		"reason", reason)

	if reason != "" {
		if _, err := pair.err.Write([]byte(reason)); err != nil {
			logger.Debug("写入拒绝原因失败", "err", err)
		}
	}
	closeQuietly(pair.err)
	closeQuietly(pair.main)
	s.metrics.streamsRejected.Inc()
}

// ============================================================================
//                              流构造与终止
// ============================================================================

// buildStream 从配对结果构造 XStream
func (s *Service) buildStream(pair *substreamPair, direction types.Direction) *XStream {
	return newXStream(
		pair.key.streamID,
		pair.key.peerID,
		direction,
		pair.main,
		pair.err,
		s.config.MaxErrorPayload,
		s.config.CloseDrainTimeout,
		s.onStreamClosed,
	)
}

// onStreamClosed 流终止回调（每条流恰好一次）
func (s *Service) onStreamClosed(peerID string, streamID types.XStreamID) {
	s.metrics.streamsClosed.Inc()
	s.queue.push(interfaces.EventStreamClosed{PeerID: peerID, StreamID: streamID})
}

// ============================================================================
//                              后台清理
// ============================================================================

// cleanupLoop 周期性清理到龄的半对
func (s *Service) cleanupLoop(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, failure := range s.table.expire() {
				logger.Debug("半配对子流超时",
					"peerID", log.TruncateID(failure.key.peerID, 8),
					"streamID", failure.key.streamID.String(),
					"role", failure.role.String())
				s.emitPairingFailure(failure)
				if failure.key.direction == types.DirOutbound {
					if ch, ok := s.lookupOpen(failure.key.streamID); ok {
						select {
						case ch <- openResult{failure: failure}:
						default:
						}
					}
				}
			}
			s.metrics.pendingPairs.Set(float64(s.table.count()))

		case <-s.ctx.Done():
			return
		}
	}
}

// emitPairingFailure 发布配对失败事件并计数
func (s *Service) emitPairingFailure(failure *pairingFailure) {
	s.metrics.pairingFailures.WithLabelValues(failure.kind.String()).Inc()
	s.queue.push(interfaces.EventPairingFailure{
		PeerID:   failure.key.peerID,
		StreamID: failure.key.streamID,
		Role:     failure.role,
		Kind:     failure.kind,
	})
}
