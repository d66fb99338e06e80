// Package xstream 实现双子流应用层协议
package xstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/solarw/netcom/pkg/interfaces"
	"github.com/solarw/netcom/pkg/types"
)

// mockConn 模拟底层连接信息
type mockConn struct {
	id         string
	remotePeer string
}

func (c *mockConn) ID() string {
	return c.id
}

func (c *mockConn) RemotePeer() string {
	return c.remotePeer
}

// pipeBuffer 单向缓冲管道
//
// 写入立即返回（无界缓冲），读取阻塞到有数据或流终止，
// 模拟真实多路复用器的窗口缓冲行为。
type pipeBuffer struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     bytes.Buffer
	eof     bool  // 写端正常关闭（FIN）
	err     error // 异常终止
	rclosed bool  // 读端关闭
}

func newPipeBuffer() *pipeBuffer {
	b := &pipeBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *pipeBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.eof && b.err == nil && !b.rclosed {
		b.cond.Wait()
	}
	if b.rclosed {
		return 0, io.ErrClosedPipe
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.buf.Len() > 0 {
		return b.buf.Read(p)
	}
	return 0, io.EOF
}

func (b *pipeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	if b.eof || b.rclosed {
		return 0, io.ErrClosedPipe
	}
	n, _ := b.buf.Write(p)
	b.cond.Broadcast()
	return n, nil
}

func (b *pipeBuffer) closeWrite() {
	b.mu.Lock()
	b.eof = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *pipeBuffer) closeWithError(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *pipeBuffer) closeRead() {
	b.mu.Lock()
	b.rclosed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// pipeStream 内存子流
//
// 两条方向化缓冲管道组成一条全双工子流：
//   - CloseWrite 置 FIN，对端读完缓冲后见 io.EOF
//   - Close 正常关闭两个方向，本端残留读被打断
//   - Reset 以 ECONNRESET 中断两个方向，模拟崩溃/连接被重置
type pipeStream struct {
	rbuf *pipeBuffer // 远端 → 本端
	wbuf *pipeBuffer // 本端 → 远端
	conn *mockConn

	closeOnce sync.Once
}

// 确保 pipeStream 实现了 interfaces.Stream 接口
var _ interfaces.Stream = (*pipeStream)(nil)

func (p *pipeStream) Read(b []byte) (int, error) {
	return p.rbuf.Read(b)
}

func (p *pipeStream) Write(b []byte) (int, error) {
	return p.wbuf.Write(b)
}

func (p *pipeStream) CloseWrite() error {
	p.wbuf.closeWrite()
	return nil
}

func (p *pipeStream) Close() error {
	p.closeOnce.Do(func() {
		p.wbuf.closeWrite()
		p.rbuf.closeRead()
	})
	return nil
}

// Reset 模拟异常中断：对端读写立即失败
func (p *pipeStream) Reset() {
	p.wbuf.closeWithError(syscall.ECONNRESET)
	p.rbuf.closeWithError(syscall.ECONNRESET)
}

func (p *pipeStream) Conn() interfaces.Conn {
	return p.conn
}

// newPipePair 创建一对互联的内存子流
//
// a 端视 b 为远端，反之亦然；两端报告相同的连接标识。
func newPipePair(connID, peerA, peerB string) (*pipeStream, *pipeStream) {
	ab := newPipeBuffer() // a → b
	ba := newPipeBuffer() // b → a

	a := &pipeStream{rbuf: ba, wbuf: ab, conn: &mockConn{id: connID, remotePeer: peerB}}
	b := &pipeStream{rbuf: ab, wbuf: ba, conn: &mockConn{id: connID, remotePeer: peerA}}
	return a, b
}

// mockNetwork 连接一组 mockHost 的内存网络
type mockNetwork struct {
	mu    sync.Mutex
	hosts map[string]*mockHost
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{hosts: make(map[string]*mockHost)}
}

// addHost 向网络加入一台主机
func (n *mockNetwork) addHost(id string) *mockHost {
	n.mu.Lock()
	defer n.mu.Unlock()
	h := &mockHost{
		id:       id,
		net:      n,
		handlers: make(map[string]interfaces.StreamHandler),
	}
	n.hosts[id] = h
	return h
}

// connID 两台主机间连接的稳定标识
func connID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return "conn:" + a + ":" + b
}

// mockHost 模拟 Host
type mockHost struct {
	id  string
	net *mockNetwork

	mu       sync.RWMutex
	handlers map[string]interfaces.StreamHandler
}

// 确保 mockHost 实现了 interfaces.Host 接口
var _ interfaces.Host = (*mockHost)(nil)

func (h *mockHost) ID() string {
	return h.id
}

func (h *mockHost) NewStream(_ context.Context, peerID string, protocolID string) (interfaces.Stream, error) {
	h.net.mu.Lock()
	remote, ok := h.net.hosts[peerID]
	h.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no route to peer %s", peerID)
	}

	remote.mu.RLock()
	handler, ok := remote.handlers[protocolID]
	remote.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peer %s does not speak %s", peerID, protocolID)
	}

	local, far := newPipePair(connID(h.id, peerID), h.id, peerID)
	go handler(far)
	return local, nil
}

func (h *mockHost) SetStreamHandler(protocolID string, handler interfaces.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[protocolID] = handler
}

func (h *mockHost) RemoveStreamHandler(protocolID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, protocolID)
}

// testStreamPair 一对互联的 XStream（出站端 + 入站端）
//
// 模拟配对完成后的状态：out 端监视错误子流，in 端持有
// 错误子流写端。终止通知被收集起来供断言。
type testStreamPair struct {
	out *XStream
	in  *XStream

	mu     sync.Mutex
	closed []types.XStreamID
}

// newTestStreamPair 构造一对互联的 XStream（绕过服务层）
func newTestStreamPair() *testStreamPair {
	id := types.XStreamIDFromUint64(1)
	mainOut, mainIn := newPipePair("conn:a:b", "peer-a", "peer-b")
	errOut, errIn := newPipePair("conn:a:b", "peer-a", "peer-b")

	p := &testStreamPair{}
	notifier := func(_ string, streamID types.XStreamID) {
		p.mu.Lock()
		p.closed = append(p.closed, streamID)
		p.mu.Unlock()
	}
	p.out = newXStream(id, "peer-b", types.DirOutbound, mainOut, errOut, 64*1024, 200*time.Millisecond, notifier)
	p.in = newXStream(id, "peer-a", types.DirInbound, mainIn, errIn, 64*1024, 200*time.Millisecond, notifier)
	return p
}

// closedCount 返回已收到的终止通知数
func (p *testStreamPair) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.closed)
}
