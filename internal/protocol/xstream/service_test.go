// Package xstream 实现双子流应用层协议
package xstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarw/netcom/pkg/interfaces"
	"github.com/solarw/netcom/pkg/types"
)

// newServicePair 建两台互联主机并在两端启动 XStream 服务
func newServicePair(t *testing.T, optsA, optsB []Option) (*Service, *Service) {
	t.Helper()
	net := newMockNetwork()
	hostA := net.addHost("peer-a")
	hostB := net.addHost("peer-b")

	svcA, err := New(hostA, optsA...)
	require.NoError(t, err)
	svcB, err := New(hostB, optsB...)
	require.NoError(t, err)

	require.NoError(t, svcA.Start(context.Background()))
	require.NoError(t, svcB.Start(context.Background()))
	t.Cleanup(func() {
		svcA.Close()
		svcB.Close()
	})
	return svcA, svcB
}

// waitEvent 等待通道上出现指定类型的事件
func waitEvent[T interfaces.XStreamEvent](t *testing.T, ch <-chan interfaces.XStreamEvent) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event channel closed while waiting")
			}
			if typed, match := ev.(T); match {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestServiceNew(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNilHost) {
		t.Errorf("New(nil) = %v, want ErrNilHost", err)
	}
}

func TestServiceLifecycle(t *testing.T) {
	net := newMockNetwork()
	svc, err := New(net.addHost("peer-a"))
	require.NoError(t, err)

	// 未启动时拒绝操作
	_, err = svc.Open(context.Background(), "peer-b")
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, svc.Start(context.Background()))
	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, svc.Stop(context.Background()))
	assert.ErrorIs(t, svc.Stop(context.Background()), ErrNotStarted)

	// Close 对已停止的服务是空操作
	assert.NoError(t, svc.Close())
}

func TestServiceOpenHappyPath(t *testing.T) {
	svcA, svcB := newServicePair(t, nil, nil)
	ctx := testCtx(t)

	xs, err := svcA.Open(ctx, "peer-b")
	require.NoError(t, err)
	require.Equal(t, types.DirOutbound, xs.Direction())
	require.Equal(t, "peer-b", xs.RemotePeer())

	// B 端收到入站流
	incoming := waitEvent[interfaces.EventIncomingStream](t, svcB.Events())
	inStream := incoming.Stream
	require.Equal(t, types.DirInbound, inStream.Direction())
	require.Equal(t, "peer-a", inStream.RemotePeer())
	require.Equal(t, xs.ID(), inStream.ID())

	// 双向数据
	require.NoError(t, xs.WriteAll(ctx, []byte("ping")))
	data, err := inStream.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	require.NoError(t, inStream.WriteAll(ctx, []byte("pong")))
	data, err = xs.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	// B 端优雅关闭，A 观察到干净 EOF，无缓存错误
	require.NoError(t, inStream.Close())
	_, err = xs.Read(ctx)
	assert.Equal(t, io.EOF, err)

	payload, err := xs.ErrorRead(ctx)
	require.NoError(t, err)
	assert.Empty(t, payload)

	require.NoError(t, xs.Close())
	assert.Equal(t, types.StateFullyClosed, xs.State())

	// 每条流恰好一次 StreamClosed
	closedA := waitEvent[interfaces.EventStreamClosed](t, svcA.Events())
	assert.Equal(t, xs.ID(), closedA.StreamID)
	closedB := waitEvent[interfaces.EventStreamClosed](t, svcB.Events())
	assert.Equal(t, xs.ID(), closedB.StreamID)
}

func TestServiceInboundErrorSurfacing(t *testing.T) {
	svcA, svcB := newServicePair(t, nil, nil)
	ctx := testCtx(t)

	xs, err := svcA.Open(ctx, "peer-b")
	require.NoError(t, err)
	defer xs.Close()

	incoming := waitEvent[interfaces.EventIncomingStream](t, svcB.Events())
	inStream := incoming.Stream

	// A 持续写数据；B 中途上报错误
	payload := make([]byte, 1<<20)
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- xs.WriteAll(ctx, payload)
	}()

	chunk, err := inStream.Read(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, chunk)

	require.NoError(t, inStream.ErrorWrite(ctx, []byte("quota exceeded"), false))
	require.NoError(t, inStream.Close())
	<-writeDone

	// A 的读观察到对端错误
	_, err = xs.ReadToEnd(ctx)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, "quota exceeded", string(streamErr.Payload))
	assert.Equal(t, types.StateError, xs.State())
}

func TestServiceInboundPairingTimeout(t *testing.T) {
	mock := clock.NewMock()
	net := newMockNetwork()
	hostB := net.addHost("peer-b")
	clientHost := net.addHost("peer-c")

	svcB, err := New(hostB, WithClock(mock))
	require.NoError(t, err)
	require.NoError(t, svcB.Start(context.Background()))
	t.Cleanup(func() { svcB.Close() })

	// 只送 Main 子流，Error 子流永远不来
	sub, err := clientHost.NewStream(context.Background(), "peer-b", ProtocolID)
	require.NoError(t, err)
	id := types.XStreamIDFromUint64(0xdeadbeef)
	require.NoError(t, WriteHeader(sub, Header{StreamID: id, Role: types.RoleMain}))

	// 等半对入表后推进时钟越过配对超时
	require.Eventually(t, func() bool { return svcB.table.count() == 1 },
		time.Second, 5*time.Millisecond)
	mock.Add(15 * time.Second)

	failure := waitEvent[interfaces.EventPairingFailure](t, svcB.Events())
	assert.Equal(t, interfaces.PairingFailureTimeout, failure.Kind)
	assert.Equal(t, id, failure.StreamID)
	assert.Equal(t, types.RoleMain, failure.Role)
	assert.Equal(t, 0, svcB.table.count())

	// 孤儿子流被关闭：对端读到终止
	buf := make([]byte, 1)
	_, err = sub.Read(buf)
	assert.Error(t, err)
}

func TestServiceSameRoleAttack(t *testing.T) {
	net := newMockNetwork()
	hostB := net.addHost("peer-b")
	clientHost := net.addHost("peer-c")

	svcB, err := New(hostB)
	require.NoError(t, err)
	require.NoError(t, svcB.Start(context.Background()))
	t.Cleanup(func() { svcB.Close() })

	id := types.XStreamIDFromUint64(7)
	for i := 0; i < 2; i++ {
		sub, err := clientHost.NewStream(context.Background(), "peer-b", ProtocolID)
		require.NoError(t, err)
		require.NoError(t, WriteHeader(sub, Header{StreamID: id, Role: types.RoleMain}))
	}

	failure := waitEvent[interfaces.EventPairingFailure](t, svcB.Events())
	assert.Equal(t, interfaces.PairingFailureSameRole, failure.Kind)
	assert.Equal(t, 0, svcB.table.count())

	// 没有 XStream 被构造
	select {
	case ev := <-svcB.Events():
		if _, ok := ev.(interfaces.EventIncomingStream); ok {
			t.Fatal("no IncomingStream expected after same-role attack")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServiceBadHeaderDropped(t *testing.T) {
	net := newMockNetwork()
	hostB := net.addHost("peer-b")
	clientHost := net.addHost("peer-c")

	svcB, err := New(hostB)
	require.NoError(t, err)
	require.NoError(t, svcB.Start(context.Background()))
	t.Cleanup(func() { svcB.Close() })

	// 角色字节非法
	sub, err := clientHost.NewStream(context.Background(), "peer-b", ProtocolID)
	require.NoError(t, err)
	raw := make([]byte, HeaderSize)
	raw[HeaderSize-1] = 0xff
	_, err = sub.Write(raw)
	require.NoError(t, err)

	// 子流被关闭，不产生任何事件
	require.Eventually(t, func() bool {
		_, werr := sub.Write([]byte("x"))
		return werr != nil
	}, time.Second, 5*time.Millisecond)

	select {
	case ev := <-svcB.Events():
		t.Fatalf("unexpected event after bad header: %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, svcB.table.count())
}

func TestServiceOpenTimeout(t *testing.T) {
	// 远端不讲该协议：子流根本打不开
	net := newMockNetwork()
	hostA := net.addHost("peer-a")
	net.addHost("peer-b")

	svcA, err := New(hostA, WithPairingTimeout(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, svcA.Start(context.Background()))
	t.Cleanup(func() { svcA.Close() })

	_, err = svcA.Open(context.Background(), "peer-b")
	require.Error(t, err)
}

func TestServiceOpenPairingTimeout(t *testing.T) {
	// 主机能开子流，但对端永远不回应配对
	net := newMockNetwork()
	hostA := net.addHost("peer-a")
	hostB := net.addHost("peer-b")

	// B 注册哑处理器：收下子流什么都不做
	hostB.SetStreamHandler(ProtocolID, func(stream interfaces.Stream) {})

	// A 端的第二条子流落在另一条"连接"上，配对键错开，
	// 两条半对各自驻留直到超时
	deaf := &deafSecondStreamHost{mockHost: hostA}
	svcA, err := New(deaf, WithPairingTimeout(100*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, svcA.Start(context.Background()))
	t.Cleanup(func() { svcA.Close() })

	_, err = svcA.Open(context.Background(), "peer-b")
	assert.ErrorIs(t, err, ErrOpenTimeout)

	failure := waitEvent[interfaces.EventPairingFailure](t, svcA.Events())
	assert.Equal(t, interfaces.PairingFailureTimeout, failure.Kind)
	// 半对已被回收
	assert.Equal(t, 0, svcA.table.count())
}

// deafSecondStreamHost 把第二条子流放到另一条连接上的主机包装
//
// 两条子流的配对键因连接标识不同而错开，配对永远无法完成。
type deafSecondStreamHost struct {
	*mockHost
	calls atomic.Int32
}

func (h *deafSecondStreamHost) NewStream(ctx context.Context, peerID string, protocolID string) (interfaces.Stream, error) {
	if h.calls.Add(1) >= 2 {
		local, _ := newPipePair("conn:blackhole", h.id, peerID)
		return local, nil
	}
	return h.mockHost.NewStream(ctx, peerID, protocolID)
}

func TestServiceAdmissionApprove(t *testing.T) {
	svcA, svcB := newServicePair(t, nil,
		[]Option{WithInboundPolicy(interfaces.PolicyApproveViaEvent)})
	ctx := testCtx(t)

	openDone := make(chan interfaces.XStream, 1)
	go func() {
		xs, err := svcA.Open(ctx, "peer-b")
		if err != nil {
			openDone <- nil
			return
		}
		openDone <- xs
	}()

	// B 端先收到准入请求
	req := waitEvent[interfaces.EventInboundUpgradeRequest](t, svcB.Events())
	assert.Equal(t, "peer-a", req.PeerID)
	require.NoError(t, req.Decision.Approve())

	// 决策只能发一次
	assert.ErrorIs(t, req.Decision.Reject("late"), interfaces.ErrDecisionAlreadySent)

	incoming := waitEvent[interfaces.EventIncomingStream](t, svcB.Events())
	xs := <-openDone
	require.NotNil(t, xs)
	defer xs.Close()
	defer incoming.Stream.Close()

	require.NoError(t, xs.WriteAll(ctx, []byte("hi")))
	data, err := incoming.Stream.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestServiceAdmissionReject(t *testing.T) {
	svcA, svcB := newServicePair(t, nil,
		[]Option{WithInboundPolicy(interfaces.PolicyApproveViaEvent)})
	ctx := testCtx(t)

	openDone := make(chan interfaces.XStream, 1)
	go func() {
		xs, _ := svcA.Open(ctx, "peer-b")
		openDone <- xs
	}()

	req := waitEvent[interfaces.EventInboundUpgradeRequest](t, svcB.Events())
	require.NoError(t, req.Decision.Reject("not allowed"))

	// 拒绝原因经错误子流送达打开方
	xs := <-openDone
	require.NotNil(t, xs)
	defer xs.Close()

	payload, err := xs.ErrorRead(ctx)
	require.NoError(t, err)
	assert.Equal(t, "not allowed", string(payload))

	// 主子流被关闭
	_, err = xs.ReadToEnd(ctx)
	require.Error(t, err)

	// B 端不产生 IncomingStream
	select {
	case ev := <-svcB.Events():
		if _, ok := ev.(interfaces.EventIncomingStream); ok {
			t.Fatal("no IncomingStream expected after rejection")
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServiceMultipleStreamsIndependent(t *testing.T) {
	svcA, svcB := newServicePair(t, nil, nil)
	ctx := testCtx(t)

	const n = 8
	outs := make([]interfaces.XStream, n)
	ins := make([]interfaces.XStream, n)
	for i := 0; i < n; i++ {
		xs, err := svcA.Open(ctx, "peer-b")
		require.NoError(t, err)
		outs[i] = xs
		incoming := waitEvent[interfaces.EventIncomingStream](t, svcB.Events())
		ins[incomingIndex(incoming.Stream, outs)] = incoming.Stream
	}

	// 各流独立收发
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("stream-%d", i)
		require.NoError(t, outs[i].WriteAll(ctx, []byte(msg)))
	}
	for i := 0; i < n; i++ {
		data, err := ins[i].Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("stream-%d", i), string(data))
	}

	for i := 0; i < n; i++ {
		ins[i].Close()
		outs[i].Close()
	}
}

// incomingIndex 按流标识匹配入站流对应的出站下标
func incomingIndex(in interfaces.XStream, outs []interfaces.XStream) int {
	for i, out := range outs {
		if out != nil && out.ID() == in.ID() {
			return i
		}
	}
	return -1
}
