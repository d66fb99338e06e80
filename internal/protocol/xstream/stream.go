// Package xstream 实现双子流应用层协议
package xstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/solarw/netcom/pkg/interfaces"
	"github.com/solarw/netcom/pkg/lib/log"
	"github.com/solarw/netcom/pkg/types"
)

// XStream 一条双子流逻辑通道
//
// 读写作用于 Main 子流；Error 子流在出站侧由监视 goroutine
// 持续读取，收到的错误载荷抢占进行中的读取。
//
// 并发契约：每个方向同一时刻至多一个在途操作，读写各由
// 一个容量为 1 的信号量串行化。写信号量在底层写真正返回
// 时才释放；读取被取消时读信号量立即释放，在途的底层读
// 保留给下一次读取接手，因此取消调用不会让后续操作与
// 残留的 I/O 交错。
type XStream struct {
	id        types.XStreamID
	peerID    string
	direction types.Direction

	main   interfaces.Stream
	errSub interfaces.Stream

	readSem  chan struct{}
	writeSem chan struct{}

	state    *stateManager
	errStore *errorStore

	maxErrorPayload   int
	closeDrainTimeout time.Duration

	// 读路径内部状态，仅在持有 readSem 时访问
	inflight   chan readResult
	stash      []byte
	pendingEOF bool

	localClose chan struct{}
	closeOnce  sync.Once
	closeErr   error

	opened time.Time
}

// 确保 XStream 实现了 interfaces.XStream 接口
var _ interfaces.XStream = (*XStream)(nil)

// readResult 单次底层读的结果
type readResult struct {
	data []byte
	err  error
}

// newXStream 从配对完成的子流构造 XStream
//
// 出站侧立即启动错误子流监视器；入站侧持有错误子流写端。
func newXStream(
	id types.XStreamID,
	peerID string,
	direction types.Direction,
	main interfaces.Stream,
	errSub interfaces.Stream,
	maxErrorPayload int,
	closeDrainTimeout time.Duration,
	notifier closureNotifier,
) *XStream {
	xs := &XStream{
		id:                id,
		peerID:            peerID,
		direction:         direction,
		main:              main,
		errSub:            errSub,
		readSem:           make(chan struct{}, 1),
		writeSem:          make(chan struct{}, 1),
		state:             newStateManager(id, peerID, direction, notifier),
		errStore:          newErrorStore(),
		maxErrorPayload:   maxErrorPayload,
		closeDrainTimeout: closeDrainTimeout,
		localClose:        make(chan struct{}),
		opened:            time.Now(),
	}

	logger.Debug("创建 XStream",
		"streamID", id.String(),
		"peerID", log.TruncateID(peerID, 8),
		"direction", direction.String())

	if direction == types.DirOutbound {
		go monitorErrorStream(errSub, xs.errStore, maxErrorPayload, xs.localClose)
	}
	return xs
}

// ID 返回流标识
func (xs *XStream) ID() types.XStreamID {
	return xs.id
}

// RemotePeer 返回远端节点 ID
func (xs *XStream) RemotePeer() string {
	return xs.peerID
}

// Direction 返回流方向
func (xs *XStream) Direction() types.Direction {
	return xs.direction
}

// State 返回流当前状态
func (xs *XStream) State() types.StreamState {
	return xs.state.current()
}

// IsClosed 检查流是否已进入关闭或出错状态
func (xs *XStream) IsClosed() bool {
	return xs.state.isClosed()
}

// ============================================================================
//                              读路径
// ============================================================================

// Read 读取 Main 子流上可用的下一段数据
//
// 返回值语义：
//   - (data, nil)        正常数据
//   - (nil, io.EOF)      远端写端关闭，且错误子流未报告错误
//   - (nil, *ErrorOnRead) 错误子流送达错误载荷，或传输失败
func (xs *XStream) Read(ctx context.Context) ([]byte, error) {
	if err := xs.checkReadable(); err != nil {
		return nil, err
	}
	if err := acquire(ctx, xs.readSem); err != nil {
		return nil, err
	}
	defer release(xs.readSem)
	return xs.readLocked(ctx)
}

// readLocked 持有 readSem 时的单段读取
func (xs *XStream) readLocked(ctx context.Context) ([]byte, error) {
	// 先交付上次 ReadExact 剩余的缓冲
	if len(xs.stash) > 0 {
		data := xs.stash
		xs.stash = nil
		return data, nil
	}
	if xs.pendingEOF {
		xs.pendingEOF = false
		return nil, xs.handleMainEOF()
	}
	// 已缓存的终局错误直接返回
	if o, ok := xs.errStore.get(); ok && o.isError() {
		xs.state.markError()
		return nil, &ErrorOnRead{Err: o.streamError()}
	}

	for {
		xs.startRead()
		select {
		case res := <-xs.inflight:
			xs.inflight = nil
			data, err, retry := xs.handleReadResult(res)
			if retry {
				continue
			}
			return data, err

		case <-xs.errWatch():
			// 错误载荷抢占在途读取；被取消的读继续在后台运行，
			// 其结果可通过 ReadRestAfterError 取回
			o, _ := xs.errStore.get()
			xs.state.markError()
			return nil, &ErrorOnRead{Err: o.streamError()}

		case <-ctx.Done():
			// 在途读保留给下一次调用，调用方未消费任何字节
			return nil, ctx.Err()
		}
	}
}

// startRead 启动一次底层读（若无在途读）
func (xs *XStream) startRead() {
	if xs.inflight != nil {
		return
	}
	ch := make(chan readResult, 1)
	xs.inflight = ch
	main := xs.main
	go func() {
		buf := make([]byte, readChunkSize)
		n, err := main.Read(buf)
		ch <- readResult{data: buf[:n], err: err}
	}()
}

// handleReadResult 处理一次底层读的结果
func (xs *XStream) handleReadResult(res readResult) (data []byte, err error, retry bool) {
	if res.err == nil {
		if len(res.data) == 0 {
			return nil, nil, true
		}
		return res.data, nil, false
	}

	if errors.Is(res.err, io.EOF) {
		if len(res.data) > 0 {
			// 先交付随 EOF 到达的数据，EOF 留到下一次
			xs.pendingEOF = true
			return res.data, nil, false
		}
		return nil, xs.handleMainEOF(), false
	}

	// 传输错误；若错误子流恰好已送达载荷，优先上报对端错误。
	// 连接被重置时监视器几乎同时失败，给它一个短暂窗口落定终局。
	if xs.direction == types.DirOutbound && isConnClosedError(res.err) {
		t := time.NewTimer(errDrainGrace)
		select {
		case <-xs.errStore.done():
		case <-t.C:
		}
		t.Stop()
	}
	if o, ok := xs.errStore.get(); ok && o.isError() {
		xs.state.markError()
		return nil, &ErrorOnRead{Err: o.streamError(), PartialData: res.data}, false
	}
	xs.state.markError()
	return nil, &ErrorOnRead{Err: res.err, PartialData: res.data}, false
}

// handleMainEOF 处理 Main 子流 EOF
//
// 出站侧排空错误子流：已有错误载荷按对端错误上报；
// 已见优雅哨兵则远端整端关闭；否则按普通 EOF 交付。
// 远端先关错误子流再关 Main，排空窗口吸收两条子流
// 送达顺序上的抖动。
func (xs *XStream) handleMainEOF() error {
	xs.state.markReadRemoteClosed()

	if xs.direction == types.DirOutbound {
		t := time.NewTimer(errDrainGrace)
		select {
		case <-xs.errStore.done():
		case <-t.C:
		}
		t.Stop()
		if o, ok := xs.errStore.get(); ok {
			if o.isError() {
				xs.state.markError()
				return &ErrorOnRead{Err: o.streamError()}
			}
			xs.state.markRemoteClosed()
		}
	}
	return io.EOF
}

// errWatch 返回错误抢占通道（入站侧永不触发）
func (xs *XStream) errWatch() <-chan struct{} {
	if xs.direction != types.DirOutbound {
		return nil
	}
	return xs.errStore.errReceived()
}

// ReadExact 精确读取 size 字节
//
// 短读返回 *ErrorOnRead 并携带已读前缀。
func (xs *XStream) ReadExact(ctx context.Context, size int) ([]byte, error) {
	if err := xs.checkReadable(); err != nil {
		return nil, err
	}
	if err := acquire(ctx, xs.readSem); err != nil {
		return nil, err
	}
	defer release(xs.readSem)

	buf := make([]byte, 0, size)
	for len(buf) < size {
		chunk, err := xs.readLocked(ctx)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, mergePartial(err, buf)
		}
		buf = append(buf, chunk...)
	}
	if len(buf) > size {
		xs.stash = buf[size:]
		buf = buf[:size]
	}
	return buf, nil
}

// ReadToEnd 读取 Main 子流直到 EOF
func (xs *XStream) ReadToEnd(ctx context.Context) ([]byte, error) {
	if err := xs.checkReadable(); err != nil {
		return nil, err
	}
	if err := acquire(ctx, xs.readSem); err != nil {
		return nil, err
	}
	defer release(xs.readSem)

	var buf []byte
	for {
		chunk, err := xs.readLocked(ctx)
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, mergePartial(err, buf)
		}
		buf = append(buf, chunk...)
	}
}

// ReadRestAfterError 在收到错误后取回 Main 子流上残留的数据
//
// 依次收集：ReadExact 的剩余缓冲、被抢占的在途读结果、
// 底层仍可交付的字节。后续的 EOF 或读错误被吞掉。
func (xs *XStream) ReadRestAfterError(ctx context.Context) ([]byte, error) {
	if err := acquire(ctx, xs.readSem); err != nil {
		return nil, err
	}
	defer release(xs.readSem)

	buf := xs.stash
	xs.stash = nil

	if xs.inflight != nil {
		select {
		case res := <-xs.inflight:
			xs.inflight = nil
			buf = append(buf, res.data...)
			if res.err != nil {
				return buf, nil
			}
		case <-ctx.Done():
			return buf, ctx.Err()
		}
	}

	for {
		xs.startRead()
		select {
		case res := <-xs.inflight:
			xs.inflight = nil
			buf = append(buf, res.data...)
			if res.err != nil {
				return buf, nil
			}
		case <-ctx.Done():
			return buf, ctx.Err()
		}
	}
}

// mergePartial 把累计前缀并入读错误
func mergePartial(err error, partial []byte) error {
	if onRead, ok := err.(*ErrorOnRead); ok {
		merged := make([]byte, 0, len(partial)+len(onRead.PartialData))
		merged = append(merged, partial...)
		merged = append(merged, onRead.PartialData...)
		onRead.PartialData = merged
		return onRead
	}
	if len(partial) > 0 || err == io.ErrUnexpectedEOF {
		return &ErrorOnRead{Err: err, PartialData: partial}
	}
	return err
}

// ============================================================================
//                              写路径
// ============================================================================

// WriteAll 向 Main 子流写入全部数据
//
// 错误子流已缓存终局错误时写入失败并返回该错误；
// 取消只影响调用方，在途写会完整结束后才释放写信号量。
func (xs *XStream) WriteAll(ctx context.Context, data []byte) error {
	if err := xs.checkWritable(); err != nil {
		return err
	}
	if err := acquire(ctx, xs.writeSem); err != nil {
		return err
	}

	// 终局错误可能在等锁期间落定
	if o, ok := xs.errStore.get(); ok && o.isError() {
		release(xs.writeSem)
		xs.state.markError()
		return o.streamError()
	}

	done := make(chan error, 1)
	main := xs.main
	go func() {
		_, err := main.Write(data)
		done <- err
		release(xs.writeSem)
	}()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		if isConnClosedError(err) {
			if o, ok := xs.errStore.get(); ok && o.isError() {
				xs.state.markError()
				return o.streamError()
			}
		}
		xs.state.markError()
		return fmt.Errorf("write main substream: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteEOF 关闭 Main 子流写端
//
// 对端读到 EOF；逻辑流转入 WriteLocalClosed，仍可读取
// 对端后续数据，错误子流不受影响。
func (xs *XStream) WriteEOF() error {
	if xs.state.isWriteLocalClosed() {
		return fmt.Errorf("%w: eof already sent", ErrInvalidState)
	}
	if xs.state.isClosed() {
		return fmt.Errorf("%w: write eof in state %s", ErrInvalidState, xs.state.current())
	}

	xs.writeSem <- struct{}{}
	defer release(xs.writeSem)

	if err := xs.main.CloseWrite(); err != nil {
		if isConnClosedError(err) {
			// 远端先关了，EOF 视作已送达
			xs.state.markRemoteClosed()
			xs.state.markWriteLocalClosed()
			return nil
		}
		xs.state.markError()
		return fmt.Errorf("close main write half: %w", err)
	}
	xs.state.markWriteLocalClosed()
	return nil
}

// ============================================================================
//                              错误子流
// ============================================================================

// ErrorRead 读取错误子流（仅出站流）
//
// 等待监视器落定终局并返回缓存结果，多次调用结果相同：
//   - 错误载荷  → (payload, nil)
//   - 优雅哨兵  → (nil, nil)
//   - 突然中断  → (nil, *StreamError)
func (xs *XStream) ErrorRead(ctx context.Context) ([]byte, error) {
	if xs.direction != types.DirOutbound {
		return nil, ErrNotOutbound
	}
	o, err := xs.errStore.wait(ctx)
	if err != nil {
		return nil, err
	}
	if o.graceful {
		return nil, nil
	}
	if o.abrupt {
		return nil, o.streamError()
	}
	return o.payload, nil
}

// ErrorWrite 向错误子流写入错误载荷（仅入站流，每流至多一次）
//
// 写入后错误子流即被关闭，对端以 EOF 收尾整个载荷。
// flushData 为 true 时先等待在途的 Main 写操作完成，
// 保证已排队的数据先于错误到达底层。
func (xs *XStream) ErrorWrite(ctx context.Context, payload []byte, flushData bool) error {
	if xs.direction != types.DirInbound {
		return ErrNotInbound
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload is the graceful sentinel", ErrInvalidState)
	}
	if len(payload) > xs.maxErrorPayload {
		return ErrErrorPayloadTooLarge
	}
	if xs.state.isLocalClosed() || xs.state.current() == types.StateError {
		return fmt.Errorf("%w: error write in state %s", ErrInvalidState, xs.state.current())
	}
	if !xs.state.markErrorWritten() {
		return ErrErrorAlreadyWritten
	}

	if flushData {
		// 占一次写信号量，等在途写完成
		if err := acquire(ctx, xs.writeSem); err != nil {
			return err
		}
		release(xs.writeSem)
	}

	if _, err := xs.errSub.Write(payload); err != nil {
		xs.state.markError()
		return fmt.Errorf("write error substream: %w", err)
	}
	if err := xs.errSub.Close(); err != nil && !isConnClosedError(err) {
		xs.state.markError()
		return fmt.Errorf("close error substream: %w", err)
	}

	logger.Debug("错误载荷已写入",
		"streamID", xs.id.String(),
		"bytes", len(payload))
	return nil
}

// WriteError 以字符串消息写入错误载荷
func (xs *XStream) WriteError(ctx context.Context, message string) error {
	return xs.ErrorWrite(ctx, []byte(message), false)
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 有序关闭两条子流
//
// 入站侧：先以空载荷哨兵关闭错误子流（除非已写过错误），
// 再关 Main；出站侧：先关 Main，再在排空窗口内等待错误
// 子流终局，最后关闭错误子流。重复调用为幂等。
//
// 关闭路径上的 I/O 失败会把状态推到 Error 并缓存，
// 但不从 Close 本身抛出；后续读写会看到缓存的错误。
func (xs *XStream) Close() error {
	xs.closeOnce.Do(func() {
		xs.closeErr = xs.doClose()
	})
	return xs.closeErr
}

func (xs *XStream) doClose() error {
	logger.Debug("关闭 XStream",
		"streamID", xs.id.String(),
		"peerID", log.TruncateID(xs.peerID, 8),
		"direction", xs.direction.String())

	close(xs.localClose)

	var errs error
	if xs.direction == types.DirInbound {
		// 未写过错误时，关闭空的错误子流即发送优雅哨兵
		if xs.state.markErrorWritten() {
			errs = multierr.Append(errs, xs.errSub.Close())
		}
		errs = multierr.Append(errs, xs.main.Close())
	} else {
		errs = multierr.Append(errs, xs.main.Close())

		// 排空错误子流以捕获尾随错误
		drainCtx, cancel := context.WithTimeout(context.Background(), xs.closeDrainTimeout)
		if o, err := xs.errStore.wait(drainCtx); err == nil {
			if o.isError() {
				xs.state.markError()
			} else {
				// 优雅哨兵：远端已完整收尾
				xs.state.markRemoteClosed()
			}
		}
		cancel()

		errs = multierr.Append(errs, xs.errSub.Close())
	}

	if errs != nil {
		// 关闭路径的失败不向调用方抛出，缓存后由后续操作观察
		filtered := multierr.Errors(errs)
		fatal := false
		for _, e := range filtered {
			if !isConnClosedError(e) {
				fatal = true
			}
		}
		logger.Debug("关闭子流时出错", "streamID", xs.id.String(), "err", errs)
		if fatal {
			xs.state.markError()
		}
	}

	xs.state.markLocalClosed()
	xs.state.notifyClosed()
	return nil
}

// ============================================================================
//                              状态检查
// ============================================================================

// checkReadable 校验当前状态允许读取
//
// ReadRemoteClosed / RemoteClosed 仍允许读：排空并观察 EOF。
func (xs *XStream) checkReadable() error {
	switch s := xs.state.current(); s {
	case types.StateOpen, types.StateWriteLocalClosed,
		types.StateReadRemoteClosed, types.StateRemoteClosed:
		return nil
	case types.StateError:
		if o, ok := xs.errStore.get(); ok && o.isError() {
			return o.streamError()
		}
		return fmt.Errorf("%w: read in state %s", ErrInvalidState, s)
	default:
		return fmt.Errorf("%w: read in state %s", ErrInvalidState, s)
	}
}

// checkWritable 校验当前状态允许写入
//
// ReadRemoteClosed 仍允许写：对端发完 EOF 后还在等响应。
func (xs *XStream) checkWritable() error {
	switch s := xs.state.current(); s {
	case types.StateOpen, types.StateReadRemoteClosed:
		return nil
	case types.StateError:
		if o, ok := xs.errStore.get(); ok && o.isError() {
			return o.streamError()
		}
		return fmt.Errorf("%w: write in state %s", ErrInvalidState, s)
	default:
		return fmt.Errorf("%w: write in state %s", ErrInvalidState, s)
	}
}

// ============================================================================
//                              内部工具
// ============================================================================

// acquire 带取消地获取信号量
func acquire(ctx context.Context, sem chan struct{}) error {
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release 释放信号量
func release(sem chan struct{}) {
	<-sem
}
