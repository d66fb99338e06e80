// Package xstream 实现双子流应用层协议
package xstream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/solarw/netcom/pkg/interfaces"
)

// errorOutcome 错误子流的终局
//
// 三种互斥形态：
//   - graceful：空载荷 + EOF，优雅关闭哨兵
//   - payload 非空：对端上报的错误载荷
//   - abrupt：子流未携带哨兵即被中断（对端崩溃或连接被重置）
type errorOutcome struct {
	payload  []byte
	graceful bool
	abrupt   bool
}

// isError 该终局是否构成流错误
func (o errorOutcome) isError() bool {
	return !o.graceful
}

// streamError 转换为携带载荷的错误值
func (o errorOutcome) streamError() *StreamError {
	if o.abrupt {
		return NewAbruptClose()
	}
	return NewStreamError(o.payload)
}

// errorStore 错误子流终局的一次性缓存
//
// 终局只落定一次，之后不可变；多个等待方通过两个关闭式
// 通道观察：errCh 仅在终局构成错误时关闭（抢占读写），
// doneCh 在任何终局落定时关闭（排空路径）。
type errorStore struct {
	mu      sync.Mutex
	outcome *errorOutcome
	errCh   chan struct{}
	doneCh  chan struct{}
}

// newErrorStore 创建空的错误缓存
func newErrorStore() *errorStore {
	return &errorStore{
		errCh:  make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// resolve 落定终局，返回是否为首次
func (s *errorStore) resolve(o errorOutcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return false
	}
	s.outcome = &o
	close(s.doneCh)
	if o.isError() {
		close(s.errCh)
	}
	return true
}

// get 返回已落定的终局
func (s *errorStore) get() (errorOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		return errorOutcome{}, false
	}
	return *s.outcome, true
}

// errReceived 终局构成错误时关闭
func (s *errorStore) errReceived() <-chan struct{} {
	return s.errCh
}

// done 任何终局落定时关闭
func (s *errorStore) done() <-chan struct{} {
	return s.doneCh
}

// wait 等待终局落定
func (s *errorStore) wait(ctx context.Context) (errorOutcome, error) {
	select {
	case <-s.doneCh:
		o, _ := s.get()
		return o, nil
	case <-ctx.Done():
		return errorOutcome{}, ctx.Err()
	}
}

// monitorErrorStream 持续读取错误子流直到终局
//
// 出站侧在流构造时启动，贯穿整个生命周期：
//   - 干净 EOF + 零字节  → 优雅关闭哨兵
//   - 干净 EOF + 非空载荷 → 错误上报
//   - 读错误（连接被重置等）→ 突然中断
//   - 载荷超出 maxPayload → 按突然中断处理并丢弃数据
//
// localClose 在本地主动关闭时关闭，此后监视器把读错误
// 视作正常退出而不是对端崩溃。
func monitorErrorStream(errSub interfaces.Substream, store *errorStore, maxPayload int, localClose <-chan struct{}) {
	payload := make([]byte, 0, 64)
	buf := make([]byte, 1024)

	for {
		n, err := errSub.Read(buf)
		if n > 0 {
			if len(payload)+n > maxPayload {
				logger.Warn("错误载荷超出上限，按突然中断处理",
					"limit", maxPayload)
				store.resolve(errorOutcome{abrupt: true})
				return
			}
			payload = append(payload, buf[:n]...)
		}
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if len(payload) == 0 {
				// 空载荷哨兵：无错误，正常结束
				store.resolve(errorOutcome{graceful: true})
			} else {
				store.resolve(errorOutcome{payload: payload})
			}
			return
		}

		// 本地已关闭时的读错误不是对端崩溃
		select {
		case <-localClose:
			store.resolve(errorOutcome{graceful: true})
		default:
			store.resolve(errorOutcome{abrupt: true})
		}
		return
	}
}
