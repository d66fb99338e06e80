// Package xstream 实现双子流应用层协议
package xstream

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/solarw/netcom/pkg/interfaces"
	"github.com/solarw/netcom/pkg/types"
)

func TestConcurrentWritersSerialize(t *testing.T) {
	ctx := testCtx(t)
	p := newTestStreamPair()
	defer p.in.Close()
	defer p.out.Close()

	// 每个写入方写入独特的定长记录；写互斥保证记录不被拆散
	const writers = 8
	const perWriter = 50
	const recordSize = 32

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			record := bytes.Repeat([]byte{byte('a' + w)}, recordSize)
			for i := 0; i < perWriter; i++ {
				if err := p.out.WriteAll(ctx, record); err != nil {
					t.Errorf("writer %d: %v", w, err)
					return
				}
			}
		}(w)
	}

	go func() {
		wg.Wait()
		p.out.WriteEOF()
	}()

	data, err := p.in.ReadToEnd(ctx)
	require.NoError(t, err)
	require.Len(t, data, writers*perWriter*recordSize)

	// 逐条记录校验完整性
	counts := make(map[byte]int)
	for i := 0; i < len(data); i += recordSize {
		record := data[i : i+recordSize]
		for _, b := range record {
			if b != record[0] {
				t.Fatalf("interleaved record at offset %d", i)
			}
		}
		counts[record[0]]++
	}
	for w := 0; w < writers; w++ {
		if counts[byte('a'+w)] != perWriter {
			t.Errorf("writer %d records = %d, want %d", w, counts[byte('a'+w)], perWriter)
		}
	}
}

func TestConcurrentReadersSerialize(t *testing.T) {
	ctx := testCtx(t)
	p := newTestStreamPair()
	defer p.in.Close()
	defer p.out.Close()

	total := bytes.Repeat([]byte("x"), 16*1024)
	go func() {
		p.out.WriteAll(ctx, total)
		p.out.WriteEOF()
	}()

	// 多个读取方竞争同一条流；字节总量不多不少
	var mu sync.Mutex
	received := 0
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				data, err := p.in.Read(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				received += len(data)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, len(total), received)
}

func TestConcurrentCloseSafe(t *testing.T) {
	p := newTestStreamPair()
	p.in.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.out.Close()
		}()
	}
	wg.Wait()

	// 并发关闭后仍然只有两次终止通知
	deadline := time.Now().Add(time.Second)
	for p.closedCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 2, p.closedCount())
}

func TestConcurrentStreamsOverService(t *testing.T) {
	svcA, svcB := newServicePair(t, nil, nil)
	ctx := testCtx(t)

	// B 端回声
	go func() {
		for ev := range svcB.Events() {
			incoming, ok := ev.(interfaces.EventIncomingStream)
			if !ok {
				continue
			}
			go func(xs interfaces.XStream) {
				defer xs.Close()
				data, err := xs.ReadToEnd(ctx)
				if err != nil {
					return
				}
				xs.WriteAll(ctx, data)
				xs.WriteEOF()
			}(incoming.Stream)
		}
	}()

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			xs, err := svcA.Open(ctx, "peer-b")
			if err != nil {
				t.Errorf("Open #%d: %v", i, err)
				return
			}
			defer xs.Close()

			msg := []byte(fmt.Sprintf("echo-%d", i))
			if err := xs.WriteAll(ctx, msg); err != nil {
				t.Errorf("WriteAll #%d: %v", i, err)
				return
			}
			if err := xs.WriteEOF(); err != nil {
				t.Errorf("WriteEOF #%d: %v", i, err)
				return
			}

			reply, err := xs.ReadToEnd(ctx)
			if err != nil {
				t.Errorf("ReadToEnd #%d: %v", i, err)
				return
			}
			if !bytes.Equal(reply, msg) {
				t.Errorf("echo #%d = %q, want %q", i, reply, msg)
			}
		}(i)
	}
	wg.Wait()
}

func BenchmarkStreamWriteRead(b *testing.B) {
	ctx := context.Background()
	p := newTestStreamPair()
	defer p.in.Close()
	defer p.out.Close()

	payload := bytes.Repeat([]byte("x"), 4096)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := p.in.Read(ctx); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	b.SetBytes(int64(len(payload)))
	for i := 0; i < b.N; i++ {
		if err := p.out.WriteAll(ctx, payload); err != nil {
			b.Fatal(err)
		}
	}
	b.StopTimer()
	p.out.WriteEOF()
	<-done
}

func BenchmarkHeaderRoundTrip(b *testing.B) {
	h := Header{StreamID: types.XStreamIDFromUint64(42), Role: types.RoleMain}
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		if err := WriteHeader(&buf, h); err != nil {
			b.Fatal(err)
		}
		if _, err := ReadHeader(&buf); err != nil {
			b.Fatal(err)
		}
	}
}
