// Package xstream 实现双子流应用层协议
package xstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/solarw/netcom/pkg/types"
)

func TestHeaderWriteRead(t *testing.T) {
	id := types.XStreamIDFromUint64(123456789)
	h := Header{StreamID: id, Role: types.RoleMain}

	var buf bytes.Buffer
	if err := WriteHeader(&buf, h); err != nil {
		t.Fatalf("WriteHeader() failed: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Errorf("header length = %d, want %d", buf.Len(), HeaderSize)
	}

	got, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("ReadHeader() failed: %v", err)
	}
	if got.StreamID != id {
		t.Errorf("StreamID = %s, want %s", got.StreamID, id)
	}
	if got.Role != types.RoleMain {
		t.Errorf("Role = %s, want main", got.Role)
	}
}

func TestHeaderDifferentRoles(t *testing.T) {
	id := types.XStreamIDFromUint64(42)

	for _, role := range []types.SubstreamRole{types.RoleMain, types.RoleError} {
		var buf bytes.Buffer
		if err := WriteHeader(&buf, Header{StreamID: id, Role: role}); err != nil {
			t.Fatalf("WriteHeader(%s) failed: %v", role, err)
		}
		got, err := ReadHeader(&buf)
		if err != nil {
			t.Fatalf("ReadHeader(%s) failed: %v", role, err)
		}
		if got.Role != role {
			t.Errorf("Role = %s, want %s", got.Role, role)
		}
	}
}

func TestHeaderBigEndianLayout(t *testing.T) {
	id := types.XStreamIDFromUint64(0x0102030405060708)
	var buf bytes.Buffer
	if err := WriteHeader(&buf, Header{StreamID: id, Role: types.RoleError}); err != nil {
		t.Fatalf("WriteHeader() failed: %v", err)
	}

	raw := buf.Bytes()
	// 高 64 位为零，低 64 位大端序排列
	for i := 0; i < 8; i++ {
		if raw[i] != 0 {
			t.Errorf("raw[%d] = %#x, want 0", i, raw[i])
		}
	}
	for i := 0; i < 8; i++ {
		want := byte(i + 1)
		if raw[8+i] != want {
			t.Errorf("raw[%d] = %#x, want %#x", 8+i, raw[8+i], want)
		}
	}
	if raw[16] != 0x01 {
		t.Errorf("role byte = %#x, want 0x01", raw[16])
	}
}

func TestHeaderShortRead(t *testing.T) {
	for _, n := range []int{0, 1, 8, 16} {
		r := bytes.NewReader(make([]byte, n))
		_, err := ReadHeader(r)
		if !errors.Is(err, ErrBadHeader) {
			t.Errorf("ReadHeader(%d bytes) = %v, want ErrBadHeader", n, err)
		}
	}
}

func TestHeaderUnknownRole(t *testing.T) {
	for _, b := range []byte{0x02, 0x7f, 0xff} {
		raw := make([]byte, HeaderSize)
		raw[HeaderSize-1] = b
		_, err := ReadHeader(bytes.NewReader(raw))
		if !errors.Is(err, ErrUnknownRole) {
			t.Errorf("ReadHeader(role=%#x) = %v, want ErrUnknownRole", b, err)
		}
	}
}
