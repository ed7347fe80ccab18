package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/silviot/voice_session_go/pkg/gateway"
)

const (
	discoveryPacketSize = 74
	discoveryBodySize   = 70
	discoveryRequest    = 0x1
	discoveryResponse   = 0x2
	discoveryAddrStart  = 8
	discoveryAddrEnd    = 72
)

var (
	ErrShortDiscovery      = errors.New("udp: short ip discovery response")
	ErrUnexpectedDiscovery = errors.New("udp: unexpected ip discovery response type")
)

// discoveryPacket builds the 74-byte request: type, body length, ssrc and
// an empty address/port block the server fills in.
func discoveryPacket(ssrc uint32) []byte {
	b := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(b[0:2], discoveryRequest)
	binary.BigEndian.PutUint16(b[2:4], discoveryBodySize)
	binary.BigEndian.PutUint32(b[4:8], ssrc)
	return b
}

// parseDiscovery reads the public address the server saw.
func parseDiscovery(b []byte) (gateway.Endpoint, error) {
	if len(b) < discoveryPacketSize {
		return gateway.Endpoint{}, fmt.Errorf("%w: %d bytes", ErrShortDiscovery, len(b))
	}
	if typ := binary.BigEndian.Uint16(b[0:2]); typ != discoveryResponse {
		return gateway.Endpoint{}, fmt.Errorf("%w: %#x", ErrUnexpectedDiscovery, typ)
	}

	addr := b[discoveryAddrStart:discoveryAddrEnd]
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	port := binary.BigEndian.Uint16(b[discoveryAddrEnd:discoveryPacketSize])
	if len(addr) == 0 || port == 0 {
		return gateway.Endpoint{}, fmt.Errorf("%w: empty address", ErrShortDiscovery)
	}
	return gateway.Endpoint{Address: string(addr), Port: int(port)}, nil
}

// discover runs IP discovery over conn. The exchange is bounded by ctx.
func discover(ctx context.Context, conn net.Conn, ssrc uint32) (gateway.Endpoint, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}()

	if _, err := conn.Write(discoveryPacket(ssrc)); err != nil {
		return gateway.Endpoint{}, fmt.Errorf("send ip discovery: %w", err)
	}

	buf := make([]byte, discoveryPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return gateway.Endpoint{}, fmt.Errorf("ip discovery: %w", ctx.Err())
		}
		return gateway.Endpoint{}, fmt.Errorf("read ip discovery: %w", err)
	}
	return parseDiscovery(buf[:n])
}
