package udp

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/silviot/voice_session_go/pkg/gateway"
)

// nonceSuffixSize is the counter appended to every sealed packet.
const nonceSuffixSize = 4

var (
	ErrUnsupportedMode = errors.New("udp: unsupported encryption mode")
	ErrShortPacket     = errors.New("udp: sealed packet too short")
)

func newAEAD(mode gateway.EncryptionMode, key []byte) (cipher.AEAD, error) {
	switch mode {
	case gateway.ModeAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("aes key: %w", err)
		}
		return cipher.NewGCM(block)
	case gateway.ModeXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
}

// sealer encrypts media packets in the rtpsize modes: the header stays in
// the clear as additional data and a 4-byte big-endian counter, zero padded
// to the cipher's nonce size, is appended to the packet.
type sealer struct {
	aead    cipher.AEAD
	counter uint32
}

func newSealer(mode gateway.EncryptionMode, key []byte) (*sealer, error) {
	aead, err := newAEAD(mode, key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(header, payload []byte) []byte {
	s.counter++

	nonce := make([]byte, s.aead.NonceSize())
	binary.BigEndian.PutUint32(nonce, s.counter)

	out := make([]byte, 0, len(header)+len(payload)+s.aead.Overhead()+nonceSuffixSize)
	out = append(out, header...)
	out = s.aead.Seal(out, nonce, payload, header)
	return binary.BigEndian.AppendUint32(out, s.counter)
}

// open reverses seal for a packet whose clear header is headerLen bytes.
func open(aead cipher.AEAD, packet []byte, headerLen int) ([]byte, error) {
	if len(packet) < headerLen+aead.Overhead()+nonceSuffixSize {
		return nil, ErrShortPacket
	}
	suffix := packet[len(packet)-nonceSuffixSize:]
	nonce := make([]byte, aead.NonceSize())
	copy(nonce, suffix)

	header := packet[:headerLen]
	ciphertext := packet[headerLen : len(packet)-nonceSuffixSize]
	return aead.Open(nil, nonce, ciphertext, header)
}
