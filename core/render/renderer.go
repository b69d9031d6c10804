// Package render turns an encoded payload into scannable image bytes. The
// Renderer implementation is chosen at construction; core logic never
// branches on which one is in use.
package render

import (
	"crypto/sha256"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/stampmint/stampmint/core/infra/config"
)

// ErrRender marks renderer failures. A failed render never yields partial
// bytes; callers count it as a per-artifact error.
var ErrRender = errors.New("render: failed")

// Renderer converts payload bytes into image bytes. Rendering must be
// deterministic in content for a given payload and policy.
type Renderer interface {
	Render(payload []byte, policy config.CompressionPolicy) ([]byte, error)
}

// QRRenderer renders payloads as QR code PNGs. The compression policy maps
// to image size: stronger compaction means fewer pixels per module.
type QRRenderer struct{}

// NewQRRenderer constructs the production renderer.
func NewQRRenderer() *QRRenderer {
	return &QRRenderer{}
}

func (r *QRRenderer) Render(payload []byte, policy config.CompressionPolicy) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrRender)
	}
	img, err := qrcode.Encode(string(payload), qrcode.Low, imageSize(policy))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return img, nil
}

func imageSize(policy config.CompressionPolicy) int {
	switch policy {
	case config.CompressionLow:
		return 384
	case config.CompressionMedium:
		return 256
	case config.CompressionHigh:
		return 192
	default:
		return 512
	}
}

// StubRenderer produces small deterministic bytes derived from the payload.
// It exists for tests and throughput measurement where real image encoding
// would dominate the run time.
type StubRenderer struct{}

// NewStubRenderer constructs the stub renderer.
func NewStubRenderer() *StubRenderer {
	return &StubRenderer{}
}

var stubMagic = []byte("STMP")

func (r *StubRenderer) Render(payload []byte, policy config.CompressionPolicy) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrRender)
	}
	sum := sha256.Sum256(payload)
	out := make([]byte, 0, len(stubMagic)+len(sum)+len(payload))
	out = append(out, stubMagic...)
	out = append(out, sum[:]...)
	out = append(out, payload...)
	return out, nil
}
