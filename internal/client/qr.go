package client

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/skip2/go-qrcode"
)

const qrSubdir = "qr"

// QRGenerator renders QR code images into the media directory
type QRGenerator struct {
	dir  string
	size int
}

func NewQRGenerator(mediaDir string) *QRGenerator {
	return &QRGenerator{dir: mediaDir, size: 256}
}

// Generate writes a PNG of content and returns its path relative to the
// media directory
func (g *QRGenerator) Generate(ctx context.Context, name, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(g.dir, qrSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create qr directory: %w", err)
	}
	file := name + ".png"
	if err := qrcode.WriteFile(content, qrcode.Medium, g.size, filepath.Join(dir, file)); err != nil {
		return "", fmt.Errorf("write qr image: %w", err)
	}
	return path.Join(qrSubdir, file), nil
}
