package main

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tomaslejdung/pixelpeep/pkg/transfer"
)

// Downloads writes received files and preview images to a directory.
type Downloads struct {
	dir string
}

func NewDownloads(dir string) *Downloads {
	return &Downloads{dir: dir}
}

func (d *Downloads) Dir() string { return d.dir }

func (d *Downloads) write(name string, data []byte) (string, error) {
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(d.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// extension keeps only a plain file extension from what the streamer sent.
func extension(ext string) string {
	ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
	ext = filepath.Base(ext)
	if ext == "" || ext == "." || strings.ContainsAny(ext, `/\`) {
		return "bin"
	}
	return ext
}

// SaveFile stores a completed file transfer as transfer-<uuid>.<ext>.
func (d *Downloads) SaveFile(f transfer.File) (string, error) {
	return d.write(fmt.Sprintf("transfer-%s.%s", uuid.NewString(), extension(f.Extension)), f.Data)
}

// SaveFreezeFrame decodes the preview's size and stores it as
// freeze-<uuid>.jpg. The size is returned even when writing fails.
func (d *Downloads) SaveFreezeFrame(img transfer.Image) (path string, width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.JPEG))
	if err != nil {
		return "", 0, 0, fmt.Errorf("failed to decode freeze frame: %w", err)
	}
	path, err = d.write(fmt.Sprintf("freeze-%s.jpg", uuid.NewString()), img.JPEG)
	return path, cfg.Width, cfg.Height, err
}
