package driver

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

// Probe checks that a local sound file exists and, for the formats the
// native backend decodes, that its header is well formed. Other formats
// are left to the player.
func Probe(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("sound file unreadable", slog.String("path", path), slog.String("error", err.Error()))
		}
		return ErrBadResource
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav", ".wave":
		d := wav.NewDecoder(f)
		if !d.IsValidFile() {
			return ErrBadFormat
		}
	case ".mp3":
		if _, err := mp3.NewDecoder(f); err != nil {
			return ErrBadFormat
		}
	}
	return nil
}
