package runtime

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/outfox/internal/audio"
	"github.com/loqalabs/outfox/internal/config"
	"github.com/loqalabs/outfox/internal/driver"
	"github.com/loqalabs/outfox/internal/driver/native"
)

func buildBackend(cfg config.DriverConfig, logger *slog.Logger) (audio.Backend, error) {
	switch cfg.Mode {
	case "mock":
		return driver.NewMock(driver.MockOptions{
			WordDelay:    time.Duration(cfg.MockWordMS) * time.Millisecond,
			PlayDelay:    time.Duration(cfg.MockPlayMS) * time.Millisecond,
			Voices:       cfg.Voices,
			DefaultVoice: cfg.DefaultVoice,
		}), nil
	case "exec":
		resolver, err := newResolver(cfg, logger)
		if err != nil {
			return nil, err
		}
		backend, err := driver.NewExec(driver.ExecOptions{
			SpeechCommand: cfg.SpeechCommand,
			PlayCommand:   cfg.PlayCommand,
			DefaultVoice:  cfg.DefaultVoice,
			Voices:        cfg.Voices,
			Resolver:      resolver,
		}, logger)
		if err != nil {
			_ = resolver.Close()
			return nil, err
		}
		return backend, nil
	case "native":
		resolver, err := newResolver(cfg, logger)
		if err != nil {
			return nil, err
		}
		backend, err := native.New(native.Options{
			SpeechCommand: cfg.SpeechCommand,
			DefaultVoice:  cfg.DefaultVoice,
			Voices:        cfg.Voices,
			Resolver:      resolver,
		}, logger)
		if err != nil {
			_ = resolver.Close()
			return nil, err
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown driver mode %q", cfg.Mode)
	}
}

func newResolver(cfg config.DriverConfig, logger *slog.Logger) (*driver.Resolver, error) {
	timeout := time.Duration(cfg.DownloadTimeoutMS) * time.Millisecond
	return driver.NewResolver(cfg.CacheDir, &http.Client{Timeout: timeout}, timeout, logger)
}
