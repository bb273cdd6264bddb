package archive

import (
	"context"
	"errors"
	"fmt"
	"github.com/cavaliergopher/grab/v3"
	"github.com/kittenbark/tg-filestore/internal/store"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
)

var ErrNoThumbnail = errors.New("archive: no custom thumbnail")

func (arch *Archive) SetDeleteDelay(ctx context.Context, minutes int) (store.Settings, error) {
	if minutes <= 0 {
		return store.Settings{}, fmt.Errorf("archive: delete delay must be positive, got %d", minutes)
	}
	return arch.updateSettings(ctx, func(settings *store.Settings) error {
		settings.DeleteDelaySeconds = minutes * 60
		return nil
	})
}

// SetAlertTemplate stores the notice template as is, a template without {time} renders
// literally.
func (arch *Archive) SetAlertTemplate(ctx context.Context, template string) (store.Settings, error) {
	if strings.TrimSpace(template) == "" {
		return store.Settings{}, errors.New("archive: empty alert template")
	}
	return arch.updateSettings(ctx, func(settings *store.Settings) error {
		settings.AlertTemplate = template
		return nil
	})
}

// SetThumbnail downloads the image at rawURL into the data dir and remembers its path. The
// thumbnail is only stored and shown back by /thumb and /status: deliveries are server-side
// copies, which keep the archived media as is.
func (arch *Archive) SetThumbnail(ctx context.Context, rawURL string) (store.Settings, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return store.Settings{}, fmt.Errorf("archive: thumbnail url must be http(s), got %q", rawURL)
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		ext = ".jpg"
	}
	if err := os.MkdirAll(arch.cfg.Data, os.ModePerm); err != nil {
		return store.Settings{}, fmt.Errorf("archive: mkdir data, %w", err)
	}

	// a fresh file per download, grab treats an existing file of the same size as done
	file, err := os.CreateTemp(arch.cfg.Data, "thumbnail_*"+ext)
	if err != nil {
		return store.Settings{}, fmt.Errorf("archive: create thumbnail, %w", err)
	}
	_ = file.Close()

	req, err := grab.NewRequest(file.Name(), rawURL)
	if err != nil {
		_ = os.Remove(file.Name())
		return store.Settings{}, fmt.Errorf("grab: thumbnail request, %w (%s)", err, rawURL)
	}
	req.NoResume = true
	resp := grab.DefaultClient.Do(req.WithContext(ctx))
	if err := resp.Err(); err != nil {
		_ = os.Remove(file.Name())
		return store.Settings{}, fmt.Errorf("grab: get thumbnail, %w (%s)", err, rawURL)
	}
	slog.Info("archive#thumbnail", "file", resp.Filename, "size", resp.Size())

	return arch.updateSettings(ctx, func(settings *store.Settings) error {
		if settings.ThumbnailRef != "" && settings.ThumbnailRef != resp.Filename {
			_ = os.Remove(settings.ThumbnailRef)
		}
		settings.ThumbnailRef = resp.Filename
		return nil
	})
}

func (arch *Archive) ClearThumbnail(ctx context.Context) (store.Settings, error) {
	return arch.updateSettings(ctx, func(settings *store.Settings) error {
		if settings.ThumbnailRef == "" {
			return ErrNoThumbnail
		}
		if err := os.Remove(settings.ThumbnailRef); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("archive#thumbnail_remove", "file", settings.ThumbnailRef, "err", err)
		}
		settings.ThumbnailRef = ""
		return nil
	})
}

func (arch *Archive) updateSettings(ctx context.Context, update func(settings *store.Settings) error) (store.Settings, error) {
	arch.settingsMu.Lock()
	defer arch.settingsMu.Unlock()

	settings, err := arch.Settings(ctx)
	if err != nil {
		return settings, err
	}
	if err := update(&settings); err != nil {
		return settings, err
	}
	if err := arch.store.SaveSettings(ctx, settings); err != nil {
		return settings, fmt.Errorf("archive: save settings, %w", err)
	}
	return settings, nil
}
