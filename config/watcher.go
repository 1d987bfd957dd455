package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FileWatcher 监听配置文件，变化稳定 debounce 之后回调一次。
// 默认使用 fsnotify 监听所在目录（兼容编辑器的改名替换写法），不可用时退回轮询。
type FileWatcher struct {
	path     string
	interval time.Duration
	debounce time.Duration
	polling  bool
	logger   *zap.Logger
}

// WatcherOption 配置 FileWatcher
type WatcherOption func(*FileWatcher)

// WithPollInterval 轮询间隔，默认 1s
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithPolling 强制使用轮询
func WithPolling() WatcherOption {
	return func(w *FileWatcher) { w.polling = true }
}

// WithDebounceDelay 去抖延迟，默认 100ms
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *FileWatcher) { w.debounce = d }
}

// WithWatcherLogger 设置日志
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *FileWatcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewFileWatcher 创建监听器，文件必须已存在
func NewFileWatcher(path string, opts ...WatcherOption) (*FileWatcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	w := &FileWatcher{
		path:     abs,
		interval: time.Second,
		debounce: 100 * time.Millisecond,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("component", "config_watcher"), zap.String("path", abs))
	return w, nil
}

// Run 阻塞直到 ctx 取消。文件被删除时不回调，重新出现后按修改处理。
func (w *FileWatcher) Run(ctx context.Context, onChange func()) error {
	if w.polling {
		return w.poll(ctx, onChange)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, falling back to polling", zap.Error(err))
		return w.poll(ctx, onChange)
	}
	defer fsw.Close()
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("cannot watch config dir, falling back to polling", zap.Error(err))
		return w.poll(ctx, onChange)
	}
	return w.notify(ctx, fsw, onChange)
}

func (w *FileWatcher) notify(ctx context.Context, fsw *fsnotify.Watcher, onChange func()) error {
	// 每次事件重新计时，nil 表示没有待处理的变化
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !w.stat().exists {
				fire = nil
				w.logger.Warn("config file disappeared")
				continue
			}
			fire = time.After(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))

		case <-fire:
			fire = nil
			w.logger.Info("config file changed")
			onChange()
		}
	}
}

type fileState struct {
	modTime time.Time
	size    int64
	exists  bool
}

func (w *FileWatcher) stat() fileState {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileState{}
	}
	return fileState{modTime: info.ModTime(), size: info.Size(), exists: true}
}

// poll 比较修改时间、大小与存在性
func (w *FileWatcher) poll(ctx context.Context, onChange func()) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	last := w.stat()
	var pendingSince time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		cur := w.stat()
		if cur != last {
			last = cur
			if cur.exists {
				pendingSince = time.Now()
			} else {
				w.logger.Warn("config file disappeared")
				pendingSince = time.Time{}
			}
			continue
		}
		if !pendingSince.IsZero() && time.Since(pendingSince) >= w.debounce {
			pendingSince = time.Time{}
			w.logger.Info("config file changed")
			onChange()
		}
	}
}
