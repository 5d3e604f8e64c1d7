package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

const reloadDebounce = 300 * time.Millisecond

// Watch 监听配置文件，变化后重新加载并回调 onChange，直到 ctx 结束。
// 监听所在目录，编辑器以改名方式保存时也能收到事件。
// 加载失败只记录日志，保留旧配置。
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch init failed: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watch add failed: %w", err)
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		trigger := func() {
			cfg, err := Load(path)
			if err != nil {
				logger.Warnf("Config reload failed: %v", err)
				return
			}
			logger.Infof("Config reloaded from %s", path)
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				if debounce != nil {
					debounce.Stop()
				}
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(reloadDebounce, trigger)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warnf("Config watch error: %v", err)
			}
		}
	}()
	return nil
}
