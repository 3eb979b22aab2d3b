// Package config loads and hot-reloads the proxy's TOML masking configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/pgshroud/pgshroud/internal/mask"
)

// File is the on-disk shape of the TOML configuration file.
type File struct {
	Masking MaskingSection `toml:"masking"`
}

// MaskingSection mirrors the `masking.*` keys of the config file.
type MaskingSection struct {
	Strategy string        `toml:"strategy"`
	Exclude  ColumnsSection `toml:"exclude"`
	Force    ColumnsSection `toml:"force"`
	Caviar   CaviarSection  `toml:"caviar"`
}

// ColumnsSection holds an ordered column-name list.
type ColumnsSection struct {
	Columns []string `toml:"columns"`
}

// CaviarSection holds the configurable Caviar mask length.
type CaviarSection struct {
	Length int `toml:"length"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a TOML config file with env var substitution, and
// returns the resulting masking configuration.
func Load(path string) (mask.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return mask.Config{}, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return mask.Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	cfg := toMaskConfig(f)
	if err := validate(cfg); err != nil {
		return mask.Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func toMaskConfig(f File) mask.Config {
	cfg := mask.Config{
		Strategy:       f.Masking.Strategy,
		ExcludeColumns: f.Masking.Exclude.Columns,
		ForceColumns:   f.Masking.Force.Columns,
		CaviarLength:   f.Masking.Caviar.Length,
	}
	if cfg.Strategy == "" {
		cfg.Strategy = mask.StrategyCaviar
	}
	if cfg.CaviarLength == 0 {
		cfg.CaviarLength = mask.DefaultCaviarLength
	}
	return cfg
}

func validate(cfg mask.Config) error {
	if cfg.Strategy != mask.StrategyCaviar && cfg.Strategy != mask.StrategyCaviarShape {
		return fmt.Errorf("unsupported masking.strategy %q", cfg.Strategy)
	}
	if cfg.CaviarLength < 0 {
		return fmt.Errorf("masking.caviar.length must be non-negative, got %d", cfg.CaviarLength)
	}
	return nil
}

// Watcher watches the config file for changes, debounces bursts of write
// events, and invokes onReload with each successfully reloaded masking
// configuration. A failed reload keeps the last-known-good configuration in
// effect and reports the error to onError.
type Watcher struct {
	path     string
	onReload func(mask.Config)
	onError  func(error)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher. onError may be nil.
func NewWatcher(path string, onReload func(mask.Config), onError func(error)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		onReload: onReload,
		onError:  onError,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		if cw.onError != nil {
			cw.onError(err)
		}
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.onReload(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
