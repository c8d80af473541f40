// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/consul"
	"github.com/knadh/koanf/providers/etcd"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// SourceType selects where configuration is read from.
type SourceType string

const (
	SourceFile      SourceType = "file"
	SourceConsul    SourceType = "consul"
	SourceEtcd      SourceType = "etcd"
	SourceZookeeper SourceType = "zookeeper"
)

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Type SourceType

	// Path is the file path, or the key for remote backends.
	Path string

	// Endpoints for remote backends. Defaults per backend when empty.
	Endpoints []string

	// Watch enables hot reload; OnChange receives each reloaded config.
	Watch    bool
	OnChange func(*Config) error
}

// Loader reads, expands, and unmarshals configuration through koanf.
type Loader struct {
	koanf    *koanf.Koanf
	options  LoaderOptions
	parser   *yaml.YAML
	stopChan chan struct{}
	logger   *slog.Logger
}

// NewLoader creates a Loader. Path is required.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	if opts.Type == "" {
		opts.Type = SourceFile
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if len(opts.Endpoints) == 0 {
		switch opts.Type {
		case SourceConsul:
			opts.Endpoints = []string{"localhost:8500"}
		case SourceEtcd:
			opts.Endpoints = []string{"localhost:2379"}
		case SourceZookeeper:
			opts.Endpoints = []string{"localhost:2181"}
		}
	}
	return &Loader{
		koanf:    koanf.New("."),
		options:  opts,
		parser:   yaml.Parser(),
		stopChan: make(chan struct{}),
		logger:   slog.Default(),
	}, nil
}

func (l *Loader) provider() (koanf.Provider, error) {
	switch l.options.Type {
	case SourceFile:
		return file.Provider(l.options.Path), nil
	case SourceConsul:
		consulConfig := api.DefaultConfig()
		consulConfig.Address = l.options.Endpoints[0]
		return consul.Provider(consul.Config{
			Cfg: consulConfig,
			Key: l.options.Path,
		}), nil
	case SourceEtcd:
		return etcd.Provider(etcd.Config{
			Endpoints:   l.options.Endpoints,
			DialTimeout: 5 * time.Second,
			Key:         l.options.Path,
		}), nil
	case SourceZookeeper:
		zkProvider, err := NewZookeeperProvider(l.options.Endpoints, l.options.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create zookeeper provider: %w", err)
		}
		return zkProvider, nil
	default:
		return nil, fmt.Errorf("unsupported config source: %s", l.options.Type)
	}
}

// file and zookeeper deliver raw yaml bytes; consul and etcd providers
// return parsed maps already.
func (l *Loader) parserFor() koanf.Parser {
	if l.options.Type == SourceFile || l.options.Type == SourceZookeeper {
		return l.parser
	}
	return nil
}

// Load reads the configuration once and starts the watcher when enabled.
func (l *Loader) Load() (*Config, error) {
	provider, err := l.provider()
	if err != nil {
		return nil, err
	}
	if err := l.koanf.Load(provider, l.parserFor()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", l.options.Type, err)
	}
	if err := l.expandEnvVarsInKoanf(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}
	cfg, err := l.unmarshalAndProcess()
	if err != nil {
		return nil, err
	}
	if l.options.Watch {
		go l.watch(provider)
	}
	return cfg, nil
}

// Watcher is the optional koanf provider watch surface.
type Watcher interface {
	Watch(cb func(event interface{}, err error)) error
}

func (l *Loader) watch(provider koanf.Provider) {
	watcher, ok := provider.(Watcher)
	if !ok {
		l.logger.Warn("config provider does not support watching", "source", l.options.Type)
		return
	}

	l.logger.Info("config watcher started", "source", l.options.Type)

	err := watcher.Watch(func(event interface{}, err error) {
		select {
		case <-l.stopChan:
			return
		default:
		}
		if err != nil {
			l.logger.Warn("config watch error", "error", err)
			return
		}

		fresh := koanf.New(".")
		if err := fresh.Load(provider, l.parserFor()); err != nil {
			l.logger.Warn("config reload failed", "error", err)
			return
		}
		l.koanf = fresh
		if err := l.expandEnvVarsInKoanf(); err != nil {
			l.logger.Warn("env expansion failed on reload", "error", err)
			return
		}
		newCfg, err := l.unmarshalAndProcess()
		if err != nil {
			l.logger.Warn("reloaded config rejected", "error", err)
			return
		}
		if l.options.OnChange == nil {
			l.logger.Warn("config changed but no OnChange callback registered")
			return
		}
		if err := l.options.OnChange(newCfg); err != nil {
			l.logger.Warn("config change callback failed", "error", err)
			return
		}
		l.logger.Info("configuration reloaded", "source", l.options.Type)
	})
	if err != nil {
		l.logger.Warn("config watch stopped", "error", err)
	}
}

func (l *Loader) unmarshalAndProcess() (*Config, error) {
	cfg := &Config{}
	if err := l.koanf.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "yaml",
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (l *Loader) expandEnvVarsInKoanf() error {
	expanded := ExpandEnvVarsInData(l.koanf.Raw())
	expandedMap, ok := expanded.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected type after env var expansion")
	}
	fresh := koanf.New(".")
	if err := fresh.Load(confmap.Provider(expandedMap, "."), nil); err != nil {
		return fmt.Errorf("failed to load expanded config: %w", err)
	}
	l.koanf = fresh
	return nil
}

// Stop ends the watch goroutine.
func (l *Loader) Stop() {
	close(l.stopChan)
}

// SetOnChange installs or replaces the reload callback.
func (l *Loader) SetOnChange(callback func(*Config) error) {
	l.options.OnChange = callback
}

// Load reads config with a one-shot loader.
func Load(opts LoaderOptions) (*Config, error) {
	cfg, _, err := LoadWithLoader(opts)
	return cfg, err
}

// LoadWithLoader reads config and returns the loader for watch control.
func LoadWithLoader(opts LoaderOptions) (*Config, *Loader, error) {
	loader, err := NewLoader(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create loader: %w", err)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}

// ParseSourceType parses a source type string.
func ParseSourceType(s string) (SourceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file":
		return SourceFile, nil
	case "consul":
		return SourceConsul, nil
	case "etcd":
		return SourceEtcd, nil
	case "zookeeper", "zk":
		return SourceZookeeper, nil
	default:
		return "", fmt.Errorf("invalid config source: %s (valid: file, consul, etcd, zookeeper)", s)
	}
}
