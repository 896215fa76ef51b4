// Package eclpconfig is eclpd's on-disk daemon configuration: module/port
// topology plus scheduler and logging tunables, grounded on
// internal/config/config.go's atomic-write-plus-change-notification shape
// and internal/probing/config.go's Validate()-defaults-and-clamps pattern.
//
// Link identity and module/port topology are not reloadable at runtime —
// changing them would mean tearing down and recreating every Link, which
// eclpd does not support mid-flight (spec.md §3's "the object is destroyed
// when the port is removed" lifecycle is an explicit operator action, not an
// implicit config-reload side effect). Reload replaces only the scheduler
// intervals, log level, and metrics/control listen addresses.
package eclpconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultTickInterval    = 500 * time.Millisecond
	defaultTimeoutInterval = 5 * time.Second
	defaultLogLevel        = "info"
	defaultMetricsAddr     = "localhost:0"
	defaultControlAddr     = "localhost:8700"
)

// PortConfig names one physical link: the kernel interface it rides on and
// the stable port identifier the control surface and event surface address
// it by.
type PortConfig struct {
	PortID    string `yaml:"port_id"`
	Interface string `yaml:"interface"`
}

// Validate checks the required fields of one port entry.
func (p PortConfig) Validate() error {
	if p.PortID == "" {
		return errors.New("eclpconfig: port_id is required")
	}
	if p.Interface == "" {
		return fmt.Errorf("eclpconfig: port %q: interface is required", p.PortID)
	}
	return nil
}

// ModuleConfig is one alloc_driver-equivalent unit: a module ID plus the
// ports (links) it owns.
type ModuleConfig struct {
	ModuleID string       `yaml:"module_id"`
	Ports    []PortConfig `yaml:"ports"`
}

// Validate checks the module ID and every port entry, and rejects duplicate
// port IDs within the module.
func (m ModuleConfig) Validate() error {
	if m.ModuleID == "" {
		return errors.New("eclpconfig: module_id is required")
	}
	if len(m.Ports) == 0 {
		return fmt.Errorf("eclpconfig: module %q: at least one port is required", m.ModuleID)
	}
	seen := make(map[string]struct{}, len(m.Ports))
	for _, p := range m.Ports {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := seen[p.PortID]; dup {
			return fmt.Errorf("eclpconfig: module %q: duplicate port_id %q", m.ModuleID, p.PortID)
		}
		seen[p.PortID] = struct{}{}
	}
	return nil
}

// Config is eclpd's full daemon configuration.
type Config struct {
	Modules []ModuleConfig `yaml:"modules"`

	// TickInterval/TimeoutInterval feed internal/linkmgr.ManagerConfig
	// directly (spec.md §9's externally-driven scheduled task).
	TickInterval    time.Duration `yaml:"tick_interval"`
	TimeoutInterval time.Duration `yaml:"timeout_interval"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	ControlAddr string `yaml:"control_addr"`

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

// Validate fills defaults and enforces constraints, matching
// internal/probing/config.go's Validate contract.
func (c *Config) Validate() error {
	if len(c.Modules) == 0 {
		return errors.New("eclpconfig: at least one module is required")
	}
	seen := make(map[string]struct{}, len(c.Modules))
	for _, m := range c.Modules {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, dup := seen[m.ModuleID]; dup {
			return fmt.Errorf("eclpconfig: duplicate module_id %q", m.ModuleID)
		}
		seen[m.ModuleID] = struct{}{}
	}

	if c.TickInterval == 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.TickInterval < 0 {
		return errors.New("eclpconfig: tick_interval must be positive")
	}
	if c.TimeoutInterval == 0 {
		c.TimeoutInterval = defaultTimeoutInterval
	}
	if c.TimeoutInterval < 0 {
		return errors.New("eclpconfig: timeout_interval must be positive")
	}
	if c.TimeoutInterval <= c.TickInterval {
		return errors.New("eclpconfig: timeout_interval must be greater than tick_interval")
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = defaultMetricsAddr
	}
	if c.ControlAddr == "" {
		c.ControlAddr = defaultControlAddr
	}
	return nil
}

// Load reads and validates path, returning a live Config ready to hand to
// internal/linkmgr and cmd/eclpd.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eclpconfig: read %q: %w", path, err)
	}

	cfg := &Config{path: path, changedCh: make(chan struct{}, 1)}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("eclpconfig: decode %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Changed returns a channel that receives (coalesced) notifications after
// every successful Reload.
func (c *Config) Changed() <-chan struct{} {
	return c.changedCh
}

// Reload re-reads c's backing file and, if the module/port topology is
// unchanged, atomically applies the new scheduler/logging tunables and
// listen addresses and notifies subscribers. A topology change is rejected: eclpd does not
// support adding or removing links via config reload (see package doc).
func (c *Config) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("eclpconfig: reload %q: %w", c.path, err)
	}

	var next Config
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("eclpconfig: decode %q: %w", c.path, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if !sameTopology(c.Modules, next.Modules) {
		c.mu.Unlock()
		return errors.New("eclpconfig: reload: module/port topology changes are not supported")
	}
	c.TickInterval = next.TickInterval
	c.TimeoutInterval = next.TimeoutInterval
	c.LogLevel = next.LogLevel
	c.MetricsAddr = next.MetricsAddr
	c.ControlAddr = next.ControlAddr
	c.mu.Unlock()

	c.notifyChanged()
	return nil
}

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// GetTickInterval returns the current proactive-tick pacing under the
// read-reload lock.
func (c *Config) GetTickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TickInterval
}

// GetTimeoutInterval returns the current silence-before-TIMEOUT bound.
func (c *Config) GetTimeoutInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TimeoutInterval
}

// GetLogLevel returns the currently configured log level string.
func (c *Config) GetLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevel
}

func sameTopology(a, b []ModuleConfig) bool {
	if len(a) != len(b) {
		return false
	}
	idx := make(map[string]ModuleConfig, len(a))
	for _, m := range a {
		idx[m.ModuleID] = m
	}
	for _, m := range b {
		other, ok := idx[m.ModuleID]
		if !ok || len(other.Ports) != len(m.Ports) {
			return false
		}
		ports := make(map[string]string, len(other.Ports))
		for _, p := range other.Ports {
			ports[p.PortID] = p.Interface
		}
		for _, p := range m.Ports {
			if iface, ok := ports[p.PortID]; !ok || iface != p.Interface {
				return false
			}
		}
	}
	return true
}

// Save writes cfg to path atomically (temp file + rename), matching
// internal/config/config.go's saveLocked. Its only callers are tests
// constructing fixtures; the control surface does not persist anything.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("eclpconfig: marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".eclpd-cfg-*.tmp")
	if err != nil {
		return fmt.Errorf("eclpconfig: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("eclpconfig: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("eclpconfig: close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("eclpconfig: rename: %w", err)
	}
	return nil
}
