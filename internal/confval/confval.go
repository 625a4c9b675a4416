// Copyright 2025 Supabase, Inc.
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

// Package confval binds configuration keys to pflag flags, environment
// variables, and an optional config file, through a single viper instance
// per Registry. It is a smaller cousin of the teacher's viperutil: one
// registry, no separate static/dynamic split, since this proxy has no
// debugenv-style live config surface to protect from runtime mutation.
package confval

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registry owns one viper instance and every Value bound to it.
type Registry struct {
	v      *viper.Viper
	values []bindable
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Registry{v: v}
}

// bindable is the part of Value[T] that BindFlags needs without knowing T.
type bindable interface {
	key() string
	flagName() string
}

// Value reads one configuration key out of a Registry, applying the
// Registry's precedence: flag > env var > config file > default.
type Value[T any] struct {
	reg       *Registry
	keyName   string
	flagName_ string
	decode    func(v *viper.Viper, key string) (T, error)
	def       T
}

// Options configures a single Configure call.
type Options[T any] struct {
	Default  T
	FlagName string
	EnvVar   string
	// Decode overrides how the value is unmarshalled out of viper, for enum
	// types that implement pflag.Value (pool.Mode, tlsconf.Mode).
	Decode func(v *viper.Viper, key string) (T, error)
}

// Configure registers key on reg and returns a handle to read it back.
func Configure[T any](reg *Registry, key string, opts Options[T]) *Value[T] {
	reg.v.SetDefault(key, opts.Default)
	if opts.EnvVar != "" {
		_ = reg.v.BindEnv(key, opts.EnvVar)
	}
	val := &Value[T]{
		reg:       reg,
		keyName:   key,
		flagName_: opts.FlagName,
		decode:    opts.Decode,
		def:       opts.Default,
	}
	reg.values = append(reg.values, val)
	return val
}

func (val *Value[T]) key() string      { return val.keyName }
func (val *Value[T]) flagName() string { return val.flagName_ }

// Default returns the value's configured default.
func (val *Value[T]) Default() T { return val.def }

// Get reads the current value, applying flag/env/config-file/default
// precedence as resolved by viper.
func (val *Value[T]) Get() T {
	if val.decode != nil {
		v, err := val.decode(val.reg.v, val.keyName)
		if err == nil {
			return v
		}
		return val.def
	}
	var out T
	if err := val.reg.v.UnmarshalKey(val.keyName, &out, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(mapstructure.StringToTimeDurationHookFunc()),
	)); err != nil {
		return val.def
	}
	return out
}

// BindFlags binds fs to a flag named after each Value that requested one, via
// pflag's flag-to-viper wiring. Call once, after all Configure calls and
// before the command runs.
func BindFlags(reg *Registry, fs *pflag.FlagSet) error {
	for _, val := range reg.values {
		if val.flagName() == "" {
			continue
		}
		f := fs.Lookup(val.flagName())
		if f == nil {
			return fmt.Errorf("confval: no flag %q registered for key %q", val.flagName(), val.key())
		}
		if err := reg.v.BindPFlag(val.key(), f); err != nil {
			return fmt.Errorf("confval: binding flag %q to key %q: %w", val.flagName(), val.key(), err)
		}
	}
	return nil
}

// LoadFile reads a config file at path into the registry, if path is
// non-empty. Missing files are not an error: flags, env vars, and defaults
// are a complete configuration on their own.
func (reg *Registry) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	reg.v.SetConfigFile(path)
	if err := reg.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("confval: reading config file %s: %w", path, err)
	}
	return nil
}

// Viper exposes the underlying viper instance for callers that need direct
// access (e.g. a future debug/status endpoint dumping all settings).
func (reg *Registry) Viper() *viper.Viper { return reg.v }

// WatchFile re-reads the loaded config file on every change, notified via
// fsnotify under the hood, and invokes onChange afterward. onChange receives
// no arguments: which keys changed is not reported. Call only after a
// successful LoadFile with a non-empty path.
func (reg *Registry) WatchFile(onChange func()) {
	reg.v.OnConfigChange(func(in fsnotify.Event) {
		if onChange != nil {
			onChange()
		}
	})
	reg.v.WatchConfig()
}
