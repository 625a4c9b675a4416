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

package confval

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestConfigureReturnsDefaultBeforeBinding(t *testing.T) {
	reg := NewRegistry()
	v := Configure(reg, "server_connect_timeout", Options[time.Duration]{Default: 5 * time.Second})
	require.Equal(t, 5*time.Second, v.Get())
	require.Equal(t, 5*time.Second, v.Default())
}

func TestBindFlagsPrefersFlagOverDefault(t *testing.T) {
	reg := NewRegistry()
	v := Configure(reg, "listen_port", Options[int]{Default: 6432, FlagName: "listen-port"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("listen-port", 6432, "")
	require.NoError(t, fs.Set("listen-port", "5555"))

	require.NoError(t, BindFlags(reg, fs))
	require.Equal(t, 5555, v.Get())
}

func TestBindFlagsErrorsOnMissingFlag(t *testing.T) {
	reg := NewRegistry()
	Configure(reg, "listen_port", Options[int]{Default: 6432, FlagName: "listen-port"})

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.Error(t, BindFlags(reg, fs))
}

func TestLoadFileMissingPathIsNotAnError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.LoadFile(""))
}

func TestLoadFileMissingFileIsNotAnError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.LoadFile("/nonexistent/pgconduit.yaml"))
}

func TestValueDecodeHookFallsBackToDefaultOnError(t *testing.T) {
	reg := NewRegistry()
	v := Configure(reg, "pool_mode", Options[string]{
		Default: "session",
		Decode: func(_ *viper.Viper, _ string) (string, error) {
			return "", errors.New("decode failed")
		},
	})
	require.Equal(t, "session", v.Get())
}
