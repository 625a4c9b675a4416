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

package tlsconf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModeSetAcceptsKnownValues(t *testing.T) {
	var m Mode
	for _, s := range []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"} {
		require.NoError(t, m.Set(s))
		require.Equal(t, s, m.String())
	}
}

func TestModeSetRejectsUnknownValue(t *testing.T) {
	var m Mode
	require.Error(t, m.Set("nonsense"))
}

func TestClientConfigAllowAndPreferSkipVerification(t *testing.T) {
	for _, mode := range []Mode{ModeAllow, ModePrefer} {
		cfg, err := ClientConfig(mode, Files{}, "db.example.com")
		require.NoError(t, err)
		require.True(t, cfg.InsecureSkipVerify)
	}
}

func TestClientConfigDisableReturnsNilConfig(t *testing.T) {
	cfg, err := ClientConfig(ModeDisable, Files{}, "db.example.com")
	require.NoError(t, err)
	require.Nil(t, cfg)
}

func TestClientConfigRequireSkipsVerification(t *testing.T) {
	cfg, err := ClientConfig(ModeRequire, Files{}, "db.example.com")
	require.NoError(t, err)
	require.True(t, cfg.InsecureSkipVerify)
}

func TestClientConfigVerifyCAWithoutCAFileErrors(t *testing.T) {
	_, err := ClientConfig(ModeVerifyCA, Files{}, "db.example.com")
	require.Error(t, err)
}

func TestServerConfigRequiresCertAndKey(t *testing.T) {
	_, err := ServerConfig(Files{})
	require.Error(t, err)
}
