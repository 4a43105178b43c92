// Copyright 2024 LiveKit, Inc.
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


//go:build integration

package test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/livekit/whip-client/pkg/config"
)

type TestConfig struct {
	*config.Config `yaml:",inline"`
	SingleOnly     bool `yaml:"single_only"`
	SimulcastOnly  bool `yaml:"simulcast_only"`
}

func getConfig(t *testing.T) *TestConfig {
	confString := os.Getenv("WHIP_CONFIG_BODY")
	if confString == "" {
		if confFile := os.Getenv("WHIP_CONFIG_FILE"); confFile != "" {
			b, err := os.ReadFile(confFile)
			require.NoError(t, err)
			confString = string(b)
		}
	}

	conf, err := config.NewConfig(confString)
	require.NoError(t, err)

	tc := &TestConfig{Config: conf}
	require.NoError(t, yaml.Unmarshal([]byte(confString), tc))
	tc.EnableLoopbackCandidate = true
	require.NoError(t, tc.InitLogger("test", "integration"))

	return tc
}

func RunTestSuite(t *testing.T, conf *TestConfig) {
	if !conf.SimulcastOnly {
		for _, codec := range []string{"VP8", "H264"} {
			t.Run("single/"+codec, func(t *testing.T) {
				RunPublishTest(t, conf, codec, false)
			})
		}
	}
	if !conf.SingleOnly {
		t.Run("simulcast/VP8", func(t *testing.T) {
			RunPublishTest(t, conf, "VP8", true)
		})
	}
}
