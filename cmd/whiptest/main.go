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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whip-client/pkg/config"
	"github.com/livekit/whip-client/pkg/endpoint"
	"github.com/livekit/whip-client/version"
)

func main() {
	cmd := &cli.Command{
		Name:        "whiptest",
		Usage:       "WHIP test endpoint",
		Version:     version.Version,
		Description: "accepts WHIP publishers and receives their media with pion",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "yaml config file",
				Sources: cli.EnvVars("WHIP_CONFIG_FILE"),
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "WHIP port",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(_ context.Context, c *cli.Command) error {
	var body string
	if f := c.String("config"); f != "" {
		content, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		body = string(content)
	}

	conf, err := config.NewConfig(body)
	if err != nil {
		return err
	}
	if port := c.Int("port"); port > 0 {
		conf.WHIPPort = int(port)
	}
	if err = conf.InitLogger("app", "whiptest"); err != nil {
		return err
	}

	srv := endpoint.NewServer(conf, endpoint.NewPionAnswerer(conf))
	if err = srv.Start(); err != nil {
		return err
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stopChan
	logger.Infow("exit requested, shutting down", "signal", sig, "created", srv.Created(), "deleted", srv.Deleted())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}
