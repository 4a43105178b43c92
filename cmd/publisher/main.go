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
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/whip-client/pkg/config"
	"github.com/livekit/whip-client/pkg/errors"
	"github.com/livekit/whip-client/pkg/media"
	"github.com/livekit/whip-client/pkg/params"
	"github.com/livekit/whip-client/pkg/stats"
	"github.com/livekit/whip-client/pkg/whip"
	"github.com/livekit/whip-client/version"
)

const closeTimeout = 5 * time.Second

func main() {
	cmd := &cli.Command{
		Name:        "whip-publisher",
		Usage:       "WHIP publisher",
		Version:     version.Version,
		Description: "publish a video stream to a WHIP endpoint",
		Commands: []*cli.Command{
			{
				Name:   "codecs",
				Usage:  "list supported video codecs and framerates",
				Action: listCodecs,
			},
		},
		Flags:  publisherFlags(),
		Action: runPublisher,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func publisherFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "yaml config file",
			Sources: cli.EnvVars("WHIP_CONFIG_FILE"),
		},
		&cli.StringFlag{
			Name:    "config-body",
			Usage:   "yaml config body",
			Sources: cli.EnvVars("WHIP_CONFIG_BODY"),
		},
		&cli.StringFlag{
			Name:  "url",
			Usage: "WHIP endpoint url",
		},
		&cli.StringFlag{
			Name:  "codec",
			Usage: "preferred video codec, ie. H264, VP8, VP9, AV1",
		},
		&cli.IntFlag{
			Name:  "bitrate",
			Usage: "video bitrate in kbps",
		},
		&cli.IntFlag{
			Name:  "framerate",
			Usage: "video framerate",
		},
		&cli.BoolFlag{
			Name:  "simulcast",
			Usage: "send low, mid and high layers",
		},
		&cli.StringFlag{
			Name:  "source",
			Usage: "IVF or Annex-B H264 file to send",
		},
		&cli.StringSliceFlag{
			Name:  "ice-server",
			Usage: `relay directive, ie. <turn:host:3478>; username="u"; credential="c"`,
		},
		&cli.BoolFlag{
			Name:  "relay-only",
			Usage: "only use relay candidates",
		},
	}
}

func runPublisher(ctx context.Context, c *cli.Command) error {
	conf, err := getConfig(c)
	if err != nil {
		return err
	}
	if err = applyFlags(c, conf); err != nil {
		return err
	}

	if err = conf.InitLogger("app", "whip-publisher"); err != nil {
		return err
	}

	p, err := params.FromConfig(conf)
	if err != nil {
		return err
	}

	monitor := stats.NewMonitor()
	if err = setupMetrics(conf, monitor); err != nil {
		return err
	}

	opts := []media.EngineOption{
		media.WithRelayOnly(conf.RelayOnly),
		media.WithLoopbackCandidate(conf.EnableLoopbackCandidate),
	}
	if len(conf.ICEPortRange) == 2 {
		opts = append(opts, media.WithICEPortRange(conf.ICEPortRange[0], conf.ICEPortRange[1]))
	}
	engine := media.NewEngine(p, opts...)

	transport := whip.NewHTTPTransport(&http.Client{Timeout: conf.HTTPTimeout}, conf.UserAgent)
	client, err := whip.NewClient(p, engine, whip.WithTransport(transport), whip.WithMonitor(monitor))
	if err != nil {
		return err
	}

	createCtx, cancel := context.WithTimeout(ctx, conf.GatherTimeout+conf.HTTPTimeout)
	err = client.CreateSession(createCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Infow("publishing", "params", p.String(), "location", client.ResourceLocation())

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-stopChan
	logger.Infow("exit requested, closing WHIP session", "signal", sig)

	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	client.CloseSession(closeCtx)

	if err = client.LastError(); err != nil {
		logger.Warnw("WHIP session closed with error", err)
	}
	return nil
}

func applyFlags(c *cli.Command, conf *config.Config) error {
	if url := c.String("url"); url != "" {
		conf.EndpointURL = url
	}
	if codec := c.String("codec"); codec != "" {
		conf.VideoCodec = &config.CodecConfig{Name: codec}
	}
	if bitrate := c.Int("bitrate"); bitrate > 0 {
		if int64(bitrate) > math.MaxInt32 {
			return fmt.Errorf("%w: bitrate %d out of range", errors.ErrInvalidSettings, bitrate)
		}
		conf.VideoBitrate = int32(bitrate)
	}
	if framerate := c.Int("framerate"); framerate > 0 {
		if int64(framerate) > math.MaxInt16 {
			return fmt.Errorf("%w: framerate %d out of range", errors.ErrInvalidSettings, framerate)
		}
		conf.Framerate = int16(framerate)
	}
	if c.IsSet("simulcast") {
		conf.Simulcast = c.Bool("simulcast")
	}
	if source := c.String("source"); source != "" {
		conf.MediaSource = source
	}
	if servers := c.StringSlice("ice-server"); len(servers) > 0 {
		conf.ICEServers = servers
	}
	if c.IsSet("relay-only") {
		conf.RelayOnly = c.Bool("relay-only")
	}
	return nil
}

func setupMetrics(conf *config.Config, monitor *stats.Monitor) error {
	if conf.PrometheusPort == 0 {
		return nil
	}

	registry := prometheus.NewRegistry()
	if err := monitor.Register(registry); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		_ = http.ListenAndServe(fmt.Sprintf(":%d", conf.PrometheusPort), mux)
	}()

	return nil
}

func listCodecs(_ context.Context, _ *cli.Command) error {
	for _, codec := range params.AvailableCodecs() {
		fmt.Printf("%-24s %s\n", codec.String(), media.FmtpLine(codec.Parameters))
	}
	fmt.Printf("framerates: %v\n", params.AvailableFramerates())
	return nil
}

func getConfig(c *cli.Command) (*config.Config, error) {
	configFile := c.String("config")
	configBody := c.String("config-body")
	if configBody == "" && configFile != "" {
		content, err := os.ReadFile(configFile)
		if err != nil {
			return nil, err
		}
		configBody = string(content)
	}

	conf, err := config.NewConfig(configBody)
	if err != nil {
		return nil, err
	}
	if configBody == "" && c.String("url") == "" && conf.EndpointURL == "" {
		return nil, errors.ErrNoConfig
	}
	return conf, nil
}
