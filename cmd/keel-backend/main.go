// Copyright 2024 KeelDB, Inc.
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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/keeldb/keel/pkg/config"
	"github.com/keeldb/keel/pkg/execenv"
	"github.com/keeldb/keel/pkg/metrics"
	"github.com/keeldb/keel/pkg/util/logutil"
)

var (
	configPath = flag.String("config", "", "config file path")
	logLevel   = flag.String("L", logutil.DefaultLogLevel, "log level: debug, info, warn, error, fatal")
)

func main() {
	flag.Parse()

	cfg := config.NewConfig()
	if *configPath != "" {
		if err := cfg.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
	}
	if err := cfg.Valid(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}
	if err := logutil.InitLogger(logutil.NewLogConfig(*logLevel, logutil.DefaultLogFormat, log.FileLogConfig{})); err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}

	metrics.RegisterMetrics(prometheus.DefaultRegisterer)

	env := execenv.New(cfg)
	env.Start(context.Background())
	logutil.BgLogger().Info("keel backend started",
		zap.Int("driver_limit", cfg.DriverLimit),
		zap.Int("max_pipeline_dop", cfg.MaxPipelineDOP))

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sc
	logutil.BgLogger().Info("shutting down", zap.String("signal", sig.String()))

	env.Stop()
}
