// Copyright 2021-2022 The docwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/storage"
	"github.com/alwitt/docwatch/watch"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

type cmdArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	EtcdHost   string `validate:"required"`
	ResourceID string `validate:"required"`
	Threads    int    `validate:"gte=1"`
	Iterations int    `validate:"gte=1"`
}

var args cmdArgs

func main() {
	resourceID := fmt.Sprintf("bench/%s", uuid.New().String())

	app := &cli.App{
		Usage: "Measure watcher election cycles against etcd",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &args.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &args.LogLevel,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "etcd-host",
				Usage:       "ETCD server host name",
				EnvVars:     []string{"ETCD_HOST"},
				Aliases:     []string{"s"},
				Value:       "localhost:2379",
				DefaultText: "localhost:2379",
				Destination: &args.EtcdHost,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "resource",
				Usage:       "Resource ID the sessions compete to watch",
				EnvVars:     []string{"BENCH_RESOURCE"},
				Aliases:     []string{"r"},
				Value:       resourceID,
				DefaultText: resourceID,
				Destination: &args.ResourceID,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "threads",
				Usage:       "Number of competing sessions",
				EnvVars:     []string{"TEST_THREADS"},
				Aliases:     []string{"t"},
				Value:       2,
				DefaultText: "2",
				Destination: &args.Threads,
				Required:    false,
			},
			&cli.IntFlag{
				Name:        "iterations",
				Usage:       "Number of elect / release cycles per session",
				EnvVars:     []string{"TEST_ITERATIONS"},
				Aliases:     []string{"c"},
				Value:       10,
				DefaultText: "10",
				Destination: &args.Iterations,
				Required:    false,
			},
		},
		Action: runBenchmark,
	}

	err := app.Run(os.Args)
	if err != nil {
		log.WithError(err).Fatal("Program shutdown")
	}
}

// electionCycle one session joins the candidates, runs for leader, and leaves again
func electionCycle(
	ctx context.Context, store storage.Gateway, sessionID string, leaders *int32,
) (bool, bool, error) {
	target := storage.PromotionTarget{
		LeaderKey:    watch.WatcherKey(args.ResourceID),
		CandidateSet: watch.CandidatesKey(args.ResourceID),
	}
	if err := store.SetAdd(ctx, target.CandidateSet, sessionID); err != nil {
		return false, false, err
	}
	leader, err := store.SetIfAbsent(ctx, target.LeaderKey, sessionID, time.Minute)
	if err != nil {
		return false, false, err
	}
	won := leader == sessionID
	violated := false
	if won {
		// Held until just before the record is released
		violated = atomic.AddInt32(leaders, 1) > 1
	}
	err = store.SetRemove(ctx, target.CandidateSet, sessionID)
	if won {
		atomic.AddInt32(leaders, -1)
	}
	if err != nil {
		return won, violated, err
	}
	_, err = store.PromoteWatchers(ctx, sessionID, []storage.PromotionTarget{target})
	return won, violated, err
}

func runBenchmark(c *cli.Context) error {
	// Double check the input
	{
		validate := validator.New()
		if err := validate.Struct(&args); err != nil {
			return err
		}
	}

	// Prepare the logging
	if args.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch args.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}

	{
		tmp, _ := json.Marshal(&args)
		log.Debugf("Starting params %s", tmp)
	}

	// Define the test connections
	connections := make([]storage.Gateway, args.Threads)
	for itr := 0; itr < args.Threads; itr++ {
		store, err := storage.GetEtcdGateway(storage.EtcdGatewayParams{
			Endpoints:      []string{args.EtcdHost},
			DialTimeout:    time.Second,
			RequestTimeout: time.Second * 10,
			KeyPrefix:      "docwatch-bench/",
			Chooser:        common.GetRandomIndexChooser(0),
		})
		if err != nil {
			log.WithError(err).Errorf("Failed to create etcd gateway for %s", args.EtcdHost)
			return err
		}
		connections[itr] = store
	}

	// Start the tests
	var leaders int32
	var wins int32
	var violations int32
	testDurations := make([]time.Duration, args.Threads)
	wg := sync.WaitGroup{}
	testFunction := func(index int) {
		defer wg.Done()
		sessionID := fmt.Sprintf("bench-%d", index)
		startTime := time.Now()
		for itr := 0; itr < args.Iterations; itr++ {
			won, violated, err := electionCycle(
				context.Background(), connections[index], sessionID, &leaders,
			)
			if err != nil {
				log.WithError(err).Errorf("Election cycle of %s failed", sessionID)
			}
			if won {
				atomic.AddInt32(&wins, 1)
			}
			if violated {
				atomic.AddInt32(&violations, 1)
			}
		}
		testDurations[index] = time.Since(startTime)
	}
	wg.Add(args.Threads)
	for itr := 0; itr < args.Threads; itr++ {
		go testFunction(itr)
	}
	// Wait for all test threads to exit
	wg.Wait()

	// Get average elect / release time
	avgCycle := time.Second * 0
	for _, totalTime := range testDurations {
		avgCycle += totalTime / time.Duration(args.Iterations)
	}
	avgCycleMs := float64(avgCycle) / float64(time.Millisecond) / float64(args.Threads)
	log.Infof("AVG Elect / Release Cycle: %.03f ms", avgCycleMs)
	log.Infof("Elections won: %d of %d", wins, args.Threads*args.Iterations)

	for _, connection := range connections {
		if err := connection.Close(); err != nil {
			log.WithError(err).Errorf("Failed to close etcd gateway for %s", args.EtcdHost)
		}
	}

	if violations > 0 {
		return fmt.Errorf("observed %d cycles with more than one leader", violations)
	}
	return nil
}
