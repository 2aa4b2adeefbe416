// Copyright 2026 The Fightclaw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/BGCIV/fightclaw/migrate"
	"github.com/BGCIV/fightclaw/server"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.0.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	// Local development convenience; missing .env files are not an error.
	_ = godotenv.Load()

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version":
			fmt.Println(semver)
			return
		case "migrate":
			migrate.Parse(os.Args[2:], tmpLogger)
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Fightclaw starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Database connection", zap.String("dsn", config.GetDatabase().Address))

	db := server.DbConnect(startupLogger, config)

	// Check migration status and fail fast if the schema has diverged.
	migrate.StartupCheck(startupLogger, db)

	// Start up server components.
	metrics := server.NewMetrics()
	metrics.StartServer(startupLogger, config)

	store := server.NewPgStore(logger, db, config)
	engine := server.NewSkirmishEngine()
	matchRegistry := server.NewMatchRegistry(logger, config, store, engine, metrics)
	matchmaker := server.NewMatchmaker(logger, config, store, matchRegistry, metrics)
	apiServer := server.StartApiServer(logger, startupLogger, config, store, store, matchmaker, matchRegistry, metrics)

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c

	startupLogger.Info("Shutting down")

	apiServer.Stop()
	matchmaker.Stop()
	matchRegistry.Stop()
	metrics.Stop(logger)

	if err := db.Close(); err != nil {
		logger.Warn("Failed to close database", zap.Error(err))
	}

	startupLogger.Info("Shutdown complete")
	os.Exit(0)
}
