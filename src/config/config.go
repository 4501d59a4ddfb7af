// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"indexbatcher/src/logging"
)

// Settings holds the process configuration read from the environment.
type Settings struct {
	CatalogPath     string
	InputDir        string
	IndexDir        string
	WorkDir         string
	SkipExistingDir string
	InputExtensions []string
	TargetSuffix    string

	DockerSlots           int
	ContainerPollInterval time.Duration
	CloudPollInterval     time.Duration
	CloudSubmitDelay      time.Duration
	CloudFetchMaxAttempts int
	CloudFetchBackoff     time.Duration
	CloudFetchMaxBackoff  time.Duration
	DrainTimeout          time.Duration

	APIPort      string
	LedgerDSN    string
	BatchCron    string
	GeneratorCmd []string
}

// Load reads an optional .env file and then the environment.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Settings{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv), nil
}

// FromEnv builds Settings from a lookup function, applying defaults.
func FromEnv(getenv func(string) string) Settings {
	s := Settings{
		CatalogPath:     getenv("BATCH_CONFIG"),
		InputDir:        getenv("INPUT_DIR"),
		IndexDir:        getenv("INDEX_DIR"),
		WorkDir:         getenv("WORK_DIR"),
		SkipExistingDir: getenv("SKIP_EXISTING_DIR"),
		TargetSuffix:    stringOr(getenv("TARGET_SUFFIX"), "_2.obf"),
		APIPort:         getenv("API_PORT"),
		LedgerDSN:       getenv("LEDGER_DSN"),
		BatchCron:       strings.TrimSpace(getenv("BATCH_CRON")),

		DockerSlots:           intOr(getenv, "DOCKER_SLOTS", 4),
		ContainerPollInterval: durationOr(getenv, "CONTAINER_POLL_INTERVAL", 15*time.Second),
		CloudPollInterval:     durationOr(getenv, "CLOUD_POLL_INTERVAL", 30*time.Second),
		CloudSubmitDelay:      durationOr(getenv, "CLOUD_SUBMIT_DELAY", time.Second),
		CloudFetchMaxAttempts: intOr(getenv, "CLOUD_FETCH_MAX_ATTEMPTS", 10),
		CloudFetchBackoff:     durationOr(getenv, "CLOUD_FETCH_BACKOFF", 30*time.Second),
		CloudFetchMaxBackoff:  durationOr(getenv, "CLOUD_FETCH_MAX_BACKOFF", 10*time.Minute),
		DrainTimeout:          durationOr(getenv, "DRAIN_TIMEOUT", 0),
	}
	exts := stringOr(getenv("INPUT_EXTENSIONS"), ".osm,.osm.bz2,.osm.pbf")
	for _, e := range strings.Split(exts, ",") {
		if e = strings.TrimSpace(e); e != "" {
			s.InputExtensions = append(s.InputExtensions, e)
		}
	}
	if s.WorkDir == "" {
		s.WorkDir = s.IndexDir
	}
	if cmd := strings.TrimSpace(getenv("GENERATOR_CMD")); cmd != "" {
		s.GeneratorCmd = strings.Fields(cmd)
	}
	return s
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func intOr(getenv func(string) string, key string, def int) int {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %d: %v", key, raw, def, err), slog.LevelWarn)
		return def
	}
	return v
}

func durationOr(getenv func(string) string, key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %s: %v", key, raw, def, err), slog.LevelWarn)
		return def
	}
	return d
}
