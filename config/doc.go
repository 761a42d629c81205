// Copyright 2026 Cortexmux Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config loads and validates the orchestrator's configuration.

# Overview

Config is assembled from defaults, an optional YAML file, and environment
variable overrides, in that priority order. It covers per-provider settings
(ProvidersConfig), dispatcher fan-out behavior, refinement loop bounds,
synthesis options, the persistence backend, logging, and telemetry export.

# Core types

  - Config: the top-level aggregate.
  - Loader: builder-style loader accepting a config path, an env-var
    prefix, and zero or more validators.

# Usage

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("ORCHESTRATOR").
		Load()
*/
package config
