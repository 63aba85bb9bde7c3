// Package config loads midst settings with koanf.
//
// Sources, later overriding earlier:
//  1. Defaults
//  2. YAML file (--config)
//  3. Environment variables prefixed MIDST_
//  4. Command-line flags the user set explicitly
//
// Environment names map to keys by section: MIDST_BROKER_POOL_SIZE is
// broker.pool_size, MIDST_REPLAY_INTERVAL is replay.interval.
package config
