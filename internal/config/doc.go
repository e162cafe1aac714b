// Package config provides the configuration for ebbridge.
//
// # Architecture
//
// Configuration is organized in layers with higher layers overriding lower:
//
//	┌─────────────────────────────┐
//	│  4. Command Line Flags      │  ← Highest priority (applied by cmd)
//	├─────────────────────────────┤
//	│  3. Environment Variables   │  ← EBBRIDGE_*
//	├─────────────────────────────┤
//	│  2. Config File             │  ← ebbridge.toml or ebbridge.yaml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← Lowest priority
//	└─────────────────────────────┘
//
// Files and the environment are read by the loader sub-package into raw
// maps, merged, and decoded over Default().
//
// # Example
//
//	[bridge]
//	address = "tcp://localhost:7000"
//	requestTimeout = "30s"
//
//	[scripts]
//	paths = ["scripts"]
//	watch = true
//
//	[log]
//	level = "debug"
//	outputs = ["stderr", "/var/log/ebbridge.log"]
//
//	[log.rotation]
//	enable = true
package config
