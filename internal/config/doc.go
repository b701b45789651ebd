// Package config handles configuration loading for roost-gateway.
//
// # Configuration File
//
// Configuration is a YAML file, or TOML when the file name ends in .toml.
// ResolvePath picks the file, in order:
//
//  1. The explicit path passed on the command line
//  2. Path from the ROOST_CONFIG environment variable
//  3. ./config.yaml (current directory)
//  4. ~/.config/roost/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  container_secret: "${ROOST_CONTAINER_SECRET}"
//
// Unset variables expand to the empty string, which then takes the default.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runtime:
//	  activation_timeout: "180s"
//	sockets:
//	  ping_interval: "30s"
//
// # Runtime Drivers
//
// runtime.driver selects how agents are started: "local" runs a docker
// container per agent on this host, "machines" provisions one remote machine
// per agent through the machine API. Runtimes that dial in over
// /ws/runtime are always accepted in addition to the configured driver.
package config
