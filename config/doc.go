// Package config loads the xraysignals configuration.
//
// A configuration is assembled in layers, each overriding the previous:
//
//  1. built-in defaults (Default)
//  2. JSON files added with Loader.AddLayer, deep-merged key by key
//  3. .env files added with Loader.AddDotEnv (never overriding the real environment)
//  4. XRAY_* environment variables, e.g. XRAY_NATS_URLS or XRAY_INGEST_PREFETCH
//
// Durations in JSON may be written as strings ("30s", "7d"). The merged
// result is validated unless validation is disabled.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/xraysignals.json")
//	loader.AddDotEnv(".env")
//	cfg, err := loader.Load()
//
// Config files are read through path and size checks and must be JSON.
package config
