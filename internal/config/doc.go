// Package config provides loading and environment overlay for flostore
// configuration. It exposes a Default() baseline and maps each section onto
// the options of the component it configures.
//
// Example:
//
//	cfg := config.Default()
//	// Optionally load from file (JSON, or YAML by extension) and overlay env vars
//	if fileCfg, err := config.Load("/etc/flostore.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
package config
