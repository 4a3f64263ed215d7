// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and DATABOX_* environment variables. It
// covers the transport, logging, the isolation boundary with its resource
// ceilings, and the artifact store endpoint.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Boundary: %s\n", cfg.Sandbox.Boundary)
package config
