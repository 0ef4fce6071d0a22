// Package config handles loading and validating Gray Logic Lutron bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (GRAYLUTRON_* prefix)
//   - Validation of required fields and timing relationships
//   - Default value handling (controller port, factory credentials, timeouts)
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//   - Controller credentials are redacted in String() and JSON output
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Lutron.Host)
package config
