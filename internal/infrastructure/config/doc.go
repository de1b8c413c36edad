// Package config handles loading and validating relay configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Loading a .env file into the environment
//   - Overriding with RELAY_* environment variables
//   - Validation of required fields
//
// Security Considerations:
//   - Credentials (MQTT, InfluxDB, Redis) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	_ = config.LoadEnvFile(".env")
//	cfg, err := config.Load(os.Getenv("RELAY_CONFIG"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Relay.Mode)
package config
