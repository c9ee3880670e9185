// Package config provides configuration loading for the licensing daemon and CLI.
//
// # Configuration Sources
//
// Configuration is resolved in the following order, later sources winning:
//
//	1. Default values (Default)
//	2. YAML file (path argument, LICENSECORE_CONFIG, or config.yaml / configs/config.yaml)
//	3. Environment variables (LICENSECORE_*)
//
// # Environment Variables
//
// Nested sections map to underscore-joined names:
//
//	LICENSECORE_SERVER_PORT=8080
//	LICENSECORE_LICENSE_FILE=/etc/licensecore/license.json
//	LICENSECORE_LICENSE_PUBLIC_KEY=<base64 ed25519 public key>
//	LICENSECORE_METERING_THRESHOLDS=50,80,90,100
//	LICENSECORE_AUTH_TOLERANCE=2m
//
// # Operator Overrides
//
// LoadOverrides reads an optional YAML file that force-overrides license
// limits, tier, features or expiry. Any subset of fields may be present.
//
// # Validation
//
// Validate applies validator struct tags and the cross-field rules that tags
// cannot express (ascending thresholds, throttle ramp ordering).
package config
