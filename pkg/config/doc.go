// Package config loads and validates the sessiond configuration: which
// deployment mode sessions run in, the backend image or command template,
// the local port range, and the time budgets for provisioning and startup.
//
// Configuration comes from a YAML file, with selected environment variable
// overrides applied on top, and is validated once at startup. Components
// receive the validated struct and treat it as read-only.
package config
