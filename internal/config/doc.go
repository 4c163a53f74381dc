// Package config loads the YAML configuration of the router binary.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation.
package config
