// Package config loads the GeoAttest runtime configuration from compiled
// defaults, an optional YAML file and GEOATTEST_ environment variables.
package config
