/*
Package config loads the daemon configuration from YAML.

Defaults come from Default(); a config file overlays them; environment
variables (ZMIGRATE_MAC_SECRET, ZMIGRATE_REDIS_PASSWORD, ZMIGRATE_REDIS_ADDR)
overlay the file so secrets never need to live on disk. Validate rejects
configurations the daemon cannot run with before anything starts.
*/
package config
