// Package config loads the application configuration.
//
// # Configuration Sources
//
// Values are layered in this order, later sources winning:
//
//	1. Default()
//	2. A YAML file (path argument, CYCLER_CONFIG, or cyclerdata.yaml)
//	3. Environment variables
//
// # Environment Variables
//
// Variables are named CYCLER_<SECTION>_<FIELD>:
//
//	CYCLER_LOGGING_LEVEL=debug
//	CYCLER_DECODE_GAP_TOLERANCE=5
//	CYCLER_DECODE_CONCURRENCY=8
//	CYCLER_SCALE_TABLE_PATH=/etc/cyclerdata/scales.yaml
//	CYCLER_REMOTE_BTS_ADDRESS=10.0.0.5:502
//	CYCLER_SERVER_ARCHIVE_DIR=/srv/archives
//
// Relative paths in a config file are resolved against the file's directory.
// The result is validated with go-playground/validator struct tags.
package config
