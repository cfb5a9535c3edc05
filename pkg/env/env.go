// Package env keeps names of environment variables with special significance to
// rsh.
package env

// Environment variables with special significance to rsh.
//
// Variables read by the config package share the RSH_ prefix and are not
// listed here; see config.Config for those.
const (
	HOME                = "HOME"
	RSH_TEST_TIME_SCALE = "RSH_TEST_TIME_SCALE"
	TERM                = "TERM"
	XDG_CONFIG_HOME     = "XDG_CONFIG_HOME"
	XDG_DATA_HOME       = "XDG_DATA_HOME"
)
