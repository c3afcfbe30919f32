// Package config loads host configuration.
//
// Configuration comes from, in increasing precedence:
//
//   - built-in defaults
//   - modhost.toml (the user config directory, then the working directory,
//     or an explicit path)
//   - MODHOST_* environment variables (MODHOST_LOG_LEVEL sets log.level)
//
// WriteDefault writes a TOML file holding every default so users have a
// starting point.
package config
