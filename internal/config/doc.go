// Package config loads winrm-exec settings from a YAML file and WINRMEXEC_*
// environment variables.
package config
