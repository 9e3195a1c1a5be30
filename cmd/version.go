package main

import "fmt"

// GetFullVersionInfo returns detailed version information
func GetFullVersionInfo() string {
	return fmt.Sprintf("Version: %s\nCommit: %s\nBuilt: %s", version, commit, date)
}

// GetVersionWithPrefix returns version with "relaypool version: " prefix
func GetVersionWithPrefix() string {
	return fmt.Sprintf("relaypool version: %s", version)
}
