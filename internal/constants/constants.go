// Package constants defines application-wide constants and version information.
package constants

import "runtime"

// Release is the application release number.
const Release = "1.0"

// Version holds the application version information
const Version = Release + "-" + runtime.GOOS + "/" + runtime.GOARCH

// UserAgent is sent with every outbound HTTP request.
const UserAgent = "utilitywatch/" + Release
