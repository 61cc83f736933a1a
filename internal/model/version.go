package model

// Version constants reported by the API and CLI.
const (
	// AppName is the service name shown by the root endpoint.
	AppName = "signalflow"

	// Version is the signalflow release version.
	Version = "0.1.0"
)
