package main

import "time"

// APIFlags holds the connection settings shared by every client-backed
// command.
type APIFlags struct {
	URL     string
	Timeout time.Duration
}

// TargetFlags selects the target a tool command operates on.
type TargetFlags struct {
	Subject string
	Study   string
}

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	ConfigPath string
}

// ProcessFlags selects a ledger half for listing and clearing.
type ProcessFlags struct {
	Which string
}
