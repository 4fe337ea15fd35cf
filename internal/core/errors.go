// Package core defines sentinel errors shared by the network manager packages.
package core

import "errors"

// Sentinel errors. Callers match them with errors.Is; producers wrap them
// with fmt.Errorf("...: %w", err) to add context.
var (
	// Interface registry errors
	ErrInterfaceExists     = errors.New("netmgr: interface already registered")
	ErrInterfaceNotFound   = errors.New("netmgr: interface not found")
	ErrInvalidHardwareAddr = errors.New("netmgr: invalid hardware address")

	// Socket errors
	ErrSocketNotFound     = errors.New("netmgr: socket not found")
	ErrSocketNotConnected = errors.New("netmgr: socket not connected")
	ErrNoRoute            = errors.New("netmgr: no route to address")
	ErrInvalidAddress     = errors.New("netmgr: invalid address")
	ErrAddressInUse       = errors.New("netmgr: address already in use")

	// Link layer errors
	ErrEgressFull     = errors.New("netmgr: egress queue full")
	ErrFrameMalformed = errors.New("netmgr: malformed frame")
	ErrFrameFiltered  = errors.New("netmgr: frame rejected by ingress filter")

	// Message errors
	ErrMalformedMessage = errors.New("netmgr: malformed message")
	ErrUnknownMessage   = errors.New("netmgr: unknown message kind")

	// Configuration errors
	ErrConfigInvalid = errors.New("netmgr: invalid configuration")
)
