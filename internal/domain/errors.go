package domain

import (
	"context"
	"errors"
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrAudioBackend     = errors.New("audio backend unavailable")
	ErrDisplayProvision = errors.New("virtual display provisioning failed")
	ErrEncoderSpawn     = errors.New("encoder spawn failed")
	ErrDeviceNotFound   = errors.New("receiver device not found")
	ErrNotLocal         = errors.New("device is not on the local network")
	ErrEncoderExited    = errors.New("encoder exited unexpectedly")
)

// Exit codes surfaced by the CLI.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitDeviceNotFound = 2
	ExitDisplay        = 3
	ExitEncoderSpawn   = 4
	ExitNotLocal       = 5
	ExitAudioBackend   = 6
	ExitEncoderExited  = 7
)

// ExitCode maps a session error to its process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return ExitOK
	case errors.Is(err, ErrDeviceNotFound):
		return ExitDeviceNotFound
	case errors.Is(err, ErrDisplayProvision):
		return ExitDisplay
	case errors.Is(err, ErrEncoderSpawn):
		return ExitEncoderSpawn
	case errors.Is(err, ErrNotLocal):
		return ExitNotLocal
	case errors.Is(err, ErrAudioBackend):
		return ExitAudioBackend
	case errors.Is(err, ErrEncoderExited):
		return ExitEncoderExited
	default:
		return ExitFailure
	}
}
