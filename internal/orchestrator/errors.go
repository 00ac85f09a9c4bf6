package orchestrator

import (
	"errors"

	"github.com/galadd/labwarden/internal/images"
	"github.com/galadd/labwarden/internal/ports"
	"github.com/galadd/labwarden/internal/registry"
	"github.com/galadd/labwarden/internal/runtime"
)

type Kind int

const (
	Internal Kind = iota
	Unavailable
	Invalid
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Invalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Describe turns an orchestrator error into a message safe to show a learner.
func Describe(err error) (Kind, string) {
	var engineErr *runtime.EngineError

	switch {
	case err == nil:
		return Internal, ""
	case errors.Is(err, runtime.ErrEngineUnavailable):
		return Unavailable, "The lab environment is not available right now. Please try again later."
	case errors.Is(err, ports.ErrPoolExhausted):
		return Unavailable, "All lab slots are in use. Please try again in a few minutes."
	case errors.Is(err, images.ErrUnknownLab):
		return Invalid, "This lab does not exist."
	case errors.Is(err, registry.ErrInstanceNotFound):
		return Invalid, "No lab instance found."
	case errors.Is(err, registry.ErrAlreadyRunning):
		return Invalid, "A lab instance is already running."
	case errors.Is(err, images.ErrBuildContextMissing):
		return Internal, "The lab image source is missing. Please contact an administrator."
	case errors.Is(err, images.ErrBuildFailed):
		return Internal, "Failed to build lab image: " + err.Error()
	case errors.Is(err, runtime.ErrImageNotFound):
		return Internal, "The lab image could not be found."
	case errors.As(err, &engineErr):
		return Internal, "The lab container could not be managed: " + engineErr.Err.Error()
	default:
		return Internal, "An unexpected error occurred."
	}
}
