package hwbp

import (
	"errors"

	"github.com/go-delve/hwwatch/pkg/driver"
)

var (
	// ErrNoFreeRegister is returned when every hardware register is in
	// use. It is an expected outcome; clearing a breakpoint makes room.
	ErrNoFreeRegister = driver.ErrNoFreeRegister
	// ErrNilAddress is returned for requests on address 0.
	ErrNilAddress = errors.New("breakpoint address is nil")
	// ErrTypeMismatch is returned when a typed condition does not fit the
	// watched location.
	ErrTypeMismatch = errors.New("condition does not match the type of the watched location")
	// ErrInvalidIndex is returned for register indexes out of range.
	ErrInvalidIndex = errors.New("invalid breakpoint index")
)
