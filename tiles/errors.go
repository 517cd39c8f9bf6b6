package tiles

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is returned when a dynamic tile query runs past its deadline.
	ErrTimeout = errors.New("tile query timed out")
	// ErrGenerationFailed marks store failures during dynamic generation.
	ErrGenerationFailed = errors.New("tile generation failed")
	// ErrInvalidAddress is returned for tile coordinates outside their zoom level.
	ErrInvalidAddress = errors.New("invalid tile address")
	// ErrLayerNotFound is returned when a schema/table has no geometry layer.
	ErrLayerNotFound = errors.New("layer not found")
)

// GenerationError carries the layer and tile of a failed dynamic query.
type GenerationError struct {
	Layer   string
	Address TileAddress
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating %s tile %s: %v", e.Layer, e.Address, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

func (e *GenerationError) Is(target error) bool {
	return target == ErrGenerationFailed
}

// ErrInvalidFilter is returned for filters that cannot be translated to SQL.
var ErrInvalidFilter = errors.New("invalid filter")
