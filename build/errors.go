package build

import (
	"errors"
	"fmt"
)

var (
	// ErrBuildFailed marks any failed archive build.
	ErrBuildFailed = errors.New("archive build failed")
	// ErrNoGeometry is returned for tables without a geometry column.
	ErrNoGeometry = errors.New("table has no geometry column")
	// ErrEmptyLayer is returned when a table has no non-null geometries.
	ErrEmptyLayer = errors.New("table has no geometries")
)

// Build stages, reported in BuildError.
const (
	StageInspect    = "inspect"
	StageExport     = "export"
	StageTippecanoe = "tippecanoe"
	StageStamp      = "stamp"
	StageVerify     = "verify"
	StagePublish    = "publish"
)

// BuildError carries the layer and stage of a failed build.
type BuildError struct {
	Layer string
	Stage string
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building %s: %s: %v", e.Layer, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

func (e *BuildError) Is(target error) bool {
	return target == ErrBuildFailed
}
