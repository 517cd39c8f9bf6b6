package build

import (
	"io"

	"github.com/schollz/progressbar/v3"
)

// ProgressWriter creates progress trackers for sync runs.
type ProgressWriter interface {
	// NewCountProgress creates a progress tracker for count-based operations
	NewCountProgress(total int64, description string) Progress
}

// Progress represents an active progress tracker that can be updated and written to
type Progress interface {
	io.Writer
	// Add increments the progress by the specified amount
	Add(num int)
	// Close finalizes the progress tracker
	Close() error
}

// BarProgress draws progress bars on stderr.
func BarProgress() ProgressWriter {
	return barProgressWriter{}
}

// QuietProgress reports nothing.
func QuietProgress() ProgressWriter {
	return quietProgressWriter{}
}

type barProgressWriter struct{}

func (barProgressWriter) NewCountProgress(total int64, description string) Progress {
	return &progressBarWrapper{bar: progressbar.Default(total, description)}
}

// progressBarWrapper wraps schollz/progressbar to implement our Progress interface
type progressBarWrapper struct {
	bar *progressbar.ProgressBar
}

func (p *progressBarWrapper) Write(data []byte) (int, error) {
	if p.bar == nil {
		return len(data), nil
	}
	return p.bar.Write(data)
}

func (p *progressBarWrapper) Add(num int) {
	if p.bar != nil {
		p.bar.Add(num)
	}
}

func (p *progressBarWrapper) Close() error {
	if p.bar != nil {
		return p.bar.Close()
	}
	return nil
}

type quietProgressWriter struct{}

func (quietProgressWriter) NewCountProgress(int64, string) Progress {
	return quietProgress{}
}

type quietProgress struct{}

func (quietProgress) Write(data []byte) (int, error) {
	return len(data), nil
}

func (quietProgress) Add(int) {}

func (quietProgress) Close() error {
	return nil
}
