package backend

import (
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/backend/internal/logging"
)

var (
	// ErrNotRecording is returned by calls that record commands outside
	// FrameCommandsBegin and FrameCommandsEnd.
	ErrNotRecording = errors.New("no frame is being recorded")
	// ErrTooManyShaders is returned when Config.MaxShaders shaders are alive.
	ErrTooManyShaders = errors.New("shader limit reached")
	// ErrTargetMismatch is returned when render targets of one pass differ in size.
	ErrTargetMismatch = errors.New("render targets differ in size")
)

// SetLogger routes every package's log output to l. A nil logger silences the backend,
// which is the default.
func SetLogger(l *slog.Logger) {
	logging.Set(l)
}
