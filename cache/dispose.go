package cache

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// ErrFactoryPanic wraps a panic recovered from a factory.
var ErrFactoryPanic = errors.New("cache: factory panicked")

// Disposer is implemented by values that hold resources. A cache calls
// Dispose at most once per evicted value; io.Closer values are closed
// the same way.
type Disposer interface {
	Dispose() error
}

// dispose releases v on a best-effort basis. Errors and panics are logged,
// never returned to the evicting caller.
func dispose(log *zap.Logger, v any) {
	var release func() error
	switch d := v.(type) {
	case Disposer:
		release = d.Dispose
	case io.Closer:
		release = d.Close
	default:
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispose panicked", zap.String("type", fmt.Sprintf("%T", v)), zap.Any("panic", r))
		}
	}()
	if err := release(); err != nil {
		log.Warn("dispose failed", zap.String("type", fmt.Sprintf("%T", v)), zap.Error(err))
	}
}
