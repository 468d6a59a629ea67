package safe

import (
	"careline/logger"
)

// Go starts a goroutine that recovers from panics, so a bad frame or a
// misbehaving collaborator cannot take down the whole gateway.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[%s] panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
