package utils

import (
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// SafeGo 拦截 panic 的 goroutine
func SafeGo(name string, fn func()) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				log.Error().
					Str("goroutine", name).
					Interface("panic", err).
					Bytes("stack", debug.Stack()).
					Msg("Background goroutine panic recovered")
			}
		}()
		fn()
	}()
}
