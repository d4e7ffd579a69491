package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "relaybot/pkg/logx"
)

type Middleware[T any] func(next Interceptor[T]) Interceptor[T]

func Chain[T any](i Interceptor[T], m ...Middleware[T]) Interceptor[T] {
	for k := len(m) - 1; k >= 0; k-- {
		i = m[k](i)
	}
	return i
}

func WithTimeout[T any](d time.Duration) Middleware[T] {
	return func(next Interceptor[T]) Interceptor[T] {
		return func(ctx context.Context, v T) error {
			if d <= 0 {
				return next(ctx, v)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, v)
		}
	}
}

// WithRecover logs a panic with its stack and turns it into an error.
func WithRecover[T any](log logx.Logger) Middleware[T] {
	return func(next Interceptor[T]) Interceptor[T] {
		return func(ctx context.Context, v T) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error("panic recovered",
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, v)
		}
	}
}

// WithLog logs the outcome and duration of each call. describe may be nil.
func WithLog[T any](log logx.Logger, describe func(v T) []logx.Field) Middleware[T] {
	return func(next Interceptor[T]) Interceptor[T] {
		return func(ctx context.Context, v T) error {
			start := time.Now()
			err := next(ctx, v)
			var fields []logx.Field
			if describe != nil {
				fields = describe(v)
			}
			fields = append(fields, logx.Duration("dur", time.Since(start)))
			if err != nil {
				log.Warn("interceptor failed", append(fields, logx.Err(err))...)
			} else {
				log.Debug("interceptor ok", fields...)
			}
			return err
		}
	}
}
