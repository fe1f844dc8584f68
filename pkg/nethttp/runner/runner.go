// Package runner ties an HTTP server's lifetime to a context.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Server is the slice of *http.Server the runner drives.
type Server interface {
	Serve(listener net.Listener) error
	Shutdown(ctx context.Context) error
}

// RunServer listens on port and serves until ctx is cancelled, then shuts
// the server down under shutdownTimeout so a wedged peer cannot stall
// process exit. Serve and shutdown failures go to errChan; both
// goroutines are tracked in wg.
func RunServer(
	ctx context.Context,
	server Server,
	port string,
	errChan chan<- error,
	wg *sync.WaitGroup,
	shutdownTimeout time.Duration,
) error {
	listener, err := net.Listen("tcp4", ":"+port)
	if err != nil {
		return fmt.Errorf("can't listen tcp port %s: %w", port, err)
	}

	wg.Add(1)

	go func() {
		defer wg.Done()

		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("can't start http server: %w", err)
		}
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		<-ctx.Done()

		sdCtx := ctx
		if shutdownTimeout > 0 {
			var cancel context.CancelFunc
			sdCtx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
		}
		if err := server.Shutdown(sdCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("can't shutdown http server: %w", err)
		}
	}()

	return nil
}
