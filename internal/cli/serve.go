package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"
)

// newMirrorHandler serves the mirror root read-only under prefix, so pip can
// use http://host/<prefix>/ as its index URL.
func newMirrorHandler(root, prefix string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	files := http.FileServer(http.Dir(root))
	p := path.Clean("/" + prefix)
	if p == "/" {
		mux.Handle("/", files)
		return mux
	}
	mux.Handle(p+"/", http.StripPrefix(p, files))
	return mux
}

func serveCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	absRoot, err := filepath.Abs(cfg.MirrorRoot)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	if _, err := os.Stat(absRoot); err != nil {
		return fmt.Errorf("mirror root is not readable: %w", err)
	}

	srv := &http.Server{
		Addr:              c.String("listen"),
		Handler:           newMirrorHandler(absRoot, c.String("prefix")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving mirror", "root", absRoot, "addr", srv.Addr, "prefix", c.String("prefix"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}
