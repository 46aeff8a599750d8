package utils

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const (
	defaultReadTimeout  = 60 * time.Second
	defaultWriteTimeout = 60 * time.Second
	shutdownGrace       = 30 * time.Second

	gracefulEnvKey  = "IS_GRACEFUL"
	gracefulEnvPair = gracefulEnvKey + "=1"
	inheritedSockFd = 3
)

// graceServer is an http.Server that restarts in place on SIGUSR2 by
// fork-execing itself with the listening socket passed as fd 3, and drains
// in-flight requests on SIGTERM. Deploys swap binaries without dropping a
// single ledger write.
type graceServer struct {
	srv      *http.Server
	listener net.Listener

	inherited bool
	done      chan struct{}
}

// GraceServer serves handler on addr until SIGTERM, surviving SIGUSR2
// binary swaps.
func GraceServer(addr string, handler http.Handler) error {
	gs := &graceServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: defaultWriteTimeout,
		},
		inherited: os.Getenv(gracefulEnvKey) != "",
		done:      make(chan struct{}),
	}

	ln, err := gs.listen(addr)
	if err != nil {
		return err
	}
	gs.listener = ln

	go gs.watchSignals()

	err = gs.srv.Serve(ln)
	// Serve returns the moment Shutdown starts; wait for the drain to finish.
	<-gs.done
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// listen binds a fresh socket, or adopts the one inherited from the parent
// process during a graceful restart.
func (gs *graceServer) listen(addr string) (net.Listener, error) {
	if gs.inherited {
		ln, err := net.FileListener(os.NewFile(inheritedSockFd, ""))
		if err != nil {
			return nil, fmt.Errorf("adopt inherited listener: %w", err)
		}
		return ln, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

func (gs *graceServer) watchSignals() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGUSR2)

	for sig := range sigs {
		switch sig {
		case syscall.SIGTERM:
			Sugar.Info("SIGTERM received, draining HTTP server")
			gs.shutdown()
			return
		case syscall.SIGUSR2:
			Sugar.Info("SIGUSR2 received, restarting in place")
			pid, err := gs.forkChild()
			if err != nil {
				Sugar.Errorf("graceful restart failed, keeping current process: %v", err)
				continue
			}
			Sugar.Infof("replacement process started pid=%d, draining old server", pid)
			gs.shutdown()
			return
		}
	}
}

func (gs *graceServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := gs.srv.Shutdown(ctx); err != nil {
		Sugar.Errorf("HTTP server shutdown: %v", err)
	}
	close(gs.done)
}

// forkChild re-execs the current binary with the listening socket as fd 3
// and the graceful marker in its environment.
func (gs *graceServer) forkChild() (int, error) {
	tcpLn, ok := gs.listener.(*net.TCPListener)
	if !ok {
		return 0, fmt.Errorf("listener is %T, not *net.TCPListener", gs.listener)
	}
	file, err := tcpLn.File()
	if err != nil {
		return 0, fmt.Errorf("dup listener fd: %w", err)
	}

	env := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if e != gracefulEnvPair {
			env = append(env, e)
		}
	}
	env = append(env, gracefulEnvPair)

	pid, err := syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{os.Stdin.Fd(), os.Stdout.Fd(), os.Stderr.Fd(), file.Fd()},
	})
	if err != nil {
		return 0, fmt.Errorf("forkexec: %w", err)
	}
	return pid, nil
}
