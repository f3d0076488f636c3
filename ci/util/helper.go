package util

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mirror/pkg/errors"
)

// TestHelper contains methods commonly used during integration tests.
type TestHelper struct {
	// Binary is the path to the mirror binary under test.
	Binary string
}

// NewTestHelper creates a new TestHelper that runs the given binary.
func NewTestHelper(binary string) *TestHelper {
	return &TestHelper{Binary: binary}
}

// Start starts the given mirror command. It returns a channel for obtaining
// any errors after starting the command, and any errors from starting the
// command. The command is stopped when `ctx` is cancelled.
func (helper *TestHelper) Start(ctx context.Context, args ...string) (chan error, error) {
	cmd := exec.Command(helper.Binary, args...)
	cmd.Env = append(os.Environ(), "MIRROR_LOG_VERBOSE=true")

	stderr := bytes.NewBuffer(nil)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	errChan := make(chan error, 1)
	go func() {
		waitErr := make(chan error)
		go func() {
			waitErr <- cmd.Wait()
			close(waitErr)
		}()

		defer close(errChan)
		select {
		case <-ctx.Done():
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				errChan <- errors.WithContext(err, "kill")
				return
			}
			<-waitErr
		case err := <-waitErr:
			errChan <- fmt.Errorf("crashed (%s): stderr: %s", err, stderr)
		}
	}()
	return errChan, nil
}

// Server runs `mirror server` for `root`, and waits until it's accepting
// connections.
func (helper *TestHelper) Server(ctx context.Context, configPath, root string, port int) (
	chan error, error) {

	log.WithField("root", root).Info("Starting mirror server")
	errChan, err := helper.Start(ctx, "server", "--config", configPath, root, fmt.Sprintf("%d", port))
	if err != nil {
		return nil, errors.WithContext(err, "start")
	}

	address := fmt.Sprintf("127.0.0.1:%d", port)
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	for {
		conn, err := net.Dial("tcp", address)
		if err == nil {
			conn.Close()
			return errChan, nil
		}

		select {
		case err := <-errChan:
			return nil, errors.WithContext(err, "server exited before listening")
		case <-waitCtx.Done():
			return nil, errors.New("timed out waiting for server to listen")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Client runs `mirror client` for `root` against the server on `port`.
func (helper *TestHelper) Client(ctx context.Context, configPath, root string, port int) (
	chan error, error) {

	log.WithField("root", root).Info("Starting mirror client")
	return helper.Start(ctx, "client", "--config", configPath, root,
		fmt.Sprintf("127.0.0.1:%d", port))
}

// WaitForSession waits until the server exporting metrics at
// `metricsAddress` has a streaming session.
func WaitForSession(ctx context.Context, metricsAddress string) error {
	url := fmt.Sprintf("http://%s/metrics", metricsAddress)
	return WaitFor(ctx, func() error {
		resp, err := http.Get(url)
		if err != nil {
			return errors.WithContext(err, "get metrics")
		}
		defer resp.Body.Close()

		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return errors.WithContext(err, "read metrics")
		}

		for _, line := range strings.Split(string(body), "\n") {
			if line == "mirror_session_active 1" {
				return nil
			}
		}
		return errors.New("no active session")
	})
}

// WaitFor polls `check` until it succeeds or `ctx` expires. The last error
// returned by `check` is returned on timeout.
func WaitFor(ctx context.Context, check func() error) error {
	for {
		err := check()
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(250 * time.Millisecond):
		}
	}
}
