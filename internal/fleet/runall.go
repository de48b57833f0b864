package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wlantb/wtb/internal/errors"
)

// Result is the outcome of one remote command in a fan-out.
// A non-zero ExitCode is data, not an error: the command launched and ran.
type Result struct {
	Host     *Host
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Success reports whether the remote command exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// RunAll runs a command concurrently on every given host and waits for all
// of them to finish. build is invoked once per host, sequentially and in the
// given host order, so callers may close over shared counters (e.g. to hand
// out distinct port numbers); no ordering beyond "each host exactly once"
// should be assumed for the command executions themselves.
//
// If launching or awaiting any command fails, RunAll returns that error
// (the first one observed). Sibling commands are not hard-cancelled: they
// run to completion before the error is returned, so no remote process is
// left unaccounted for. Callers that need a hard stop must wrap RunAll with
// their own abort. Results are in completion order.
func RunAll(ctx context.Context, hosts []*Host, build func(*Host) string) ([]Result, error) {
	type launch struct {
		host *Host
		cmd  string
	}

	launches := make([]launch, 0, len(hosts))
	for _, h := range hosts {
		launches = append(launches, launch{host: h, cmd: build(h)})
	}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(launches))
		wg      sync.WaitGroup
		errCh   = make(chan error, len(launches))
	)

	for _, l := range launches {
		l := l
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := ctx.Err(); err != nil {
				errCh <- err
				return
			}

			stdout, stderr, exitCode, err := l.host.Client.Exec(l.cmd)
			if err != nil {
				logrus.WithField("host", l.host.ID).Errorf("running command failed: %v", err)
				errCh <- errors.WrapWithCode(err, errors.ErrExec,
					fmt.Sprintf("Failed to run command on '%s'", l.host.ID),
					"")
				return
			}

			mu.Lock()
			results = append(results, Result{
				Host:     l.host,
				Stdout:   stdout,
				Stderr:   stderr,
				ExitCode: exitCode,
			})
			mu.Unlock()
		}()
	}

	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return nil, err
	}
	return results, nil
}
