package runner

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync/atomic"
	"time"
)

// watchdog monitors one in-flight test_one_input call and, if it overruns
// timeoutSeconds or the process's RSS exceeds rssLimitMb, writes a
// failure-description file and exits the process, matching spec.md
// §4.9's "a failure description file ... and exits with failure" behavior
// for hangs and OOMs. Either limit of 0 disables that check.
type watchdog struct {
	timeoutSeconds int
	rssLimitMb     int
	descPath       string

	stop  chan struct{}
	alive int32
}

func newWatchdog(timeoutSeconds, rssLimitMb int, descPath string) *watchdog {
	return &watchdog{timeoutSeconds: timeoutSeconds, rssLimitMb: rssLimitMb, descPath: descPath, stop: make(chan struct{})}
}

// Start launches the watchdog goroutine for one input execution. Callers
// must call Stop once the input has finished (successfully or not).
func (w *watchdog) Start() {
	if w.timeoutSeconds <= 0 && w.rssLimitMb <= 0 {
		return
	}
	atomic.StoreInt32(&w.alive, 1)
	deadline := time.Now().Add(time.Duration(w.timeoutSeconds) * time.Second)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				if w.timeoutSeconds > 0 && time.Now().After(deadline) {
					w.fail(fmt.Sprintf("timeout-exceeded: input ran longer than %ds", w.timeoutSeconds))
					return
				}
				if w.rssLimitMb > 0 {
					if rss := currentRSSMb(); rss > w.rssLimitMb {
						w.fail(fmt.Sprintf("rss-limit-exceeded: %dMb > limit %dMb", rss, w.rssLimitMb))
						return
					}
				}
			}
		}
	}()
}

// Stop signals the watchdog goroutine to exit without taking action.
func (w *watchdog) Stop() {
	if atomic.CompareAndSwapInt32(&w.alive, 1, 0) {
		close(w.stop)
	}
}

func (w *watchdog) fail(reason string) {
	if w.descPath != "" {
		_ = ioutil.WriteFile(w.descPath, []byte(reason+"\n"), 0644)
	}
	fmt.Fprintln(os.Stderr, "centifuzz-runner:", reason)
	os.Exit(1)
}

// currentRSSMb reads this process's resident set size from
// /proc/self/statm, in megabytes. Returns 0 (treated as "unknown, don't
// fail") if the platform doesn't expose it.
func currentRSSMb() int {
	data, err := ioutil.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}
	var size, resident int64
	if n, _ := fmt.Sscanf(string(data), "%d %d", &size, &resident); n != 2 {
		return 0
	}
	return int(resident * int64(os.Getpagesize()) / (1024 * 1024))
}
