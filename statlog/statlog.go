// Package statlog periodically appends one CSV row of corpus/feature-set
// statistics to a date-rotated file, the same way the teacher's SNMP
// logger works: a ticker wakes up, a fresh file is opened (its name
// resolved through time.Now().Format so the path itself can rotate daily,
// hourly, etc.), a header is written once if the file is empty, and one
// row is appended and flushed.
package statlog

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Snapshot returns the current row of stats to log, in the same column
// order as Header.
type Snapshot func() []string

// Logger periodically samples a Snapshot and appends it as a CSV row to
// a (possibly date-rotated) file.
type Logger struct {
	Path     string
	Interval time.Duration
	Header   []string
	Sample   Snapshot

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Start begins the periodic logging goroutine; a zero Path or Interval
// disables logging entirely (matching the teacher's SnmpLogger no-op
// guard), returning a Logger whose Stop is still safe to call.
func Start(path string, interval time.Duration, header []string, sample Snapshot) *Logger {
	l := &Logger{Path: path, Interval: interval, Header: header, Sample: sample, stop: make(chan struct{})}
	if path == "" || interval <= 0 {
		return l
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Stop terminates the logging goroutine, if any, and waits for it to
// exit. Idempotent.
func (l *Logger) Stop() {
	l.once.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.writeOnce(now)
		}
	}
}

func (l *Logger) writeOnce(now time.Time) {
	logdir, logfile := filepath.Split(l.Path)
	path := logdir + now.Format(logfile)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Println("statlog:", err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
		if err := w.Write(append([]string{"Unix"}, l.Header...)); err != nil {
			log.Println("statlog:", err)
		}
	}
	row := append([]string{fmt.Sprint(now.Unix())}, l.Sample()...)
	if err := w.Write(row); err != nil {
		log.Println("statlog:", err)
	}
	w.Flush()
}
