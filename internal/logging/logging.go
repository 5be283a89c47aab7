// Package logging builds the gommon logger shared by every proctop component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
)

const Prefix = "proctop"

// New returns a logger at level writing to w and, when dir is not empty, to
// a daily file under dir.
func New(level, dir string, w io.Writer) (*log.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	logger := log.New(Prefix)
	logger.SetLevel(lvl)
	if dir != "" {
		w = io.MultiWriter(w, NewDailyFile(dir, Prefix))
	}
	logger.SetOutput(w)
	return logger, nil
}

// Named returns a logger that shares parent's output and level.
func Named(parent *log.Logger, name string) *log.Logger {
	l := log.New(name)
	l.SetOutput(parent.Output())
	l.SetLevel(parent.Level())
	return l
}

func ParseLevel(s string) (log.Lvl, error) {
	switch strings.ToLower(s) {
	case "debug":
		return log.DEBUG, nil
	case "", "info":
		return log.INFO, nil
	case "warn", "warning":
		return log.WARN, nil
	case "error":
		return log.ERROR, nil
	case "off":
		return log.OFF, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// DailyFile appends to <dir>/<name>_YYYYMMDD.log, switching files when the
// local date changes. Write never fails: a log line that cannot be written
// is dropped.
type DailyFile struct {
	dir  string
	name string
	now  func() time.Time

	mu   sync.Mutex
	day  string
	file *os.File
}

func NewDailyFile(dir, name string) *DailyFile {
	return &DailyFile{dir: dir, name: name, now: time.Now}
}

// Path is the file the next write goes to.
func (d *DailyFile) Path() string {
	return d.pathFor(d.now().Format("20060102"))
}

func (d *DailyFile) pathFor(day string) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s_%s.log", d.name, day))
}

func (d *DailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	day := d.now().Format("20060102")
	if d.file == nil || day != d.day {
		d.closeLocked()
		if err := os.MkdirAll(d.dir, 0o755); err != nil {
			return len(p), nil
		}
		f, err := os.OpenFile(d.pathFor(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return len(p), nil
		}
		d.file, d.day = f, day
	}
	_, _ = d.file.Write(p)
	return len(p), nil
}

func (d *DailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *DailyFile) closeLocked() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
