package agent

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/ztmesh/ztmesh/internal/core"
)

const (
	defaultAuthLog      = "/var/log/auth.log"
	logScanInterval     = 5 * time.Second
	bruteForceThreshold = 6
)

// Watcher collects security observations between heartbeats.
type Watcher interface {
	// Start begins collection in the background; the watcher stops with ctx.
	Start(ctx context.Context)
	// Reports drains everything observed since the previous call.
	Reports() []core.SecurityReport
}

// NewWatcher builds the watcher for the configured probe mode. The ebpf
// probe needs a cooperative kernel; when it cannot come up we fall back to
// tailing the auth log rather than running blind.
func NewWatcher(mode string) Watcher {
	switch mode {
	case "off":
		return noopWatcher{}
	case "ebpf":
		w, err := newEBPFWatcher()
		if err != nil {
			slog.Warn("ebpf security probe unavailable, falling back to log watcher", "error", err)
			return newLogWatcher(defaultAuthLog)
		}
		return w
	default:
		return newLogWatcher(defaultAuthLog)
	}
}

type noopWatcher struct{}

func (noopWatcher) Start(context.Context)           {}
func (noopWatcher) Reports() []core.SecurityReport { return nil }

// reportBook accumulates counts per report kind until a heartbeat drains it.
type reportBook struct {
	mu     sync.Mutex
	counts map[string]int
	detail map[string]string
}

func newReportBook() *reportBook {
	return &reportBook{counts: map[string]int{}, detail: map[string]string{}}
}

func (b *reportBook) add(kind string, n int, detail string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[kind] += n
	if detail != "" {
		b.detail[kind] = detail
	}
}

func (b *reportBook) drain(now time.Time) []core.SecurityReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.counts) == 0 {
		return nil
	}
	out := make([]core.SecurityReport, 0, len(b.counts))
	for kind, count := range b.counts {
		out = append(out, core.SecurityReport{Kind: kind, Count: count, Detail: b.detail[kind], At: now})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	b.counts = map[string]int{}
	b.detail = map[string]string{}
	return out
}

// logWatcher tails the sshd auth log. It is the default probe: it needs
// nothing from the kernel beyond a readable file.
type logWatcher struct {
	path string
	book *reportBook

	mu       sync.Mutex
	failures map[string]int

	offset int64
}

func newLogWatcher(path string) *logWatcher {
	return &logWatcher{
		path:     path,
		book:     newReportBook(),
		failures: map[string]int{},
	}
}

func (w *logWatcher) Start(ctx context.Context) {
	// Skip history present before we started watching.
	if info, err := os.Stat(w.path); err == nil {
		w.offset = info.Size()
	}
	go func() {
		ticker := time.NewTicker(logScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.scan()
			}
		}
	}()
}

func (w *logWatcher) Reports() []core.SecurityReport {
	reports := w.book.drain(time.Now().UTC())
	w.mu.Lock()
	w.failures = map[string]int{}
	w.mu.Unlock()
	return reports
}

// scan reads lines appended since the previous pass. Rotation shows up as
// the file shrinking below our offset; we restart from the top.
func (w *logWatcher) scan() {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}
	if info.Size() < w.offset {
		w.offset = 0
	}
	if info.Size() == w.offset {
		return
	}

	f, err := os.Open(w.path)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(w.offset, io.SeekStart); err != nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(f, 1<<20))
	if err != nil {
		return
	}
	w.offset += int64(len(data))

	for _, line := range strings.Split(string(data), "\n") {
		w.ingest(line)
	}
}

func (w *logWatcher) ingest(line string) {
	ip, ok := parseAuthLine(line)
	if !ok {
		return
	}
	w.book.add(core.ReportSSHFailedLogins, 1, "")

	w.mu.Lock()
	w.failures[ip]++
	crossed := w.failures[ip] == bruteForceThreshold
	w.mu.Unlock()
	if crossed {
		w.book.add(core.ReportSSHBruteForce, 1, ip)
	}
}

// parseAuthLine extracts the source address from an sshd login failure.
// Returns ok=false for every other line.
func parseAuthLine(line string) (ip string, ok bool) {
	if !strings.Contains(line, "Failed password for") &&
		!strings.Contains(line, "Failed publickey for") {
		return "", false
	}
	_, rest, found := strings.Cut(line, " from ")
	if !found {
		return "", false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 || net.ParseIP(fields[0]) == nil {
		return "", false
	}
	return fields[0], true
}

// Kernel-side event kinds. Keep in sync with bpf/secwatch.c.
const (
	evtPortScan    = 1
	evtBlockedHigh = 2
	evtHandshake   = 3
)

// secEvent matches the memory layout of the C struct exactly.
// Total size: 4+4+4 = 12 bytes.
type secEvent struct {
	Kind  uint32
	Count uint32
	SrcIP [4]byte
}

// ebpfWatcher reads flow anomalies straight off a kernel ring buffer:
// port sweeps and drop storms that never reach a userspace log.
type ebpfWatcher struct {
	objs secwatchObjects
	rd   *ringbuf.Reader
	book *reportBook
}

func newEBPFWatcher() (*ebpfWatcher, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock: %w", err)
	}
	objs := secwatchObjects{}
	if err := loadSecwatchObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("loading secwatch objects: %w", err)
	}
	if objs.Events == nil {
		objs.Close()
		return nil, errors.New("secwatch program has no events map")
	}
	rd, err := ringbuf.NewReader(objs.Events)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("opening ringbuf reader: %w", err)
	}
	return &ebpfWatcher{objs: objs, rd: rd, book: newReportBook()}, nil
}

func (w *ebpfWatcher) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.rd.Close()
		w.objs.Close()
	}()
	go w.readLoop()
}

func (w *ebpfWatcher) Reports() []core.SecurityReport {
	return w.book.drain(time.Now().UTC())
}

func (w *ebpfWatcher) readLoop() {
	for {
		record, err := w.rd.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			slog.Warn("secwatch read error", "error", err)
			continue
		}
		var ev secEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
			slog.Warn("secwatch parse error", "error", err)
			continue
		}
		w.book.add(reportKind(ev.Kind), int(ev.Count), net.IP(ev.SrcIP[:]).String())
	}
}

func reportKind(kind uint32) string {
	switch kind {
	case evtPortScan:
		return core.ReportPortScan
	case evtBlockedHigh:
		return core.ReportBlockedConnections
	case evtHandshake:
		return core.ReportHandshakeFailures
	default:
		return core.ReportPortScan
	}
}
