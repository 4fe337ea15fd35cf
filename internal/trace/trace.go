// Package trace records cable traffic to a pcap file.
package trace

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/netmgr/internal/netmgr"
)

const snapLen = 65536

// Recorder writes Ethernet frames to a pcap stream. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
	frames uint64
}

// New writes the pcap file header to w and returns a recorder for it.
func New(w io.Writer) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{w: pw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r, nil
}

// Open creates (or truncates) the file at path and records into it.
func Open(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open trace %s: %w", path, err)
	}
	r, err := New(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Record appends one frame.
func (r *Recorder) Record(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(frame)
	if n > snapLen {
		frame = frame[:snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     r.now(),
		CaptureLength: len(frame),
		Length:        n,
	}
	if err := r.w.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	r.frames++
	return nil
}

// Frames returns the number of frames recorded so far.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Tap adapts the recorder to a manager frame tap. Both directions are
// recorded; write errors are dropped since the tap cannot fail the frame.
func Tap[I comparable](r *Recorder) netmgr.FrameTap[I] {
	return func(_ I, _ netmgr.Direction, frame []byte) {
		_ = r.Record(frame)
	}
}

// Close closes the underlying writer if it is closable.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
