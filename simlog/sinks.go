package simlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

//
// ---------- Handler selection ----------
//

// Open builds a sink from a scenario log-setup descriptor. Known handlers:
//
//	LoggerCmd            console output
//	LoggerFileChunkwise  one file per node, rotated every chunk_size records
//
// Unknown option keys are ignored so scenario files can carry
// handler-specific settings for other tools.
func Open(handler string, opts map[string]any) (Sink, error) {
	switch handler {
	case "LoggerCmd", "":
		return NewCmdSink(os.Stdout), nil
	case "LoggerFileChunkwise":
		dir, _ := opts["logfolder"].(string)
		if dir == "" {
			dir = "simlogs"
		}
		chunk := 10000
		switch v := opts["chunk_size"].(type) {
		case float64:
			chunk = int(v)
		case int:
			chunk = v
		}
		return NewFileChunkwiseSink(dir, chunk)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handler)
	}
}

//
// ---------- Console sink ----------
//

// CmdSink writes records to a single writer via logrus. Serialized
// internally by logrus.
type CmdSink struct {
	l *logrus.Logger
}

// NewCmdSink builds a console sink over w.
func NewCmdSink(w io.Writer) *CmdSink {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
		SortingFunc:      recordFieldOrder,
	})
	return &CmdSink{l: l}
}

func (s *CmdSink) Write(r Record) {
	s.entry(r).Log(logrusLevel(r.Level), r.Payload)
}

func (s *CmdSink) Close() error { return nil }

func (s *CmdSink) entry(r Record) *logrus.Entry {
	return s.l.WithFields(logrus.Fields{
		"sim_time": r.SimTime.UTC().Format("2006-01-02 15:04:05"),
		"node":     r.NodeID,
		"event":    string(r.Kind),
	})
}

func recordFieldOrder(keys []string) {
	order := map[string]int{"sim_time": 0, "node": 1, "level": 2, "event": 3, "msg": 4}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			oi, iok := order[keys[i]]
			oj, jok := order[keys[j]]
			if jok && (!iok || oj < oi) {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
}

// logic and all have no logrus counterpart; they ride on trace.
func logrusLevel(l Level) logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

//
// ---------- Chunked per-node file sink ----------
//

// FileChunkwiseSink keeps one logrus logger per node, writing to
// node_<id>_chunk<k>.log under a directory. When a chunk reaches chunkSize
// records the file is closed and the next chunk opened, so long runs never
// produce a single unbounded file.
type FileChunkwiseSink struct {
	mu        sync.Mutex
	dir       string
	chunkSize int
	perNode   map[int]*nodeFile
}

type nodeFile struct {
	l     *logrus.Logger
	f     *os.File
	chunk int
	count int
}

// NewFileChunkwiseSink creates the directory if needed.
func NewFileChunkwiseSink(dir string, chunkSize int) (*FileChunkwiseSink, error) {
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log folder %q: %w", dir, err)
	}
	return &FileChunkwiseSink{
		dir:       dir,
		chunkSize: chunkSize,
		perNode:   make(map[int]*nodeFile),
	}, nil
}

func (s *FileChunkwiseSink) Write(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nf, err := s.fileForLocked(r.NodeID)
	if err != nil {
		return
	}
	nf.l.WithFields(logrus.Fields{
		"sim_time": r.SimTime.UTC().Format("2006-01-02 15:04:05"),
		"node":     r.NodeID,
		"event":    string(r.Kind),
	}).Log(logrusLevel(r.Level), r.Payload)

	nf.count++
	if nf.count >= s.chunkSize {
		nf.f.Close()
		nf.chunk++
		nf.count = 0
		f, err := s.openChunk(r.NodeID, nf.chunk)
		if err != nil {
			delete(s.perNode, r.NodeID)
			return
		}
		nf.f = f
		nf.l.SetOutput(f)
	}
}

func (s *FileChunkwiseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, nf := range s.perNode {
		if err := nf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.perNode, id)
	}
	return firstErr
}

func (s *FileChunkwiseSink) fileForLocked(nodeID int) (*nodeFile, error) {
	if nf, ok := s.perNode[nodeID]; ok {
		return nf, nil
	}
	f, err := s.openChunk(nodeID, 0)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetLevel(logrus.TraceLevel)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
	nf := &nodeFile{l: l, f: f}
	s.perNode[nodeID] = nf
	return nf, nil
}

func (s *FileChunkwiseSink) openChunk(nodeID, chunk int) (*os.File, error) {
	name := filepath.Join(s.dir, fmt.Sprintf("node_%d_chunk%d.log", nodeID, chunk))
	return os.Create(name)
}

//
// ---------- Asynchronous dispatcher ----------
//

// Dispatcher decouples producers from a slow sink. Records go through a
// bounded channel; when the channel is full the record is dropped and
// counted rather than stalling the scheduler.
type Dispatcher struct {
	ch      chan Record
	dst     Sink
	done    chan struct{}
	mu      sync.Mutex
	dropped uint64
	closed  bool
}

// NewDispatcher starts the drain goroutine.
func NewDispatcher(dst Sink, depth int) *Dispatcher {
	if depth <= 0 {
		depth = 4096
	}
	d := &Dispatcher{
		ch:   make(chan Record, depth),
		dst:  dst,
		done: make(chan struct{}),
	}
	go d.drain()
	return d
}

func (d *Dispatcher) Write(r Record) {
	select {
	case d.ch <- r:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
	}
}

// Dropped reports how many records were discarded under pressure.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close flushes queued records and closes the underlying sink.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	close(d.ch)
	<-d.done
	return d.dst.Close()
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for r := range d.ch {
		d.dst.Write(r)
	}
}
