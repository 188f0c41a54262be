package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync/atomic"
)

// DataPrefix is the literal prefix of every meaningful line.
const DataPrefix = "data: "

const (
	defaultMaxLineBytes = 1 << 20 // 1MB
	defaultReadSize     = 4096
)

// Stats counts decoder activity. It is safe to read while a stream is decoded.
type Stats struct {
	Lines     atomic.Int64
	Events    atomic.Int64
	Malformed atomic.Int64
}

// DecoderConfig tunes a Decoder. The zero value is usable.
type DecoderConfig struct {
	// MaxLineBytes caps a single line. Longer lines are discarded up to the
	// next newline and counted as malformed.
	MaxLineBytes int
	// ReadSize is the size of each read from the transport.
	ReadSize int
	// Stats receives counters; nil disables counting.
	Stats  *Stats
	Logger *slog.Logger
}

// Decoder turns a raw fragment stream into wire events.
type Decoder struct {
	r        io.Reader
	maxLine  int
	readSize int
	stats    *Stats
	logger   *slog.Logger
}

// wirePayload mirrors the JSON objects carried on data lines.
type wirePayload struct {
	Content *string `json:"content"`
	Done    bool    `json:"done"`
	Error   *string `json:"error"`
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader, cfg DecoderConfig) *Decoder {
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLineBytes
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = defaultReadSize
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Decoder{
		r:        r,
		maxLine:  cfg.MaxLineBytes,
		readSize: cfg.ReadSize,
		stats:    cfg.Stats,
		logger:   cfg.Logger,
	}
}

// Decode is shorthand for NewDecoder(r, DecoderConfig{}).Events().
func Decode(r io.Reader) iter.Seq2[Event, error] {
	return NewDecoder(r, DecoderConfig{}).Events()
}

// Events returns the lazy, finite event sequence. The sequence ends after the
// first Done or Error event; end of transport yields an implicit Done. A read
// failure yields a *TransportError and ends the sequence. Bytes after a
// terminal event are never read.
//
//nolint:gocognit // Line assembly and termination are kept in one loop.
func (d *Decoder) Events() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		buf := make([]byte, d.readSize)
		var carry []byte
		discarding := false

		for {
			n, err := d.r.Read(buf)
			chunk := buf[:n]
			for len(chunk) > 0 {
				i := bytes.IndexByte(chunk, '\n')
				if i < 0 {
					if !discarding {
						carry = append(carry, chunk...)
						if len(carry) > d.maxLine {
							d.dropOverlong(len(carry))
							carry = carry[:0]
							discarding = true
						}
					}
					break
				}

				line := chunk[:i]
				chunk = chunk[i+1:]
				if discarding {
					discarding = false
					continue
				}
				if len(carry) > 0 {
					if len(carry)+len(line) > d.maxLine {
						d.dropOverlong(len(carry) + len(line))
						carry = carry[:0]
						continue
					}
					carry = append(carry, line...)
					line = carry
				} else if len(line) > d.maxLine {
					d.dropOverlong(len(line))
					continue
				}
				stop := d.processLine(line, yield)
				carry = carry[:0]
				if stop {
					return
				}
			}

			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				if !discarding && len(carry) > 0 {
					if d.processLine(carry, yield) {
						return
					}
				}
				d.stats.Events.Add(1)
				yield(Done(), nil)
				return
			}
			yield(Event{}, &TransportError{Err: err})
			return
		}
	}
}

// processLine decodes one complete line and reports whether the sequence
// must stop, either because a terminal event fired or the consumer quit.
func (d *Decoder) processLine(line []byte, yield func(Event, error) bool) bool {
	d.stats.Lines.Add(1)
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return false
	}

	var p wirePayload
	if err := json.Unmarshal(line[len(DataPrefix):], &p); err != nil {
		d.stats.Malformed.Add(1)
		d.logger.Debug("dropping malformed stream line", "error", err, "line_len", len(line))
		return false
	}

	if p.Content != nil && *p.Content != "" {
		d.stats.Events.Add(1)
		if !yield(Content(*p.Content), nil) {
			return true
		}
	}
	if p.Done {
		d.stats.Events.Add(1)
		yield(Done(), nil)
		return true
	}
	if p.Error != nil && *p.Error != "" {
		d.stats.Events.Add(1)
		yield(Error(*p.Error), nil)
		return true
	}
	return false
}

func (d *Decoder) dropOverlong(size int) {
	d.stats.Malformed.Add(1)
	d.logger.Debug("dropping overlong stream line", "line_len", size, "max", d.maxLine)
}
