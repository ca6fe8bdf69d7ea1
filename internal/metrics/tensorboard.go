package metrics

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// numHistogramBuckets used to summarize the histograms.
const numHistogramBuckets = 30

// EventWriter is a Sink that writes TensorBoard event files: a stream of TFRecords each holding one
// serialized tensorflow.Event protocol buffer.
//
// It is safe for concurrent use.
type EventWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	buf  *bufio.Writer
}

var _ Sink = (*EventWriter)(nil)

// NewEventWriter creates the directory dir if needed, and a new event file in it.
func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create TensorBoard log directory %s", dir)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%d.%s", now.Unix(), hostname))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create TensorBoard event file")
	}
	w := &EventWriter{path: path, file: f, buf: bufio.NewWriter(f)}

	// First event holds the file version.
	event := appendEventHeader(nil, now, 0)
	event = protowire.AppendTag(event, 3, protowire.BytesType)
	event = protowire.AppendString(event, "brain.Event:2")
	if err = w.writeRecord(event); err == nil {
		err = w.Flush()
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

// Path of the event file.
func (w *EventWriter) Path() string { return w.path }

// AddScalar implements Sink.
func (w *EventWriter) AddScalar(tag string, value float64, step int64) error {
	var summaryValue []byte
	summaryValue = protowire.AppendTag(summaryValue, 1, protowire.BytesType)
	summaryValue = protowire.AppendString(summaryValue, tag)
	summaryValue = protowire.AppendTag(summaryValue, 2, protowire.Fixed32Type)
	summaryValue = protowire.AppendFixed32(summaryValue, math.Float32bits(float32(value)))
	return w.writeSummary(summaryValue, step)
}

// AddHistogram implements Sink.
func (w *EventWriter) AddHistogram(tag string, values []float64, step int64) error {
	var summaryValue []byte
	summaryValue = protowire.AppendTag(summaryValue, 1, protowire.BytesType)
	summaryValue = protowire.AppendString(summaryValue, tag)
	summaryValue = protowire.AppendTag(summaryValue, 5, protowire.BytesType)
	summaryValue = protowire.AppendBytes(summaryValue, encodeHistogram(NewHistogram(values, numHistogramBuckets)))
	return w.writeSummary(summaryValue, step)
}

// Flush implements Sink.
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.buf.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush %s", w.path)
	}
	return nil
}

// Close implements Sink.
func (w *EventWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Wrapf(w.file.Close(), "failed to close %s", w.path)
}

// appendEventHeader appends the wall_time and step fields of an Event.
func appendEventHeader(b []byte, wallTime time.Time, step int64) []byte {
	b = protowire.AppendTag(b, 1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(float64(wallTime.UnixNano())/1e9))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(step))
	return b
}

// writeSummary writes an Event with a Summary holding one Summary.Value.
func (w *EventWriter) writeSummary(summaryValue []byte, step int64) error {
	var summary []byte
	summary = protowire.AppendTag(summary, 1, protowire.BytesType)
	summary = protowire.AppendBytes(summary, summaryValue)
	event := appendEventHeader(nil, time.Now(), step)
	event = protowire.AppendTag(event, 5, protowire.BytesType)
	event = protowire.AppendBytes(event, summary)
	return w.writeRecord(event)
}

var crc32c = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the checksum used by TFRecords.
func maskedCRC(data []byte) uint32 {
	crc := crc32.Checksum(data, crc32c)
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}

// writeRecord frames data as a TFRecord: length, length checksum, data, data checksum.
func (w *EventWriter) writeRecord(data []byte) error {
	header := binary.LittleEndian.AppendUint64(nil, uint64(len(data)))
	header = binary.LittleEndian.AppendUint32(header, maskedCRC(header))
	footer := binary.LittleEndian.AppendUint32(nil, maskedCRC(data))
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, part := range [][]byte{header, data, footer} {
		if _, err := w.buf.Write(part); err != nil {
			return errors.Wrapf(err, "failed to write to %s", w.path)
		}
	}
	return nil
}

// Histogram summary of a set of values, in the layout of tensorflow.HistogramProto.
type Histogram struct {
	Min, Max, Num, Sum, SumSquares float64

	// BucketLimits are the upper limits of each bucket, and Buckets their counts.
	BucketLimits, Buckets []float64
}

// NewHistogram summarizes values in up to numBuckets buckets of equal width. Non-finite values are ignored.
func NewHistogram(values []float64, numBuckets int) Histogram {
	h := Histogram{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		h.Num++
		h.Sum += v
		h.SumSquares += v * v
		h.Min = min(h.Min, v)
		h.Max = max(h.Max, v)
	}
	if h.Num == 0 {
		h.Min, h.Max = 0, 0
		return h
	}
	if h.Max == h.Min || numBuckets <= 1 {
		h.BucketLimits = []float64{h.Max}
		h.Buckets = []float64{h.Num}
		return h
	}
	width := (h.Max - h.Min) / float64(numBuckets)
	h.BucketLimits = make([]float64, numBuckets)
	h.Buckets = make([]float64, numBuckets)
	for ii := range h.BucketLimits {
		h.BucketLimits[ii] = h.Min + float64(ii+1)*width
	}
	h.BucketLimits[numBuckets-1] = h.Max
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		// Buckets hold the values in (previous limit, limit], the first one also holds Min.
		idx := int(math.Ceil((v-h.Min)/width)) - 1
		h.Buckets[min(max(idx, 0), numBuckets-1)]++
	}
	return h
}

func encodeHistogram(h Histogram) []byte {
	var b []byte
	for field, value := range []float64{h.Min, h.Max, h.Num, h.Sum, h.SumSquares} {
		b = protowire.AppendTag(b, protowire.Number(field+1), protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(value))
	}
	for ii, values := range [][]float64{h.BucketLimits, h.Buckets} {
		if len(values) == 0 {
			continue
		}
		var packed []byte
		for _, v := range values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, protowire.Number(6+ii), protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}
