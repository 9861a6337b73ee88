package invoker

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Measurement is one timing record. Terminal timing steps have Start 0 and
// End set to the arrival time; traced steps carry both ends of the exec.
type Measurement struct {
	Seq      uint32
	Function string
	Start    int64
	End      int64
}

// Sink receives measurements.
type Sink interface {
	Record(Measurement) error
}

// CSVHeader is written once by NewCSVSink.
var CSVHeader = []string{"id", "func", "ts_start", "ts_end"}

// CSVSink writes "seq,func,start,end" lines.
type CSVSink struct {
	mu sync.Mutex
	w  *csv.Writer
}

// NewCSVSink writes the header to w and returns a sink appending to it.
func NewCSVSink(w io.Writer) (*CSVSink, error) {
	s := &CSVSink{w: csv.NewWriter(w)}
	if err := s.write(CSVHeader); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CSVSink) Record(m Measurement) error {
	return s.write([]string{
		strconv.FormatUint(uint64(m.Seq), 10),
		m.Function,
		strconv.FormatInt(m.Start, 10),
		strconv.FormatInt(m.End, 10),
	})
}

func (s *CSVSink) write(rec []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(rec); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// Publisher is the subset of *nats.Conn used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// DefaultMeasurementSubject is the NATS subject measurements are published on.
const DefaultMeasurementSubject = "tempos.measurements"

// MeasurementRecord is the JSON document published per measurement.
type MeasurementRecord struct {
	RunID    string `json:"run_id"`
	NodeID   uint32 `json:"node_id"`
	Seq      uint32 `json:"seq"`
	Function string `json:"func"`
	StartNs  int64  `json:"start_ns"`
	EndNs    int64  `json:"end_ns"`
}

// NATSSink publishes measurements as JSON so several invokers can be
// collected in one place.
type NATSSink struct {
	pub     Publisher
	subject string
	runID   uuid.UUID
	nodeID  uint32
}

// NewNATSSink tags records with node and a fresh run id.
func NewNATSSink(pub Publisher, subject string, nodeID uint32) *NATSSink {
	if subject == "" {
		subject = DefaultMeasurementSubject
	}
	return &NATSSink{pub: pub, subject: subject, runID: uuid.New(), nodeID: nodeID}
}

// RunID identifies this invoker run in published records.
func (s *NATSSink) RunID() uuid.UUID { return s.runID }

func (s *NATSSink) Record(m Measurement) error {
	data, err := json.Marshal(MeasurementRecord{
		RunID:    s.runID.String(),
		NodeID:   s.nodeID,
		Seq:      m.Seq,
		Function: m.Function,
		StartNs:  m.Start,
		EndNs:    m.End,
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish measurement: %w", err)
	}
	return nil
}

// MultiSink fans a measurement out to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) Record(m Measurement) error {
	var errs []error
	for _, s := range ms {
		if err := s.Record(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
