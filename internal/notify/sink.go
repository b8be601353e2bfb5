package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/nats-io/nats.go"

	"purchasekit/internal/types"
)

const (
	sinkWindow      = 60 * time.Second
	sinkMaxPerWin   = 10
	defaultDiagSubj = "sdk.diagnostics.errors"
)

// diagnosticReport is the wire shape published per reported error
type diagnosticReport struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Time    int64  `json:"time"`
}

// Sink is the rate-limited diagnostic destination for SDK errors: at most 10
// reports per rolling 60-second window. Reports beyond the limit are counted
// and logged, never forwarded.
type Sink struct {
	mu      sync.Mutex
	recent  []time.Time
	dropped int

	conn    *nats.Conn
	subject string
	now     func() time.Time
}

// NewSink creates a sink. conn may be nil, in which case reports are only
// logged locally.
func NewSink(conn *nats.Conn, subject string) *Sink {
	if subject == "" {
		subject = defaultDiagSubj
	}
	return &Sink{conn: conn, subject: subject, now: time.Now}
}

// Report forwards one error if the rolling window allows it.
func (s *Sink) Report(err *types.Error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	now := s.now()
	cutoff := now.Add(-sinkWindow)
	kept := s.recent[:0]
	for _, t := range s.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.recent = kept
	if len(s.recent) >= sinkMaxPerWin {
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		glog.V(1).Infof("diagnostic sink rate limited, %d reports dropped in window", dropped)
		return
	}
	s.recent = append(s.recent, now)
	s.dropped = 0
	s.mu.Unlock()

	glog.Errorf("sdk error: %v", err)

	if s.conn == nil {
		return
	}
	report := diagnosticReport{
		Kind:    string(err.Kind),
		Message: err.Message,
		Time:    now.Unix(),
	}
	data, merr := json.Marshal(report)
	if merr != nil {
		glog.Warningf("failed to marshal diagnostic report: %v", merr)
		return
	}
	if perr := s.conn.Publish(s.subject, data); perr != nil {
		glog.Warningf("failed to publish diagnostic report: %v", perr)
	}
}
