// Copyright 2026 The Mydia Authors
// SPDX-License-Identifier: Apache-2.0

package tunnel

import "time"

// Stats is a point-in-time snapshot of one session's transfer
// counters.
type Stats struct {
	State            State
	BytesSent        int64
	BytesReceived    int64
	RequestsInFlight int
	StreamsInFlight  int
	LastPong         time.Time // zero if no pong has arrived
}

// Stats snapshots the session counters. Each field is individually
// consistent; the set is not atomic across fields.
func (s *Session) Stats() Stats {
	stats := Stats{
		State:            s.State(),
		BytesSent:        s.bytesSent.Load(),
		BytesReceived:    s.bytesReceived.Load(),
		RequestsInFlight: s.calls.Count(),
	}

	s.streamsMu.Lock()
	stats.StreamsInFlight = len(s.streams)
	s.streamsMu.Unlock()

	if unix := s.lastPongUnix.Load(); unix != 0 {
		stats.LastPong = time.Unix(unix, 0)
	}
	return stats
}
