package replay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// Record is one line of a recorded session log: the receipt timestamp and
// the raw packet bytes.
type Record struct {
	Offset  time.Duration // relative to the first record
	Payload []byte
}

// maxRecordSize bounds a single session log line.
const maxRecordSize = 1 << 20

// LoadSession parses a session log written by the relay
// (`<RFC3339Nano ts>;<payload>` per line) into records with offsets
// relative to the first packet.
func LoadSession(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session log: %w", err)
	}
	defer f.Close()

	var records []Record
	var first time.Time

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	line := 0
	for scanner.Scan() {
		line++
		tsStr, payload, ok := strings.Cut(scanner.Text(), ";")
		if !ok {
			return nil, fmt.Errorf("line %v: missing timestamp separator", line)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("line %v: failed to parse timestamp: %w", line, err)
		}
		if len(records) == 0 {
			first = ts
		}
		records = append(records, Record{
			Offset:  ts.Sub(first),
			Payload: []byte(payload),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session log: %w", err)
	}
	return records, nil
}

// Events schedules records against an absolute start time. A speed factor
// above 1 compresses the original spacing, below 1 stretches it.
func Events(records []Record, start time.Time, speed float64) []Event {
	if speed <= 0 {
		speed = 1
	}
	events := make([]Event, 0, len(records))
	for _, rec := range records {
		events = append(events, Event{
			At:      start.Add(time.Duration(float64(rec.Offset) / speed)),
			Payload: rec.Payload,
		})
	}
	return events
}

// Replay sends every record to the target UDP address, preserving the
// recorded spacing adjusted by speed. Cancelling ctx abandons the pending
// remainder.
func Replay(ctx context.Context, clk clock.Clock, target string, records []Record, speed float64) error {
	if clk == nil {
		clk = clock.New()
	}
	conn, err := net.Dial("udp", target)
	if err != nil {
		return fmt.Errorf("failed to dial target: %w", err)
	}
	defer conn.Close()

	s := NewScheduler(clk)
	return s.Run(ctx, Events(records, clk.Now(), speed), func(ev Event) error {
		_, err := conn.Write(ev.Payload)
		return err
	})
}
