package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/algomatic/m18/pkg/types"
)

// Event type constants.
const (
	EventBreakoutDetected = "breakout_detected"
	EventTradeLabeled     = "trade_labeled"
	EventRunCompleted     = "run_completed"
)

// Source identifies this pipeline on the bus.
const Source = "m18"

// Event represents a message flowing through the Redis bus.
type Event struct {
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

// Marshal serializes an event to JSON. Non-finite floats become null and
// times are written as RFC 3339.
func (e *Event) Marshal() ([]byte, error) {
	wire := map[string]any{
		"event_type":     e.EventType,
		"payload":        serializePayload(e.Payload),
		"source":         e.Source,
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"correlation_id": e.CorrelationID,
	}
	return json.Marshal(wire)
}

// UnmarshalEvent deserializes an event from JSON bytes.
func UnmarshalEvent(data []byte) (*Event, error) {
	var raw struct {
		EventType     string         `json:"event_type"`
		Payload       map[string]any `json:"payload"`
		Source        string         `json:"source"`
		Timestamp     string         `json:"timestamp"`
		CorrelationID string         `json:"correlation_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshalling event JSON: %w", err)
	}
	ts, err := types.ParseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp: %w", err)
	}
	return &Event{
		EventType:     raw.EventType,
		Payload:       raw.Payload,
		Source:        raw.Source,
		Timestamp:     ts,
		CorrelationID: raw.CorrelationID,
	}, nil
}

// BreakoutEvent builds the event announcing a detected entry.
func BreakoutEvent(runID string, ev types.BreakoutEvent, now time.Time) *Event {
	return &Event{
		EventType:     EventBreakoutDetected,
		Payload:       breakoutPayload(ev),
		Source:        Source,
		Timestamp:     now,
		CorrelationID: runID,
	}
}

// TradeEvent builds the event announcing a labelled trade.
func TradeEvent(runID string, t types.LabeledTrade, now time.Time) *Event {
	p := breakoutPayload(t.BreakoutEvent)
	p["exit_date"] = t.ExitDate
	p["exit_price"] = t.ExitPrice
	p["exit_reason"] = string(t.Reason)
	p["bars_held"] = t.BarsHeld
	p["hold_days"] = t.HoldDays
	p["ret_pct"] = t.RetPct
	return &Event{
		EventType:     EventTradeLabeled,
		Payload:       p,
		Source:        Source,
		Timestamp:     now,
		CorrelationID: runID,
	}
}

// RunCompletedEvent builds the event closing a run.
func RunCompletedEvent(runID string, summary map[string]any, now time.Time) *Event {
	return &Event{
		EventType:     EventRunCompleted,
		Payload:       summary,
		Source:        Source,
		Timestamp:     now,
		CorrelationID: runID,
	}
}

func breakoutPayload(ev types.BreakoutEvent) map[string]any {
	return map[string]any{
		"symbol":       ev.Symbol,
		"entry_date":   ev.EntryDate,
		"entry_price":  ev.EntryPrice,
		"market_level": ev.MarketLevel,
		"score_trd":    ev.ScoreTrd,
		"score_vty":    ev.ScoreVty,
		"score_vol":    ev.ScoreVol,
		"score_mom":    ev.ScoreMom,
		"score_total":  ev.ScoreTotal,
		"score_norm":   ev.ScoreNorm,
	}
}

func serializePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	result := make(map[string]any, len(payload))
	for k, v := range payload {
		result[k] = serializeValue(v)
	}
	return result
}

func serializeValue(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case map[string]any:
		return serializePayload(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = serializeValue(item)
		}
		return out
	default:
		return v
	}
}
