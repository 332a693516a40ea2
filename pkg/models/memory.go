package models

// ObservationType categorizes a distilled observation.
type ObservationType string

const (
	ObservationFact    ObservationType = "fact"
	ObservationAction  ObservationType = "action"
	ObservationOutcome ObservationType = "outcome"
)

// Observation is a short-term memory artifact distilled from ledger events.
type Observation struct {
	ID             string          `json:"id"`
	TS             int64           `json:"ts"`
	Type           ObservationType `json:"type"`
	Content        string          `json:"content"`
	SourceEventIDs []string        `json:"sourceEventIds,omitempty"`
}

// Reflection is a long-term memory artifact distilled from observations.
// Frequency ranks how often the topic recurs, 1..10.
type Reflection struct {
	ID        string `json:"id"`
	TS        int64  `json:"ts"`
	Topic     string `json:"topic"`
	Content   string `json:"content"`
	Frequency int    `json:"frequency"`
}

// SessionMemory is the session snapshot data maintained by the memory
// service: the distillation hi-water marks plus accumulated artifacts.
//
// Sequence numbers are per run, so a single watermark cannot cover a whole
// session. RunWatermarks records the highest distilled seq per run;
// LastObservedSeq mirrors the watermark of the most recently distilled run.
type SessionMemory struct {
	LastObservedSeq int64            `json:"lastObservedSeq"`
	RunWatermarks   map[string]int64 `json:"runWatermarks,omitempty"`
	Observations    []Observation    `json:"observations,omitempty"`
	Reflections     []Reflection     `json:"reflections,omitempty"`
}
