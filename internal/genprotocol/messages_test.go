package genprotocol

import (
	"encoding/json"
	"testing"
)

func TestMarshalEnvelope_DispatchByType(t *testing.T) {
	data, err := MarshalEnvelope(TypeJob, JobMessage{
		JobID:     "job-1",
		Prompt:    "describe the harbor",
		MaxTokens: 512,
	})
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeJob {
		t.Errorf("got type=%q, want %q", env.Type, TypeJob)
	}

	var job JobMessage
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.JobID != "job-1" || job.Prompt != "describe the harbor" {
		t.Errorf("got job=%+v, want fields preserved", job)
	}
	if job.Temperature != nil {
		t.Errorf("got temperature=%v, want nil when unset", *job.Temperature)
	}
}

func TestMarshalEnvelope_OmitsEmptyPayload(t *testing.T) {
	data, err := MarshalEnvelope(TypePing, nil)
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("got %s, want payload omitted", data)
	}
}

func TestJobMessage_ExplicitZeroTemperature(t *testing.T) {
	zero := 0.0
	data, err := MarshalEnvelope(TypeJob, JobMessage{JobID: "j", Temperature: &zero})
	if err != nil {
		t.Fatalf("MarshalEnvelope: %v", err)
	}

	var env EnvelopeRaw
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	var job JobMessage
	if err := json.Unmarshal(env.Payload, &job); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if job.Temperature == nil || *job.Temperature != 0 {
		t.Errorf("got temperature=%v, want explicit 0", job.Temperature)
	}
}

func TestJobResult_Failed(t *testing.T) {
	ok := &JobResult{JobID: "j", Output: "text"}
	if ok.Failed() {
		t.Error("result with output reported failed")
	}
	bad := &JobResult{JobID: "j", Err: "model unreachable"}
	if !bad.Failed() {
		t.Error("result with error not reported failed")
	}
}
