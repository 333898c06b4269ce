package protocol

import "testing"

func TestValidateInboundFrame_CreateTaskValid(t *testing.T) {
	raw := []byte(`{"type":"create-task","request_id":"r1","task_kind":"demo","prompt":"do it"}`)
	frameType, ok, err := validateInboundFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || frameType != "create-task" {
		t.Fatalf("frameType=%q ok=%v", frameType, ok)
	}
}

func TestValidateInboundFrame_CreateTaskMissingRequired(t *testing.T) {
	raw := []byte(`{"type":"create-task","task_kind":"demo"}`)
	_, ok, err := validateInboundFrame(raw)
	if !ok {
		t.Fatalf("expected type to be recognized even when invalid")
	}
	if err == nil {
		t.Fatal("expected validation error for missing prompt/request_id")
	}
}

func TestValidateInboundFrame_UnknownTypeIgnored(t *testing.T) {
	raw := []byte(`{"type":"mystery-frame","foo":"bar"}`)
	frameType, ok, err := validateInboundFrame(raw)
	if err != nil {
		t.Fatalf("unexpected error for unknown type: %v", err)
	}
	if ok {
		t.Fatal("unknown frame type must not be reported as known")
	}
	if frameType != "mystery-frame" {
		t.Errorf("frameType = %q", frameType)
	}
}

func TestValidateInboundFrame_CommandResultOK(t *testing.T) {
	raw := []byte(`{"type":"command-result","task_id":"t1","call_id":"c1","ok":true,"result":{"content":"hi"}}`)
	frameType, ok, err := validateInboundFrame(raw)
	if err != nil || !ok || frameType != "command-result" {
		t.Fatalf("frameType=%q ok=%v err=%v", frameType, ok, err)
	}
}

func TestValidateInboundFrame_CancelTask(t *testing.T) {
	raw := []byte(`{"type":"cancel-task","task_id":"t1"}`)
	_, ok, err := validateInboundFrame(raw)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestValidateInboundFrame_Ping(t *testing.T) {
	raw := []byte(`{"type":"ping"}`)
	_, ok, err := validateInboundFrame(raw)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestValidateInboundFrame_UserAnswer(t *testing.T) {
	raw := []byte(`{"type":"user-answer","task_id":"t1","call_id":"c1","answer":"yes"}`)
	_, ok, err := validateInboundFrame(raw)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
}

func TestValidateInboundFrame_MalformedJSON(t *testing.T) {
	_, _, err := validateInboundFrame([]byte(`not json`))
	if err == nil {
		t.Fatal("expected decode error")
	}
}
