package svcfields

import (
	"context"
	"testing"

	"pkt.systems/relayd/internal/correlation"
	"pkt.systems/relayd/internal/logcapture"
)

func TestWithRequestTagsCorrelationAndMessage(t *testing.T) {
	capture := logcapture.New()
	ctx := correlation.With(context.Background(), "cid-1")
	WithRequest(ctx, capture, "msg-1").Info("relayd.test.entry")
	entry, ok := capture.Find("relayd.test.entry")
	if !ok {
		t.Fatal("entry not captured")
	}
	if cid, _ := entry.Field(CorrelationKey); cid != "cid-1" {
		t.Fatalf("cid %v in %+v", cid, entry.Fields)
	}
	if id, _ := entry.Field(MessageIDKey); id != "msg-1" {
		t.Fatalf("message id %v in %+v", id, entry.Fields)
	}
}

func TestNilLoggerIsUsable(t *testing.T) {
	WithSubsystem(nil, "pipeline.log").Info("dropped")
	WithRequest(context.Background(), nil, "").Info("dropped")
}
