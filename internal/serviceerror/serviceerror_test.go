package serviceerror

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewFormatsCodeAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("engagement.reconcile_report", "report_create_failed", cause)

	if err.Error() != "engagement.reconcile_report.report_create_failed: disk full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrapped")
	}
	if New("notifications.notify", "invalid_draft", nil).Error() != "notifications.notify.invalid_draft" {
		t.Fatalf("expected bare code without a cause")
	}
}

func TestCode(t *testing.T) {
	testCases := []struct {
		name     string
		err      error
		expected string
	}{
		{name: "direct", err: New("op", "reason", nil), expected: "op.reason"},
		{name: "wrapped", err: fmt.Errorf("handle: %w", New("op", "reason", errors.New("x"))), expected: "op.reason"},
		{name: "plain", err: errors.New("plain"), expected: ""},
		{name: "nil", err: nil, expected: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if code := Code(testCase.err); code != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, code)
			}
		})
	}
}

func TestLogAttachesOperationAndReason(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Log(zap.New(core), "engagement service error", "engagement.handle", "lead_lookup_failed", errors.New("locked"), zap.String("lead_id", "lead-1"))

	entries := logs.FilterMessage("engagement service error").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error entry, got %+v", entries)
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "engagement.handle" || fields["reason"] != "lead_lookup_failed" || fields["error"] != "locked" || fields["lead_id"] != "lead-1" {
		t.Fatalf("unexpected fields %+v", fields)
	}
}
