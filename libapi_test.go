package gobflow

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewServiceExportPropagatesErrors(t *testing.T) {
	if _, err := NewService(context.Background(), "svc", nil, NewNopLogger(), nil, ServiceDependencies{}); !errors.Is(err, ErrConfigRequired) {
		t.Fatalf("expected config required error, got %v", err)
	}

	conf := &Config{BrokerType: BrokerMemory, SharedDir: t.TempDir()}
	if _, err := NewService(context.Background(), "svc", conf, nil, nil, ServiceDependencies{}); !errors.Is(err, ErrLoggerRequired) {
		t.Fatalf("expected logger required error, got %v", err)
	}

	var cfgErr ConfigValidationError
	_, err := NewService(context.Background(), "svc", conf, NewNopLogger(), map[string]ServiceDefinition{
		"import": {Queue: "gob.workflow.import"},
	}, ServiceDependencies{})
	if !errors.As(err, &cfgErr) || !errors.Is(err, ErrHandlerRequired) {
		t.Fatalf("expected handler required validation error, got %v", err)
	}
}

func TestBuiltInBrokersAreRegistered(t *testing.T) {
	conf := &Config{BrokerType: BrokerMemory, SharedDir: t.TempDir()}
	svc, err := NewService(context.Background(), "svc", conf, NewNopLogger(), map[string]ServiceDefinition{
		"import": {
			Queue: "gob.workflow.import",
			Handler: func(context.Context, *MessageContext) (*Message, error) {
				return nil, nil
			},
		},
	}, ServiceDependencies{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Name() != "svc" {
		t.Fatalf("unexpected service name %q", svc.Name())
	}
}

func TestMessageExports(t *testing.T) {
	msg := NewMessage(NewHeader("catalogue", "meetbouten"), []any{"a"})
	body, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeMessage(body)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Header.Catalogue() != "meetbouten" {
		t.Fatalf("unexpected catalogue %q", decoded.Header.Catalogue())
	}
}

func TestEncodingExportAliases(t *testing.T) {
	payload := map[string]string{"hello": "world"}
	if _, err := Marshal(payload); err != nil {
		t.Fatalf("marshal alias failed: %v", err)
	}
	if _, err := MarshalIndent(payload, "", "  "); err != nil {
		t.Fatalf("marshal indent alias failed: %v", err)
	}
	if err := Unmarshal([]byte(`{"hello":"world"}`), &payload); err != nil {
		t.Fatalf("unmarshal alias failed: %v", err)
	}
}

func TestProcessIDExport(t *testing.T) {
	id := NewProcessID(time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC), "meetbouten", "metingen")
	if id != "20240309.140507.meetboutenmetingen" {
		t.Fatalf("unexpected process id %q", id)
	}
}

func TestDefaultTopologyExport(t *testing.T) {
	topo, err := DefaultTopology()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, exchange, ok := topo.Queue("gob.workflow.import"); !ok || exchange != WorkflowExchange {
		t.Fatal("expected import queue in default topology")
	}
}

func TestErrorCategoryConstants(t *testing.T) {
	if ErrorCategoryNone != "none" {
		t.Fatalf("expected ErrorCategoryNone to be 'none', got %q", ErrorCategoryNone)
	}
	if ErrorCategoryPanic != "panic" {
		t.Fatalf("expected ErrorCategoryPanic to be 'panic', got %q", ErrorCategoryPanic)
	}
}
