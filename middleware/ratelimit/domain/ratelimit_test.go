package domain

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func ptr(v int64) *int64 { return &v }

func TestRecord_ActivePoints(t *testing.T) {
	tests := []struct {
		name string
		rec  RateLimitRecord
		now  int64
		want int
	}{
		{name: "active window", rec: RateLimitRecord{Points: 3, Expire: ptr(1000)}, now: 999, want: 3},
		{name: "expire equals now", rec: RateLimitRecord{Points: 3, Expire: ptr(1000)}, now: 1000, want: 0},
		{name: "nil expire counts as expired", rec: RateLimitRecord{Points: 7}, now: 0, want: 0},
		{name: "beyond 32-bit range", rec: RateLimitRecord{Points: 1, Expire: ptr(1 << 40)}, now: 1<<40 - 1, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.ActivePoints(tt.now); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestConsumeRequest_Validate(t *testing.T) {
	ok := ConsumeRequest{Key: "k", Cost: 1, WindowMs: 1, MaxPoints: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	bad := []ConsumeRequest{
		{Key: "", Cost: 1, WindowMs: 1, MaxPoints: 1},
		{Key: Key(strings.Repeat("a", MaxKeyLength+1)), Cost: 1, WindowMs: 1, MaxPoints: 1},
		{Key: "k", Cost: 0, WindowMs: 1, MaxPoints: 1},
		{Key: "k", Cost: 1, WindowMs: 0, MaxPoints: 1},
		{Key: "k", Cost: 1, WindowMs: 1, MaxPoints: -1},
	}
	for i, req := range bad {
		if err := req.Validate(); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("case %d: expected ErrInvalidArgument, got %v", i, err)
		}
	}
}

func TestStorageError_MatchesSentinelAndCause(t *testing.T) {
	err := NewStorageError("consume", io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected errors.Is(err, ErrStorage)")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected cause to be preserved")
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "consume" {
		t.Fatalf("expected *StorageError with op, got %#v", err)
	}
	if NewStorageError("peek", nil) != nil {
		t.Fatalf("expected nil for nil cause")
	}
}
