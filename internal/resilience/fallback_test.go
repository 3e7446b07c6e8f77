package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup(cfg CircuitBreakerConfig) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{CircuitBreaker: cfg})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_Execute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failing map[string]error
		want    string
		wantErr error
	}{
		{name: "primary answers", want: "primary"},
		{name: "secondary takes over", failing: map[string]error{"primary": errTest}, want: "secondary"},
		{name: "all fail", failing: map[string]error{"primary": errTest, "secondary": errTest}, wantErr: ErrAllFailed},
		{name: "cancellation stops failover", failing: map[string]error{"primary": context.Canceled}, wantErr: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})
			var called []string
			got, err := ExecuteWithResult(fg, func(v string) (string, error) {
				called = append(called, v)
				if err := tt.failing[v]; err != nil {
					return "", err
				}
				return v, nil
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if errors.Is(tt.wantErr, context.Canceled) && len(called) != 1 {
					t.Errorf("called = %v, want only primary", called)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("result = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestFallbackGroup_AllFailedJoinsCauses(t *testing.T) {
	t.Parallel()

	fg := newGroup(CircuitBreakerConfig{MaxFailures: 3})
	errSecond := errors.New("second cause")
	err := fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return errSecond
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) || !errors.Is(err, errSecond) {
		t.Errorf("err = %v, want ErrAllFailed wrapping both causes", err)
	}
}

func TestFallbackGroup_SkipsOpenPrimary(t *testing.T) {
	t.Parallel()

	fg := newGroup(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	if err := fg.Execute(func(v string) error { called = append(called, v); return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Errorf("called = %v, want [secondary]", called)
	}

	st := fg.Status()
	if len(st) != 2 || st[0].State != StateOpen || st[0].Failures != 2 || st[1].State != StateClosed {
		t.Errorf("Status = %+v", st)
	}
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Errorf("Len = %d Primary = %q", fg.Len(), fg.Primary())
	}
}
