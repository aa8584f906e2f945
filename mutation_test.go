package mutationq

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseMutationType(t *testing.T) {
	tests := []struct {
		in      string
		want    MutationType
		wantErr bool
	}{
		{"insert", TypeInsert, false},
		{"UPDATE", TypeUpdate, false},
		{" delete ", TypeDelete, false},
		{"upsert", TypeUpsert, false},
		{"rpc", TypeRPC, false},
		{"remote-procedure-call", TypeRPC, false},
		{"merge", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMutationType(tt.in)
			if tt.wantErr {
				if !IsValidation(err) {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMutationTypes_AllHaveHandlers(t *testing.T) {
	if len(handlers) != len(MutationTypes) {
		t.Errorf("expected %d handlers, got %d", len(MutationTypes), len(handlers))
	}
	for _, typ := range MutationTypes {
		if _, ok := handlers[typ]; !ok {
			t.Errorf("no handler for %s", typ)
		}
	}
}

func TestFilters_ReservedKeys(t *testing.T) {
	f := Filters{
		"id":             7,
		"owner":          "ann",
		FilterSelect:     "id, title",
		FilterOnConflict: "slug",
	}
	if f.Select() != "id, title" {
		t.Errorf("unexpected select %q", f.Select())
	}
	if f.OnConflict() != "slug" {
		t.Errorf("unexpected onConflict %q", f.OnConflict())
	}
	eq := f.Equality()
	if len(eq) != 2 || eq["id"] != 7 || eq["owner"] != "ann" {
		t.Errorf("unexpected equality filters: %v", eq)
	}

	var empty Filters
	if empty.Select() != "" || len(empty.Equality()) != 0 || empty.clone() != nil {
		t.Error("nil filters should behave as empty")
	}
}

func TestFilters_CloneIsIndependent(t *testing.T) {
	f := Filters{"id": 1}
	c := f.clone()
	c["id"] = 2
	if f["id"] != 1 {
		t.Error("clone shares storage with the original")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := time.Second
	tests := []struct {
		retry   int
		ceiling time.Duration
		want    time.Duration
	}{
		{0, 0, time.Second},
		{1, 0, time.Second},
		{2, 0, 2 * time.Second},
		{3, 0, 4 * time.Second},
		{5, 0, 16 * time.Second},
		{5, 10 * time.Second, 10 * time.Second},
		{60, 30 * time.Second, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", tt.retry, tt.ceiling), func(t *testing.T) {
			if got := backoffDelay(base, tt.ceiling, tt.retry); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestSubjectForStatus(t *testing.T) {
	if SubjectForStatus(StatusCompleted) != SubjectCompleted {
		t.Error("completed subject mismatch")
	}
	if SubjectForStatus(StatusFailed) != SubjectFailed {
		t.Error("failed subject mismatch")
	}
	if SubjectForStatus(StatusPending) != "mutationq.mutation.unknown" {
		t.Error("pending has no event subject")
	}
}

func TestNewID_TimeOrdered(t *testing.T) {
	a := newID()
	time.Sleep(2 * time.Millisecond)
	b := newID()
	if a == b {
		t.Fatal("ids collide")
	}
	if a >= b {
		t.Errorf("expected %s < %s", a, b)
	}
}

func TestSortOperations(t *testing.T) {
	ops := []Operation{{ID: "c", Timestamp: 2}, {ID: "b", Timestamp: 1}, {ID: "a", Timestamp: 2}}
	sortOperations(ops)
	if got := opIDs(ops); got != "b,a,c" {
		t.Errorf("expected b,a,c, got %s", got)
	}
}

func TestStats_Add(t *testing.T) {
	var s Stats
	for _, st := range Statuses {
		s.add(st)
	}
	s.add(StatusPending)
	if s.Total != 6 || s.Pending != 2 || s.Processing != 1 || s.Completed != 1 || s.Failed != 1 || s.Retrying != 1 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("enqueue: %w", &ValidationError{Field: "table", Reason: "table is required"})
	if !IsValidation(err) {
		t.Error("wrapped validation error not detected")
	}
	if IsValidation(errors.New("plain")) {
		t.Error("plain error reported as validation")
	}
	if got := (&ValidationError{Reason: "bad"}).Error(); got != "invalid mutation: bad" {
		t.Errorf("unexpected message %q", got)
	}
}
