package client

import (
	"errors"
	"testing"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var podsResource = schema.GroupResource{Resource: "pods"}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "nil error",
			err:  nil,
			want: ErrorNone,
		},
		{
			name: "already exists",
			err:  apierrors.NewAlreadyExists(podsResource, "carta-alice"),
			want: ErrorAlreadyExists,
		},
		{
			name: "not found",
			err:  apierrors.NewNotFound(podsResource, "carta-alice"),
			want: ErrorNotFound,
		},
		{
			name: "conflict",
			err:  apierrors.NewConflict(podsResource, "carta-alice", errors.New("stale")),
			want: ErrorConflict,
		},
		{
			name: "anything else",
			err:  errors.New("connection refused"),
			want: ErrorOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIgnoreHelpers(t *testing.T) {
	t.Parallel()

	if err := IgnoreAlreadyExists(apierrors.NewAlreadyExists(podsResource, "x")); err != nil {
		t.Errorf("IgnoreAlreadyExists() = %v, want nil", err)
	}
	if err := IgnoreNotFound(apierrors.NewNotFound(podsResource, "x")); err != nil {
		t.Errorf("IgnoreNotFound() = %v, want nil", err)
	}

	other := errors.New("boom")
	if err := IgnoreAlreadyExists(other); !errors.Is(err, other) {
		t.Errorf("IgnoreAlreadyExists() should pass through unrelated errors")
	}
	if err := IgnoreNotFound(other); !errors.Is(err, other) {
		t.Errorf("IgnoreNotFound() should pass through unrelated errors")
	}
}
