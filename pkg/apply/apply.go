// Package apply implements the idempotent mutation patterns used for every
// orchestrator write in this system: create-then-replace-on-conflict, and
// delete-absorbing-not-found. Classification of API errors happens in
// pkg/k8s/client; this package only acts on the result.
package apply

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/cartavis/sessiond/pkg/k8s/client"
)

// CreateOrReplace creates obj, and on an "already exists" conflict reads
// the live object and replaces it with obj (carrying over the live
// resourceVersion, plus whatever fixup applies for the kind). Any other
// error propagates unchanged. This is a full replace, not a field merge:
// the builder output is the single source of truth for the object shape.
func CreateOrReplace[T metav1.Object](
	ctx context.Context,
	b *client.Bundle,
	obj T,
	create func(context.Context, T) (T, error),
	get func(context.Context, string) (T, error),
	update func(context.Context, T) (T, error),
	fixup func(live, desired T),
) error {
	if err := b.WaitMutate(ctx); err != nil {
		return err
	}

	_, err := create(ctx, obj)
	switch client.Classify(err) {
	case client.ErrorNone:
		return nil
	case client.ErrorAlreadyExists:
		// Fall through to replace.
	default:
		return fmt.Errorf("failed to create %s: %w", obj.GetName(), err)
	}

	live, err := get(ctx, obj.GetName())
	if err != nil {
		return fmt.Errorf("failed to read existing %s for replace: %w", obj.GetName(), err)
	}
	obj.SetResourceVersion(live.GetResourceVersion())
	if fixup != nil {
		fixup(live, obj)
	}

	if err := b.WaitMutate(ctx); err != nil {
		return err
	}
	if _, err := update(ctx, obj); err != nil {
		return fmt.Errorf("failed to replace existing %s: %w", obj.GetName(), err)
	}
	return nil
}

// Ensure creates obj, treating "already exists" as success. Used for
// objects whose specs are immutable once bound (namespaces, storage
// claims), where a replace would be rejected anyway.
func Ensure[T metav1.Object](
	ctx context.Context,
	b *client.Bundle,
	obj T,
	create func(context.Context, T) (T, error),
) error {
	if err := b.WaitMutate(ctx); err != nil {
		return err
	}
	if _, err := create(ctx, obj); client.IgnoreAlreadyExists(err) != nil {
		return fmt.Errorf("failed to create %s: %w", obj.GetName(), err)
	}
	return nil
}

// Delete removes the named object, treating "not found" as success.
func Delete(
	ctx context.Context,
	b *client.Bundle,
	name string,
	del func(context.Context, string) error,
) error {
	if err := b.WaitMutate(ctx); err != nil {
		return err
	}
	return client.IgnoreNotFound(del(ctx, name))
}
