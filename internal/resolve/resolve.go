// Package resolve merges the layered attribute configuration of workflows
// and activities into fully resolved values.
//
// Precedence, highest first: explicit call-site options, registration
// attributes, worker configuration, library defaults. Resolution is a pure
// function of its inputs; resolving the same layers twice yields the same
// result.
package resolve

import (
	"time"

	"github.com/petrijr/turno/pkg/api"
)

// Merge resolves the four attribute layers for the named subject. Each
// field independently takes its value from the highest layer that sets it.
//
// Namespace falls back to api.DefaultNamespace when no layer provides one.
// TaskQueue has no fallback: if no layer provides it, Merge returns an
// *api.ConfigurationError and callers must not schedule anything.
func Merge(name string, explicit, class, config, defaults api.PartialAttributes) (api.Attributes, error) {
	out := api.Attributes{
		Name:             name,
		Namespace:        firstString(explicit.Namespace, class.Namespace, config.Namespace, defaults.Namespace),
		TaskQueue:        firstString(explicit.TaskQueue, class.TaskQueue, config.TaskQueue, defaults.TaskQueue),
		RunTimeout:       firstDuration(explicit.RunTimeout, class.RunTimeout, config.RunTimeout, defaults.RunTimeout),
		ExecutionTimeout: firstDuration(explicit.ExecutionTimeout, class.ExecutionTimeout, config.ExecutionTimeout, defaults.ExecutionTimeout),
		Retry:            firstRetry(explicit.Retry, class.Retry, config.Retry, defaults.Retry),
	}

	if out.Namespace == "" {
		out.Namespace = api.DefaultNamespace
	}
	if out.TaskQueue == "" {
		return api.Attributes{}, &api.ConfigurationError{Field: "TaskQueue", Subject: name}
	}
	return out, nil
}

// Overlay combines two partial layers, with hi winning field by field.
// Unlike Merge it applies no defaults and no validation; the result is
// itself a layer.
func Overlay(hi, lo api.PartialAttributes) api.PartialAttributes {
	return api.PartialAttributes{
		Namespace:        firstString(hi.Namespace, lo.Namespace),
		TaskQueue:        firstString(hi.TaskQueue, lo.TaskQueue),
		RunTimeout:       firstDuration(hi.RunTimeout, lo.RunTimeout),
		ExecutionTimeout: firstDuration(hi.ExecutionTimeout, lo.ExecutionTimeout),
		Retry:            firstRetry(hi.Retry, lo.Retry),
	}
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDuration(vals ...time.Duration) time.Duration {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstRetry(vals ...*api.RetryPolicy) *api.RetryPolicy {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
