package runner

import "context"

// InputRunner exposes an initial variable as a step output, enabling the
// Resolver to reference {{inputs.name}} via {{steps.<id>.value}} or the
// bare port convenience binding. The Executor populates inputs["value"]
// from the run's initial variables keyed by the step's name, since an
// input step declares no input ports of its own.
type InputRunner struct{}

func (InputRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	return map[string]any{"value": inputs["value"]}, nil
}

// OutputRunner is a sink: its resolved "data" input becomes the run's
// output under its step name. The Validator rejects duplicate output
// step names before a Run is created, so the Executor never needs to
// arbitrate a collision here.
type OutputRunner struct{}

func (OutputRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	return map[string]any{"data": inputs["data"]}, nil
}
