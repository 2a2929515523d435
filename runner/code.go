package runner

import (
	"context"
	"fmt"
	"time"

	pc "github.com/nevindra/pipelinecore"
)

// CodeRunner hands code to a Sandbox (HTTP-backed or Docker-backed) and
// never executes user code in-process.
type CodeRunner struct{}

func (CodeRunner) Run(ctx context.Context, config map[string]any, inputs map[string]any, svc Services) (map[string]any, error) {
	if svc.Sandbox == nil {
		return nil, fmt.Errorf("code runner: no Sandbox configured")
	}
	code, _ := configString(config, "code")
	if code == "" {
		return nil, &pc.SandboxError{Kind: pc.SandboxErrorException, Message: "code runner: empty code"}
	}
	language, _ := configString(config, "language")

	env := map[string]any{}
	if vars, ok := inputs["variables"].(map[string]any); ok {
		for k, v := range vars {
			env[k] = v
		}
	}
	if data, ok := inputs["input_data"]; ok {
		env["input_data"] = data
	}

	limits := pc.CodeLimits{
		Timeout:  time.Duration(configFloat(config, "timeout_ms", 30000)) * time.Millisecond,
		MemoryMB: int(configFloat(config, "memory_mb", 256)),
	}
	if pkgs, ok := config["allowed_packages"].([]any); ok {
		for _, p := range pkgs {
			if s, ok := p.(string); ok {
				limits.AllowedPackages = append(limits.AllowedPackages, s)
			}
		}
	}

	res, err := svc.Sandbox.Execute(ctx, pc.CodeRequest{
		Language: language,
		Code:     code,
		Env:      env,
		Limits:   limits,
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"result": res.Result,
		"logs":   toAnySlice(res.Logs),
		"errors": toAnySlice(res.Errors),
	}, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
