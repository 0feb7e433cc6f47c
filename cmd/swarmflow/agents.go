package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/BaSui01/swarmflow/types"
)

// simulatedAgent answers every task it is given. Confidence is derived from
// the agent/task pair so repeated runs agree, and scales with how much of
// the task's required capability set the agent covers.
func simulatedAgent(spec types.AgentSpec) types.Processor {
	caps := make(map[string]struct{}, len(spec.Capabilities))
	for _, c := range spec.Capabilities {
		caps[strings.ToLower(c)] = struct{}{}
	}

	return types.ProcessorFunc(func(ctx context.Context, task types.Task) (*types.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		covered := 1.0
		if n := len(task.RequiredCapabilities); n > 0 {
			hit := 0
			for _, c := range task.RequiredCapabilities {
				if _, ok := caps[strings.ToLower(c)]; ok {
					hit++
				}
			}
			covered = float64(hit) / float64(n)
		}

		h := fnv.New32a()
		_, _ = h.Write([]byte(spec.ID + "/" + task.ID))
		jitter := float64(h.Sum32()%1000) / 1000

		return &types.Result{
			Content:    fmt.Sprintf("%s completed %s: %s", spec.ID, task.ID, task.Description),
			Confidence: 0.5 + 0.3*covered + 0.15*jitter,
			Reasoning:  []string{fmt.Sprintf("covered %.0f%% of required capabilities", covered*100)},
		}, nil
	})
}
