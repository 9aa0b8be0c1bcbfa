// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

// Envelope is the structured result every command prints.
type Envelope struct {
	Request map[string]interface{} `json:"request"`
	Run     interface{}            `json:"run"`
	Runtime Runtime                `json:"runtime"`
}

type Runtime struct {
	ID      string  `json:"id"`
	Seconds float64 `json:"seconds"`
}

// runWithEnvelope executes fn and prints the YAML envelope. A command error
// lands in run.result and still fails the process.
func runWithEnvelope(cmd *cobra.Command, args []string, fn func(ctx context.Context) (interface{}, error)) error {
	ctx := cmd.Context()
	started := time.Now()

	run, err := fn(ctx)
	if err != nil {
		run = map[string]string{"result": "error", "error": err.Error()}
	}

	env := Envelope{
		Request: map[string]interface{}{
			"command": cmd.Name(),
			"args":    args,
		},
		Run: run,
		Runtime: Runtime{
			ID:      uuid.New().String(),
			Seconds: time.Since(started).Seconds(),
		},
	}

	out, marshalErr := yaml.Marshal(env)
	if marshalErr != nil {
		pterm.Error.Printfln("rendering result: %v", marshalErr)
		return marshalErr
	}
	fmt.Print(string(out))

	return err
}
