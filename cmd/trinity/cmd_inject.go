// Copyright 2026 Trinity Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	trinitybus "github.com/trinity-labs/trinity/pkg/bus"
	"github.com/trinity-labs/trinity/pkg/types"
)

var (
	injectQueue    string
	injectPriority string
)

var injectCmd = &cobra.Command{
	Use:   "inject <message>",
	Short: "Publish a telemetry event onto the bus",
	Long: `Publish an event for WITNESS to process. Useful for exercising the loop
end to end: inject a message that matches a detector rule and watch it flow
through the improvement and execution queues.`,
	Args: cobra.ExactArgs(1),
	RunE: runInject,
}

func init() {
	injectCmd.Flags().StringVar(&injectQueue, "queue", types.QueueTelemetry, "target queue")
	injectCmd.Flags().StringVar(&injectPriority, "priority", "NORMAL", "priority (CRITICAL, HIGH, NORMAL)")
	rootCmd.AddCommand(injectCmd)
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	b, err := trinitybus.Open(cfg.Storage.BusPath, nil, zap.NewNop())
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()

	correlationID := uuid.New().String()
	payload := map[string]interface{}{
		"details":   args[0],
		"source":    "inject",
		"timestamp": time.Now().Format(time.RFC3339),
	}

	priority := types.ParsePriority(injectPriority)
	id, err := b.Publish(context.Background(), injectQueue, payload,
		priority.QueuePriority(), correlationID)
	if err != nil {
		return err
	}

	fmt.Printf("published message %d to %s (correlation %s)\n", id, injectQueue, correlationID)
	return nil
}
