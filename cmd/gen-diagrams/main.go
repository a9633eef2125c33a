// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/floehq/floe/internal/diagram"
	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

func main() {
	// Branching order workflow: trigger → amount check → STK push or SMS
	// nudge → receipt email.
	def := &schema.WorkflowDefinition{
		Nodes: []schema.Node{
			{ID: "order", Kind: schema.NodeKindTrigger},
			{ID: "check-amount", Kind: schema.NodeKindCondition, Config: map[string]string{
				"value": "{trigger.amount}",
				"rules": `[{"operator":"gte","operand":"1","branch":"charge"}]`,
			}},
			{ID: "collect", Kind: schema.NodeKindMpesa, Config: map[string]string{
				"operation":           "stk_push",
				"phoneNumber":         "{trigger.phone}",
				"amount":              "{trigger.amount}",
				"accountReference":    "{trigger.orderId}",
				"waitForConfirmation": "true",
			}},
			{ID: "nudge", Kind: schema.NodeKindAfricasTalking, Config: map[string]string{
				"operation": "send_sms",
				"to":        "{trigger.phone}",
				"message":   "Your order is on hold, no amount due.",
			}},
			{ID: "receipt", Kind: schema.NodeKindEmail, Config: map[string]string{
				"to":      "{trigger.email}",
				"subject": "Payment received",
				"body":    "Receipt {collect.mpesaReceiptNumber}",
			}},
		},
		Edges: []schema.Edge{
			{Source: "order", Target: "check-amount"},
			{Source: "check-amount", Target: "collect", BranchTag: "charge"},
			{Source: "check-amount", Target: "nudge", BranchTag: "default"},
			{Source: "collect", Target: "receipt"},
		},
	}

	nodeRuns := []*store.NodeRun{
		{NodeID: "order", Status: schema.NodeRunStatusSuccess, DurationMs: 1},
		{NodeID: "check-amount", Status: schema.NodeRunStatusSuccess, DurationMs: 2},
		{NodeID: "collect", Status: schema.NodeRunStatusSuccess, DurationMs: 8900},
		{NodeID: "nudge", Status: schema.NodeRunStatusSkipped},
		{NodeID: "receipt", Status: schema.NodeRunStatusRunning},
	}

	model, err := diagram.Build("Order collection", def, nodeRuns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	os.MkdirAll(outDir, 0o755)

	ascii := diagram.RenderASCII(model)
	os.WriteFile(filepath.Join(outDir, "diagram-ascii.txt"), []byte(ascii), 0o644)
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	os.WriteFile(filepath.Join(outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"), 0o644)
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, imgErr := diagram.RenderImage(model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
	} else {
		pngPath := filepath.Join(outDir, "diagram-sample.png")
		os.WriteFile(pngPath, png, 0o644)
		fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
	}
}
