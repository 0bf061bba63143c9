// Package mcpserver registers MCP tools that inspect and drive the sync
// engine: per-domain status, the visible record set, refreshes and
// writes.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/edu-sync/internal/coordinator"
	"github.com/alexjbarnes/edu-sync/internal/models"
	"github.com/alexjbarnes/edu-sync/internal/notify"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Engine is the part of *engine.Engine the tools use.
type Engine interface {
	UserID() string
	Views() []models.View
	Subscribe(ctx context.Context, domain models.Domain) (*coordinator.Coordinator, error)
}

// RegisterTools adds all sync tools to the given MCP server. recent may
// be nil.
func RegisterTools(server *mcp.Server, e Engine, recent *notify.Recent) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Show the signed-in user and, for every mounted domain, its phase, stale/degraded flags, connectivity, subscription status and number of pending writes. Also lists recent advisories.",
	}, statusHandler(e, recent))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_records",
		Description: "List the records currently visible for one domain, including pending optimistic records, in the domain's natural order.",
	}, recordsHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_refresh",
		Description: "Fetch a domain from the remote store now, bypassing the saved snapshot. Returns the resulting view.",
	}, refreshHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_mutate",
		Description: "Submit a write to a domain. The outcome is applied-confirmed, applied-optimistic-queued (offline or remote unavailable), or rejected with a reason.",
	}, mutateHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// DomainInput names one domain.
type DomainInput struct {
	Domain string `json:"domain" jsonschema:"required,domain name, e.g. leaderboard or chat-messages"`
}

// MutateInput holds parameters for sync_mutate.
type MutateInput struct {
	Domain   string         `json:"domain" jsonschema:"required,domain name"`
	Type     string         `json:"type" jsonschema:"required,operation type, e.g. message.send or xp.add"`
	RecordID string         `json:"record_id,omitempty" jsonschema:"id of the record being updated, empty to create"`
	Payload  map[string]any `json:"payload" jsonschema:"required,domain payload"`
}

// --- Output types ---
// Handlers declare their output as any: record payloads are raw JSON with
// no fixed schema, so no output schema is advertised.

// StatusResult is returned by sync_status.
type StatusResult struct {
	UserID     string            `json:"user_id"`
	Domains    []DomainStatus    `json:"domains"`
	Advisories []notify.Advisory `json:"advisories,omitempty"`
}

// DomainStatus is a view without its records.
type DomainStatus struct {
	Domain       models.Domain             `json:"domain"`
	Phase        models.Phase              `json:"phase"`
	Stale        bool                      `json:"stale"`
	Degraded     bool                      `json:"degraded"`
	Online       bool                      `json:"online"`
	Subscription models.SubscriptionStatus `json:"subscription"`
	Records      int                       `json:"records"`
	Pending      int                       `json:"pending"`
	Error        string                    `json:"error,omitempty"`
}

// ViewResult wraps a view for tool output.
type ViewResult struct {
	View models.View `json:"view"`
}

// MutateResult is returned by sync_mutate.
type MutateResult struct {
	Outcome models.OutcomeKind `json:"outcome"`
	Record  *models.Record     `json:"record,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// --- Handlers ---

func statusHandler(e Engine, recent *notify.Recent) mcp.ToolHandlerFor[StatusInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
		result := &StatusResult{UserID: e.UserID(), Domains: []DomainStatus{}}

		for _, v := range e.Views() {
			result.Domains = append(result.Domains, DomainStatus{
				Domain:       v.Domain,
				Phase:        v.Phase,
				Stale:        v.Stale,
				Degraded:     v.Degraded,
				Online:       v.Connectivity.Online,
				Subscription: v.Connectivity.Subscription,
				Records:      len(v.Records),
				Pending:      v.Pending,
				Error:        v.Err,
			})
		}

		if recent != nil {
			result.Advisories = recent.List()
		}

		return textResult(result), result, nil
	}
}

func recordsHandler(e Engine) mcp.ToolHandlerFor[DomainInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DomainInput) (*mcp.CallToolResult, any, error) {
		c, err := e.Subscribe(ctx, models.Domain(input.Domain))
		if err != nil {
			return nil, nil, err
		}

		result := &ViewResult{View: c.View()}

		return textResult(result), result, nil
	}
}

func refreshHandler(e Engine) mcp.ToolHandlerFor[DomainInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DomainInput) (*mcp.CallToolResult, any, error) {
		c, err := e.Subscribe(ctx, models.Domain(input.Domain))
		if err != nil {
			return nil, nil, err
		}

		// A failed refresh still returns the view; it is marked stale and
		// carries the reason.
		_ = c.ForceRefresh(ctx)

		result := &ViewResult{View: c.View()}

		return textResult(result), result, nil
	}
}

func mutateHandler(e Engine) mcp.ToolHandlerFor[MutateInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MutateInput) (*mcp.CallToolResult, any, error) {
		c, err := e.Subscribe(ctx, models.Domain(input.Domain))
		if err != nil {
			return nil, nil, err
		}

		payload, err := json.Marshal(input.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encoding payload: %w", err)
		}

		out, err := c.Mutate(ctx, models.Operation{
			Type:     models.OperationType(input.Type),
			RecordID: input.RecordID,
			Payload:  payload,
		})
		if err != nil {
			return nil, nil, err
		}

		result := &MutateResult{Outcome: out.Kind}
		switch {
		case out.Kind != models.OutcomeRejected:
			result.Record = &out.Record
		case out.Reason != nil:
			result.Reason = out.Reason.Error()
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
