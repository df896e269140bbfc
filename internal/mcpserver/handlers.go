package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *VeloraClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *VeloraClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetWallet returns a user's wallet balance.
func (h *Handlers) HandleGetWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	raw, err := h.client.GetWallet(ctx, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get wallet: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetEscrow fetches one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("escrow_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("escrow_ref is required"), nil
	}

	raw, err := h.client.GetEscrow(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListEscrows lists a user's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := req.GetString("user_id", "")
	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListEscrows(ctx, userID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	text, err := formatEscrowList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetSession fetches one session.
func (h *Handlers) HandleGetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("session_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("session_ref is required"), nil
	}

	raw, err := h.client.GetSession(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get session: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleReleaseEscrow releases a held escrow to the receiver.
func (h *Handlers) HandleReleaseEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("escrow_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("escrow_ref is required"), nil
	}

	raw, err := h.client.ReleaseEscrow(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Release failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s released.\n\n%s", ref, formatJSON(raw))), nil
}

// HandleRefundEscrow refunds a held escrow to the payer.
func (h *Handlers) HandleRefundEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("escrow_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("escrow_ref is required"), nil
	}

	raw, err := h.client.RefundEscrow(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Refund failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s refunded to the payer.\n\n%s", ref, formatJSON(raw))), nil
}

// HandleListDisputes lists disputes.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 50)

	raw, err := h.client.ListDisputes(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleResolveDispute settles an open dispute.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("escrow_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("escrow_ref is required"), nil
	}
	resolution := req.GetString("resolution", "")
	if resolution != "release" && resolution != "refund" {
		return mcp.NewToolResultError("resolution must be 'release' or 'refund'"), nil
	}
	note := req.GetString("note", "")

	raw, err := h.client.ResolveDispute(ctx, ref, resolution, note)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolve failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute on escrow %s resolved with %s.\n\n%s", ref, resolution, formatJSON(raw))), nil
}

// HandleConfirmPayment settles a pending external payment.
func (h *Handlers) HandleConfirmPayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("transaction_ref", "")
	if ref == "" {
		return mcp.NewToolResultError("transaction_ref is required"), nil
	}
	amount := req.GetString("amount", "")

	raw, err := h.client.ConfirmPayment(ctx, ref, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirm failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Payment %s confirmed.\n\n%s", ref, formatJSON(raw))), nil
}

// HandleRunReconciliation triggers one sweep.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	text, err := formatReport(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleWorkerStatus reports the worker's last run.
func (h *Handlers) HandleWorkerStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.WorkerStatus(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get worker status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatWallet(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	w, ok := resp["wallet"].(map[string]any)
	if !ok {
		w = resp
	}

	var sb strings.Builder
	sb.WriteString("Wallet:\n")
	sb.WriteString(fmt.Sprintf("  User: %s\n", getString(w, "userId")))
	sb.WriteString(fmt.Sprintf("  Balance: %s\n", getString(w, "balance")))
	sb.WriteString(fmt.Sprintf("  Total in: %s\n", getString(w, "totalIn")))
	sb.WriteString(fmt.Sprintf("  Total out: %s\n", getString(w, "totalOut")))
	return sb.String(), nil
}

func formatEscrowList(raw json.RawMessage) (string, error) {
	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Escrows) == 0 {
		return "No escrows found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d escrow(s):\n\n", len(resp.Escrows)))
	for i, e := range resp.Escrows {
		sb.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, getString(e, "ref"), getString(e, "status")))
		sb.WriteString(fmt.Sprintf("   Type: %s | Amount: %s | Payout: %s\n",
			getString(e, "type"), getString(e, "amount"), getString(e, "receiverPayout")))
		sb.WriteString(fmt.Sprintf("   Payer: %s | Receiver: %s\n",
			getString(e, "payerId"), getString(e, "receiverId")))
		if i < len(resp.Escrows)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes []map[string]any `json:"disputes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Disputes) == 0 {
		return "No disputes found.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d dispute(s):\n\n", len(resp.Disputes)))
	for i, d := range resp.Disputes {
		sb.WriteString(fmt.Sprintf("%d. %s [%s]\n", i+1, getString(d, "ref"), getString(d, "status")))
		sb.WriteString(fmt.Sprintf("   Escrow: %s | Opened by: %s\n",
			getString(d, "escrowRef"), getString(d, "openedBy")))
		sb.WriteString(fmt.Sprintf("   Reason: %s\n", getString(d, "reason")))
		if v := getString(d, "resolution"); v != "" {
			sb.WriteString(fmt.Sprintf("   Resolution: %s by %s\n", v, getString(d, "resolvedBy")))
		}
		if i < len(resp.Disputes)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatReport(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	r, ok := resp["report"].(map[string]any)
	if !ok {
		r = resp
	}

	var sb strings.Builder
	sb.WriteString("Reconciliation sweep complete:\n")
	if v, ok := getFloat(r, "sessionsMarked"); ok {
		sb.WriteString(fmt.Sprintf("  Sessions moved to awaiting_confirmation: %.0f\n", v))
	}
	if v, ok := getFloat(r, "escrowsReleased"); ok {
		sb.WriteString(fmt.Sprintf("  Escrows auto-released: %.0f\n", v))
	}
	if v, ok := getFloat(r, "errors"); ok && v > 0 {
		sb.WriteString(fmt.Sprintf("  Errors: %.0f (see server logs)\n", v))
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
