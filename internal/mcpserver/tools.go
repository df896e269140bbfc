package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Velora admin MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetWallet = mcp.NewTool("get_wallet",
	mcp.WithDescription(
		"Look up a user's wallet balance on Velora. "+
			"Shows available balance and lifetime totals in and out."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's ID (e.g. 'client1')")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Fetch a single escrow account by ref. "+
			"Shows the held amount, platform fee split, status and auto-release deadline."),
	mcp.WithString("escrow_ref",
		mcp.Required(),
		mcp.Description("The escrow ref (e.g. 'esc_...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List escrows where a user is payer or receiver, newest first. "+
			"Use this to review a user's held, released and refunded funds."),
	mcp.WithString("user_id",
		mcp.Required(),
		mcp.Description("The user's ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 50)")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Fetch a booked session by ref. "+
			"Shows the lifecycle status, participants, schedule and attached escrows."),
	mcp.WithString("session_ref",
		mcp.Required(),
		mcp.Description("The session ref (e.g. 'ses_...')")),
)

var ToolReleaseEscrow = mcp.NewTool("release_escrow",
	mcp.WithDescription(
		"Release a held escrow: the receiver is paid their share and the platform keeps its fee. "+
			"Only works on escrows without an open dispute. Releasing an already-released escrow is a no-op."),
	mcp.WithString("escrow_ref",
		mcp.Required(),
		mcp.Description("The escrow ref to release")),
)

var ToolRefundEscrow = mcp.NewTool("refund_escrow",
	mcp.WithDescription(
		"Refund a held escrow: the full amount goes back to the payer's wallet. "+
			"Only works on escrows without an open dispute."),
	mcp.WithString("escrow_ref",
		mcp.Required(),
		mcp.Description("The escrow ref to refund")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List escrow disputes, optionally filtered by status. "+
			"Open disputes block release and refund until resolved."),
	mcp.WithString("status",
		mcp.Description("Filter by dispute status"),
		mcp.Enum("open", "resolved")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 50)")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve an open dispute on an escrow. "+
			"'release' pays the receiver, 'refund' returns the money to the payer. "+
			"The decision is final and closes the dispute."),
	mcp.WithString("escrow_ref",
		mcp.Required(),
		mcp.Description("The disputed escrow's ref")),
	mcp.WithString("resolution",
		mcp.Required(),
		mcp.Description("How to settle the held funds"),
		mcp.Enum("release", "refund")),
	mcp.WithString("note",
		mcp.Description("Optional note recorded on the resolution")),
)

var ToolConfirmPayment = mcp.NewTool("confirm_payment",
	mcp.WithDescription(
		"Confirm that a pending crypto or card payment arrived. "+
			"Settles the transaction and opens the purpose-appropriate escrow (or credits a top-up)."),
	mcp.WithString("transaction_ref",
		mcp.Required(),
		mcp.Description("The transaction ref (e.g. 'txn_...')")),
	mcp.WithString("amount",
		mcp.Description("Verified amount; must match the transaction if given")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Run one reconciliation sweep now: overdue active sessions are moved to "+
			"awaiting_confirmation and escrows past their auto-release deadline are released. "+
			"Returns a report of what the sweep did."),
)

var ToolWorkerStatus = mcp.NewTool("worker_status",
	mcp.WithDescription(
		"Check the reconciliation worker: whether the in-process timer is running "+
			"and what the last sweep did."),
)
