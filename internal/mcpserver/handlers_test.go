package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:       ts.URL,
		AdminSecret:  "s3cret",
		WorkerSecret: "w0rker",
	}
	client := NewVeloraClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_SecretHeaders(t *testing.T) {
	var gotAdmin, gotWorker string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAdmin = r.Header.Get("X-Admin-Secret")
		gotWorker = r.Header.Get("X-Worker-Secret")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL, AdminSecret: "s3cret", WorkerSecret: "w0rker"})
	_, err := client.GetWallet(context.Background(), "client1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", gotAdmin)
	assert.Equal(t, "w0rker", gotWorker)
}

func TestClient_DoRequest_NoSecretsConfigured(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-Admin-Secret"))
		assert.Empty(t, r.Header.Get("X-Worker-Secret"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL})
	_, err := client.GetWallet(context.Background(), "client1")
	require.NoError(t, err)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "unauthorized",
			"message": "Invalid admin secret",
		})
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL, AdminSecret: "bad"})
	_, err := client.GetWallet(context.Background(), "client1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Invalid admin secret")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL})
	_, err := client.GetWallet(context.Background(), "client1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewVeloraClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetWallet(context.Background(), "client1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately
	_, err := client.GetWallet(ctx, "client1")
	require.Error(t, err)
}

func TestClient_ListEscrows_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/users/model1/escrows", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL})
	_, err := client.ListEscrows(context.Background(), "model1", 10)
	require.NoError(t, err)
}

func TestClient_ListEscrows_ZeroLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("limit"), "limit=0 should not be sent")
		_, _ = w.Write([]byte(`{"escrows":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL})
	_, err := client.ListEscrows(context.Background(), "model1", 0)
	require.NoError(t, err)
}

func TestClient_ListDisputes_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/disputes", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"disputes":[],"count":0}`))
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL})
	_, err := client.ListDisputes(context.Background(), "open", 5)
	require.NoError(t, err)
}

func TestClient_ResolveDispute_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/admin/escrows/esc_99/resolve", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "refund", m["resolution"])
		assert.Equal(t, "client never joined", m["note"])

		_ = json.NewEncoder(w).Encode(map[string]any{"escrow": map[string]any{"ref": "esc_99"}})
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.ResolveDispute(context.Background(), "esc_99", "refund", "client never joined")
	require.NoError(t, err)
}

func TestClient_ConfirmPayment_WithAmount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/payments/txn_1/confirm", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "250.00", m["amount"])
		_ = json.NewEncoder(w).Encode(map[string]any{"transaction": map[string]any{"ref": "txn_1"}})
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.ConfirmPayment(context.Background(), "txn_1", "250.00")
	require.NoError(t, err)
}

func TestClient_ConfirmPayment_NoAmount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body, "no amount means no request body")
		_ = json.NewEncoder(w).Encode(map[string]any{"transaction": map[string]any{"ref": "txn_1"}})
	}))
	defer ts.Close()

	client := NewVeloraClient(Config{APIURL: ts.URL, AdminSecret: "s3cret"})
	_, err := client.ConfirmPayment(context.Background(), "txn_1", "")
	require.NoError(t, err)
}

// ============================================================
// Handler: get_wallet
// ============================================================

func TestHandleGetWallet(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/client1/wallet", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"wallet": map[string]any{
				"userId":   "client1",
				"balance":  "425.50",
				"totalIn":  "500.00",
				"totalOut": "74.50",
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetWallet(context.Background(), makeRequest(map[string]any{
		"user_id": "client1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "client1")
	assert.Contains(t, text, "425.50")
	assert.Contains(t, text, "500.00")
	assert.Contains(t, text, "74.50")
}

func TestHandleGetWallet_MissingUserID(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleGetWallet(context.Background(), makeRequest(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "user_id is required")
}

func TestHandleGetWallet_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/ghost/wallet", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "not_found", "message": "wallet not found"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetWallet(context.Background(), makeRequest(map[string]any{
		"user_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "wallet not found")
}

// ============================================================
// Handler: get_escrow / get_session
// ============================================================

func TestHandleGetEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/escrows/esc_abc", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{"ref": "esc_abc", "status": "held", "amount": "220.00"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{
		"escrow_ref": "esc_abc",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "esc_abc")
	assert.Contains(t, text, "held")
}

func TestHandleGetEscrow_MissingRef(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleGetEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_ref is required")
}

func TestHandleGetSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/ses_xyz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"session": map[string]any{"ref": "ses_xyz", "status": "active", "sessionType": "video"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleGetSession(context.Background(), makeRequest(map[string]any{
		"session_ref": "ses_xyz",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "ses_xyz")
}

func TestHandleGetSession_MissingRef(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleGetSession(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_ref is required")
}

// ============================================================
// Handler: list_escrows
// ============================================================

func TestHandleListEscrows(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/model1/escrows", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Admin-Secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrows": []map[string]any{
				{
					"ref": "esc_1", "status": "held", "type": "session",
					"amount": "220.00", "receiverPayout": "176.00",
					"payerId": "client1", "receiverId": "model1",
				},
				{
					"ref": "esc_2", "status": "released", "type": "content",
					"amount": "15.00", "receiverPayout": "12.00",
					"payerId": "client2", "receiverId": "model1",
				},
			},
			"count": 2,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(map[string]any{
		"user_id": "model1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 escrow(s)")
	assert.Contains(t, text, "esc_1 [held]")
	assert.Contains(t, text, "esc_2 [released]")
	assert.Contains(t, text, "Payout: 176.00")
	assert.Contains(t, text, "Payer: client1 | Receiver: model1")
}

func TestHandleListEscrows_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/newbie/escrows", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"escrows": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListEscrows(context.Background(), makeRequest(map[string]any{
		"user_id": "newbie",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "No escrows found")
}

func TestHandleListEscrows_MissingUserID(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleListEscrows(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "user_id is required")
}

func TestHandleListEscrows_PassesLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/model1/escrows", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{"escrows": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	h.HandleListEscrows(context.Background(), makeRequest(map[string]any{
		"user_id": "model1",
		"limit":   float64(3), // JSON numbers come as float64
	}))
}

// ============================================================
// Handler: release_escrow / refund_escrow
// ============================================================

func TestHandleReleaseEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/escrows/esc_rel/release", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "s3cret", r.Header.Get("X-Admin-Secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{"ref": "esc_rel", "status": "released", "receiverPayout": "176.00"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleReleaseEscrow(context.Background(), makeRequest(map[string]any{
		"escrow_ref": "esc_rel",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_rel released")
	assert.Contains(t, text, "176.00")
}

func TestHandleReleaseEscrow_MissingRef(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleReleaseEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_ref is required")
}

func TestHandleReleaseEscrow_DisputeBlocks(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/escrows/esc_disp/release", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "escrow_disputed", "message": "escrow has an open dispute",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleReleaseEscrow(context.Background(), makeRequest(map[string]any{
		"escrow_ref": "esc_disp",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Release failed")
	assert.Contains(t, resultText(t, result), "open dispute")
}

func TestHandleRefundEscrow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/escrows/esc_ref/refund", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{"ref": "esc_ref", "status": "refunded", "amount": "220.00"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRefundEscrow(context.Background(), makeRequest(map[string]any{
		"escrow_ref": "esc_ref",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow esc_ref refunded to the payer")
	assert.Contains(t, text, "refunded")
}

func TestHandleRefundEscrow_MissingRef(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleRefundEscrow(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_ref is required")
}

// ============================================================
// Handler: list_disputes
// ============================================================

func TestHandleListDisputes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/disputes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"disputes": []map[string]any{
				{
					"ref": "dsp_1", "status": "open", "escrowRef": "esc_1",
					"openedBy": "client1", "reason": "model never joined the call",
				},
			},
			"count": 1,
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(map[string]any{
		"status": "open",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 dispute(s)")
	assert.Contains(t, text, "dsp_1 [open]")
	assert.Contains(t, text, "Escrow: esc_1 | Opened by: client1")
	assert.Contains(t, text, "model never joined the call")
	assert.NotContains(t, text, "Resolution:")
}

func TestHandleListDisputes_Resolved(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/disputes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"disputes": []map[string]any{
				{
					"ref": "dsp_2", "status": "resolved", "escrowRef": "esc_2",
					"openedBy": "client2", "reason": "poor quality",
					"resolution": "refund", "resolvedBy": "admin",
				},
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Resolution: refund by admin")
}

func TestHandleListDisputes_Empty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/disputes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"disputes": []map[string]any{}, "count": 0})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No disputes found")
}

func TestHandleListDisputes_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/disputes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "internal", "message": "db down"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "db down")
}

// ============================================================
// Handler: resolve_dispute
// ============================================================

func TestHandleResolveDispute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/escrows/esc_d/resolve", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, "release", body["resolution"])
		assert.Equal(t, "session completed fine", body["note"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"escrow": map[string]any{"ref": "esc_d", "status": "released"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"escrow_ref": "esc_d",
		"resolution": "release",
		"note":       "session completed fine",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Dispute on escrow esc_d resolved with release")
}

func TestHandleResolveDispute_MissingRef(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"resolution": "refund",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow_ref is required")
}

func TestHandleResolveDispute_BadResolution(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	for _, resolution := range []string{"", "split", "RELEASE"} {
		result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
			"escrow_ref": "esc_1",
			"resolution": resolution,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "resolution must be 'release' or 'refund'")
	}
}

func TestHandleResolveDispute_NoOpenDispute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/escrows/esc_clean/resolve", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "not_disputed", "message": "escrow has no open dispute",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"escrow_ref": "esc_clean",
		"resolution": "refund",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no open dispute")
}

// ============================================================
// Handler: confirm_payment
// ============================================================

func TestHandleConfirmPayment(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/payments/txn_1/confirm", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"transaction": map[string]any{"ref": "txn_1", "status": "completed"},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{
		"transaction_ref": "txn_1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Payment txn_1 confirmed")
}

func TestHandleConfirmPayment_MissingRef(t *testing.T) {
	h := NewHandlers(NewVeloraClient(Config{}))
	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "transaction_ref is required")
}

func TestHandleConfirmPayment_AmountMismatch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/admin/payments/txn_2/confirm", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(400)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "amount_mismatch", "message": "verified amount does not match transaction",
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{
		"transaction_ref": "txn_2",
		"amount":          "999.00",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Confirm failed")
	assert.Contains(t, resultText(t, result), "does not match")
}

// ============================================================
// Handler: run_reconciliation / worker_status
// ============================================================

func TestHandleRunReconciliation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/worker/run", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "w0rker", r.Header.Get("X-Worker-Secret"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"report": map[string]any{
				"sessionsMarked":  2,
				"escrowsReleased": 3,
				"errors":          0,
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Reconciliation sweep complete")
	assert.Contains(t, text, "awaiting_confirmation: 2")
	assert.Contains(t, text, "auto-released: 3")
	assert.NotContains(t, text, "Errors:")
}

func TestHandleRunReconciliation_WithErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/worker/run", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"report": map[string]any{
				"sessionsMarked":  0,
				"escrowsReleased": 1,
				"errors":          2,
			},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Errors: 2")
}

func TestHandleRunReconciliation_APIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/worker/run", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "unauthorized", "message": "invalid worker secret"})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid worker secret")
}

func TestHandleWorkerStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/worker/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"timer_running": true,
			"last_run":      map[string]any{"sessionsMarked": 1},
		})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	result, err := h.HandleWorkerStatus(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "timer_running")
	assert.Contains(t, text, "true")
}

// ============================================================
// Formatting & parsing unit tests
// ============================================================

func TestFormatWallet_FlatResponse(t *testing.T) {
	raw := json.RawMessage(`{"userId":"u1","balance":"10.00","totalIn":"10.00","totalOut":"0"}`)
	text, err := formatWallet(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "u1")
	assert.Contains(t, text, "10.00")
}

func TestFormatWallet_MalformedJSON(t *testing.T) {
	_, err := formatWallet(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatEscrowList_MalformedJSON(t *testing.T) {
	_, err := formatEscrowList(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestFormatDisputeList_MalformedJSON(t *testing.T) {
	_, err := formatDisputeList(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestFormatReport_FlatResponse(t *testing.T) {
	raw := json.RawMessage(`{"sessionsMarked":1,"escrowsReleased":0,"errors":0}`)
	text, err := formatReport(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "awaiting_confirmation: 1")
}

func TestFormatReport_MalformedJSON(t *testing.T) {
	_, err := formatReport(json.RawMessage(`garbage`))
	assert.Error(t, err)
}

func TestFormatJSON_ValidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`{"a":1,"b":"two"}`))
	assert.Contains(t, result, "\"a\": 1")
	assert.Contains(t, result, "\"b\": \"two\"")
}

func TestFormatJSON_InvalidJSON(t *testing.T) {
	result := formatJSON(json.RawMessage(`not json`))
	assert.Equal(t, "not json", result)
}

func TestGetString_Fallback(t *testing.T) {
	m := map[string]any{"foo": "bar"}
	assert.Equal(t, "bar", getString(m, "missing", "foo"))
	assert.Equal(t, "", getString(m, "missing1", "missing2"))
}

func TestGetString_NumericValue(t *testing.T) {
	m := map[string]any{"count": float64(42)}
	assert.Equal(t, "42", getString(m, "count"))
}

func TestGetFloat_Fallback(t *testing.T) {
	m := map[string]any{"score": 95.5}
	v, ok := getFloat(m, "missing", "score")
	assert.True(t, ok)
	assert.Equal(t, 95.5, v)

	_, ok = getFloat(m, "missing1", "missing2")
	assert.False(t, ok)
}

func TestGetFloat_NonNumeric(t *testing.T) {
	m := map[string]any{"score": "not a number"}
	_, ok := getFloat(m, "score")
	assert.False(t, ok)
}

// ============================================================
// Concurrency / race detection
// ============================================================

func TestHandlers_ConcurrentCalls(t *testing.T) {
	var callCount atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/users/client1/wallet", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"wallet": map[string]any{"userId": "client1", "balance": "10.00"},
		})
	})
	mux.HandleFunc("/v1/users/client1/escrows", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"escrows": []map[string]any{}})
	})
	mux.HandleFunc("/v1/admin/disputes", func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"disputes": []map[string]any{}})
	})

	h, cleanup := newTestSetup(mux)
	defer cleanup()

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			h.HandleGetWallet(context.Background(), makeRequest(map[string]any{"user_id": "client1"}))
			h.HandleListEscrows(context.Background(), makeRequest(map[string]any{"user_id": "client1"}))
			h.HandleListDisputes(context.Background(), makeRequest(nil))
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	assert.Equal(t, int32(60), callCount.Load())
}

// ============================================================
// Server wiring test
// ============================================================

func TestNewMCPServer_RegistersAllTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", AdminSecret: "k"})
	require.NotNil(t, s)
	// The server should not be nil — that's the main assertion.
	// We can't easily inspect registered tools without calling ListTools,
	// but we can verify it doesn't panic.
}

// ============================================================
// Edge cases: handler never returns Go error
// ============================================================

func TestHandlers_NeverReturnGoError(t *testing.T) {
	// All handlers should return (result, nil) even on failures.
	// The failure is encoded in result.IsError, not in the Go error.
	h := NewHandlers(NewVeloraClient(Config{
		APIURL: "http://127.0.0.1:1", // unreachable
	}))

	tests := []struct {
		name string
		fn   func() (*mcp.CallToolResult, error)
	}{
		{"GetWallet", func() (*mcp.CallToolResult, error) {
			return h.HandleGetWallet(context.Background(), makeRequest(map[string]any{"user_id": "u1"}))
		}},
		{"GetEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleGetEscrow(context.Background(), makeRequest(map[string]any{"escrow_ref": "esc_1"}))
		}},
		{"ListEscrows", func() (*mcp.CallToolResult, error) {
			return h.HandleListEscrows(context.Background(), makeRequest(map[string]any{"user_id": "u1"}))
		}},
		{"GetSession", func() (*mcp.CallToolResult, error) {
			return h.HandleGetSession(context.Background(), makeRequest(map[string]any{"session_ref": "ses_1"}))
		}},
		{"ReleaseEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleReleaseEscrow(context.Background(), makeRequest(map[string]any{"escrow_ref": "esc_1"}))
		}},
		{"RefundEscrow", func() (*mcp.CallToolResult, error) {
			return h.HandleRefundEscrow(context.Background(), makeRequest(map[string]any{"escrow_ref": "esc_1"}))
		}},
		{"ListDisputes", func() (*mcp.CallToolResult, error) {
			return h.HandleListDisputes(context.Background(), makeRequest(nil))
		}},
		{"ResolveDispute", func() (*mcp.CallToolResult, error) {
			return h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{"escrow_ref": "esc_1", "resolution": "refund"}))
		}},
		{"ConfirmPayment", func() (*mcp.CallToolResult, error) {
			return h.HandleConfirmPayment(context.Background(), makeRequest(map[string]any{"transaction_ref": "txn_1"}))
		}},
		{"RunReconciliation", func() (*mcp.CallToolResult, error) {
			return h.HandleRunReconciliation(context.Background(), makeRequest(nil))
		}},
		{"WorkerStatus", func() (*mcp.CallToolResult, error) {
			return h.HandleWorkerStatus(context.Background(), makeRequest(nil))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := tt.fn()
			assert.NoError(t, err, "handler should never return Go error")
			assert.NotNil(t, result, "handler should always return a result")
			assert.True(t, result.IsError, "unreachable server should produce isError result")
		})
	}
}
