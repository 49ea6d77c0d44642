package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantframe/marketbus/pkg/account"
	"github.com/quantframe/marketbus/pkg/taskqueue"
)

// Task type names, as written into tasks.type by pkg/gateway (spec.md §4.1's
// one-shot get list and §4.7's account snapshot fetch).
const (
	TaskSearchSymbols  = "search_symbols"
	TaskResolveSymbol  = "resolve_symbol"
	TaskKlines         = "klines"
	TaskQuotesSnapshot = "quotes"
	TaskSpotAccount    = "get_spot_account"
	TaskFuturesAccount = "get_futures_account"
	TaskExchangeInfo   = "exchange_info"
)

// Soft per-type deadlines (spec.md §4.3); the orphan janitor in
// pkg/taskqueue resets any task CLAIMED for longer than the queue-wide
// ClaimOrphanThreshold and does not use these deadlines or any multiple of
// them, but the executor still bounds its own HTTP call
// by the type's deadline so a hung upstream request can't pin a worker
// indefinitely.
var taskDeadlines = map[string]time.Duration{
	TaskSearchSymbols:  10 * time.Second,
	TaskResolveSymbol:  10 * time.Second,
	TaskKlines:         30 * time.Second,
	TaskQuotesSnapshot: 10 * time.Second,
	TaskSpotAccount:    10 * time.Second,
	TaskFuturesAccount: 10 * time.Second,
	TaskExchangeInfo:   120 * time.Second,
}

// RESTExecutor satisfies taskqueue.TaskExecutor: it turns a claimed task row
// into one outbound REST call against the configured upstream endpoints,
// signing authenticated calls with the configured Signer.
//
// net/http is used directly here rather than a higher-level REST client
// library — nothing in the retrieval pack wires one in, so there is no
// convention to follow (see DESIGN.md).
type RESTExecutor struct {
	spotBaseURL    string
	futuresBaseURL string
	apiKey         string
	signer         Signer
	recvWindowMS   int64
	httpClient     *http.Client
}

// NewRESTExecutor builds a RESTExecutor. signer may be nil if no signed
// task types will ever be claimed by this worker pool (e.g. a
// market-data-only deployment with no account credentials configured).
func NewRESTExecutor(spotBaseURL, futuresBaseURL, apiKey string, signer Signer) *RESTExecutor {
	return &RESTExecutor{
		spotBaseURL:    spotBaseURL,
		futuresBaseURL: futuresBaseURL,
		apiKey:         apiKey,
		signer:         signer,
		recvWindowMS:   5000,
		httpClient:     &http.Client{},
	}
}

// taskParams is the decoded shape of a task row's JSON payload.
type taskParams map[string]string

// Execute runs one task to completion. It never panics on a malformed
// payload or upstream error — those become a FAILED ExecutionResult so the
// worker can write a terminal (or retryable) result back to the task row.
// Satisfies taskqueue.TaskExecutor.
func (e *RESTExecutor) Execute(ctx context.Context, task *taskqueue.Task) *taskqueue.ExecutionResult {
	return e.execute(ctx, task.Type, task.Payload)
}

func (e *RESTExecutor) execute(ctx context.Context, taskType string, payload json.RawMessage) *taskqueue.ExecutionResult {
	deadline, ok := taskDeadlines[taskType]
	if !ok {
		return &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "UNKNOWN_TASK_TYPE", ErrorMessage: fmt.Sprintf("no handler for task type %q", taskType)}
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var params taskParams
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &params); err != nil {
			return &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "BAD_PAYLOAD", ErrorMessage: err.Error()}
		}
	}

	switch taskType {
	case TaskSearchSymbols:
		return e.publicGET(ctx, e.spotBaseURL, "/api/v3/exchangeInfo", orderedParams{{"search", params["search"]}})
	case TaskResolveSymbol:
		return e.publicGET(ctx, e.spotBaseURL, "/api/v3/exchangeInfo", orderedParams{{"symbol", params["symbol"]}})
	case TaskExchangeInfo:
		return e.publicGET(ctx, e.spotBaseURL, "/api/v3/exchangeInfo", nil)
	case TaskKlines:
		return e.publicGET(ctx, e.baseURLFor(params["exchange"]), "/api/v3/klines", orderedParams{
			{"symbol", params["symbol"]}, {"interval", params["interval"]},
			{"startTime", params["from"]}, {"endTime", params["to"]},
		})
	case TaskQuotesSnapshot:
		return e.publicGET(ctx, e.baseURLFor(params["exchange"]), "/api/v3/ticker/bookTicker", orderedParams{{"symbol", params["symbol"]}})
	case TaskSpotAccount:
		return e.signedGET(ctx, e.spotBaseURL, "/api/v3/account", nil)
	case TaskFuturesAccount:
		return e.signedGET(ctx, e.futuresBaseURL, "/fapi/v2/account", nil)
	default:
		return &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "UNKNOWN_TASK_TYPE", ErrorMessage: fmt.Sprintf("no handler for task type %q", taskType)}
	}
}

func (e *RESTExecutor) baseURLFor(exchangeHint string) string {
	if strings.EqualFold(exchangeHint, "futures") {
		return e.futuresBaseURL
	}
	return e.spotBaseURL
}

// orderedParams preserves insertion order — query strings built from it
// must never be re-sorted, matching the upstream's signature requirements.
type orderedParams []kv

type kv struct {
	key, val string
}

func (p orderedParams) encode() string {
	var b strings.Builder
	for _, pair := range p {
		if pair.val == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(pair.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(pair.val))
	}
	return b.String()
}

func (e *RESTExecutor) publicGET(ctx context.Context, baseURL, path string, params orderedParams) *taskqueue.ExecutionResult {
	target := baseURL + path
	if qs := params.encode(); qs != "" {
		target += "?" + qs
	}
	return e.doGET(ctx, target, false)
}

// signedGET builds the query string in insertion order, appends timestamp
// and recvWindow last, signs the ASCII query string, and appends the
// resulting signature — never alphabetizing the parameters (spec.md §4.5).
func (e *RESTExecutor) signedGET(ctx context.Context, baseURL, path string, params orderedParams) *taskqueue.ExecutionResult {
	if e.signer == nil {
		return &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "NO_CREDENTIALS", ErrorMessage: "no signer configured for authenticated task", Retryable: false}
	}

	full := append(orderedParams{}, params...)
	full = append(full,
		kv{"recvWindow", strconv.FormatInt(e.recvWindowMS, 10)},
		kv{"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10)},
	)
	qs := full.encode()

	sig, err := e.signer.Sign([]byte(qs))
	if err != nil {
		return &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "SIGNING_FAILED", ErrorMessage: err.Error()}
	}
	target := baseURL + path + "?" + qs + "&signature=" + url.QueryEscape(sig)
	return e.doGET(ctx, target, true)
}

func (e *RESTExecutor) doGET(ctx context.Context, target string, signed bool) *taskqueue.ExecutionResult {
	body, _, err := e.doRequest(ctx, http.MethodGet, target, signed)
	if err != nil {
		return err
	}
	return &taskqueue.ExecutionResult{Status: taskqueue.StatusSucceeded, Result: json.RawMessage(body)}
}

// doRequest issues one signed-or-public HTTP call and classifies the
// response the same way every task-executing path does: 429/5xx is
// transient and retryable, 4xx is a rejection that retrying won't fix.
// Returns the raw body on success, or a populated *ExecutionResult (never
// nil) describing the failure.
func (e *RESTExecutor) doRequest(ctx context.Context, method, target string, signed bool) ([]byte, *taskqueue.ExecutionResult) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "BAD_REQUEST", ErrorMessage: err.Error()}
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "UPSTREAM_DISCONNECTED", ErrorMessage: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "UPSTREAM_DISCONNECTED", ErrorMessage: err.Error(), Retryable: true}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "UPSTREAM_TRANSIENT", ErrorMessage: string(body), Retryable: true}
	case resp.StatusCode >= 400:
		return nil, &taskqueue.ExecutionResult{Status: taskqueue.StatusFailed, ErrorCode: "UPSTREAM_REJECTED", ErrorMessage: string(body), Retryable: false}
	}

	return body, nil
}

// signedCall signs an arbitrary method (POST/PUT/DELETE) against path the
// same way signedGET does for GET, for the listen-key lifecycle calls
// (spec.md §4.7) which aren't part of the task-queue's GET-only vocabulary.
func (e *RESTExecutor) signedCall(ctx context.Context, method, baseURL, path string, params orderedParams) ([]byte, error) {
	if e.signer == nil {
		return nil, fmt.Errorf("no signer configured for authenticated call")
	}

	full := append(orderedParams{}, params...)
	full = append(full,
		kv{"recvWindow", strconv.FormatInt(e.recvWindowMS, 10)},
		kv{"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10)},
	)
	qs := full.encode()

	sig, err := e.signer.Sign([]byte(qs))
	if err != nil {
		return nil, fmt.Errorf("sign listen-key call: %w", err)
	}
	target := baseURL + path + "?" + qs + "&signature=" + url.QueryEscape(sig)

	body, res := e.doRequest(ctx, method, target, true)
	if res != nil {
		return nil, fmt.Errorf("%s: %s", res.ErrorCode, res.ErrorMessage)
	}
	return body, nil
}

// accountResponse is the subset of the upstream account payload this
// adapter cares about: asset balances and (futures only) open positions,
// both keyed by symbol with a string quantity, matching the shape
// TaskSpotAccount/TaskFuturesAccount already pass straight through to
// one-shot-get clients.
type accountResponse struct {
	Balances []struct {
		Asset string `json:"asset"`
		Free  string `json:"free"`
	} `json:"balances"`
	Positions []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
	} `json:"positions"`
}

func parseAccountSnapshot(body []byte) (account.Snapshot, error) {
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return account.Snapshot{}, fmt.Errorf("decode account response: %w", err)
	}
	snap := account.Snapshot{
		Balances:  make(map[string]float64, len(resp.Balances)),
		Positions: make(map[string]float64, len(resp.Positions)),
		EventTime: time.Now(),
	}
	for _, b := range resp.Balances {
		qty, _ := strconv.ParseFloat(b.Free, 64)
		snap.Balances[b.Asset] = qty
	}
	for _, p := range resp.Positions {
		qty, _ := strconv.ParseFloat(p.PositionAmt, 64)
		snap.Positions[p.Symbol] = qty
	}
	return snap, nil
}

// FetchSpotAccountSnapshot satisfies account.SnapshotFetcher for the spot
// account stream.
func (e *RESTExecutor) FetchSpotAccountSnapshot(ctx context.Context) (account.Snapshot, error) {
	body, res := e.doRequest(ctx, http.MethodGet, e.signedAccountURL(e.spotBaseURL, "/api/v3/account"), true)
	if res != nil {
		return account.Snapshot{}, fmt.Errorf("%s: %s", res.ErrorCode, res.ErrorMessage)
	}
	return parseAccountSnapshot(body)
}

// FetchFuturesAccountSnapshot satisfies account.SnapshotFetcher for the
// futures account stream.
func (e *RESTExecutor) FetchFuturesAccountSnapshot(ctx context.Context) (account.Snapshot, error) {
	body, res := e.doRequest(ctx, http.MethodGet, e.signedAccountURL(e.futuresBaseURL, "/fapi/v2/account"), true)
	if res != nil {
		return account.Snapshot{}, fmt.Errorf("%s: %s", res.ErrorCode, res.ErrorMessage)
	}
	return parseAccountSnapshot(body)
}

func (e *RESTExecutor) signedAccountURL(baseURL, path string) string {
	full := orderedParams{
		{"recvWindow", strconv.FormatInt(e.recvWindowMS, 10)},
		{"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10)},
	}
	qs := full.encode()
	sig, _ := e.signer.Sign([]byte(qs))
	return baseURL + path + "?" + qs + "&signature=" + url.QueryEscape(sig)
}

// CreateFuturesListenKey satisfies account.ListenKeyCreator: a signed POST
// that mints a new futures user-data-stream listen key (spec.md §4.7).
func (e *RESTExecutor) CreateFuturesListenKey(ctx context.Context) (string, error) {
	body, err := e.signedCall(ctx, http.MethodPost, e.futuresBaseURL, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key response: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveFuturesListenKey satisfies account.ListenKeyKeepAlive: a signed
// PUT that extends the given listen key's TTL.
func (e *RESTExecutor) KeepAliveFuturesListenKey(ctx context.Context, listenKey string) error {
	_, err := e.signedCall(ctx, http.MethodPut, e.futuresBaseURL, "/fapi/v1/listenKey", orderedParams{{"listenKey", listenKey}})
	return err
}
