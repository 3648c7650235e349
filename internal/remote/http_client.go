package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shinnkura/donezo/internal/record"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

var (
	errMissingBaseURL = errors.New("remote base url is required")
	noOpLogger        = zap.NewNop()
)

// TokenSource supplies the bearer credential attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns the same pre-issued token for every call.
func StaticTokenSource(token string) TokenSource {
	return staticTokenSource(token)
}

type staticTokenSource string

func (s staticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// HTTPAuthorityConfig configures the HTTP remote authority client.
type HTTPAuthorityConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// HTTPAuthority talks to the remote authority over its JSON API.
type HTTPAuthority struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPAuthority validates the configuration and constructs the client.
func NewHTTPAuthority(cfg HTTPAuthorityConfig) (*HTTPAuthority, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &HTTPAuthority{
		baseURL:    base,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type applyRequestPayload struct {
	Table            string          `json:"table"`
	Operation        string          `json:"operation"`
	RecordID         string          `json:"record_id"`
	OwnerID          string          `json:"owner_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
}

type wireRecord struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAtSeconds int64           `json:"created_at_s"`
	UpdatedAtSeconds int64           `json:"updated_at_s"`
	IsDeleted        bool            `json:"is_deleted"`
}

type snapshotPayload struct {
	Tasks       []wireRecord `json:"tasks"`
	Projects    []wireRecord `json:"projects"`
	Sessions    []wireRecord `json:"sessions"`
	AsOfSeconds int64        `json:"as_of_s"`
}

// Apply pushes one queued mutation. A nil record with nil error is the
// acknowledgment of a delete.
func (a *HTTPAuthority) Apply(ctx context.Context, request ApplyRequest) (*record.Record, error) {
	body := applyRequestPayload{
		Table:            request.Table.String(),
		Operation:        request.Operation.String(),
		RecordID:         request.RecordID.String(),
		OwnerID:          request.OwnerID.String(),
		UpdatedAtSeconds: request.UpdatedAtSeconds,
	}
	if request.PayloadJSON != "" {
		body.Payload = json.RawMessage(request.PayloadJSON)
	}

	responseBody, err := a.do(ctx, http.MethodPost, "/v1/sync/apply", nil, body)
	if err != nil {
		return nil, err
	}
	if len(responseBody) == 0 {
		return nil, nil
	}

	var wire wireRecord
	if err := json.Unmarshal(responseBody, &wire); err != nil {
		return nil, fmt.Errorf("%w: decoding apply response: %v", ErrNetwork, err)
	}
	if wire.ID == "" {
		return nil, nil
	}
	applied := wire.toRecord(request.Table)
	return &applied, nil
}

// FetchFull returns the owner's complete dataset.
func (a *HTTPAuthority) FetchFull(ctx context.Context, ownerID record.OwnerID) (Snapshot, error) {
	query := url.Values{"owner_id": []string{ownerID.String()}}
	responseBody, err := a.do(ctx, http.MethodGet, "/v1/sync/full", query, nil)
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(responseBody)
}

// FetchDelta returns records changed strictly after the watermark.
func (a *HTTPAuthority) FetchDelta(ctx context.Context, ownerID record.OwnerID, sinceSeconds int64) (Snapshot, error) {
	query := url.Values{
		"owner_id": []string{ownerID.String()},
		"since_s":  []string{strconv.FormatInt(sinceSeconds, 10)},
	}
	responseBody, err := a.do(ctx, http.MethodGet, "/v1/sync/delta", query, nil)
	if err != nil {
		return Snapshot{}, err
	}
	return decodeSnapshot(responseBody)
}

func (a *HTTPAuthority) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	endpoint := a.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding request: %v", ErrValidation, err)
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrNetwork, err)
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if a.tokens != nil {
		token, err := a.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: acquiring token: %v", ErrAuth, err)
		}
		if token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := a.httpClient.Do(request)
	if err != nil {
		a.logger.Warn("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer response.Body.Close() //nolint:errcheck

	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	return nil, classifyStatus(response.StatusCode, responseBody)
}

func classifyStatus(statusCode int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", ErrAuth, statusCode, detail)
	case statusCode == http.StatusBadRequest ||
		statusCode == http.StatusConflict ||
		statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", ErrValidation, statusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrNetwork, statusCode, detail)
	}
}

func decodeSnapshot(body []byte) (Snapshot, error) {
	var payload snapshotPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decoding snapshot: %v", ErrNetwork, err)
	}
	return Snapshot{
		Tasks:       wireRecords(payload.Tasks, record.TableTasks),
		Projects:    wireRecords(payload.Projects, record.TableProjects),
		Sessions:    wireRecords(payload.Sessions, record.TableSessions),
		AsOfSeconds: payload.AsOfSeconds,
	}, nil
}

func wireRecords(wires []wireRecord, table record.Table) []record.Record {
	records := make([]record.Record, 0, len(wires))
	for _, wire := range wires {
		records = append(records, wire.toRecord(table))
	}
	return records
}

func (w wireRecord) toRecord(table record.Table) record.Record {
	payload := ""
	if len(w.Payload) > 0 {
		payload = string(w.Payload)
	}
	return record.Record{
		TableKey:         table.String(),
		RecordID:         w.ID,
		OwnerID:          w.OwnerID,
		PayloadJSON:      payload,
		CreatedAtSeconds: w.CreatedAtSeconds,
		UpdatedAtSeconds: w.UpdatedAtSeconds,
		IsDeleted:        w.IsDeleted,
	}
}
