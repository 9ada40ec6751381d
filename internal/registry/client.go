// Package registry implements the client for the national eHealth registry API.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ehealth-sync/internal/types"
)

// Record is a single registry resource as returned by list and detail
// endpoints. Fields not present for a given entity type stay zero-valued;
// Raw keeps the full payload for content-field merges.
type Record struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	TaxID          string          `json:"tax_id,omitempty"`
	FirstName      string          `json:"first_name,omitempty"`
	LastName       string          `json:"last_name,omitempty"`
	SecondName     string          `json:"second_name,omitempty"`
	Name           string          `json:"name,omitempty"`
	Type           string          `json:"type,omitempty"`
	Email          string          `json:"email,omitempty"`
	Position       string          `json:"position,omitempty"`
	EmployeeType   string          `json:"employee_type,omitempty"`
	StartDate      string          `json:"start_date,omitempty"`
	EndDate        string          `json:"end_date,omitempty"`
	DivisionID     string          `json:"division_id,omitempty"`
	EmployeeID     string          `json:"employee_id,omitempty"`
	LegalEntityID  string          `json:"legal_entity_id,omitempty"`
	PartyID        string          `json:"party_id,omitempty"`
	Documents      json.RawMessage `json:"documents,omitempty"`
	Qualifications json.RawMessage `json:"qualifications,omitempty"`
	Raw            json.RawMessage `json:"-"`
}

// Filters narrows registry list queries. Zero-valued fields are omitted.
type Filters struct {
	TaxID        string
	Status       string
	EmployeeType string
	DivisionID   string
	LegalEntity  string
}

// Page is one page of a registry list response.
type Page struct {
	Data   []Record
	Page   int
	IsLast bool
}

// Client is the paginated registry API consumed by sync jobs.
type Client interface {
	// GetMany fetches one 1-based page of records for an entity type.
	GetMany(ctx context.Context, token string, entity types.EntityType, filters Filters, page int) (*Page, error)
	// GetDetails fetches a single record by its registry uuid.
	GetDetails(ctx context.Context, token string, entity types.EntityType, id string) (*Record, error)
}

// HTTPClient is the production Client implementation.
type HTTPClient struct {
	baseURL  string
	pageSize int
	client   *http.Client
}

// NewHTTPClient creates a registry client against the given base URL.
func NewHTTPClient(baseURL string, pageSize int, timeout time.Duration) *HTTPClient {
	if pageSize <= 0 {
		pageSize = 50
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:  baseURL,
		pageSize: pageSize,
		client:   &http.Client{Timeout: timeout},
	}
}

// listEnvelope is the registry's list response wrapper.
type listEnvelope struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		PageNumber int `json:"page_number"`
		TotalPages int `json:"total_pages"`
	} `json:"paging"`
}

// detailEnvelope is the registry's detail response wrapper.
type detailEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// errorEnvelope is the registry's error response wrapper.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Invalid []struct {
			Entry string `json:"entry"`
			Rules []struct {
				Description string `json:"description"`
			} `json:"rules"`
		} `json:"invalid"`
	} `json:"error"`
}

func entityPath(entity types.EntityType) string {
	switch entity {
	case types.EntityEmployee:
		return "employees"
	case types.EntityEmployeeRole:
		return "employee_roles"
	case types.EntityDivision:
		return "divisions"
	case types.EntityEquipment:
		return "equipment"
	case types.EntityHealthcareService:
		return "healthcare_services"
	case types.EntityDeclaration:
		return "declarations"
	case types.EntityContractRequest:
		return "contract_requests"
	case types.EntityEmployeeRequest:
		return "employee_requests"
	case types.EntityConfidantPerson:
		return "confidant_persons"
	case types.EntityPartyVerification:
		return "party_verifications"
	case types.EntityLegalEntity:
		return "legal_entities"
	default:
		return string(entity)
	}
}

// GetMany fetches one page of records for an entity type.
func (c *HTTPClient) GetMany(ctx context.Context, token string, entity types.EntityType, filters Filters, page int) (*Page, error) {
	if page < 1 {
		page = 1
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("page_size", strconv.Itoa(c.pageSize))
	if filters.TaxID != "" {
		query.Set("tax_id", filters.TaxID)
	}
	if filters.Status != "" {
		query.Set("status", filters.Status)
	}
	if filters.EmployeeType != "" {
		query.Set("employee_type", filters.EmployeeType)
	}
	if filters.DivisionID != "" {
		query.Set("division_id", filters.DivisionID)
	}
	if filters.LegalEntity != "" {
		query.Set("legal_entity_id", filters.LegalEntity)
	}

	endpoint := fmt.Sprintf("%s/api/%s?%s", c.baseURL, entityPath(entity), query.Encode())

	body, err := c.do(ctx, token, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope listEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ResponseError{Status: http.StatusOK, Message: fmt.Sprintf("malformed list response: %v", err)}
	}

	records := make([]Record, 0, len(envelope.Data))
	for _, raw := range envelope.Data {
		var record Record
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil, &ResponseError{Status: http.StatusOK, Message: fmt.Sprintf("malformed record: %v", err)}
		}
		record.Raw = raw
		records = append(records, record)
	}

	isLast := envelope.Paging.TotalPages == 0 || envelope.Paging.PageNumber >= envelope.Paging.TotalPages
	return &Page{
		Data:   records,
		Page:   page,
		IsLast: isLast,
	}, nil
}

// GetDetails fetches a single record by registry uuid.
func (c *HTTPClient) GetDetails(ctx context.Context, token string, entity types.EntityType, id string) (*Record, error) {
	endpoint := fmt.Sprintf("%s/api/%s/%s", c.baseURL, entityPath(entity), url.PathEscape(id))

	body, err := c.do(ctx, token, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope detailEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &ResponseError{Status: http.StatusOK, Message: fmt.Sprintf("malformed detail response: %v", err)}
	}

	var record Record
	if err := json.Unmarshal(envelope.Data, &record); err != nil {
		return nil, &ResponseError{Status: http.StatusOK, Message: fmt.Sprintf("malformed record: %v", err)}
	}
	record.Raw = envelope.Data

	return &record, nil
}

// do performs a GET and maps failures to the registry error taxonomy.
func (c *HTTPClient) do(ctx context.Context, token, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, parseValidationError(body)
	default:
		return nil, parseResponseError(resp.StatusCode, body)
	}
}

func parseValidationError(body []byte) *ValidationError {
	var envelope errorEnvelope
	details := make(map[string][]string)
	message := "registry validation failed"

	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			message = envelope.Error.Message
		}
		for _, invalid := range envelope.Error.Invalid {
			for _, rule := range invalid.Rules {
				details[invalid.Entry] = append(details[invalid.Entry], rule.Description)
			}
		}
	}

	return &ValidationError{Message: message, Details: details}
}

func parseResponseError(status int, body []byte) *ResponseError {
	var envelope errorEnvelope
	message := http.StatusText(status)
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}
	return &ResponseError{Status: status, Message: message}
}
