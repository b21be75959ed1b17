package server

import (
	"apbdes/internal/domain"
	"apbdes/internal/summary"
)

// Request payloads

type CreateLineRequest struct {
	FiscalYear int    `json:"fiscal_year"`
	Kind       string `json:"kind" enum:"income,expense"`
	Category   string `json:"category"`
	Amount     int64  `json:"amount" minimum:"0"`
}

type EditLineRequest struct {
	Kind     *string `json:"kind,omitempty" enum:"income,expense"`
	Category *string `json:"category,omitempty"`
	Amount   *int64  `json:"amount,omitempty" minimum:"0"`
}

type RejectLineRequest struct {
	Reason string `json:"reason"`
}

type AddRealizationRequest struct {
	Amount int64  `json:"amount"`
	Date   string `json:"date"`
	Note   string `json:"note,omitempty"`
}

// Response payloads

type LineResponse struct {
	ID              string `json:"id"`
	Village         string `json:"village"`
	FiscalYear      int    `json:"fiscal_year"`
	Kind            string `json:"kind" enum:"income,expense"`
	Category        string `json:"category"`
	AccountCode     string `json:"account_code"`
	Description     string `json:"description"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status" enum:"draft,submitted,approved,rejected"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type LineListResponse struct {
	Items   []LineResponse `json:"items"`
	Summary summary.Totals `json:"summary"`
}

type SummaryResponse struct {
	Village    string         `json:"village"`
	FiscalYear int            `json:"fiscal_year"`
	Totals     summary.Totals `json:"totals"`
}

type RealizationResponse struct {
	ID        string `json:"id"`
	LineID    string `json:"line_id"`
	Amount    int64  `json:"amount"`
	Date      string `json:"date"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type NotificationResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role,omitempty"`
	Village   string `json:"village,omitempty"`
	Message   string `json:"message"`
	Link      string `json:"link,omitempty"`
	DataJSON  string `json:"data_json,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Village    string `json:"village,omitempty"`
	FiscalYear int    `json:"fiscal_year,omitempty"`
	LineID     string `json:"line_id,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

func lineResponse(l domain.BudgetLine) LineResponse {
	return LineResponse{
		ID:              l.ID,
		Village:         l.Village,
		FiscalYear:      l.FiscalYear,
		Kind:            string(l.Kind),
		Category:        l.Category,
		AccountCode:     l.AccountCode,
		Description:     l.Description,
		Amount:          l.Amount,
		Status:          string(l.Status),
		RejectionReason: l.RejectionReason,
		CreatedAt:       l.CreatedAt,
		UpdatedAt:       l.UpdatedAt,
	}
}

func mapLines(lines []domain.BudgetLine) []LineResponse {
	res := make([]LineResponse, 0, len(lines))
	for _, l := range lines {
		res = append(res, lineResponse(l))
	}
	return res
}

func realizationResponse(r domain.Realization) RealizationResponse {
	return RealizationResponse{
		ID:        r.ID,
		LineID:    r.LineID,
		Amount:    r.Amount,
		Date:      r.Date,
		Note:      r.Note,
		CreatedAt: r.CreatedAt,
	}
}

func mapRealizations(items []domain.Realization) []RealizationResponse {
	res := make([]RealizationResponse, 0, len(items))
	for _, r := range items {
		res = append(res, realizationResponse(r))
	}
	return res
}

func mapNotifications(items []domain.Notification) []NotificationResponse {
	res := make([]NotificationResponse, 0, len(items))
	for _, n := range items {
		res = append(res, NotificationResponse{
			ID:        n.ID,
			Role:      string(n.Role),
			Village:   n.Village,
			Message:   n.Message,
			Link:      n.Link,
			DataJSON:  n.DataJSON,
			CreatedAt: n.CreatedAt,
		})
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			Village:    e.Village,
			FiscalYear: e.FiscalYear,
			LineID:     e.LineID,
			Actor:      e.Actor,
			Payload:    e.Payload,
		})
	}
	return res
}
