package models

// Request models for the ops HTTP API. Bound by echo, defaulted and validated in pkg/http.

type EventQueryRequest struct {
	From       string `query:"from" json:"from" validate:"omitempty,timestr"`
	To         string `query:"to" json:"to" validate:"omitempty,timestr"`
	Instrument string `query:"instrument" json:"instrument" validate:"omitempty,instrument"`
	Type       string `query:"type" json:"type" validate:"omitempty,oneof=price.tick signal.generated consensus.approved consensus.rejected order.submitted order.pending order.cancelled order.rejected trade.executed risk.alert system.alert"`
	Limit      int    `query:"limit" json:"limit" default:"1000" validate:"gte=1,lte=10000"`
}

type LatestEventRequest struct {
	Instrument string `query:"instrument" json:"instrument" validate:"omitempty,instrument"`
	Type       string `query:"type" json:"type" validate:"omitempty,oneof=price.tick signal.generated consensus.approved consensus.rejected order.submitted order.pending order.cancelled order.rejected trade.executed risk.alert system.alert"`
}

type ImportEventsRequest struct {
	Events []Event `json:"events" validate:"required,min=1,max=10000,dive"`
}

type ConsensusHistoryRequest struct {
	Instrument string `param:"instrument" validate:"required,instrument"`
	Limit      int    `query:"limit" default:"20" validate:"gte=1,lte=1000"`
}

type PortfolioRequest struct {
	UserID string `param:"user" validate:"required"`
}

type OrdersRequest struct {
	Status string `query:"status" validate:"omitempty,oneof=SUBMITTED ACCEPTED PENDING_CONFIRMATION FILLED CANCELLED REJECTED"`
}

type CancelOrderRequest struct {
	ID string `param:"id" validate:"required"`
}
