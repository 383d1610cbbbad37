package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are stored as NUMERIC(18,4): four decimal places and an exclusive
// upper bound of 10^14.
const AmountScale = 4

var MaxAmount = decimal.New(1, 14)

type Transaction struct {
	ID            string          `json:"id" validate:"required,max=64"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"required,currency_code"`
	CustomerID    string          `json:"customer_id" validate:"required,max=128"`
	CustomerEmail string          `json:"customer_email,omitempty" validate:"omitempty,email"`
	DeviceID      string          `json:"device_id,omitempty" validate:"max=128"`
	IPAddress     string          `json:"ip_address,omitempty" validate:"omitempty,ip"`
	Timestamp     time.Time       `json:"timestamp" validate:"required"`
}

// DimensionKind names what a velocity counter is keyed on.
type DimensionKind string

const (
	DimensionCustomer DimensionKind = "customer"
	DimensionIP       DimensionKind = "ip"
)

type Dimension struct {
	Kind  DimensionKind `json:"kind"`
	Value string        `json:"value"`
}

func (d Dimension) String() string {
	return fmt.Sprintf("%s:%s", d.Kind, d.Value)
}

// Dimensions returns the velocity dimensions a transaction contributes to.
// The IP dimension is skipped when no address was supplied.
func (t *Transaction) Dimensions() []Dimension {
	dims := []Dimension{{Kind: DimensionCustomer, Value: t.CustomerID}}
	if t.IPAddress != "" {
		dims = append(dims, Dimension{Kind: DimensionIP, Value: t.IPAddress})
	}
	return dims
}

type WindowStats struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// Clamp drops negative values, which can only come from a corrupt source.
func (w WindowStats) Clamp() WindowStats {
	if w.Count < 0 {
		w.Count = 0
	}
	if w.Sum < 0 {
		w.Sum = 0
	}
	return w
}

// VelocityCounters holds the per-window stats of one transaction's dimensions.
// Missing windows read as zero.
type VelocityCounters struct {
	Customer map[time.Duration]WindowStats
	IP       map[time.Duration]WindowStats
}

func (v VelocityCounters) CustomerWindow(w time.Duration) WindowStats {
	return v.Customer[w]
}

func (v VelocityCounters) IPWindow(w time.Duration) WindowStats {
	return v.IP[w]
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

type Recommendation string

const (
	RecommendApprove Recommendation = "APPROVE"
	RecommendReview  Recommendation = "REVIEW"
	RecommendDecline Recommendation = "DECLINE"
)

type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
)

type ScoreResult struct {
	TransactionID    string             `json:"transaction_id"`
	FraudScore       float64            `json:"fraud_score"`
	RiskLevel        RiskLevel          `json:"risk_level"`
	Recommendation   Recommendation     `json:"recommendation"`
	Factors          map[string]float64 `json:"factors"`
	Confidence       Confidence         `json:"confidence"`
	ModelVersion     string             `json:"model_version"`
	ProcessingTimeMs int64              `json:"processing_time_ms"`
}

type AdmitDecision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"-"`
}

// PersistResult is the durable store's acknowledgement. Inserted is false
// when the transaction id was already stored.
type PersistResult struct {
	ID       string `json:"id"`
	Inserted bool   `json:"inserted"`
}
