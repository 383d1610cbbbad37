// Package features turns a transaction and its velocity counters into the
// fixed-layout numeric vector the scoring engine consumes.
//
// Extraction is pure and total: missing optional inputs map to documented
// defaults instead of errors.
//
//	missing email          -> empty domain, is_disposable_email = 0
//	missing device id      -> has_device = 0
//	missing ip / counters  -> zero counts and sums
//	no 24h history         -> amount_to_avg_24h = 1
//	zero timestamp         -> hour_of_day = 12, is_unusual_hour = 0, is_weekend = 0
//	negative amount        -> treated as 0
package features

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/HanTheDev/risk-scoring-gateway/internal/models"
)

// SchemaV1 identifies the column layout below.
const SchemaV1 = "v1"

// Column names of schema v1, in order.
const (
	Amount            = "amount"
	LogAmount         = "log_amount"
	HourOfDay         = "hour_of_day"
	IsUnusualHour     = "is_unusual_hour"
	IsWeekend         = "is_weekend"
	IsRoundAmount     = "is_round_amount"
	IsDisposableEmail = "is_disposable_email"
	IsForeignCurrency = "is_foreign_currency"
	HasDevice         = "has_device"
	CustomerCount1h   = "customer_count_1h"
	CustomerSum1h     = "customer_sum_1h"
	CustomerCount24h  = "customer_count_24h"
	CustomerSum24h    = "customer_sum_24h"
	IPCount1h         = "ip_count_1h"
	IPCount24h        = "ip_count_24h"
	AmountToAvg24h    = "amount_to_avg_24h"
)

var namesV1 = []string{
	Amount,
	LogAmount,
	HourOfDay,
	IsUnusualHour,
	IsWeekend,
	IsRoundAmount,
	IsDisposableEmail,
	IsForeignCurrency,
	HasDevice,
	CustomerCount1h,
	CustomerSum1h,
	CustomerCount24h,
	CustomerSum24h,
	IPCount1h,
	IPCount24h,
	AmountToAvg24h,
}

var schemas = map[string][]string{
	SchemaV1: namesV1,
}

var indexV1 = func() map[string]int {
	m := make(map[string]int, len(namesV1))
	for i, n := range namesV1 {
		m[n] = i
	}
	return m
}()

// Windows are the velocity windows the v1 columns read. Counters kept for
// other windows never reach the vector.
var Windows = []time.Duration{time.Hour, 24 * time.Hour}

// MissingWindows returns the entries of Windows absent from ws.
func MissingWindows(ws []time.Duration) []time.Duration {
	var missing []time.Duration
	for _, need := range Windows {
		if !slices.Contains(ws, need) {
			missing = append(missing, need)
		}
	}
	return missing
}

// Len is the number of columns in the current schema.
var Len = len(namesV1)

// Names returns a copy of the current schema's column names.
func Names() []string {
	out := make([]string, len(namesV1))
	copy(out, namesV1)
	return out
}

// Index resolves a column of the current schema.
func Index(name string) (int, bool) {
	i, ok := indexV1[name]
	return i, ok
}

// Vector is an extracted feature vector tagged with its schema.
type Vector struct {
	SchemaVersion string    `json:"schema_version"`
	Values        []float64 `json:"values"`
}

// Get reads a named column. It reports false when the vector's schema is
// unknown, does not contain name, or the vector is shorter than its schema.
func (v Vector) Get(name string) (float64, bool) {
	names, ok := schemas[v.SchemaVersion]
	if !ok {
		return 0, false
	}
	for i, n := range names {
		if n == name {
			if i >= len(v.Values) {
				return 0, false
			}
			return v.Values[i], true
		}
	}
	return 0, false
}

// Names returns the column names of the vector's schema, or nil when unknown.
func (v Vector) Names() []string {
	return schemas[v.SchemaVersion]
}

type Config struct {
	BaseCurrency string

	// UnusualHourStart and UnusualHourEnd bound [start, end) in UTC.
	UnusualHourStart int
	UnusualHourEnd   int

	// RoundAmountUnit marks amounts that are whole multiples of it (and at least it) as round.
	RoundAmountUnit decimal.Decimal

	DisposableDomains []string
}

func DefaultConfig() Config {
	return Config{
		BaseCurrency:     "USD",
		UnusualHourStart: 0,
		UnusualHourEnd:   5,
		RoundAmountUnit:  decimal.NewFromInt(100),
		DisposableDomains: []string{
			"mailinator.com",
			"guerrillamail.com",
			"10minutemail.com",
			"tempmail.com",
			"temp-mail.org",
			"yopmail.com",
			"trashmail.com",
			"sharklasers.com",
			"getnada.com",
			"dispostable.com",
			"throwawaymail.com",
			"maildrop.cc",
		},
	}
}

type Extractor struct {
	cfg        Config
	disposable map[string]struct{}
}

func NewExtractor(cfg Config) *Extractor {
	if cfg.BaseCurrency == "" {
		cfg.BaseCurrency = "USD"
	}
	if cfg.RoundAmountUnit.IsZero() {
		cfg.RoundAmountUnit = decimal.NewFromInt(100)
	}
	disposable := make(map[string]struct{}, len(cfg.DisposableDomains))
	for _, d := range cfg.DisposableDomains {
		disposable[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Extractor{cfg: cfg, disposable: disposable}
}

// Extract builds the schema v1 vector. It never fails.
func (e *Extractor) Extract(txn *models.Transaction, vc models.VelocityCounters) Vector {
	values := make([]float64, len(namesV1))
	set := func(name string, v float64) {
		values[indexV1[name]] = v
	}

	amount := txn.Amount
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	amountF := amount.InexactFloat64()
	set(Amount, amountF)
	set(LogAmount, math.Log1p(amountF))

	hour, unusual, weekend := 12, false, false
	if !txn.Timestamp.IsZero() {
		ts := txn.Timestamp.UTC()
		hour = ts.Hour()
		unusual = hour >= e.cfg.UnusualHourStart && hour < e.cfg.UnusualHourEnd
		weekend = ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday
	}
	set(HourOfDay, float64(hour))
	set(IsUnusualHour, flag(unusual))
	set(IsWeekend, flag(weekend))

	unit := e.cfg.RoundAmountUnit
	set(IsRoundAmount, flag(amount.GreaterThanOrEqual(unit) && amount.Mod(unit).IsZero()))

	_, disposable := e.disposable[EmailDomain(txn.CustomerEmail)]
	set(IsDisposableEmail, flag(disposable))
	set(IsForeignCurrency, flag(txn.Currency != "" && !strings.EqualFold(txn.Currency, e.cfg.BaseCurrency)))
	set(HasDevice, flag(strings.TrimSpace(txn.DeviceID) != ""))

	c1h := vc.CustomerWindow(time.Hour)
	c24h := vc.CustomerWindow(24 * time.Hour)
	set(CustomerCount1h, float64(c1h.Count))
	set(CustomerSum1h, c1h.Sum)
	set(CustomerCount24h, float64(c24h.Count))
	set(CustomerSum24h, c24h.Sum)
	set(IPCount1h, float64(vc.IPWindow(time.Hour).Count))
	set(IPCount24h, float64(vc.IPWindow(24*time.Hour).Count))

	ratio := 1.0
	if c24h.Count > 0 && c24h.Sum > 0 {
		ratio = amountF / (c24h.Sum / float64(c24h.Count))
	}
	set(AmountToAvg24h, ratio)

	return Vector{SchemaVersion: SchemaV1, Values: values}
}

// EmailDomain returns the lower-cased domain of an address, or "" when there is none.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[at+1:]))
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
