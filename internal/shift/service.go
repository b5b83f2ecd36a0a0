package shift

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/tillsync/internal/bus"
	"github.com/roach88/tillsync/internal/cache"
	"github.com/roach88/tillsync/internal/clock"
	"github.com/roach88/tillsync/internal/pos"
	"github.com/roach88/tillsync/internal/recon"
	"github.com/roach88/tillsync/internal/sequence"
)

// Defaults for write and publish coalescing.
const (
	DefaultWriteDebounce   = 300 * time.Millisecond
	DefaultPublishDebounce = 100 * time.Millisecond
)

// Publisher is the part of the bus the service needs.
type Publisher interface {
	Publish(topic string, payload any, opts ...bus.PublishOption) error
}

// Service records shift activity through the cache and announces it on the
// bus.
//
// Thread-safety: safe for concurrent use. Mutations are serialized within
// the process.
type Service struct {
	cache           *cache.Cache
	seq             *sequence.Generator
	pub             Publisher
	sched           clock.Scheduler
	log             *slog.Logger
	writeDebounce   time.Duration
	publishDebounce time.Duration

	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where change events go. Without one nothing is
// published.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithScheduler sets the time source.
func WithScheduler(sc clock.Scheduler) Option {
	return func(s *Service) { s.sched = sc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithWriteDebounce sets the cache debounce for record writes.
func WithWriteDebounce(d time.Duration) Option {
	return func(s *Service) { s.writeDebounce = d }
}

// WithPublishDebounce sets the coalescing window for invoices:changed.
func WithPublishDebounce(d time.Duration) Option {
	return func(s *Service) { s.publishDebounce = d }
}

// New creates a service.
func New(c *cache.Cache, seq *sequence.Generator, opts ...Option) *Service {
	s := &Service{
		cache:           c,
		seq:             seq,
		sched:           clock.System{},
		log:             slog.Default(),
		writeDebounce:   DefaultWriteDebounce,
		publishDebounce: DefaultPublishDebounce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaleDraft is the input for RecordSale.
type SaleDraft struct {
	Items         []pos.LineItem
	Discount      *pos.Discount
	TaxRate       decimal.Decimal // percent
	DownPayment   decimal.Decimal // zero for fully paid sales
	DueDate       string
	PaymentMethod string
}

// RefundDraft is the input for RecordRefund.
type RefundDraft struct {
	Amount        decimal.Decimal
	OriginalID    string
	PaymentMethod string
}

// Start opens a shift for operator with the counted opening cash.
func (s *Service) Start(ctx context.Context, operator string, opening decimal.Decimal) (Shift, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return Shift{}, invalid("operator is required")
	}
	if opening.IsNegative() {
		return Shift{}, invalid("opening amount %s is negative", opening)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, err := s.active(ctx, operator); err == nil {
		return Shift{}, &StateError{
			Code:     ErrCodeAlreadyActive,
			Message:  "operator already has an open shift",
			ShiftID:  cur.ID,
			Operator: operator,
		}
	}

	id, err := s.seq.NextShiftID(ctx)
	if err != nil {
		return Shift{}, fmt.Errorf("allocate shift id: %w", err)
	}
	sh := Shift{
		ID:         id,
		Operator:   operator,
		Status:     StatusActive,
		StartedAt:  s.sched.Now().UTC(),
		RecordIDs:  []string{},
		CashDrawer: CashDrawer{Opening: pos.NewAmount(opening)},
	}
	s.saveNow(ctx, sh)
	s.log.Info("shift started", "shift", id, "operator", operator, "opening", sh.CashDrawer.Opening.String())
	s.publish(bus.TopicShifts, Change{ShiftID: id, Status: sh.Status, Kind: ChangeStarted})
	return sh, nil
}

// End closes the shift. The reconciliation report and the expected cash
// are computed and frozen into the shift. closing is the counted drawer,
// or nil when it was not counted.
func (s *Service) End(ctx context.Context, shiftID string, closing *decimal.Decimal, notes string) (Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.load(ctx, shiftID)
	if err != nil {
		return Shift{}, err
	}
	if !sh.Active() {
		return Shift{}, &StateError{Code: ErrCodeCompleted, Message: "shift is already closed", ShiftID: shiftID}
	}

	report := recon.ComputeRaw(s.rawRecords(ctx, sh))
	expected := pos.NewAmount(recon.ExpectedCash(sh.CashDrawer.Opening.Decimal(), report))
	now := s.sched.Now().UTC()

	sh.Status = StatusCompleted
	sh.EndedAt = &now
	sh.Report = &report
	sh.Notes = notes
	sh.CashDrawer.Expected = &expected
	if closing != nil {
		counted := pos.NewAmount(*closing)
		diff := pos.NewAmount(closing.Sub(expected.Decimal()))
		sh.CashDrawer.Closing = &counted
		sh.CashDrawer.Difference = &diff
	}

	if err := s.cache.Flush(ctx); err != nil {
		s.log.Warn("pending records not persisted at shift close", "shift", shiftID, "error", err)
	}
	s.saveNow(ctx, sh)

	attrs := []any{
		"shift", shiftID,
		"invoices", report.TotalInvoices,
		"sales", report.TotalSales.String(),
		"refunds", report.TotalRefunds.String(),
		"expected_cash", expected.String(),
	}
	if sh.CashDrawer.Difference != nil {
		attrs = append(attrs, "difference", sh.CashDrawer.Difference.String())
	}
	s.log.Info("shift closed", attrs...)
	for _, w := range report.Warnings {
		s.log.Warn("reconciliation warning", "shift", shiftID, "code", w.Code, "message", w.Message, "records", w.RecordIDs)
	}

	s.publish(bus.TopicShifts, Change{ShiftID: shiftID, Status: sh.Status, Kind: ChangeEnded})
	return sh, nil
}

// RecordSale prices draft and stores it as a new invoice on an active
// shift.
func (s *Service) RecordSale(ctx context.Context, shiftID string, draft SaleDraft) (pos.SaleRecord, error) {
	if err := validateSale(draft); err != nil {
		return pos.SaleRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.loadActive(ctx, shiftID)
	if err != nil {
		return pos.SaleRecord{}, err
	}

	totals := pos.Price(draft.Items, draft.Discount, draft.TaxRate)
	if draft.DownPayment.GreaterThan(totals.Total) {
		return pos.SaleRecord{}, invalid("down payment %s exceeds total %s", draft.DownPayment, totals.Total.StringFixed(2))
	}

	id, err := s.seq.NextInvoiceID(ctx)
	if err != nil {
		return pos.SaleRecord{}, fmt.Errorf("allocate invoice id: %w", err)
	}
	rec := pos.SaleRecord{
		ID:            id,
		ShiftID:       sh.ID,
		Items:         draft.Items,
		Subtotal:      pos.NewAmount(totals.Subtotal),
		Discount:      draft.Discount,
		Total:         pos.NewAmount(totals.Total),
		PaymentMethod: strings.TrimSpace(draft.PaymentMethod),
		CreatedAt:     s.sched.Now().UTC(),
	}
	if draft.TaxRate.IsPositive() {
		rec.Tax = &pos.Tax{Rate: pos.NewAmount(draft.TaxRate), Amount: pos.NewAmount(totals.Tax)}
	}
	if draft.DownPayment.IsPositive() {
		rec.DownPayment = &pos.DownPayment{
			Amount:          pos.NewAmount(draft.DownPayment),
			RemainingAmount: pos.NewAmount(totals.Total.Sub(draft.DownPayment)),
			DueDate:         draft.DueDate,
		}
	}
	d := recon.Classify(rec)
	rec.Disposition = &d

	if err := s.link(sh, rec); err != nil {
		return pos.SaleRecord{}, err
	}
	s.log.Debug("sale recorded", "shift", sh.ID, "invoice", id, "total", rec.Total.String(), "disposition", d.Kind)
	s.publish(bus.TopicInvoices, Change{ShiftID: sh.ID, RecordID: id, Kind: ChangeSale}, bus.WithDebounce(s.publishDebounce))
	return rec, nil
}

// RecordRefund stores a refund as its own record with a negative total.
// When OriginalID is set, all refunds against that sale together may not
// exceed its total.
func (s *Service) RecordRefund(ctx context.Context, shiftID string, draft RefundDraft) (pos.SaleRecord, error) {
	if !draft.Amount.IsPositive() {
		return pos.SaleRecord{}, invalid("refund amount must be positive, got %s", draft.Amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sh, err := s.loadActive(ctx, shiftID)
	if err != nil {
		return pos.SaleRecord{}, err
	}

	method := strings.TrimSpace(draft.PaymentMethod)
	if draft.OriginalID != "" {
		orig, ok := s.record(ctx, draft.OriginalID)
		if !ok {
			return pos.SaleRecord{}, invalid("original invoice %s not found", draft.OriginalID)
		}
		if recon.Classify(orig).IsRefund() {
			return pos.SaleRecord{}, invalid("invoice %s is itself a refund", draft.OriginalID)
		}
		refunded := s.refundedAgainst(ctx, orig.ID)
		if left := orig.Total.Decimal().Sub(refunded); draft.Amount.GreaterThan(left) {
			return pos.SaleRecord{}, invalid("refund %s exceeds what is left of invoice %s (total %s, already refunded %s)",
				draft.Amount, orig.ID, orig.Total, refunded.StringFixed(2))
		}
		if method == "" {
			method = orig.PaymentMethod
		}
	}

	id, err := s.seq.NextInvoiceID(ctx)
	if err != nil {
		return pos.SaleRecord{}, fmt.Errorf("allocate invoice id: %w", err)
	}
	amount := pos.NewAmount(draft.Amount)
	neg := pos.NewAmount(draft.Amount.Neg())
	rec := pos.SaleRecord{
		ID:            id,
		ShiftID:       sh.ID,
		Items:         []pos.LineItem{},
		Subtotal:      neg,
		Total:         neg,
		PaymentMethod: method,
		CreatedAt:     s.sched.Now().UTC(),
		IsRefund:      true,
		RefundAmount:  &amount,
		OriginalID:    draft.OriginalID,
	}
	d := recon.Classify(rec)
	rec.Disposition = &d

	if err := s.link(sh, rec); err != nil {
		return pos.SaleRecord{}, err
	}
	s.log.Info("refund recorded", "shift", sh.ID, "invoice", id, "amount", amount.String(), "original", draft.OriginalID)
	s.publish(bus.TopicInvoices, Change{ShiftID: sh.ID, RecordID: id, Kind: ChangeRefund}, bus.WithDebounce(s.publishDebounce))
	return rec, nil
}

// Active returns the open shift of operator, or of any operator when
// operator is empty.
func (s *Service) Active(ctx context.Context, operator string) (Shift, error) {
	return s.active(ctx, strings.TrimSpace(operator))
}

func (s *Service) active(ctx context.Context, operator string) (Shift, error) {
	shifts, err := s.List(ctx)
	if err != nil {
		return Shift{}, err
	}
	for _, sh := range shifts {
		if sh.Active() && (operator == "" || sh.Operator == operator) {
			return sh, nil
		}
	}
	return Shift{}, &StateError{Code: ErrCodeNoActive, Message: "no open shift", Operator: operator}
}

// Get returns a shift by id.
func (s *Service) Get(ctx context.Context, id string) (Shift, error) {
	return s.load(ctx, id)
}

// List returns every shift ordered by start time.
func (s *Service) List(ctx context.Context) ([]Shift, error) {
	keys, err := s.cache.Keys(ctx, KeyPrefix)
	if err != nil {
		s.log.Warn("listing shifts from store failed", "error", err)
	}
	shifts := make([]Shift, 0, len(keys))
	for _, key := range keys {
		sh, err := s.load(ctx, strings.TrimPrefix(key, KeyPrefix))
		if err != nil {
			continue
		}
		shifts = append(shifts, sh)
	}
	sort.Slice(shifts, func(i, j int) bool {
		if !shifts[i].StartedAt.Equal(shifts[j].StartedAt) {
			return shifts[i].StartedAt.Before(shifts[j].StartedAt)
		}
		return shifts[i].ID < shifts[j].ID
	})
	return shifts, nil
}

// Records returns the shift's sale and refund records ordered by id.
// Records that do not decode are skipped.
func (s *Service) Records(ctx context.Context, shiftID string) ([]pos.SaleRecord, error) {
	sh, err := s.load(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	raws := s.rawRecords(ctx, sh)
	out := make([]pos.SaleRecord, 0, len(raws))
	for _, raw := range raws {
		var rec pos.SaleRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Report returns the frozen report of a completed shift, or a live report
// of an active one.
func (s *Service) Report(ctx context.Context, shiftID string) (recon.Report, error) {
	sh, err := s.load(ctx, shiftID)
	if err != nil {
		return recon.Report{}, err
	}
	if !sh.Active() && sh.Report != nil {
		return *sh.Report, nil
	}
	return recon.ComputeRaw(s.rawRecords(ctx, sh)), nil
}

// link stores rec and adds it to the shift, both debounced.
func (s *Service) link(sh Shift, rec pos.SaleRecord) error {
	if err := s.cache.Set(RecordKey(rec.ID), rec, s.writeDebounce); err != nil {
		return fmt.Errorf("store record %s: %w", rec.ID, err)
	}
	sh.RecordIDs = append(sh.RecordIDs, rec.ID)
	if err := s.cache.Set(Key(sh.ID), sh, s.writeDebounce); err != nil {
		return fmt.Errorf("store shift %s: %w", sh.ID, err)
	}
	return nil
}

// rawRecords collects the encoded records of sh: every id the shift lists,
// plus records that name the shift but were linked by another process whose
// shift update was lost. A listed id without data yields an empty entry,
// which reconciliation counts as malformed.
func (s *Service) rawRecords(ctx context.Context, sh Shift) []json.RawMessage {
	byID := make(map[string]json.RawMessage, len(sh.RecordIDs))
	for _, id := range sh.RecordIDs {
		raw, ok := s.cache.Raw(ctx, RecordKey(id))
		if !ok {
			s.log.Warn("shift lists a missing record", "shift", sh.ID, "record", id)
			byID[id] = nil
			continue
		}
		byID[id] = raw
	}

	keys, err := s.cache.Keys(ctx, RecordKeyPrefix)
	if err != nil {
		s.log.Warn("listing records from store failed", "error", err)
	}
	for _, key := range keys {
		id := strings.TrimPrefix(key, RecordKeyPrefix)
		if _, ok := byID[id]; ok {
			continue
		}
		raw, ok := s.cache.Raw(ctx, key)
		if !ok {
			continue
		}
		var head struct {
			ShiftID string `json:"shift_id"`
		}
		if json.Unmarshal(raw, &head) == nil && head.ShiftID == sh.ID {
			byID[id] = raw
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		out = append(out, byID[id])
	}
	return out
}

// refundedAgainst sums the refunds already recorded against invoice id,
// across every shift.
func (s *Service) refundedAgainst(ctx context.Context, id string) decimal.Decimal {
	keys, err := s.cache.Keys(ctx, RecordKeyPrefix)
	if err != nil {
		s.log.Warn("listing records from store failed", "error", err)
	}
	var sum decimal.Decimal
	for _, key := range keys {
		raw, ok := s.cache.Raw(ctx, key)
		if !ok {
			continue
		}
		var rec pos.SaleRecord
		if json.Unmarshal(raw, &rec) != nil || rec.OriginalID != id {
			continue
		}
		if d := recon.Classify(rec); d.IsRefund() {
			sum = sum.Add(d.Refund.Decimal())
		}
	}
	return sum
}

func (s *Service) record(ctx context.Context, id string) (pos.SaleRecord, bool) {
	raw, ok := s.cache.Raw(ctx, RecordKey(id))
	if !ok {
		return pos.SaleRecord{}, false
	}
	var rec pos.SaleRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pos.SaleRecord{}, false
	}
	return rec, true
}

// load reads a shift, picking up changes other processes made durable.
func (s *Service) load(ctx context.Context, id string) (Shift, error) {
	notFound := &StateError{Code: ErrCodeNotFound, Message: "unknown shift", ShiftID: id}
	if id == "" {
		return Shift{}, notFound
	}
	raw, ok := s.cache.Reload(ctx, Key(id))
	if !ok {
		return Shift{}, notFound
	}
	var sh Shift
	if err := json.Unmarshal(raw, &sh); err != nil {
		s.log.Warn("stored shift does not decode", "shift", id, "error", err)
		return Shift{}, notFound
	}
	return sh, nil
}

func (s *Service) loadActive(ctx context.Context, id string) (Shift, error) {
	sh, err := s.load(ctx, id)
	if err != nil {
		return Shift{}, err
	}
	if !sh.Active() {
		return Shift{}, &StateError{Code: ErrCodeCompleted, Message: "shift is closed", ShiftID: id}
	}
	return sh, nil
}

// saveNow persists a shift right away. Failure is logged; the in-memory
// copy stays authoritative and a later flush retries.
func (s *Service) saveNow(ctx context.Context, sh Shift) {
	if err := s.cache.SetImmediate(ctx, Key(sh.ID), sh); err != nil {
		s.log.Warn("shift not persisted", "shift", sh.ID, "error", err)
	}
}

func (s *Service) publish(topic string, payload any, opts ...bus.PublishOption) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(topic, payload, opts...); err != nil {
		s.log.Warn("publish failed", "topic", topic, "error", err)
	}
}

func validateSale(d SaleDraft) error {
	if len(d.Items) == 0 {
		return invalid("a sale needs at least one item")
	}
	for i, li := range d.Items {
		if strings.TrimSpace(li.Name) == "" {
			return invalid("item %d has no name", i+1)
		}
		if !li.Valid() {
			return invalid("item %q has a non-numeric price or quantity", li.Name)
		}
		if li.UnitPrice.IsNegative() {
			return invalid("item %q has a negative price", li.Name)
		}
		if !li.Quantity.IsPositive() {
			return invalid("item %q needs a positive quantity", li.Name)
		}
	}
	if d.Discount != nil {
		if d.Discount.Kind != pos.DiscountPercentage && d.Discount.Kind != pos.DiscountFixed {
			return invalid("unknown discount kind %q", d.Discount.Kind)
		}
		if d.Discount.Amount.IsNegative() {
			return invalid("discount is negative")
		}
		if d.Discount.Kind == pos.DiscountPercentage && d.Discount.Amount.Decimal().GreaterThan(decimal.NewFromInt(100)) {
			return invalid("discount above 100%%")
		}
	}
	if d.TaxRate.IsNegative() {
		return invalid("tax rate is negative")
	}
	if d.DownPayment.IsNegative() {
		return invalid("down payment is negative")
	}
	return nil
}
